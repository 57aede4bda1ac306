package generator

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// replayGenerator walks a recorded trace loaded once at device start.
// Row order is preserved; the attribute's own interval drives the
// tempo, never the trace's original timing.
type replayGenerator struct {
	rows []interface{}
	loop bool
	pos  int
}

func newReplay(cfg Config) (*replayGenerator, error) {
	if cfg.DataFile == "" {
		return nil, fmt.Errorf("%w: replay requires dataFile", ErrInvalidConfig)
	}

	rows, err := loadReplayRows(cfg.DataFile, cfg.Column)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoData, cfg.DataFile)
	}

	loop := true
	if cfg.Loop != nil {
		loop = *cfg.Loop
	}
	return &replayGenerator{rows: rows, loop: loop}, nil
}

func (g *replayGenerator) Next(time.Time) (interface{}, error) {
	v := g.rows[g.pos]
	switch {
	case g.pos+1 < len(g.rows):
		g.pos++
	case g.loop:
		g.pos = 0
	}
	// Without loop the position parks on the final row and repeats it.
	return v, nil
}

func (g *replayGenerator) Reset() {
	g.pos = 0
}

// loadReplayRows reads a trace file. Three formats are recognised:
// CSV with a header row (selected by .csv extension), a single JSON
// array of values, and JSON lines where each line is either an object
// (column selects the field) or a bare value.
func loadReplayRows(path, column string) ([]interface{}, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path comes from the registered model
	if err != nil {
		return nil, fmt.Errorf("reading replay file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return parseCSVRows(data, column)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var values []interface{}
		if err := json.Unmarshal(trimmed, &values); err != nil {
			return nil, fmt.Errorf("parsing replay array: %w", err)
		}
		return values, nil
	}

	return parseJSONLines(data, column)
}

func parseCSVRows(data []byte, column string) ([]interface{}, error) {
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing replay csv: %w", err)
	}
	if len(records) < 2 {
		return nil, nil // Header only, or empty
	}

	header := records[0]
	col := -1
	switch {
	case column == "" && len(header) == 1:
		col = 0
	default:
		for i, name := range header {
			if name == column {
				col = i
				break
			}
		}
	}
	if col == -1 {
		return nil, fmt.Errorf("%w: column %q not in csv header %v", ErrInvalidConfig, column, header)
	}

	rows := make([]interface{}, 0, len(records)-1)
	for _, record := range records[1:] {
		if col >= len(record) {
			continue
		}
		rows = append(rows, coerceCSVValue(record[col]))
	}
	return rows, nil
}

// coerceCSVValue maps CSV cells onto JSON-ish types so replayed values
// marshal the same way generated ones do.
func coerceCSVValue(s string) interface{} {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func parseJSONLines(data []byte, column string) ([]interface{}, error) {
	var rows []interface{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var v interface{}
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("parsing replay line %d: %w", lineNo, err)
		}

		obj, isObject := v.(map[string]interface{})
		if !isObject {
			rows = append(rows, v)
			continue
		}
		if column == "" {
			return nil, fmt.Errorf("%w: replay of object rows requires column", ErrInvalidConfig)
		}
		field, ok := obj[column]
		if !ok {
			return nil, fmt.Errorf("%w: line %d missing column %q", ErrInvalidConfig, lineNo, column)
		}
		rows = append(rows, field)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning replay file: %w", err)
	}
	return rows, nil
}
