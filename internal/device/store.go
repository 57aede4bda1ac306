package device

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ModelStore persists registered models as one JSON file per model
// under a directory. Writes are atomic (write temp, then rename) so a
// crash mid-write never leaves a truncated model behind.
//
// Thread Safety: callers serialize access; the Manager holds its
// catalog lock across store calls.
type ModelStore struct {
	dir string
}

// NewModelStore creates the store, making the directory if needed.
func NewModelStore(dir string) (*ModelStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating model directory %s: %w", dir, err)
	}
	return &ModelStore{dir: dir}, nil
}

// Save writes one model atomically.
func (s *ModelStore) Save(m *Model) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding model %s: %w", m.ID, err)
	}

	final := s.path(m.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing model %s: %w", m.ID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp) //nolint:errcheck // Best-effort cleanup of the temp file
		return fmt.Errorf("persisting model %s: %w", m.ID, err)
	}
	return nil
}

// Delete removes one model file. Missing files are not an error; the
// catalog is authoritative.
func (s *ModelStore) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting model %s: %w", id, err)
	}
	return nil
}

// LoadAll reads every model file in the directory. Files that fail to
// parse are skipped and reported so one corrupt file cannot block
// startup.
func (s *ModelStore) LoadAll() ([]*Model, []error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, []error{fmt.Errorf("reading model directory %s: %w", s.dir, err)}
	}

	var models []*Model
	var problems []error
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			problems = append(problems, fmt.Errorf("reading %s: %w", path, err))
			continue
		}
		var m Model
		if err := json.Unmarshal(data, &m); err != nil {
			problems = append(problems, fmt.Errorf("parsing %s: %w", path, err))
			continue
		}
		if err := ValidateModel(&m); err != nil {
			problems = append(problems, fmt.Errorf("validating %s: %w", path, err))
			continue
		}
		models = append(models, &m)
	}
	return models, problems
}

func (s *ModelStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
