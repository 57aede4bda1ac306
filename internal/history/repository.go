package history

import (
	"context"
	"fmt"
	"time"

	"github.com/iotix/device-engine/internal/infrastructure/database"
)

// maxListLimit caps how many rows one List call may return.
const maxListLimit = 1000

// defaultListLimit applies when the caller passes no limit.
const defaultListLimit = 100

// Record is one persisted event row. Group-level operations (launch,
// dropout, group stop/delete) carry an empty DeviceID.
type Record struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"deviceId,omitempty"`
	ModelID   string    `json:"modelId,omitempty"`
	GroupID   string    `json:"groupId,omitempty"`
	EventType string    `json:"eventType"`
	Detail    string    `json:"detail,omitempty"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"createdAt"`
}

// Repository reads and writes the device_events table.
type Repository struct {
	db *database.DB
}

// NewRepository wraps an open, migrated database handle.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Insert appends one event row.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - r: Event to persist; ID is ignored
//
// Returns:
//   - error: If the insert fails
func (r *Repository) Insert(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_events (device_id, model_id, group_id, event_type, detail, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.DeviceID, rec.ModelID, rec.GroupID, rec.EventType, rec.Detail, rec.Source,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListByDevice returns a device's events newest first.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - deviceID: Device to query
//   - limit: Row cap; 0 applies the default, values above 1000 are clamped
//
// Returns:
//   - []Record: Matching rows, newest first
//   - error: If the query fails
func (r *Repository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]Record, error) {
	return r.list(ctx, "device_id = ?", deviceID, limit)
}

// ListByGroup returns a group's events newest first, including both the
// group-level operations and its members' transitions.
func (r *Repository) ListByGroup(ctx context.Context, groupID string, limit int) ([]Record, error) {
	return r.list(ctx, "group_id = ?", groupID, limit)
}

func (r *Repository) list(ctx context.Context, where, arg string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_id, model_id, group_id, event_type, detail, source, created_at
		FROM device_events
		WHERE `+where+`
		ORDER BY id DESC
		LIMIT ?`, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var created string
		if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.ModelID, &rec.GroupID,
			&rec.EventType, &rec.Detail, &rec.Source, &created); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return out, nil
}

// Count returns the total number of stored events.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM device_events").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// Prune deletes the oldest rows until at most maxRows remain.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - maxRows: Retention cap; non-positive disables pruning
//
// Returns:
//   - int64: Rows deleted
//   - error: If the delete fails
func (r *Repository) Prune(ctx context.Context, maxRows int) (int64, error) {
	if maxRows <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM device_events
		WHERE id <= (
			SELECT id FROM device_events
			ORDER BY id DESC
			LIMIT 1 OFFSET ?
		)`, maxRows)
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading prune result: %w", err)
	}
	return deleted, nil
}
