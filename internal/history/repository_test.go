package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/iotix/device-engine/internal/infrastructure/database"
	_ "github.com/iotix/device-engine/migrations" // Schema for the history store
)

// openRepo opens a migrated history store in a temporary directory.
func openRepo(t *testing.T) *Repository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		WALMode:       true,
		BusyTimeoutMs: 5000,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewRepository(db)
}

func insertN(t *testing.T, repo *Repository, deviceID, groupID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := repo.Insert(context.Background(), Record{
			DeviceID:  deviceID,
			ModelID:   "env-sensor",
			GroupID:   groupID,
			EventType: fmt.Sprintf("event-%d", i),
			Source:    "simulated",
			CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Insert() #%d error = %v", i, err)
		}
	}
}

// ==== Queries ====

func TestRepository_ListByDevice(t *testing.T) {
	repo := openRepo(t)
	insertN(t, repo, "sensor-1", "", 3)
	insertN(t, repo, "sensor-2", "", 1)

	got, err := repo.ListByDevice(context.Background(), "sensor-1", 0)
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ListByDevice() returned %d rows, want 3", len(got))
	}
	// Newest first.
	if got[0].EventType != "event-2" || got[2].EventType != "event-0" {
		t.Errorf("rows out of order: %s .. %s, want event-2 .. event-0",
			got[0].EventType, got[2].EventType)
	}
	if got[0].DeviceID != "sensor-1" || got[0].ModelID != "env-sensor" {
		t.Errorf("row = %+v, want sensor-1/env-sensor", got[0])
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not round-tripped")
	}

	limited, err := repo.ListByDevice(context.Background(), "sensor-1", 2)
	if err != nil {
		t.Fatalf("ListByDevice(limit) error = %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit=2 returned %d rows", len(limited))
	}

	none, err := repo.ListByDevice(context.Background(), "no-such-device", 0)
	if err != nil {
		t.Fatalf("ListByDevice(missing) error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("missing device returned %d rows, want 0", len(none))
	}
}

func TestRepository_ListByGroup(t *testing.T) {
	repo := openRepo(t)
	// A group-level event has no device id.
	insertN(t, repo, "", "fleet-a", 1)
	insertN(t, repo, "fleet-a-0", "fleet-a", 2)
	insertN(t, repo, "other-1", "fleet-b", 1)

	got, err := repo.ListByGroup(context.Background(), "fleet-a", 0)
	if err != nil {
		t.Fatalf("ListByGroup() error = %v", err)
	}
	if len(got) != 3 {
		t.Errorf("ListByGroup() returned %d rows, want 3", len(got))
	}
}

func TestRepository_ListClampsLimit(t *testing.T) {
	repo := openRepo(t)
	insertN(t, repo, "sensor-1", "", 5)

	got, err := repo.ListByDevice(context.Background(), "sensor-1", 100000)
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if len(got) != 5 {
		t.Errorf("clamped query returned %d rows, want 5", len(got))
	}
}

// ==== Retention ====

func TestRepository_Prune(t *testing.T) {
	repo := openRepo(t)
	insertN(t, repo, "sensor-1", "", 10)

	deleted, err := repo.Prune(context.Background(), 4)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if deleted != 6 {
		t.Errorf("Prune() deleted %d rows, want 6", deleted)
	}

	n, err := repo.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 4 {
		t.Errorf("Count() = %d after prune, want 4", n)
	}

	// The survivors are the newest rows.
	rows, err := repo.ListByDevice(context.Background(), "sensor-1", 0)
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if rows[len(rows)-1].EventType != "event-6" {
		t.Errorf("oldest survivor = %s, want event-6", rows[len(rows)-1].EventType)
	}

	// Under the cap, pruning is a no-op.
	deleted, err = repo.Prune(context.Background(), 100)
	if err != nil {
		t.Fatalf("Prune() under cap error = %v", err)
	}
	if deleted != 0 {
		t.Errorf("Prune() under cap deleted %d rows, want 0", deleted)
	}

	// Disabled retention never deletes.
	if deleted, _ := repo.Prune(context.Background(), 0); deleted != 0 {
		t.Errorf("Prune(0) deleted %d rows, want 0", deleted)
	}
}
