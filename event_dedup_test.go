package main

import (
	"testing"
	"time"
)

func TestDedupFirstAndDuplicate(t *testing.T) {
	db := newTestStateDB(t)
	d := newEventDedup(db)
	base := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return base }

	first, _, err := d.CheckAndRecord("ev-1", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !first {
		t.Fatal("first delivery reported as duplicate")
	}

	// Second delivery an hour later: rejected, original timestamp intact.
	d.now = func() time.Time { return base.Add(time.Hour) }
	first, prior, err := d.CheckAndRecord("ev-1", map[string]string{"text": "hi"})
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if first {
		t.Fatal("duplicate delivery reported as first")
	}
	if !prior.Equal(base) {
		t.Fatalf("prior = %v, want %v", prior, base)
	}

	var receivedAt int64
	if err := db.QueryRow("SELECT received_at FROM events WHERE event_id = ?", "ev-1").Scan(&receivedAt); err != nil {
		t.Fatalf("select: %v", err)
	}
	if receivedAt != base.Unix() {
		t.Fatalf("stored timestamp mutated: %d, want %d", receivedAt, base.Unix())
	}
}

func TestDedupDistinctEvents(t *testing.T) {
	d := newEventDedup(newTestStateDB(t))
	for _, id := range []string{"a", "b", "c"} {
		first, _, err := d.CheckAndRecord(id, nil)
		if err != nil {
			t.Fatalf("CheckAndRecord(%s): %v", id, err)
		}
		if !first {
			t.Fatalf("event %s rejected as duplicate", id)
		}
	}
}

func TestDedupPrunesOldEvents(t *testing.T) {
	db := newTestStateDB(t)
	d := newEventDedup(db)
	base := time.Unix(1_700_000_000, 0)

	d.now = func() time.Time { return base }
	if _, _, err := d.CheckAndRecord("old", nil); err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}

	// Two days later the old record is pruned, so the same id is fresh
	// again.
	d.now = func() time.Time { return base.Add(48 * time.Hour) }
	first, _, err := d.CheckAndRecord("old", nil)
	if err != nil {
		t.Fatalf("CheckAndRecord: %v", err)
	}
	if !first {
		t.Fatal("event older than retention still deduplicated")
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM events").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("ledger holds %d records, want 1", count)
	}
}
