package main

import (
	"database/sql"
	"fmt"
	"time"
)

// eventRetention is how long processed delivery events stay in the ledger.
// The platform redelivers within minutes when it thinks we were too slow,
// so a day of retention is plenty.
const eventRetention = 24 * time.Hour

// eventDedup is the at-most-once gate for inbound delivery events. The
// uniqueness lives in the events table's primary key, so two concurrent
// deliveries of the same event cannot both win.
type eventDedup struct {
	db  *sql.DB
	now func() time.Time
}

func newEventDedup(db *sql.DB) *eventDedup {
	return &eventDedup{db: db, now: time.Now}
}

// CheckAndRecord records eventID if it has not been seen inside the
// retention window. It returns true when this delivery is the first; on a
// duplicate it returns false plus the original receipt time, leaving the
// stored record untouched.
func (d *eventDedup) CheckAndRecord(eventID string, payload any) (bool, time.Time, error) {
	now := d.now()
	if err := d.prune(now); err != nil {
		// Pruning is housekeeping; a failed prune must not block delivery.
		logger.Warn("event ledger prune failed", "error", err)
	}

	encoded, err := fastJSONMarshal(payload)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("encode event payload: %w", err)
	}

	res, err := d.db.Exec(
		"INSERT OR IGNORE INTO events (event_id, received_at, payload) VALUES (?, ?, ?)",
		eventID, now.Unix(), string(encoded),
	)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("record event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("record event: %w", err)
	}
	if affected > 0 {
		return true, time.Time{}, nil
	}

	var receivedAt int64
	err = d.db.QueryRow(
		"SELECT received_at FROM events WHERE event_id = ?", eventID,
	).Scan(&receivedAt)
	if err != nil {
		// The original row was pruned between our insert and this read;
		// treat the event as a duplicate of unknown age.
		if err == sql.ErrNoRows {
			return false, time.Time{}, nil
		}
		return false, time.Time{}, fmt.Errorf("read duplicate event: %w", err)
	}
	return false, time.Unix(receivedAt, 0), nil
}

func (d *eventDedup) prune(now time.Time) error {
	cutoff := now.Add(-eventRetention).Unix()
	_, err := d.db.Exec("DELETE FROM events WHERE received_at < ?", cutoff)
	return err
}
