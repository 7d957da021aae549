package main

import (
	"database/sql"
	"fmt"
)

// keySlotStore is the storage interface every per-user manager runs on.
// Hosts may inject their own implementation; the only guarantees the
// managers rely on are last-write-wins per key and read-your-writes.
type keySlotStore interface {
	Get(userID int64, key string) (string, error)
	GetMany(userID int64, keys []string) ([]string, error)
	Set(userID int64, key, value string) error
}

// sqliteSlotStore is the default keySlotStore backed by the shared state DB.
type sqliteSlotStore struct {
	db *sql.DB
}

func newSQLiteSlotStore(db *sql.DB) (*sqliteSlotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("slot store: nil db")
	}
	return &sqliteSlotStore{db: db}, nil
}

func (s *sqliteSlotStore) Get(userID int64, key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		"SELECT value FROM kv_slots WHERE user_id = ? AND key = ?",
		userID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("slot get %q: %w", key, err)
	}
	return value, nil
}

func (s *sqliteSlotStore) GetMany(userID int64, keys []string) ([]string, error) {
	// One statement per key keeps the absent-key-reads-empty contract simple
	// and the slot count is bounded, so this is not a hot path concern.
	values := make([]string, len(keys))
	stmt, err := s.db.Prepare("SELECT value FROM kv_slots WHERE user_id = ? AND key = ?")
	if err != nil {
		return nil, fmt.Errorf("slot get many: %w", err)
	}
	defer stmt.Close()
	for i, key := range keys {
		var value string
		err := stmt.QueryRow(userID, key).Scan(&value)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("slot get %q: %w", key, err)
		}
		values[i] = value
	}
	return values, nil
}

func (s *sqliteSlotStore) Set(userID int64, key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv_slots (user_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`,
		userID, key, value,
	)
	if err != nil {
		return fmt.Errorf("slot set %q: %w", key, err)
	}
	return nil
}
