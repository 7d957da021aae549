package main

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// statsRetention is the trailing window render records live in and the
// window every top-k aggregate runs over.
const statsRetention = 7 * 24 * time.Hour

type statsStore struct {
	db     *sql.DB
	now    func() time.Time
	window time.Duration
}

type userStat struct {
	UserID int64   `json:"user_id"`
	Value  float64 `json:"value"`
}

type errorRecord struct {
	ID       string
	Trace    string
	UserID   int64
	CausedBy string
	At       time.Time
}

func newStatsStore(db *sql.DB, window time.Duration) *statsStore {
	if window <= 0 {
		window = statsRetention
	}
	return &statsStore{db: db, now: time.Now, window: window}
}

func (s *statsStore) RecordRender(userID int64, timeTaken float64, wasError bool) error {
	errVal := 0
	if wasError {
		errVal = 1
	}
	_, err := s.db.Exec(
		"INSERT INTO renders (user_id, time_taken, at, was_error) VALUES (?, ?, ?, ?)",
		userID, timeTaken, s.now().Unix(), errVal,
	)
	if err != nil {
		return fmt.Errorf("record render: %w", err)
	}
	return nil
}

func (s *statsStore) topBy(expr, where string, limit int) ([]userStat, error) {
	if limit <= 0 {
		limit = 10
	}
	cutoff := s.now().Add(-s.window).Unix()
	// Secondary order by user id keeps ties deterministic.
	query := fmt.Sprintf(
		"SELECT user_id, %s AS agg FROM renders WHERE at >= ?%s GROUP BY user_id ORDER BY agg DESC, user_id ASC LIMIT ?",
		expr, where,
	)
	rows, err := s.db.Query(query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	var stats []userStat
	for rows.Next() {
		var st userStat
		if err := rows.Scan(&st.UserID, &st.Value); err != nil {
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *statsStore) TopByTotalTime(limit int) ([]userStat, error) {
	return s.topBy("SUM(time_taken)", "", limit)
}

func (s *statsStore) TopByRenderCount(limit int) ([]userStat, error) {
	return s.topBy("COUNT(*)", "", limit)
}

func (s *statsStore) TopByErrorCount(limit int) ([]userStat, error) {
	return s.topBy("COUNT(*)", " AND was_error = 1", limit)
}

// PruneOlderThan deletes render records past the retention cutoff. It is a
// single DELETE, so frequent or concurrent calls are harmless.
func (s *statsStore) PruneOlderThan(age time.Duration) (int64, error) {
	cutoff := s.now().Add(-age).Unix()
	res, err := s.db.Exec("DELETE FROM renders WHERE at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune renders: %w", err)
	}
	return res.RowsAffected()
}

// topReport bundles the three leaderboards for operator consumption.
type topReport struct {
	ByTotalTime   []userStat `json:"by_total_time"`
	ByRenderCount []userStat `json:"by_render_count"`
	ByErrorCount  []userStat `json:"by_error_count"`
}

func (s *statsStore) TopReportJSON(limit int) ([]byte, error) {
	var report topReport
	var err error
	if report.ByTotalTime, err = s.TopByTotalTime(limit); err != nil {
		return nil, err
	}
	if report.ByRenderCount, err = s.TopByRenderCount(limit); err != nil {
		return nil, err
	}
	if report.ByErrorCount, err = s.TopByErrorCount(limit); err != nil {
		return nil, err
	}
	return fastJSONMarshal(report)
}

// RecordError persists an operational failure and returns an opaque id the
// user can quote back to an operator. Error records are kept until an
// operator deletes them.
func (s *statsStore) RecordError(trace string, userID int64, causedBy string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(
		"INSERT INTO render_errors (id, trace, user_id, caused_by, at) VALUES (?, ?, ?, ?, ?)",
		id, trace, userID, causedBy, s.now().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("record error: %w", err)
	}
	return id, nil
}

func (s *statsStore) GetError(id string) (*errorRecord, error) {
	var rec errorRecord
	var at int64
	var userID sql.NullInt64
	var causedBy sql.NullString
	err := s.db.QueryRow(
		"SELECT id, trace, user_id, caused_by, at FROM render_errors WHERE id = ?", id,
	).Scan(&rec.ID, &rec.Trace, &userID, &causedBy, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get error record: %w", err)
	}
	rec.UserID = userID.Int64
	rec.CausedBy = causedBy.String
	rec.At = time.Unix(at, 0)
	return &rec, nil
}

func (s *statsStore) DeleteError(id string) error {
	_, err := s.db.Exec("DELETE FROM render_errors WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete error record: %w", err)
	}
	return nil
}
