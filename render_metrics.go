package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

const slowRenderLimit = 12

// slowRender is one entry in the persisted slowest-renders list. It names
// the user and how long the job held a compile slot, not what was rendered.
type slowRender struct {
	UserID    int64     `json:"user_id"`
	Seconds   float64   `json:"seconds"`
	Timestamp time.Time `json:"timestamp"`
	Failed    bool      `json:"failed"`
}

// renderMetrics keeps in-process counters for the current run. Unlike the
// stats ledger these reset on restart; they exist so the service log can
// answer "what has this process been doing" without a database query.
type renderMetrics struct {
	mu             sync.RWMutex
	succeeded      uint64
	failed         uint64
	failureReasons map[string]uint64
	duplicates     uint64
	rateLimited    uint64
	commands       uint64

	slowRenders     [slowRenderLimit]slowRender
	slowRenderCount int
	slowRendersMu   sync.RWMutex
	slowRendersFile string
	slowRenderChan  chan slowRender
}

func newRenderMetrics() *renderMetrics {
	m := &renderMetrics{
		failureReasons: make(map[string]uint64),
		slowRenderChan: make(chan slowRender, 64),
	}
	go m.slowRenderWorker()
	return m
}

// SetSlowRendersFile enables persistence of the slowest-renders list and
// loads whatever a previous run left behind.
func (m *renderMetrics) SetSlowRendersFile(path string) {
	if m == nil || path == "" {
		return
	}
	m.slowRendersFile = path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("create slow renders directory", "error", err, "path", filepath.Dir(path))
	}
	if err := m.loadSlowRendersFile(path); err != nil {
		logger.Warn("load slow renders file", "error", err, "path", path)
	}
}

func (m *renderMetrics) loadSlowRendersFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries []slowRender
	if err := sonic.Unmarshal(data, &entries); err != nil {
		return err
	}
	m.slowRendersMu.Lock()
	defer m.slowRendersMu.Unlock()
	m.slowRenderCount = 0
	for _, entry := range entries {
		if entry.Seconds <= 0 {
			continue
		}
		if m.slowRenderCount >= slowRenderLimit {
			break
		}
		m.slowRenders[m.slowRenderCount] = entry
		m.slowRenderCount++
	}
	return nil
}

// RecordRender counts one finished render job. reason is only consulted
// for failures.
func (m *renderMetrics) RecordRender(ok bool, reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if ok {
		m.succeeded++
	} else {
		m.failed++
		m.failureReasons[metricLabel(reason, "unspecified")]++
	}
	m.mu.Unlock()
}

func (m *renderMetrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.duplicates++
	m.mu.Unlock()
}

func (m *renderMetrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rateLimited++
	m.mu.Unlock()
}

func (m *renderMetrics) RecordCommand() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.commands++
	m.mu.Unlock()
}

// Snapshot returns the counters plus a copy of the failure-reason map.
func (m *renderMetrics) Snapshot() (succeeded, failed, duplicates, rateLimited, commands uint64, reasons map[string]uint64) {
	if m == nil {
		return 0, 0, 0, 0, 0, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	reasons = make(map[string]uint64, len(m.failureReasons))
	for k, v := range m.failureReasons {
		reasons[k] = v
	}
	return m.succeeded, m.failed, m.duplicates, m.rateLimited, m.commands, reasons
}

// SnapshotSlowRenders returns the slowest-renders list sorted by descending
// duration.
func (m *renderMetrics) SnapshotSlowRenders() []slowRender {
	if m == nil {
		return nil
	}
	m.slowRendersMu.RLock()
	defer m.slowRendersMu.RUnlock()
	if m.slowRenderCount == 0 {
		return nil
	}
	out := make([]slowRender, m.slowRenderCount)
	copy(out, m.slowRenders[:m.slowRenderCount])
	return out
}

// TrackSlowRender records a render duration if it ranks in the top N.
func (m *renderMetrics) TrackSlowRender(userID int64, elapsed time.Duration, failed bool, timestamp time.Time) {
	if m == nil {
		return
	}
	seconds := elapsed.Seconds()
	if seconds <= 0 {
		return
	}
	entry := slowRender{
		UserID:    userID,
		Seconds:   seconds,
		Timestamp: timestamp,
		Failed:    failed,
	}
	m.slowRendersMu.RLock()
	count := m.slowRenderCount
	var worst float64
	if count >= slowRenderLimit {
		worst = m.slowRenders[count-1].Seconds
	}
	m.slowRendersMu.RUnlock()

	if count >= slowRenderLimit && entry.Seconds <= worst {
		return
	}

	if ch := m.slowRenderChan; ch != nil {
		select {
		case ch <- entry:
		default:
			go m.recordSlowRender(entry)
		}
		return
	}
	m.recordSlowRender(entry)
}

func (m *renderMetrics) slowRenderWorker() {
	if m.slowRenderChan == nil {
		return
	}
	for entry := range m.slowRenderChan {
		m.recordSlowRender(entry)
	}
}

// recordSlowRender inserts the entry into the sorted slowest-renders list.
func (m *renderMetrics) recordSlowRender(entry slowRender) {
	if m == nil || entry.Seconds <= 0 {
		return
	}

	m.slowRendersMu.Lock()
	if m.slowRenderCount >= slowRenderLimit && entry.Seconds <= m.slowRenders[m.slowRenderCount-1].Seconds {
		m.slowRendersMu.Unlock()
		return
	}

	idx := sort.Search(m.slowRenderCount, func(i int) bool {
		return entry.Seconds >= m.slowRenders[i].Seconds
	})
	if idx == m.slowRenderCount {
		if m.slowRenderCount < slowRenderLimit {
			m.slowRenders[idx] = entry
			m.slowRenderCount++
		}
	} else {
		end := m.slowRenderCount
		if end >= slowRenderLimit {
			end = slowRenderLimit - 1
		}
		for i := end; i > idx; i-- {
			m.slowRenders[i] = m.slowRenders[i-1]
		}
		m.slowRenders[idx] = entry
		if m.slowRenderCount < slowRenderLimit {
			m.slowRenderCount++
		}
	}

	var snapshot []slowRender
	if m.slowRendersFile != "" && m.slowRenderCount > 0 {
		snapshot = make([]slowRender, m.slowRenderCount)
		copy(snapshot, m.slowRenders[:m.slowRenderCount])
	}
	m.slowRendersMu.Unlock()

	if len(snapshot) > 0 {
		m.persistSlowRenders(snapshot)
	}
}

func metricLabel(val, fallback string) string {
	if val == "" {
		return fallback
	}
	val = strings.ToLower(val)
	val = strings.ReplaceAll(val, " ", "_")
	return val
}

func (m *renderMetrics) persistSlowRenders(entries []slowRender) {
	if m == nil || len(entries) == 0 || m.slowRendersFile == "" {
		return
	}
	data, err := sonic.ConfigDefault.MarshalIndent(entries, "", "  ")
	if err != nil {
		logger.Warn("marshal slow renders", "error", err)
		return
	}
	tmp := m.slowRendersFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		logger.Warn("write slow renders temp file", "error", err, "path", tmp)
		return
	}
	if err := os.Rename(tmp, m.slowRendersFile); err != nil {
		logger.Warn("rename slow renders file", "error", err, "tmp", tmp, "target", m.slowRendersFile)
		return
	}
}

// logSnapshot writes a one-line activity summary to the service log.
func (m *renderMetrics) logSnapshot() {
	if m == nil {
		return
	}
	succeeded, failed, duplicates, rateLimited, commands, reasons := m.Snapshot()
	attrs := []any{
		"renders_ok", succeeded,
		"renders_failed", failed,
		"duplicates", duplicates,
		"rate_limited", rateLimited,
		"commands", commands,
	}
	for reason, n := range reasons {
		attrs = append(attrs, "failed_"+reason, n)
	}
	logger.Info("activity summary", attrs...)
}
