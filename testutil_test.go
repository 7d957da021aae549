package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// memSlotStore is an in-memory keySlotStore recording how many writes it
// received, so tests can assert on the diff-write behavior.
type memSlotStore struct {
	mu       sync.Mutex
	data     map[int64]map[string]string
	setCalls int
}

func newMemSlotStore() *memSlotStore {
	return &memSlotStore{data: make(map[int64]map[string]string)}
}

func (m *memSlotStore) Get(userID int64, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[userID][key], nil
}

func (m *memSlotStore) GetMany(userID int64, keys []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	values := make([]string, len(keys))
	for i, key := range keys {
		values[i] = m.data[userID][key]
	}
	return values, nil
}

func (m *memSlotStore) Set(userID int64, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data[userID] == nil {
		m.data[userID] = make(map[string]string)
	}
	m.data[userID][key] = value
	m.setCalls++
	return nil
}

func (m *memSlotStore) resetSetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls = 0
}

func (m *memSlotStore) setCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setCalls
}

func newTestStateDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := openStateDB(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("openStateDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeCompiler simulates pdflatex: it either produces a PDF next to the
// source or fails, optionally leaving a log behind.
type fakeCompiler struct {
	fail       error
	logContent string
	calls      int
}

func (c *fakeCompiler) Compile(_ context.Context, srcPath, outDir string) error {
	c.calls++
	base := filepath.Base(srcPath)
	stem := base[:len(base)-len(filepath.Ext(base))]
	if c.logContent != "" {
		logPath := filepath.Join(outDir, stem+".log")
		if err := os.WriteFile(logPath, []byte(c.logContent), 0o644); err != nil {
			return err
		}
	}
	if c.fail != nil {
		return c.fail
	}
	pdfPath := filepath.Join(outDir, stem+".pdf")
	return os.WriteFile(pdfPath, []byte("%PDF-fake"), 0o644)
}

// fakeRasterizer reports a canned bounding box and writes placeholder
// artifacts where the real tool would.
type fakeRasterizer struct {
	bboxOutput   string
	measureErr   error
	renderErr    error
	cropErr      error
	lastGeometry deviceGeometry
	lastDPI      int
	cropCalls    int
}

func (r *fakeRasterizer) MeasureBoundingBox(_ context.Context, _ string) (string, error) {
	if r.measureErr != nil {
		return "", r.measureErr
	}
	return r.bboxOutput, nil
}

func (r *fakeRasterizer) RenderPNG(_ context.Context, _ string, pngPath string, dpi int, geom deviceGeometry) error {
	if r.renderErr != nil {
		return r.renderErr
	}
	r.lastDPI = dpi
	r.lastGeometry = geom
	return os.WriteFile(pngPath, []byte("PNG-fake"), 0o644)
}

func (r *fakeRasterizer) CropPDF(_ context.Context, _ string, dstPath string, _ pageBox) error {
	r.cropCalls++
	if r.cropErr != nil {
		return r.cropErr
	}
	return os.WriteFile(dstPath, []byte("%PDF-cropped"), 0o644)
}

// fakeTransport records every outbound message.
type fakeTransport struct {
	mu       sync.Mutex
	replies  []string
	captions []string
	images   [][]byte
	docs     [][]byte
}

func (f *fakeTransport) Reply(_ inboundEvent, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeTransport) ReplyRender(_ inboundEvent, png, pdf []byte, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images = append(f.images, png)
	f.docs = append(f.docs, pdf)
	f.captions = append(f.captions, caption)
	return nil
}

func (f *fakeTransport) lastReply() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

func (f *fakeTransport) replyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

func (f *fakeTransport) renderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.images)
}
