package watch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/ok-offline-sync/internal/adapter/source"
	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/pipeline"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- mocks ---

type syncCall struct {
	t    domain.RecordType
	year int
}

type recordingSyncer struct {
	mu       sync.Mutex
	synced   []syncCall
	enriched []int
	err      error
}

func (r *recordingSyncer) SyncType(_ context.Context, t domain.RecordType, year int) (pipeline.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, syncCall{t: t, year: year})
	if r.err != nil {
		return pipeline.Result{Type: t, Year: year}, r.err
	}
	return pipeline.Result{Type: t, Year: year, Success: true, Count: 1}, nil
}

func (r *recordingSyncer) EnrichYear(_ context.Context, year int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enriched = append(r.enriched, year)
	return 0, nil
}

func (r *recordingSyncer) calls() ([]syncCall, []int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syncCall(nil), r.synced...), append([]int(nil), r.enriched...)
}

// --- helpers ---

func startWatcher(t *testing.T, dir string, syncer Syncer, debounce time.Duration) {
	t.Helper()
	w := New(dir, source.NewDirSource(dir), syncer, debounce, clockwork.NewRealClock(), discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	select {
	case <-w.Ready():
	case err := <-done:
		t.Fatalf("watcher exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher not ready")
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

// --- tests ---

func TestWatcher_SyncsChangedPartition(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2025"), 0o755))
	rec := &recordingSyncer{}
	startWatcher(t, dir, rec, 20*time.Millisecond)

	writeFile(t, filepath.Join(dir, "2025", "camps.json"), `[{"uid":"c1"}]`)

	require.Eventually(t, func() bool {
		synced, enriched := rec.calls()
		return len(synced) == 1 && len(enriched) == 1
	}, 2*time.Second, 10*time.Millisecond)
	synced, enriched := rec.calls()
	assert.Equal(t, syncCall{t: domain.Camp, year: 2025}, synced[0])
	assert.Equal(t, []int{2025}, enriched)
}

func TestWatcher_DebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2025"), 0o755))
	rec := &recordingSyncer{}
	startWatcher(t, dir, rec, 200*time.Millisecond)

	path := filepath.Join(dir, "2025", "art.json")
	for range 5 {
		writeFile(t, path, `{"art":[]}`)
	}

	require.Eventually(t, func() bool {
		synced, _ := rec.calls()
		return len(synced) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	synced, _ := rec.calls()
	assert.Len(t, synced, 1)
	assert.Equal(t, domain.Art, synced[0].t)
}

func TestWatcher_PicksUpNewYearDirectory(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingSyncer{}
	startWatcher(t, dir, rec, 20*time.Millisecond)

	writeFile(t, filepath.Join(dir, "2024", "events.json"), `{"data":[]}`)

	require.Eventually(t, func() bool {
		for _, c := range func() []syncCall { s, _ := rec.calls(); return s }() {
			if c == (syncCall{t: domain.Event, year: 2024}) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2025"), 0o755))
	rec := &recordingSyncer{}
	startWatcher(t, dir, rec, 10*time.Millisecond)

	writeFile(t, filepath.Join(dir, "2025", "notes.txt"), "hello")
	writeFile(t, filepath.Join(dir, "2025", "vehicles.json"), "[]")
	writeFile(t, filepath.Join(dir, "README.json"), "{}")

	time.Sleep(150 * time.Millisecond)
	synced, _ := rec.calls()
	assert.Empty(t, synced)
}

func TestWatcher_FailedSyncSkipsEnrichment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2025"), 0o755))
	rec := &recordingSyncer{err: errors.New("bad json")}
	startWatcher(t, dir, rec, 20*time.Millisecond)

	writeFile(t, filepath.Join(dir, "2025", "camps.json"), `not json`)

	require.Eventually(t, func() bool {
		synced, _ := rec.calls()
		return len(synced) == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, enriched := rec.calls()
	assert.Empty(t, enriched)
}
