package httpadapter_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/ok-offline-sync/internal/adapter/httpadapter"
	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/orchestrator"
	"github.com/couchcryptid/ok-offline-sync/internal/pipeline"
	"github.com/couchcryptid/ok-offline-sync/internal/tiles"
	"github.com/couchcryptid/ok-offline-sync/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- mocks ---

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockSync struct {
	active   bool
	quickErr error
	synced   chan int
	release  chan struct{}
	cancels  int
	mu       sync.Mutex
}

func (m *mockSync) StartSyncWithPriority(year int) (func(context.Context) (orchestrator.Report, error), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil, orchestrator.ErrSyncInProgress
	}
	m.active = true
	return func(context.Context) (orchestrator.Report, error) {
		if m.release != nil {
			<-m.release
		}
		m.synced <- year
		m.mu.Lock()
		m.active = false
		m.mu.Unlock()
		return orchestrator.Report{Year: year}, nil
	}, nil
}

func (m *mockSync) QuickSync(_ context.Context, year int) (pipeline.YearResult, error) {
	if m.quickErr != nil {
		return nil, m.quickErr
	}
	return pipeline.YearResult{domain.Camp: {Type: domain.Camp, Year: year, Success: true, Cached: true}}, nil
}

func (m *mockSync) AssessDataStatus(_ context.Context, _ int) (orchestrator.DataStatus, error) {
	return orchestrator.DataStatus{HasAnyData: true, HasEssentialData: true, Recommendation: orchestrator.RecommendSyncRemaining}, nil
}

func (m *mockSync) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
}

func (m *mockSync) Progress() orchestrator.Progress {
	return orchestrator.Progress{Current: 3, Total: 14, Percentage: 21, Stage: orchestrator.StageRemaining, Running: m.Active()}
}

func (m *mockSync) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

type mockRecords struct {
	statusErr    error
	clearedYears []int
	cleared      []string
	query        string
	limit        int
}

func (m *mockRecords) SyncStatus(_ context.Context, _ int) (map[domain.RecordType]pipeline.PartitionStatus, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return map[domain.RecordType]pipeline.PartitionStatus{domain.Camp: {Count: 2, Synced: true}}, nil
}

func (m *mockRecords) Records(_ context.Context, _ domain.RecordType, year int) []domain.Record {
	return []domain.Record{{"uid": "c1", "year": year}, {"uid": "c2", "year": year}}
}

func (m *mockRecords) ClearType(_ context.Context, t domain.RecordType, year int) error {
	m.cleared = append(m.cleared, fmt.Sprintf("%s-%d", t, year))
	return nil
}

func (m *mockRecords) ClearYear(_ context.Context, year int) error {
	m.clearedYears = append(m.clearedYears, year)
	return nil
}

func (m *mockRecords) Stats(context.Context) (map[domain.RecordType]int, error) {
	return map[domain.RecordType]int{domain.Camp: 2, domain.Art: 1, domain.Event: 0}, nil
}

func (m *mockRecords) Search(_ context.Context, _ int, query string, limit int) ([]domain.SearchEntry, error) {
	m.query, m.limit = query, limit
	return []domain.SearchEntry{{Type: domain.Art, UID: "a1", Name: "Temple"}}, nil
}

type mockTiles struct {
	mu          sync.Mutex
	downloading bool
	downloaded  chan struct{}
	release     chan struct{}
}

func (m *mockTiles) Stats(context.Context) (tiles.StorageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tiles.StorageStats{Stored: 10, Required: 20, Percentage: 50, Downloading: m.downloading}, nil
}

func (m *mockTiles) StartDownload() (func(context.Context, tiles.ProgressFunc) (tiles.Result, error), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downloading {
		return nil, tiles.ErrDownloadInProgress
	}
	m.downloading = true
	return func(context.Context, tiles.ProgressFunc) (tiles.Result, error) {
		if m.release != nil {
			<-m.release
		}
		close(m.downloaded)
		return tiles.Result{Success: true, Path: tiles.PathPackage}, nil
	}, nil
}

func (m *mockTiles) Clear(context.Context) error { return nil }

type mockSender struct {
	reply worker.Reply
	err   error
	got   worker.Message
}

func (m *mockSender) Send(_ context.Context, msg worker.Message) (worker.Reply, error) {
	m.got = msg
	return m.reply, m.err
}

// --- helpers ---

type fixture struct {
	srv     *httpadapter.Server
	sync    *mockSync
	records *mockRecords
	tiles   *mockTiles
	sender  *mockSender
}

func newFixture(t *testing.T, readyErr error) *fixture {
	t.Helper()
	f := &fixture{
		sync:    &mockSync{synced: make(chan int, 1)},
		records: &mockRecords{},
		tiles:   &mockTiles{downloaded: make(chan struct{})},
		sender:  &mockSender{reply: worker.Reply{OK: true, Cached: 2}},
	}
	api := httpadapter.NewAPI(httpadapter.APIDeps{
		Sync:        f.sync,
		Records:     f.records,
		Tiles:       f.tiles,
		Worker:      f.sender,
		CurrentYear: 2025,
		Years:       []int{2024, 2025},
		Logger:      discardLogger(),
	})
	f.srv = httpadapter.NewServer(":0", api, &mockReadiness{err: readyErr}, discardLogger())
	t.Cleanup(api.Close)
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	f.srv.ServeHTTP(rec, httptest.NewRequest(method, target, r))
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) httpadapter.Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p httpadapter.Problem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

// --- ops ---

func TestHealthzReturns200(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := newFixture(t, fmt.Errorf("worker not activated")).do(http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

// --- sync ---

func TestSync_StartsInBackground(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/api/sync?year=2024", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case year := <-f.sync.synced:
		assert.Equal(t, 2024, year)
	case <-time.After(time.Second):
		t.Fatal("sync not started")
	}
}

func TestSync_DefaultsToCurrentYear(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/sync", "").Code)
	select {
	case year := <-f.sync.synced:
		assert.Equal(t, 2025, year)
	case <-time.After(time.Second):
		t.Fatal("sync not started")
	}
}

func TestSync_ConflictWhenActive(t *testing.T) {
	f := newFixture(t, nil)
	f.sync.active = true
	rec := f.do(http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, http.StatusConflict, decodeProblem(t, rec).Status)
}

func TestSync_ConcurrentRequestsConflict(t *testing.T) {
	f := newFixture(t, nil)
	f.sync.release = make(chan struct{})

	codes := make(chan int, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Go(func() { codes <- f.do(http.MethodPost, "/api/sync", "").Code })
	}
	wg.Wait()
	close(codes)

	var got []int
	for c := range codes {
		got = append(got, c)
	}
	assert.ElementsMatch(t, []int{http.StatusAccepted, http.StatusConflict}, got)

	close(f.sync.release)
	select {
	case year := <-f.sync.synced:
		assert.Equal(t, 2025, year)
	case <-time.After(time.Second):
		t.Fatal("sync not started")
	}
	assert.Eventually(t, func() bool { return !f.sync.Active() }, time.Second, 10*time.Millisecond)
}

func TestSync_RejectsUnconfiguredYear(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodPost, "/api/sync?year=1999", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid year", decodeProblem(t, rec).Title)
}

func TestQuickSync_ReturnsResults(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodPost, "/api/sync/quick", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]pipeline.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["camp"].Cached)
}

func TestQuickSync_InProgressIsConflict(t *testing.T) {
	f := newFixture(t, nil)
	f.sync.quickErr = orchestrator.ErrSyncInProgress
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/sync/quick", "").Code)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	f.sync.active = true
	rec := f.do(http.MethodPost, "/api/sync/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cancelled":true}`, rec.Body.String())
	assert.Equal(t, 1, f.sync.cancels)
}

func TestProgress(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/api/sync/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var p orchestrator.Progress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 14, p.Total)
	assert.Equal(t, orchestrator.StageRemaining, p.Stage)
}

func TestSyncStatus_ClassifiedErrorBecomesProblem(t *testing.T) {
	f := newFixture(t, nil)
	f.records.statusErr = domain.NewError(domain.KindStorage, "query failed", "", nil)
	rec := f.do(http.MethodGet, "/api/sync/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	p := decodeProblem(t, rec)
	assert.Equal(t, "STORAGE_ERROR", p.Type)
	assert.Equal(t, "Unable to save data. Please check your device storage.", p.Detail)
}

func TestDataStatus(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/api/data/status?year=2024", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recommendation":"sync_remaining"`)
}

// --- records ---

func TestGetRecords(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/api/records/camps?year=2024", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Type    string          `json:"type"`
		Count   int             `json:"count"`
		Records []domain.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "camp", body.Type)
	assert.Equal(t, 2, body.Count)
}

func TestGetRecords_UnknownType(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/api/records/vehicles", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearRecordsAndYear(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/records/art?year=2024", "").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/years/2024", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodDelete, "/api/years/abc", "").Code)
	assert.Equal(t, []string{"art-2024"}, f.records.cleared)
	assert.Equal(t, []int{2024}, f.records.clearedYears)
}

func TestSearch_CapsLimit(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/api/search?q=temple&limit=10000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "temple", f.records.query)
	assert.Equal(t, 500, f.records.limit)
	assert.Contains(t, rec.Body.String(), `"uid":"a1"`)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/search?q=x&limit=-1", "").Code)
}

func TestStats_Totals(t *testing.T) {
	rec := newFixture(t, nil).do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":3`)
}

// --- tiles ---

func TestTileDownload_Background(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/tiles/download", "").Code)
	select {
	case <-f.tiles.downloaded:
	case <-time.After(time.Second):
		t.Fatal("download not started")
	}
}

func TestTileDownload_ConflictWhileDownloading(t *testing.T) {
	f := newFixture(t, nil)
	f.tiles.downloading = true
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/tiles/download", "").Code)
}

func TestTileDownload_SecondRequestConflicts(t *testing.T) {
	f := newFixture(t, nil)
	f.tiles.release = make(chan struct{})

	assert.Equal(t, http.StatusAccepted, f.do(http.MethodPost, "/api/tiles/download", "").Code)
	rec := f.do(http.MethodPost, "/api/tiles/download", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, http.StatusConflict, decodeProblem(t, rec).Status)

	close(f.tiles.release)
	select {
	case <-f.tiles.downloaded:
	case <-time.After(time.Second):
		t.Fatal("download not started")
	}
}

func TestTileStatsAndClear(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/api/tiles/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"required":20`)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/api/tiles", "").Code)
}

func TestTiles_UnavailableWithoutService(t *testing.T) {
	api := httpadapter.NewAPI(httpadapter.APIDeps{Sync: &mockSync{}, Records: &mockRecords{}, CurrentYear: 2025, Logger: discardLogger()})
	t.Cleanup(api.Close)
	srv := httpadapter.NewServer(":0", api, &mockReadiness{}, discardLogger())

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tiles/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/progress", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// --- worker messages ---

func TestWorkerMessage_Delivered(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/api/worker/messages", `{"type":"CACHE_DATA","data":["/data/2025/camps.json"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, worker.MsgCacheData, f.sender.got.Type)
	assert.JSONEq(t, `["/data/2025/camps.json"]`, string(f.sender.got.Data))
	assert.Contains(t, rec.Body.String(), `"cached":2`)
}

func TestWorkerMessage_TimeoutIsGatewayTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.sender.err = domain.NewError(domain.KindTimeout, "SKIP_WAITING: no reply within 5s", "", nil)
	rec := f.do(http.MethodPost, "/api/worker/messages", `{"type":"SKIP_WAITING"}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "TIMEOUT", decodeProblem(t, rec).Type)
}

func TestWorkerMessage_RejectsBadBody(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/worker/messages", `{"kind":"x"}`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/worker/messages", `{}`).Code)
}
