package httpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/orchestrator"
	"github.com/couchcryptid/ok-offline-sync/internal/pipeline"
	"github.com/couchcryptid/ok-offline-sync/internal/tiles"
	"github.com/couchcryptid/ok-offline-sync/internal/worker"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 500
	maxMessageBytes    = 64 << 10
)

// SyncRunner starts and inspects top-level syncs.
type SyncRunner interface {
	StartSyncWithPriority(year int) (func(context.Context) (orchestrator.Report, error), error)
	QuickSync(ctx context.Context, year int) (pipeline.YearResult, error)
	AssessDataStatus(ctx context.Context, year int) (orchestrator.DataStatus, error)
	Cancel()
	Progress() orchestrator.Progress
	Active() bool
}

// RecordReader exposes stored partitions.
type RecordReader interface {
	SyncStatus(ctx context.Context, year int) (map[domain.RecordType]pipeline.PartitionStatus, error)
	Records(ctx context.Context, t domain.RecordType, year int) []domain.Record
	ClearType(ctx context.Context, t domain.RecordType, year int) error
	ClearYear(ctx context.Context, year int) error
	Stats(ctx context.Context) (map[domain.RecordType]int, error)
	Search(ctx context.Context, year int, query string, limit int) ([]domain.SearchEntry, error)
}

// TileManager exposes the tile service.
type TileManager interface {
	Stats(ctx context.Context) (tiles.StorageStats, error)
	StartDownload() (func(context.Context, tiles.ProgressFunc) (tiles.Result, error), error)
	Clear(ctx context.Context) error
}

// MessageSender delivers messages to the background update process.
type MessageSender interface {
	Send(ctx context.Context, msg worker.Message) (worker.Reply, error)
}

// APIDeps are the collaborators behind the control API. Tiles, Worker and
// ProgressStream may be nil; their routes then answer 503.
type APIDeps struct {
	Sync           SyncRunner
	Records        RecordReader
	Tiles          TileManager
	Worker         MessageSender
	ProgressStream http.Handler
	TileProgress   tiles.ProgressFunc
	CurrentYear    int
	Years          []int
	Logger         *slog.Logger
}

// API serves the control endpoints. Long-running syncs and tile downloads
// run in the background under the API's own context so they outlive the
// request that started them.
type API struct {
	d      APIDeps
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAPI creates the control API.
func NewAPI(d APIDeps) *API {
	ctx, cancel := context.WithCancel(context.Background())
	return &API{d: d, ctx: ctx, cancel: cancel}
}

// Register adds the control routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sync", a.handleSync)
	mux.HandleFunc("POST /api/sync/quick", a.handleQuickSync)
	mux.HandleFunc("POST /api/sync/cancel", a.handleCancel)
	mux.HandleFunc("GET /api/sync/progress", a.handleProgress)
	mux.HandleFunc("GET /api/sync/status", a.handleSyncStatus)
	mux.HandleFunc("GET /api/data/status", a.handleDataStatus)
	mux.HandleFunc("GET /api/records/{type}", a.handleGetRecords)
	mux.HandleFunc("DELETE /api/records/{type}", a.handleClearRecords)
	mux.HandleFunc("DELETE /api/years/{year}", a.handleClearYear)
	mux.HandleFunc("GET /api/search", a.handleSearch)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/tiles/stats", a.handleTileStats)
	mux.HandleFunc("POST /api/tiles/download", a.handleTileDownload)
	mux.HandleFunc("DELETE /api/tiles", a.handleClearTiles)
	mux.HandleFunc("POST /api/worker/messages", a.handleWorkerMessage)
	mux.HandleFunc("GET /ws/progress", a.handleProgressStream)
}

// Close cancels background work and waits for it to stop.
func (a *API) Close() {
	a.cancel()
	a.wg.Wait()
}

// --- Sync ---

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	year, ok := a.year(w, r)
	if !ok {
		return
	}
	run, err := a.d.Sync.StartSyncWithPriority(year)
	if err != nil {
		writeError(w, err)
		return
	}
	a.wg.Go(func() {
		report, err := run(a.ctx)
		if err != nil {
			a.d.Logger.Warn("background sync ended", "year", year, "error", err)
			return
		}
		a.d.Logger.Info("background sync complete", "year", year, "results", len(report.Results))
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "year": year})
}

func (a *API) handleQuickSync(w http.ResponseWriter, r *http.Request) {
	year, ok := a.year(w, r)
	if !ok {
		return
	}
	res, err := a.d.Sync.QuickSync(r.Context(), year)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleCancel(w http.ResponseWriter, _ *http.Request) {
	active := a.d.Sync.Active()
	a.d.Sync.Cancel()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": active})
}

func (a *API) handleProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Sync.Progress())
}

func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	year, ok := a.year(w, r)
	if !ok {
		return
	}
	st, err := a.d.Records.SyncStatus(r.Context(), year)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleDataStatus(w http.ResponseWriter, r *http.Request) {
	year, ok := a.year(w, r)
	if !ok {
		return
	}
	ds, err := a.d.Sync.AssessDataStatus(r.Context(), year)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ds)
}

// --- Records ---

func (a *API) handleGetRecords(w http.ResponseWriter, r *http.Request) {
	t, year, ok := a.partition(w, r)
	if !ok {
		return
	}
	recs := a.d.Records.Records(r.Context(), t, year)
	writeJSON(w, http.StatusOK, map[string]any{
		"type":    t,
		"year":    year,
		"count":   len(recs),
		"records": recs,
	})
}

func (a *API) handleClearRecords(w http.ResponseWriter, r *http.Request) {
	t, year, ok := a.partition(w, r)
	if !ok {
		return
	}
	if err := a.d.Records.ClearType(r.Context(), t, year); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClearYear(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.PathValue("year"))
	if err != nil || year <= 0 {
		WriteProblem(w, http.StatusBadRequest, "", "invalid year", "year must be a positive integer")
		return
	}
	if err := a.d.Records.ClearYear(r.Context(), year); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	year, ok := a.year(w, r)
	if !ok {
		return
	}
	limit := defaultSearchLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			WriteProblem(w, http.StatusBadRequest, "", "invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxSearchLimit)
	}
	hits, err := a.d.Records.Search(r.Context(), year, r.URL.Query().Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"year": year, "count": len(hits), "results": hits})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.d.Records.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	total := 0
	for _, n := range st {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"types": st, "total": total})
}

// --- Tiles ---

func (a *API) handleTileStats(w http.ResponseWriter, r *http.Request) {
	if !a.tilesEnabled(w) {
		return
	}
	st, err := a.d.Tiles.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleTileDownload(w http.ResponseWriter, r *http.Request) {
	if !a.tilesEnabled(w) {
		return
	}
	run, err := a.d.Tiles.StartDownload()
	if err != nil {
		writeError(w, err)
		return
	}
	a.wg.Go(func() {
		res, err := run(a.ctx, a.d.TileProgress)
		if err != nil {
			a.d.Logger.Warn("background tile download ended", "error", err)
			return
		}
		a.d.Logger.Info("background tile download complete", "path", res.Path, "stored", res.Stored)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (a *API) handleClearTiles(w http.ResponseWriter, r *http.Request) {
	if !a.tilesEnabled(w) {
		return
	}
	if err := a.d.Tiles.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Background update process ---

func (a *API) handleWorkerMessage(w http.ResponseWriter, r *http.Request) {
	if a.d.Worker == nil {
		WriteProblem(w, http.StatusServiceUnavailable, "", "unavailable", "background update process is not running")
		return
	}
	var msg worker.Message
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&msg); err != nil {
		WriteProblem(w, http.StatusBadRequest, "", "invalid json", err.Error())
		return
	}
	if msg.Type == "" {
		WriteProblem(w, http.StatusBadRequest, "", "invalid message", "type is required")
		return
	}
	reply, err := a.d.Worker.Send(r.Context(), msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (a *API) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	if a.d.ProgressStream == nil {
		WriteProblem(w, http.StatusServiceUnavailable, "", "unavailable", "progress stream is not enabled")
		return
	}
	a.d.ProgressStream.ServeHTTP(w, r)
}

// --- helpers ---

// year reads the year query parameter, defaulting to the current year. Only
// configured years are accepted.
func (a *API) year(w http.ResponseWriter, r *http.Request) (int, bool) {
	s := r.URL.Query().Get("year")
	if s == "" {
		return a.d.CurrentYear, true
	}
	y, err := strconv.Atoi(s)
	if err != nil || (len(a.d.Years) > 0 && !slices.Contains(a.d.Years, y)) {
		WriteProblem(w, http.StatusBadRequest, "", "invalid year", "year must be one of the configured sync years")
		return 0, false
	}
	return y, true
}

func (a *API) partition(w http.ResponseWriter, r *http.Request) (domain.RecordType, int, bool) {
	t, err := domain.ParseRecordType(r.PathValue("type"))
	if err != nil {
		WriteProblem(w, http.StatusNotFound, "", "unknown record type", err.Error())
		return "", 0, false
	}
	year, ok := a.year(w, r)
	return t, year, ok
}

func (a *API) tilesEnabled(w http.ResponseWriter) bool {
	if a.d.Tiles == nil {
		WriteProblem(w, http.StatusServiceUnavailable, "", "unavailable", "tile service is not configured")
		return false
	}
	return true
}
