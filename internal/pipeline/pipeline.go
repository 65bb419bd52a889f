// Package pipeline is the sync engine: it extracts a partition from a data
// source, normalizes it, loads it into the record store, and derives the
// enriched events and search index from what is stored.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
	"github.com/couchcryptid/ok-offline-sync/internal/store"
)

// Source returns the raw body for a partition.
type Source interface {
	Fetch(ctx context.Context, t domain.RecordType, year int) ([]byte, error)
	Name() string
}

// RecordStore is the persistence the engine loads into.
type RecordStore interface {
	Put(ctx context.Context, t domain.RecordType, year int, records []domain.Record) error
	Get(ctx context.Context, t domain.RecordType, year int) ([]domain.Record, error)
	Count(ctx context.Context, t domain.RecordType, year int) (int, error)
	Clear(ctx context.Context, t domain.RecordType, year int) error
	ClearYear(ctx context.Context, year int) error
	Stats(ctx context.Context) (map[domain.RecordType]int, error)
	SaveSyncMetadata(ctx context.Context, t domain.RecordType, year int, source string) (store.SyncMetadata, error)
	SyncMetadata(ctx context.Context, t domain.RecordType, year int) (store.SyncMetadata, bool, error)
	ReplaceSearchIndex(ctx context.Context, year int, entries []domain.SearchEntry) error
	Search(ctx context.Context, year int, query string, limit int) ([]domain.SearchEntry, error)
}

// Notifier is told about every finished partition sync.
type Notifier interface {
	NotifySync(ctx context.Context, event domain.SyncEvent) error
}

// Result is the outcome of syncing one partition. Failures are reported in
// the result as well as returned, so batch callers can keep going.
type Result struct {
	Type      domain.RecordType `json:"type"`
	Year      int               `json:"year"`
	Success   bool              `json:"success"`
	Count     int               `json:"count"`
	Timestamp time.Time         `json:"timestamp"`
	Cached    bool              `json:"cached,omitempty"`
	Kind      domain.Kind       `json:"kind,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// YearResult holds one Result per record type.
type YearResult map[domain.RecordType]Result

// ProgressFunc is called before each type of a year is synced.
type ProgressFunc func(t domain.RecordType, completed, total int)

// Engine syncs partitions from a Source into a RecordStore.
type Engine struct {
	source   Source
	store    RecordStore
	notifier Notifier
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option customizes an Engine.
type Option func(*Engine)

// WithNotifier publishes a SyncEvent after every partition sync.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the engine's time source.
func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an Engine.
func New(src Source, st RecordStore, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Engine {
	e := &Engine{
		source:  src,
		store:   st,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SourceName identifies the configured source.
func (e *Engine) SourceName() string { return e.source.Name() }

type runIDKey struct{}

// WithRunID tags ctx so every partition synced under it shares one run ID.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// SyncType fetches, parses, year-stamps, and stores one partition, then
// records its sync metadata. The partition is replaced wholesale.
func (e *Engine) SyncType(ctx context.Context, t domain.RecordType, year int) (Result, error) {
	start := e.clock.Now()
	defer func() {
		e.metrics.SyncDuration.WithLabelValues(string(t)).Observe(e.clock.Since(start).Seconds())
	}()

	res, err := e.syncType(ctx, t, year)
	if err != nil {
		res = e.failure(t, year, err)
		e.logSyncFailure(t, year, err)
	} else {
		e.metrics.SyncRequests.WithLabelValues(string(t), "success").Inc()
		e.metrics.RecordsStored.WithLabelValues(string(t)).Add(float64(res.Count))
		e.logger.Info("partition synced", "type", t, "year", year, "count", res.Count, "source", e.source.Name())
	}

	e.notify(ctx, res)
	return res, err
}

func (e *Engine) syncType(ctx context.Context, t domain.RecordType, year int) (Result, error) {
	body, err := e.source.Fetch(ctx, t, year)
	if err != nil {
		return Result{}, err
	}

	records, err := domain.ParseRecords(t, body)
	if err != nil {
		return Result{}, err
	}
	for _, r := range records {
		r["year"] = year
	}

	if err := e.store.Put(ctx, t, year, records); err != nil {
		return Result{}, err
	}

	ts := e.clock.Now().UTC()
	md, err := e.store.SaveSyncMetadata(ctx, t, year, e.source.Name())
	if err != nil {
		// Lost metadata only costs an extra sync later.
		e.logger.Warn("save sync metadata failed", "type", t, "year", year, "error", err)
	} else {
		ts = md.LastSync
	}

	return Result{Type: t, Year: year, Success: true, Count: len(records), Timestamp: ts}, nil
}

func (e *Engine) failure(t domain.RecordType, year int, err error) Result {
	kind := domain.KindOf(err)
	if kind == "" {
		kind = domain.KindSyncFailed
	}
	outcome := "error"
	if kind == domain.KindNoData {
		outcome = "no_data"
	}
	e.metrics.SyncRequests.WithLabelValues(string(t), outcome).Inc()
	return Result{
		Type:      t,
		Year:      year,
		Timestamp: e.clock.Now().UTC(),
		Kind:      kind,
		Message:   domain.UserMessage(err),
	}
}

func (e *Engine) logSyncFailure(t domain.RecordType, year int, err error) {
	if errors.Is(err, domain.ErrNoData) {
		e.logger.Info("no data published for partition", "type", t, "year", year)
		return
	}
	e.logger.Error("partition sync failed", "type", t, "year", year, "kind", domain.KindOf(err), "error", err)
}

func (e *Engine) notify(ctx context.Context, res Result) {
	if e.notifier == nil {
		return
	}
	ev := domain.SyncEvent{
		RunID:     runID(ctx),
		Type:      res.Type,
		Year:      res.Year,
		Success:   res.Success,
		Count:     res.Count,
		Kind:      res.Kind,
		Source:    e.source.Name(),
		Timestamp: res.Timestamp,
	}
	if err := e.notifier.NotifySync(ctx, ev); err != nil {
		e.logger.Warn("sync notification failed", "type", res.Type, "year", res.Year, "error", err)
	}
}

// SyncYear syncs camps, art, and events for a year in that order. A failed
// type does not stop the others. Events are enriched afterwards when they
// and at least one host type synced.
func (e *Engine) SyncYear(ctx context.Context, year int, onProgress ProgressFunc) YearResult {
	if onProgress == nil {
		onProgress = func(domain.RecordType, int, int) {}
	}
	ctx = WithRunID(ctx, runID(ctx))

	out := make(YearResult, len(domain.RecordTypes))
	for i, t := range domain.RecordTypes {
		onProgress(t, i, len(domain.RecordTypes))
		res, _ := e.SyncType(ctx, t, year)
		out[t] = res
	}

	if out[domain.Event].Success && (out[domain.Camp].Success || out[domain.Art].Success) {
		_, _ = e.EnrichYear(ctx, year)
	}
	return out
}
