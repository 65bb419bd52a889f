// Package orchestrator drives the sync engine for interactive use: it
// fetches the data a user needs first, reports monotonic progress, and
// finishes with enrichment, search indexing, and the map tile download.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
	"github.com/couchcryptid/ok-offline-sync/internal/pipeline"
	"github.com/couchcryptid/ok-offline-sync/internal/tiles"
)

var (
	// ErrSyncInProgress is returned when a top-level sync is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrCancelled is returned by a sync stopped through Cancel.
	ErrCancelled = errors.New("sync cancelled")
)

// Stage is a step of the priority sync state machine.
type Stage string

const (
	StageIdle       Stage = "idle"
	StagePriority   Stage = "priority"
	StageRemaining  Stage = "remaining"
	StageEnriching  Stage = "enriching"
	StageOptimizing Stage = "optimizing"
	StageTiles      Stage = "tiles"
	StageComplete   Stage = "complete"
	StageCancelled  Stage = "cancelled"
	StageError      Stage = "error"
)

// Milestones passed to Callbacks.OnStageChange.
const (
	EventCampsReady    = "camps_ready"
	EventArtComplete   = "art_complete"
	EventEventComplete = "event_complete"
	EventTilesReady    = "tiles_ready"
)

// Progress is a snapshot of the running sync.
type Progress struct {
	Current    int    `json:"current"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Stage      Stage  `json:"stage"`
	Details    string `json:"details"`
	Running    bool   `json:"running"`
}

// Callbacks receive sync notifications. Any of them may be nil. They are
// invoked synchronously from the syncing goroutine.
type Callbacks struct {
	OnProgress    func(Progress)
	OnStageChange func(event, message string)
	OnComplete    func(Report)
	OnError       func(error)
}

// Syncer is the part of the sync engine the orchestrator drives.
type Syncer interface {
	SyncType(ctx context.Context, t domain.RecordType, year int) (pipeline.Result, error)
	EnrichYear(ctx context.Context, year int) (int, error)
	BuildSearchIndex(ctx context.Context, year int) (int, error)
	Fresh(ctx context.Context, t domain.RecordType, year int, ttl time.Duration) (bool, time.Time, error)
	SyncStatus(ctx context.Context, year int) (map[domain.RecordType]pipeline.PartitionStatus, error)
}

// TileDownloader is the part of the tile service the final stage uses.
type TileDownloader interface {
	AreTilesDownloaded(ctx context.Context) (bool, error)
	Download(ctx context.Context, onProgress tiles.ProgressFunc) (tiles.Result, error)
}

// TileReport summarizes the tile stage.
type TileReport struct {
	Skipped bool   `json:"skipped"`
	Success bool   `json:"success"`
	Stored  int    `json:"stored"`
	Message string `json:"message,omitempty"`
}

// Report is the outcome of a priority sync.
type Report struct {
	Year          int               `json:"year"`
	Results       []pipeline.Result `json:"results"`
	Enriched      map[int]int       `json:"enriched"`
	SearchEntries int               `json:"search_entries"`
	Tiles         TileReport        `json:"tiles"`
}

// Orchestrator runs at most one top-level sync at a time.
type Orchestrator struct {
	syncer    Syncer
	tiles     TileDownloader
	years     []int
	ttl       time.Duration
	callbacks Callbacks
	logger    *slog.Logger
	metrics   *observability.Metrics

	active    atomic.Bool
	cancelled atomic.Bool

	mu       sync.Mutex
	progress Progress
}

// New creates an Orchestrator over the configured years. tiles may be nil,
// in which case the tile stage is skipped.
func New(s Syncer, td TileDownloader, years []int, ttl time.Duration, cb Callbacks, logger *slog.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		syncer:    s,
		tiles:     td,
		years:     slices.Clone(years),
		ttl:       ttl,
		callbacks: cb,
		logger:    logger,
		metrics:   metrics,
		progress:  Progress{Stage: StageIdle},
	}
}

// Progress returns the latest progress snapshot.
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Active reports whether a sync is running.
func (o *Orchestrator) Active() bool { return o.active.Load() }

// Cancel asks the running sync to stop before its next step. Work already
// written stays in place.
func (o *Orchestrator) Cancel() {
	if o.active.Load() {
		o.cancelled.Store(true)
		o.logger.Info("sync cancellation requested")
	}
}

func (o *Orchestrator) begin(total int) error {
	if !o.active.CompareAndSwap(false, true) {
		return ErrSyncInProgress
	}
	o.cancelled.Store(false)
	o.metrics.SyncRunning.Set(1)

	o.mu.Lock()
	o.progress = Progress{Total: total, Stage: StageIdle, Running: true}
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) end(stage Stage, details string) {
	o.mu.Lock()
	o.progress.Stage = stage
	o.progress.Running = false
	if stage == StageComplete {
		o.progress.Current = o.progress.Total
		o.progress.Percentage = 100
	}
	if details != "" {
		o.progress.Details = details
	}
	p := o.progress
	o.mu.Unlock()

	o.metrics.SyncRunning.Set(0)
	o.active.Store(false)
	o.emitProgress(p)
}

// step reports progress. advance moves the counter forward by one; the
// counter never goes backwards within a sync.
func (o *Orchestrator) step(stage Stage, details string, advance bool) {
	o.mu.Lock()
	if advance && o.progress.Current < o.progress.Total {
		o.progress.Current++
	}
	o.progress.Stage = stage
	o.progress.Details = details
	if o.progress.Total > 0 {
		o.progress.Percentage = o.progress.Current * 100 / o.progress.Total
	}
	p := o.progress
	o.mu.Unlock()
	o.emitProgress(p)
}

func (o *Orchestrator) emitProgress(p Progress) {
	if o.callbacks.OnProgress != nil {
		o.callbacks.OnProgress(p)
	}
}

func (o *Orchestrator) milestone(event, message string) {
	if o.callbacks.OnStageChange != nil {
		o.callbacks.OnStageChange(event, message)
	}
}

// halted reports whether the state machine must stop advancing.
func (o *Orchestrator) halted(ctx context.Context) error {
	if o.cancelled.Load() {
		return ErrCancelled
	}
	return ctx.Err()
}

// syncOrder lists the current year first, then the other configured years.
func (o *Orchestrator) syncOrder(current int) []int {
	out := []int{current}
	for _, y := range o.years {
		if y != current {
			out = append(out, y)
		}
	}
	return out
}

// SyncWithPriority syncs the current year's camps first, then its art and
// events, then every other configured year. Failures of single partitions
// are recorded in the report and do not stop the run. It then enriches each
// year, builds the search index, and downloads map tiles. Only cancellation
// or ctx ending the run early produce an error.
func (o *Orchestrator) SyncWithPriority(ctx context.Context, current int) (Report, error) {
	run, err := o.StartSyncWithPriority(current)
	if err != nil {
		return Report{}, err
	}
	return run(ctx)
}

// StartSyncWithPriority claims the sync slot for current and returns the
// function that performs the run. It fails with ErrSyncInProgress while
// another sync holds the slot. The returned function must be called exactly
// once; the slot is released when it returns.
func (o *Orchestrator) StartSyncWithPriority(current int) (func(context.Context) (Report, error), error) {
	years := o.syncOrder(current)
	total := len(years)*len(domain.RecordTypes) + len(years) + 2
	if err := o.begin(total); err != nil {
		return nil, err
	}
	return func(ctx context.Context) (Report, error) {
		return o.syncWithPriority(ctx, current, years)
	}, nil
}

func (o *Orchestrator) syncWithPriority(ctx context.Context, current int, years []int) (Report, error) {
	ctx = pipeline.WithRunID(ctx, newRunID())

	report := Report{Year: current, Enriched: make(map[int]int, len(years))}
	err := o.runPriority(ctx, years, &report)
	if err != nil {
		stage := StageError
		if errors.Is(err, ErrCancelled) {
			stage = StageCancelled
		}
		o.end(stage, err.Error())
		o.logger.Warn("priority sync stopped", "year", current, "stage", stage, "error", err)
		if o.callbacks.OnError != nil {
			o.callbacks.OnError(err)
		}
		return report, err
	}

	o.end(StageComplete, "Ready for offline use!")
	o.logger.Info("priority sync complete", "year", current, "partitions", len(report.Results))
	if o.callbacks.OnComplete != nil {
		o.callbacks.OnComplete(report)
	}
	return report, nil
}

func (o *Orchestrator) runPriority(ctx context.Context, years []int, report *Report) error {
	current := years[0]

	for _, t := range domain.RecordTypes {
		if err := o.halted(ctx); err != nil {
			return err
		}
		res := o.syncPartition(ctx, StagePriority, t, current)
		report.Results = append(report.Results, res)
		if res.Success {
			o.milestone(currentMilestone(t), readyMessage(t, current))
		}
	}

	for _, y := range years[1:] {
		for _, t := range domain.RecordTypes {
			if err := o.halted(ctx); err != nil {
				return err
			}
			report.Results = append(report.Results, o.syncPartition(ctx, StageRemaining, t, y))
		}
	}

	for _, y := range years {
		if err := o.halted(ctx); err != nil {
			return err
		}
		o.step(StageEnriching, "Enhancing data relationships...", false)
		n, _ := o.syncer.EnrichYear(ctx, y)
		report.Enriched[y] = n
		o.step(StageEnriching, fmt.Sprintf("Enhanced %d event locations", n), true)
	}

	if err := o.halted(ctx); err != nil {
		return err
	}
	o.step(StageOptimizing, "Optimizing for offline use...", false)
	n, err := o.syncer.BuildSearchIndex(ctx, current)
	if err != nil {
		o.logger.Warn("search index build failed, continuing", "year", current, "error", err)
	}
	report.SearchEntries = n
	o.step(StageOptimizing, "Search index ready", true)

	if err := o.halted(ctx); err != nil {
		return err
	}
	report.Tiles = o.tileStage(ctx)
	o.step(StageTiles, report.Tiles.Message, true)
	return nil
}

func (o *Orchestrator) syncPartition(ctx context.Context, stage Stage, t domain.RecordType, year int) pipeline.Result {
	o.step(stage, fmt.Sprintf("Downloading %d %s...", year, t.FileName()), false)
	res, err := o.syncer.SyncType(ctx, t, year)
	if err != nil {
		o.step(stage, fmt.Sprintf("Skipped %d %s: %s", year, t.FileName(), res.Message), true)
		return res
	}
	o.step(stage, fmt.Sprintf("Processed %d %s", res.Count, t.FileName()), true)
	return res
}

// tileStage never fails the run; problems are reported in the TileReport.
func (o *Orchestrator) tileStage(ctx context.Context) TileReport {
	if o.tiles == nil {
		return TileReport{Skipped: true, Success: true, Message: "Map tiles not configured"}
	}
	o.step(StageTiles, "Checking offline map tiles...", false)

	done, err := o.tiles.AreTilesDownloaded(ctx)
	if err != nil {
		o.logger.Warn("tile completeness check failed", "error", err)
	}
	if done {
		return TileReport{Skipped: true, Success: true, Message: "Offline maps already downloaded"}
	}

	res, err := o.tiles.Download(ctx, func(p tiles.Progress) {
		o.step(StageTiles, fmt.Sprintf("%s (%.0f%%)", p.Message, p.Percent), false)
	})
	if err != nil || !res.Success {
		o.logger.Warn("tile download failed, can retry later", "error", err, "stored", res.Stored)
		return TileReport{Stored: res.Stored, Message: "Offline maps could not be downloaded. You can retry later."}
	}
	o.milestone(EventTilesReady, "Offline maps ready")
	return TileReport{Success: true, Stored: res.Stored, Message: "Offline maps ready"}
}

func currentMilestone(t domain.RecordType) string {
	switch t {
	case domain.Camp:
		return EventCampsReady
	case domain.Art:
		return EventArtComplete
	default:
		return EventEventComplete
	}
}

func readyMessage(t domain.RecordType, year int) string {
	if t == domain.Camp {
		return fmt.Sprintf("%d camps ready - you can start exploring!", year)
	}
	return fmt.Sprintf("%d %s data ready", year, t)
}
