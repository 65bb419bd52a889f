package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/pipeline"
)

// Recommendations returned by AssessDataStatus.
const (
	RecommendFullSync      = "full_sync"
	RecommendSyncCamps     = "sync_camps"
	RecommendSyncRemaining = "sync_remaining"
	RecommendQuickSync     = "quick_sync"
)

func newRunID() string { return uuid.NewString() }

// QuickSync re-fetches only the partitions of year whose last sync is older
// than the staleness TTL. Fresh partitions are reported as cached without
// touching the network.
func (o *Orchestrator) QuickSync(ctx context.Context, year int) (pipeline.YearResult, error) {
	if err := o.begin(len(domain.RecordTypes)); err != nil {
		return nil, err
	}
	ctx = pipeline.WithRunID(ctx, newRunID())
	o.step(StagePriority, "Checking for updates...", false)

	out := make(pipeline.YearResult, len(domain.RecordTypes))
	for _, t := range domain.RecordTypes {
		if err := o.halted(ctx); err != nil {
			o.end(StageCancelled, err.Error())
			return out, err
		}

		fresh, last, err := o.syncer.Fresh(ctx, t, year, o.ttl)
		if err != nil {
			o.logger.Warn("staleness check failed, syncing", "type", t, "year", year, "error", err)
		}
		if fresh {
			o.metrics.SyncRequests.WithLabelValues(string(t), "cached").Inc()
			out[t] = pipeline.Result{Type: t, Year: year, Success: true, Cached: true, Timestamp: last}
			o.step(StagePriority, fmt.Sprintf("%s up to date", t.FileName()), true)
			continue
		}

		o.step(StagePriority, fmt.Sprintf("Updating %s...", t.FileName()), false)
		res, _ := o.syncer.SyncType(ctx, t, year)
		out[t] = res
		o.step(StagePriority, fmt.Sprintf("Processed %d %s", res.Count, t.FileName()), true)
	}

	if out[domain.Event].Success && !out[domain.Event].Cached {
		_, _ = o.syncer.EnrichYear(ctx, year)
	}

	o.end(StageComplete, "Updates complete")
	return out, nil
}

// TypeStatus is the stored state of one partition.
type TypeStatus struct {
	Count    int        `json:"count"`
	HasData  bool       `json:"has_data"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// DataStatus summarizes what is stored for a year and what to do next.
type DataStatus struct {
	HasAnyData       bool                             `json:"has_any_data"`
	HasEssentialData bool                             `json:"has_essential_data"`
	IsComplete       bool                             `json:"is_complete"`
	Recommendation   string                           `json:"recommendation"`
	Types            map[domain.RecordType]TypeStatus `json:"types"`
}

// AssessDataStatus inspects the stored partitions of year. Camps are the
// essential type.
func (o *Orchestrator) AssessDataStatus(ctx context.Context, year int) (DataStatus, error) {
	st, err := o.syncer.SyncStatus(ctx, year)
	if err != nil {
		return DataStatus{}, err
	}

	ds := DataStatus{Types: make(map[domain.RecordType]TypeStatus, len(st)), IsComplete: true}
	for _, t := range domain.RecordTypes {
		p := st[t]
		ts := TypeStatus{Count: p.Count, HasData: p.Count > 0}
		ts.LastSync = p.LastSync
		ds.Types[t] = ts
		ds.HasAnyData = ds.HasAnyData || ts.HasData
		ds.IsComplete = ds.IsComplete && ts.HasData
	}
	ds.HasEssentialData = ds.Types[domain.Camp].HasData

	switch {
	case !ds.HasAnyData:
		ds.Recommendation = RecommendFullSync
	case !ds.HasEssentialData:
		ds.Recommendation = RecommendSyncCamps
	case !ds.IsComplete:
		ds.Recommendation = RecommendSyncRemaining
	default:
		ds.Recommendation = RecommendQuickSync
	}
	return ds, nil
}

// SmartResult is the outcome of SmartSync; exactly one of Quick and Full is
// set.
type SmartResult struct {
	Strategy string              `json:"strategy"`
	Quick    pipeline.YearResult `json:"quick,omitempty"`
	Full     *Report             `json:"full,omitempty"`
}

// SmartSync runs a quick sync when the essential data is already stored and
// a full priority sync otherwise.
func (o *Orchestrator) SmartSync(ctx context.Context, year int) (SmartResult, error) {
	ds, err := o.AssessDataStatus(ctx, year)
	if err != nil {
		return SmartResult{}, err
	}
	if ds.HasEssentialData {
		res, err := o.QuickSync(ctx, year)
		return SmartResult{Strategy: RecommendQuickSync, Quick: res}, err
	}
	rep, err := o.SyncWithPriority(ctx, year)
	return SmartResult{Strategy: RecommendFullSync, Full: &rep}, err
}
