package pipeline

import (
	"context"
	"fmt"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
)

// EnrichYear re-derives enriched events for a year from whatever camp, art,
// and event partitions are stored, and writes the events back. It returns the
// number of events that gained a location. Failures are logged and returned
// but leave the stored events as they were.
func (e *Engine) EnrichYear(ctx context.Context, year int) (int, error) {
	n, err := e.enrichYear(ctx, year)
	if err != nil {
		e.logger.Warn("event enrichment failed", "year", year, "error", err)
		return 0, err
	}
	if n > 0 {
		e.metrics.EnrichedEvents.Add(float64(n))
		e.logger.Info("events enriched", "year", year, "enriched", n)
	}
	return n, nil
}

func (e *Engine) enrichYear(ctx context.Context, year int) (int, error) {
	events, err := e.store.Get(ctx, domain.Event, year)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}
	camps, err := e.store.Get(ctx, domain.Camp, year)
	if err != nil {
		return 0, fmt.Errorf("load camps: %w", err)
	}
	art, err := e.store.Get(ctx, domain.Art, year)
	if err != nil {
		return 0, fmt.Errorf("load art: %w", err)
	}

	enriched := domain.EnrichEvents(events, camps, art)

	added := 0
	for i := range events {
		if !domain.IsEnriched(events[i]) && domain.IsEnriched(enriched[i]) {
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}
	if err := e.store.Put(ctx, domain.Event, year, enriched); err != nil {
		return 0, fmt.Errorf("store enriched events: %w", err)
	}
	return added, nil
}

// BuildSearchIndex precomputes the text search index for a year from the
// stored partitions and returns the number of entries.
func (e *Engine) BuildSearchIndex(ctx context.Context, year int) (int, error) {
	var entries []domain.SearchEntry
	for _, t := range domain.RecordTypes {
		recs, err := e.store.Get(ctx, t, year)
		if err != nil {
			return 0, fmt.Errorf("load %s for search index: %w", t, err)
		}
		entries = append(entries, domain.BuildSearchIndex(t, recs)...)
	}
	if err := e.store.ReplaceSearchIndex(ctx, year, entries); err != nil {
		return 0, fmt.Errorf("store search index: %w", err)
	}
	return len(entries), nil
}
