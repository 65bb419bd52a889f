package pipeline

import (
	"context"
	"time"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
)

// PartitionStatus describes what is stored for a partition.
type PartitionStatus struct {
	Count    int        `json:"count"`
	LastSync *time.Time `json:"last_sync,omitempty"`
	Source   string     `json:"source,omitempty"`
	Synced   bool       `json:"synced"`
}

// SyncStatus reports every record type for a year.
func (e *Engine) SyncStatus(ctx context.Context, year int) (map[domain.RecordType]PartitionStatus, error) {
	out := make(map[domain.RecordType]PartitionStatus, len(domain.RecordTypes))
	for _, t := range domain.RecordTypes {
		n, err := e.store.Count(ctx, t, year)
		if err != nil {
			return nil, err
		}
		md, ok, err := e.store.SyncMetadata(ctx, t, year)
		if err != nil {
			return nil, err
		}
		st := PartitionStatus{Count: n, Synced: ok}
		if ok {
			last := md.LastSync
			st.LastSync = &last
			st.Source = md.Source
		}
		out[t] = st
	}
	return out, nil
}

// Fresh reports whether a partition was synced within ttl, returning the
// metadata that decided it.
func (e *Engine) Fresh(ctx context.Context, t domain.RecordType, year int, ttl time.Duration) (bool, time.Time, error) {
	md, ok, err := e.store.SyncMetadata(ctx, t, year)
	if err != nil || !ok {
		return false, time.Time{}, err
	}
	return e.clock.Since(md.LastSync) < ttl, md.LastSync, nil
}

// Records returns a stored partition. Storage failures are logged and the
// partition is treated as empty.
func (e *Engine) Records(ctx context.Context, t domain.RecordType, year int) []domain.Record {
	recs, err := e.store.Get(ctx, t, year)
	if err != nil {
		e.logger.Error("read partition failed", "type", t, "year", year, "error", err)
		return []domain.Record{}
	}
	return recs
}

// Count returns the stored record count for a partition.
func (e *Engine) Count(ctx context.Context, t domain.RecordType, year int) (int, error) {
	return e.store.Count(ctx, t, year)
}

// ClearType empties one partition and its metadata.
func (e *Engine) ClearType(ctx context.Context, t domain.RecordType, year int) error {
	if err := e.store.Clear(ctx, t, year); err != nil {
		return err
	}
	e.logger.Info("partition cleared", "type", t, "year", year)
	return nil
}

// ClearYear empties every partition of a year.
func (e *Engine) ClearYear(ctx context.Context, year int) error {
	if err := e.store.ClearYear(ctx, year); err != nil {
		return err
	}
	e.logger.Info("year cleared", "year", year)
	return nil
}

// Stats returns record counts per type across all years.
func (e *Engine) Stats(ctx context.Context) (map[domain.RecordType]int, error) {
	return e.store.Stats(ctx)
}

// Search queries the precomputed search index.
func (e *Engine) Search(ctx context.Context, year int, query string, limit int) ([]domain.SearchEntry, error) {
	return e.store.Search(ctx, year, query, limit)
}
