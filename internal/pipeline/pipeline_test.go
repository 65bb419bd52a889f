package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
	"github.com/couchcryptid/ok-offline-sync/internal/pipeline"
	"github.com/couchcryptid/ok-offline-sync/internal/store"
)

// --- mocks ---

type mockSource struct {
	mu     sync.Mutex
	bodies map[domain.RecordType]string
	errs   map[domain.RecordType]error
	calls  []domain.RecordType
}

func (m *mockSource) Fetch(_ context.Context, t domain.RecordType, _ int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, t)
	if err := m.errs[t]; err != nil {
		return nil, err
	}
	body, ok := m.bodies[t]
	if !ok {
		return nil, domain.NewError(domain.KindNoData, "not found", "", nil)
	}
	return []byte(body), nil
}

func (m *mockSource) Name() string { return "mock" }

type mockNotifier struct {
	mu     sync.Mutex
	events []domain.SyncEvent
	err    error
}

func (m *mockNotifier) NotifySync(_ context.Context, ev domain.SyncEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return m.err
}

// failingGetStore breaks reads so enrichment cannot proceed.
type failingGetStore struct {
	*store.Store
}

func (f failingGetStore) Get(context.Context, domain.RecordType, int) ([]domain.Record, error) {
	return nil, domain.NewError(domain.KindStorage, "disk gone", "", nil)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMetrics() *observability.Metrics {
	return observability.NewMetricsForTesting()
}

func openStore(t *testing.T, clock clockwork.Clock) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "records.db"), clock)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const (
	campsBody  = `[{"uid":"c1","name":"Camp A","location_string":"7:30 & E"},{"uid":"c2","name":"Camp B"}]`
	artBody    = `{"art":[{"uid":"a1","name":"Temple","location_string":"12:00 & 2500'"}]}`
	eventsBody = `{"data":[{"uid":"e1","title":"Yoga","hosted_by_camp":"c1"},{"uid":"e2","title":"Burn","located_at_art":"a1"},{"uid":"e3","title":"Wander","other_location":"Deep playa"}]}`
)

func fullSource() *mockSource {
	return &mockSource{bodies: map[domain.RecordType]string{
		domain.Camp:  campsBody,
		domain.Art:   artBody,
		domain.Event: eventsBody,
	}}
}

var syncedAt = time.Date(2025, 8, 20, 12, 0, 0, 0, time.UTC)

// --- tests ---

func TestEngine_SyncType_StoresYearStampedRecords(t *testing.T) {
	clock := clockwork.NewFakeClockAt(syncedAt)
	st := openStore(t, clock)
	e := pipeline.New(fullSource(), st, discardLogger(), newTestMetrics(), pipeline.WithClock(clock))
	ctx := context.Background()

	res, err := e.SyncType(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Count)
	assert.Equal(t, syncedAt, res.Timestamp)

	recs := e.Records(ctx, domain.Camp, 2025)
	require.Len(t, recs, 2)
	for _, r := range recs {
		year, ok := r.Year()
		require.True(t, ok)
		assert.Equal(t, 2025, year)
	}

	md, ok, err := st.SyncMetadata(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mock", md.Source)
}

func TestEngine_SyncType_ReplacesPartition(t *testing.T) {
	st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
	src := fullSource()
	e := pipeline.New(src, st, discardLogger(), newTestMetrics())
	ctx := context.Background()

	_, err := e.SyncType(ctx, domain.Camp, 2025)
	require.NoError(t, err)

	src.bodies[domain.Camp] = `[{"uid":"c9","name":"Only"}]`
	res, err := e.SyncType(ctx, domain.Camp, 2025)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	recs := e.Records(ctx, domain.Camp, 2025)
	require.Len(t, recs, 1)
	assert.Equal(t, "c9", recs[0].UID())
}

func TestEngine_SyncType_Failures(t *testing.T) {
	tests := []struct {
		name string
		src  *mockSource
		kind domain.Kind
	}{
		{"missing partition", &mockSource{}, domain.KindNoData},
		{"network", &mockSource{errs: map[domain.RecordType]error{
			domain.Art: domain.NewError(domain.KindNetwork, "dial", "", errors.New("refused")),
		}}, domain.KindNetwork},
		{"auth", &mockSource{errs: map[domain.RecordType]error{
			domain.Art: domain.NewError(domain.KindAuth, "401", "", nil),
		}}, domain.KindAuth},
		{"malformed body", &mockSource{bodies: map[domain.RecordType]string{
			domain.Art: `{"unexpected":true}`,
		}}, domain.KindData},
		{"unclassified", &mockSource{errs: map[domain.RecordType]error{
			domain.Art: errors.New("boom"),
		}}, domain.KindSyncFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
			e := pipeline.New(tt.src, st, discardLogger(), newTestMetrics())

			res, err := e.SyncType(context.Background(), domain.Art, 2025)
			require.Error(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, tt.kind, res.Kind)
			assert.NotEmpty(t, res.Message)

			_, ok, err := st.SyncMetadata(context.Background(), domain.Art, 2025)
			require.NoError(t, err)
			assert.False(t, ok, "failed sync must not record metadata")
		})
	}
}

func TestEngine_SyncType_FailureKeepsPreviousData(t *testing.T) {
	st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
	src := fullSource()
	e := pipeline.New(src, st, discardLogger(), newTestMetrics())
	ctx := context.Background()

	_, err := e.SyncType(ctx, domain.Camp, 2025)
	require.NoError(t, err)

	src.errs = map[domain.RecordType]error{domain.Camp: domain.NewError(domain.KindNetwork, "offline", "", nil)}
	_, err = e.SyncType(ctx, domain.Camp, 2025)
	require.Error(t, err)

	assert.Len(t, e.Records(ctx, domain.Camp, 2025), 2)
}

func TestEngine_SyncYear_EnrichesEvents(t *testing.T) {
	st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
	src := fullSource()
	e := pipeline.New(src, st, discardLogger(), newTestMetrics())
	ctx := context.Background()

	var seen []domain.RecordType
	out := e.SyncYear(ctx, 2025, func(rt domain.RecordType, completed, total int) {
		seen = append(seen, rt)
		assert.Equal(t, 3, total)
		assert.Equal(t, len(seen)-1, completed)
	})

	assert.Equal(t, domain.RecordTypes, seen)
	assert.Equal(t, domain.RecordTypes, src.calls)
	for _, typ := range domain.RecordTypes {
		assert.True(t, out[typ].Success, typ)
	}

	byUID := map[string]domain.Record{}
	for _, ev := range e.Records(ctx, domain.Event, 2025) {
		byUID[ev.UID()] = ev
	}
	assert.Equal(t, "7:30 & E", byUID["e1"].String("enriched_location"))
	assert.Equal(t, "Camp A", byUID["e1"].String("camp_name"))
	assert.Equal(t, "12:00 & 2500'", byUID["e2"].String("enriched_location"))
	assert.Equal(t, "Temple", byUID["e2"].String("art_name"))
	assert.Equal(t, "Deep playa", byUID["e3"].String("enriched_location"))
}

func TestEngine_SyncYear_PartialFailureContinues(t *testing.T) {
	st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
	src := fullSource()
	src.errs = map[domain.RecordType]error{domain.Art: domain.NewError(domain.KindNetwork, "offline", "", nil)}
	e := pipeline.New(src, st, discardLogger(), newTestMetrics())
	ctx := context.Background()

	out := e.SyncYear(ctx, 2025, nil)
	assert.True(t, out[domain.Camp].Success)
	assert.False(t, out[domain.Art].Success)
	assert.Equal(t, domain.KindNetwork, out[domain.Art].Kind)
	assert.True(t, out[domain.Event].Success)

	n, err := e.Count(ctx, domain.Event, 2025)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEngine_SyncYear_NotifiesWithSharedRunID(t *testing.T) {
	st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
	n := &mockNotifier{err: errors.New("broker down")}
	e := pipeline.New(fullSource(), st, discardLogger(), newTestMetrics(), pipeline.WithNotifier(n))

	out := e.SyncYear(context.Background(), 2025, nil)
	assert.True(t, out[domain.Event].Success, "notifier errors must not fail a sync")

	require.Len(t, n.events, 3)
	runID := n.events[0].RunID
	assert.NotEmpty(t, runID)
	for i, ev := range n.events {
		assert.Equal(t, runID, ev.RunID)
		assert.Equal(t, domain.RecordTypes[i], ev.Type)
		assert.Equal(t, "mock", ev.Source)
	}
}

func TestEngine_EnrichYear_Idempotent(t *testing.T) {
	st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
	e := pipeline.New(fullSource(), st, discardLogger(), newTestMetrics())
	ctx := context.Background()

	e.SyncYear(ctx, 2025, nil)
	before := e.Records(ctx, domain.Event, 2025)

	n, err := e.EnrichYear(ctx, 2025)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, before, e.Records(ctx, domain.Event, 2025))
}

func TestEngine_EnrichYear_ErrorIsContained(t *testing.T) {
	st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
	e := pipeline.New(fullSource(), failingGetStore{st}, discardLogger(), newTestMetrics())

	n, err := e.EnrichYear(context.Background(), 2025)
	require.Error(t, err)
	assert.Zero(t, n)
}

func TestEngine_BuildSearchIndex(t *testing.T) {
	st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
	e := pipeline.New(fullSource(), st, discardLogger(), newTestMetrics())
	ctx := context.Background()

	e.SyncYear(ctx, 2025, nil)
	n, err := e.BuildSearchIndex(ctx, 2025)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	hits, err := e.Search(ctx, 2025, "temple", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "a1", hits[0].UID)
}

func TestEngine_StatusAndFreshness(t *testing.T) {
	clock := clockwork.NewFakeClockAt(syncedAt)
	st := openStore(t, clock)
	e := pipeline.New(fullSource(), st, discardLogger(), newTestMetrics(), pipeline.WithClock(clock))
	ctx := context.Background()

	_, err := e.SyncType(ctx, domain.Camp, 2025)
	require.NoError(t, err)

	status, err := e.SyncStatus(ctx, 2025)
	require.NoError(t, err)
	assert.True(t, status[domain.Camp].Synced)
	assert.Equal(t, 2, status[domain.Camp].Count)
	assert.False(t, status[domain.Art].Synced)
	assert.Nil(t, status[domain.Art].LastSync)

	fresh, last, err := e.Fresh(ctx, domain.Camp, 2025, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, syncedAt, last)

	clock.Advance(25 * time.Hour)
	fresh, _, err = e.Fresh(ctx, domain.Camp, 2025, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, fresh)

	fresh, _, err = e.Fresh(ctx, domain.Art, 2025, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestEngine_ClearYear(t *testing.T) {
	st := openStore(t, clockwork.NewFakeClockAt(syncedAt))
	e := pipeline.New(fullSource(), st, discardLogger(), newTestMetrics())
	ctx := context.Background()

	e.SyncYear(ctx, 2025, nil)
	e.SyncYear(ctx, 2024, nil)
	require.NoError(t, e.ClearYear(ctx, 2025))

	assert.Empty(t, e.Records(ctx, domain.Camp, 2025))
	assert.Len(t, e.Records(ctx, domain.Camp, 2024), 2)

	require.NoError(t, e.ClearType(ctx, domain.Camp, 2024))
	assert.Empty(t, e.Records(ctx, domain.Camp, 2024))
	assert.Len(t, e.Records(ctx, domain.Art, 2024), 1)
}
