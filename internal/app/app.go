// Package app wires the sync engine, orchestrator, tile service and
// background update process together and manages their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/ok-offline-sync/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/ok-offline-sync/internal/adapter/kafka"
	"github.com/couchcryptid/ok-offline-sync/internal/adapter/source"
	"github.com/couchcryptid/ok-offline-sync/internal/adapter/ws"
	"github.com/couchcryptid/ok-offline-sync/internal/config"
	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
	"github.com/couchcryptid/ok-offline-sync/internal/orchestrator"
	"github.com/couchcryptid/ok-offline-sync/internal/pipeline"
	"github.com/couchcryptid/ok-offline-sync/internal/store"
	"github.com/couchcryptid/ok-offline-sync/internal/tiles"
	"github.com/couchcryptid/ok-offline-sync/internal/watch"
	"github.com/couchcryptid/ok-offline-sync/internal/worker"
)

// shellURLs are pre-cached when the background update process installs.
var shellURLs = []string{"/", "/index.html", "/manifest.json"}

// App owns every long-lived component. The CLI builds one per command; only
// Serve starts the network-facing parts.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock

	records   *store.Store
	cached    *store.CachedStore
	tileStore *tiles.Store
	cache     *worker.Cache
	notifier  *kafkaadapter.Writer

	engine *pipeline.Engine
	tiles  *tiles.Service
	orch   *orchestrator.Orchestrator
	hub    *ws.Hub

	mdns *zeroconf.Server
}

// New opens the stores and builds the components.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*App, error) {
	region := tilesRegion(cfg)
	if err := checkTileCapacity(region, cfg.TileMaxStored); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, metrics: metrics, clock: clockwork.NewRealClock()}

	records, err := store.Open(ctx, cfg.RecordDBPath(), a.clock)
	if err != nil {
		return nil, err
	}
	a.records = records

	tileStore, err := tiles.OpenStore(ctx, cfg.TileDBPath(), region, cfg.TileMaxStored, a.clock)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.tileStore = tileStore
	a.tiles = tiles.NewService(tileStore, region, tiles.Options{
		PackageURL:  cfg.TilePackageURL,
		URLTemplate: cfg.TileURLTemplate,
		BatchSize:   cfg.TileBatchSize,
		BatchDelay:  cfg.TileBatchDelay,
		Timeout:     cfg.SourceTimeout,
	}, a.clock, logger, metrics)

	if cfg.KafkaEnabled {
		a.notifier = kafkaadapter.NewWriter(cfg, logger, metrics)
		logger.Info("sync event notifications enabled", "topic", cfg.KafkaSyncTopic)
	}

	a.cached = store.NewCachedStore(records, cfg.PartitionCacheSize, metrics)
	a.engine = pipeline.New(newSource(cfg, logger), a.cached, logger, metrics, a.engineOptions()...)

	a.hub = ws.NewHub(originPatterns(cfg.WorkerOrigin), func() any { return a.orch.Progress() }, a.clock, logger, metrics)
	a.orch = orchestrator.New(a.engine, a.tiles, cfg.SyncYears, cfg.StalenessTTL, a.hub.Callbacks(), logger, metrics)

	return a, nil
}

func tilesRegion(cfg *config.Config) tiles.Region {
	return tiles.Region{
		Bounds: tiles.Bounds{
			North: cfg.TileBounds.North,
			South: cfg.TileBounds.South,
			East:  cfg.TileBounds.East,
			West:  cfg.TileBounds.West,
		},
		MinZoom: cfg.TileMinZoom,
		MaxZoom: cfg.TileMaxZoom,
	}
}

// checkTileCapacity rejects a tile store too small to ever hold the region,
// which would keep the completeness check failing and force a full
// re-download on every sync.
func checkTileCapacity(region tiles.Region, maxStored int) error {
	if required := region.RequiredCount(); maxStored < required {
		return fmt.Errorf("TILE_MAX_STORED (%d) is smaller than the %d tiles required for zoom %d-%d",
			maxStored, required, region.MinZoom, region.MaxZoom)
	}
	return nil
}

// originPatterns lets the web app's origin open the progress stream.
func originPatterns(origin string) []string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}

func newSource(cfg *config.Config, logger *slog.Logger) pipeline.Source {
	if cfg.SyncSource == config.SourceAPI {
		return source.NewAPIClient(cfg.APIBaseURL, cfg.APIKey, cfg.SourceTimeout, logger)
	}
	return source.NewStaticClient(cfg.SourceBaseURL, cfg.SourceTimeout, logger)
}

// Engine returns the sync engine.
func (a *App) Engine() *pipeline.Engine { return a.engine }

// Orchestrator returns the progressive sync orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Tiles returns the tile acquisition service.
func (a *App) Tiles() *tiles.Service { return a.tiles }

// Serve runs the control server, the interception proxy, the progress hub
// and, when configured, the side-load watcher and mDNS advertisement, until
// ctx is done.
func (a *App) Serve(ctx context.Context) error {
	cache, err := worker.OpenCache(ctx, a.cfg.CacheDBPath(), a.clock)
	if err != nil {
		return err
	}
	a.cache = cache

	w, err := worker.New(cache, a.tiles, worker.Options{
		Origin:         a.cfg.WorkerOrigin,
		CachePrefix:    a.cfg.WorkerCachePrefix,
		CacheVersion:   a.cfg.WorkerCacheVersion,
		TileHostSuffix: a.cfg.TileHostSuffix,
		ShellURLs:      shellURLs,
		DataURLs:       dataURLs(a.cfg.CurrentYear),
		MessageTimeout: a.cfg.WorkerMessageTimeout,
	}, a.clock, a.logger, a.metrics)
	if err != nil {
		return err
	}

	api := httpadapter.NewAPI(httpadapter.APIDeps{
		Sync:           a.orch,
		Records:        a.engine,
		Tiles:          a.tiles,
		Worker:         w.Messenger(),
		ProgressStream: a.hub,
		TileProgress: func(p tiles.Progress) {
			a.hub.Publish(ws.TypeProgress, p)
		},
		CurrentYear: a.cfg.CurrentYear,
		Years:       a.cfg.SyncYears,
		Logger:      a.logger,
	})
	control := httpadapter.NewServer(a.cfg.HTTPAddr, api, w, a.logger)
	proxy := &http.Server{
		Addr:              a.cfg.ProxyAddr,
		Handler:           observability.AccessMiddleware(a.logger)(w),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error {
		// Install pre-caches over the network; the proxy serves passthrough
		// meanwhile and readiness flips once activation finishes.
		if _, err := w.Install(gctx); err != nil {
			if gctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("worker install: %w", err)
		}
		if _, err := w.Activate(gctx); err != nil && gctx.Err() == nil {
			return fmt.Errorf("worker activate: %w", err)
		}
		return nil
	})
	g.Go(func() error { return listen("control", control.Start) })
	g.Go(func() error {
		a.logger.Info("proxy server starting", "addr", proxy.Addr)
		return listen("proxy", proxy.ListenAndServe)
	})
	if a.cfg.WatchDir != "" {
		dir := source.NewDirSource(a.cfg.WatchDir)
		sideLoad := pipeline.New(dir, a.cached, a.logger, a.metrics, a.engineOptions()...)
		watcher := watch.New(a.cfg.WatchDir, dir, sideLoad, watch.DefaultDebounce, a.clock, a.logger)
		g.Go(func() error { return watcher.Run(gctx) })
	}
	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		a.stopMDNS()
		a.orch.Cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := control.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("control server shutdown: %w", err))
		}
		if err := proxy.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("proxy server shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func (a *App) engineOptions() []pipeline.Option {
	opts := []pipeline.Option{pipeline.WithClock(a.clock)}
	if a.notifier != nil {
		opts = append(opts, pipeline.WithNotifier(a.notifier))
	}
	return opts
}

// listen runs a ListenAndServe-style function, treating a graceful close as
// success.
func listen(name string, start func() error) error {
	if err := start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// dataURLs are the current year's static data files.
func dataURLs(year int) []string {
	out := make([]string, 0, len(domain.RecordTypes))
	for _, t := range domain.RecordTypes {
		out = append(out, fmt.Sprintf("/data/%d/%s.json", year, t.FileName()))
	}
	return out
}

// Close releases the stores and the notifier.
func (a *App) Close() error {
	var errs []error
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close kafka writer: %w", err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.tileStore != nil {
		if err := a.tileStore.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.records != nil {
		if err := a.records.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
