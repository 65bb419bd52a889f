package tiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
)

const (
	// completenessPercent of the required grid counts as downloaded.
	completenessPercent = 90
	// degradedAfter consecutive below-threshold runs raise a warning.
	degradedAfter = 3
	// estimatedTileBytes is the average OSM tile size used for estimates.
	estimatedTileBytes = 30 * 1024
	maxTileBytes       = 2 << 20
	userAgent          = "ok-offline-sync/1.0 (+https://github.com/couchcryptid/ok-offline-sync)"
)

// Acquisition paths.
const (
	PathPackage = "package"
	PathTiles   = "tiles"
	PathProxy   = "proxy"
)

// ErrDownloadInProgress is returned when Download is called during another run.
var ErrDownloadInProgress = errors.New("tile download already in progress")

var errTileTooLarge = fmt.Errorf("tile exceeds %d bytes", maxTileBytes)

// Progress reports acquisition state. Percent runs 0-100 within one run.
type Progress struct {
	Path    string  `json:"path"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// ProgressFunc receives progress updates. It is called from the download goroutine.
type ProgressFunc func(Progress)

// Result summarizes one acquisition run.
type Result struct {
	Success  bool   `json:"success"`
	Path     string `json:"path"`
	Stored   int    `json:"stored"`
	Failed   int    `json:"failed"`
	Rejected int    `json:"rejected"`
	Total    int    `json:"total"`
	Complete bool   `json:"complete"`
	Degraded bool   `json:"degraded"`
}

// StorageStats describes tile store usage against the required grid.
type StorageStats struct {
	Stored         int     `json:"stored"`
	Required       int     `json:"required"`
	Percentage     float64 `json:"percentage"`
	EstimatedBytes int64   `json:"estimated_bytes"`
	ActualBytes    int64   `json:"actual_bytes"`
	Complete       bool    `json:"complete"`
	Degraded       bool    `json:"degraded"`
	Downloading    bool    `json:"downloading"`
}

// Options configures a Service.
type Options struct {
	PackageURL  string
	URLTemplate string
	BatchSize   int
	BatchDelay  time.Duration
	Timeout     time.Duration
}

// Service owns the tile store and fills it for the configured region, first
// from a bulk package and otherwise tile by tile.
type Service struct {
	store      *Store
	region     Region
	opts       Options
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics

	downloading atomic.Bool

	mu         sync.Mutex
	belowRuns  int
	isDegraded bool
}

// NewService creates a tile acquisition service over store.
func NewService(store *Store, region Region, opts Options, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		store:      store,
		region:     region,
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
	}
}

// Region returns the configured tile region.
func (s *Service) Region() Region { return s.region }

// Download fills the tile store. The bulk package is tried first; any
// failure there falls back to fetching each grid tile. The run succeeds when
// at least one tile was stored.
func (s *Service) Download(ctx context.Context, onProgress ProgressFunc) (Result, error) {
	run, err := s.StartDownload()
	if err != nil {
		return Result{}, err
	}
	return run(ctx, onProgress)
}

// StartDownload claims the download slot and returns the function that
// performs the run. It fails with ErrDownloadInProgress while another run
// holds the slot. The returned function must be called exactly once.
func (s *Service) StartDownload() (func(context.Context, ProgressFunc) (Result, error), error) {
	if !s.downloading.CompareAndSwap(false, true) {
		return nil, ErrDownloadInProgress
	}
	return func(ctx context.Context, onProgress ProgressFunc) (Result, error) {
		defer s.downloading.Store(false)
		return s.download(ctx, onProgress)
	}, nil
}

func (s *Service) download(ctx context.Context, onProgress ProgressFunc) (Result, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	res, err := s.downloadPackage(ctx, onProgress)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		s.logger.Warn("tile package unavailable, falling back to individual tiles", "error", err)
		res, err = s.downloadTiles(ctx, onProgress)
		if err != nil {
			return res, err
		}
	}

	complete, err := s.AreTilesDownloaded(ctx)
	if err != nil {
		return res, err
	}
	res.Complete = complete
	res.Degraded = s.recordCompleteness(complete)
	s.refreshGauge(ctx)

	if res.Stored == 0 {
		return res, domain.NewError(domain.KindNetwork, "no tiles could be downloaded",
			"Map tiles could not be downloaded. You can retry later.", nil)
	}
	res.Success = true
	s.logger.Info("tile download finished",
		"path", res.Path, "stored", res.Stored, "failed", res.Failed, "total", res.Total, "complete", complete)
	return res, nil
}

// downloadPackage fetches the bulk archive to a temp file, mapping bytes
// received to 0-50% and extracted entries to 50-100%.
func (s *Service) downloadPackage(ctx context.Context, onProgress ProgressFunc) (Result, error) {
	res := Result{Path: PathPackage}
	if s.opts.PackageURL == "" {
		return res, errors.New("no tile package URL configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.opts.PackageURL, nil)
	if err != nil {
		return res, fmt.Errorf("create package request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return res, fmt.Errorf("package request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("package request: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "tiles-package-*.zip")
	if err != nil {
		return res, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	onProgress(Progress{Path: PathPackage, Percent: 0, Message: "Downloading map package"})
	pr := &progressReader{r: resp.Body, total: resp.ContentLength, report: func(done, total int64) {
		onProgress(Progress{Path: PathPackage, Percent: float64(done) / float64(total) * 50, Message: "Downloading map package"})
	}}
	size, err := io.Copy(tmp, pr)
	if err != nil {
		return res, fmt.Errorf("download package: %w", err)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return res, fmt.Errorf("open package: %w", err)
	}

	onProgress(Progress{Path: PathPackage, Percent: 50, Message: "Extracting map tiles"})
	for i, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c, ok := ParsePath(f.Name)
		if !ok || f.FileInfo().IsDir() {
			continue
		}
		res.Total++
		if !s.region.Contains(c) {
			res.Rejected++
			s.metrics.TileFetches.WithLabelValues(PathPackage, "rejected").Inc()
			continue
		}

		data, err := readEntry(f)
		if err != nil {
			return res, fmt.Errorf("extract %s: %w", f.Name, err)
		}
		if err := s.put(ctx, c, s.opts.PackageURL+"#"+f.Name, data, PathPackage); err != nil {
			return res, err
		}
		res.Stored++

		onProgress(Progress{
			Path:    PathPackage,
			Percent: 50 + float64(i+1)/float64(len(zr.File))*50,
			Message: fmt.Sprintf("Extracted %d tiles", res.Stored),
		})
	}

	if res.Stored == 0 {
		return res, errors.New("package contained no usable tiles")
	}
	onProgress(Progress{Path: PathPackage, Percent: 100, Message: fmt.Sprintf("Extracted %d tiles", res.Stored)})
	return res, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readTile(rc)
}

// readTile reads a whole tile body, rejecting anything over maxTileBytes
// rather than keeping a truncated image.
func readTile(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxTileBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxTileBytes {
		return nil, errTileTooLarge
	}
	return data, nil
}

// downloadTiles fetches every grid tile in batches of BatchSize, pausing
// BatchDelay between batches. Individual failures are counted and skipped.
func (s *Service) downloadTiles(ctx context.Context, onProgress ProgressFunc) (Result, error) {
	grid := s.region.Grid()
	res := Result{Path: PathTiles, Total: len(grid)}

	var stored, failed atomic.Int64
	for start := 0; start < len(grid); start += s.opts.BatchSize {
		if start > 0 && !s.sleep(ctx, s.opts.BatchDelay) {
			break
		}
		end := min(start+s.opts.BatchSize, len(grid))

		g, gctx := errgroup.WithContext(ctx)
		for _, c := range grid[start:end] {
			g.Go(func() error {
				if err := s.fetchAndStore(gctx, c); err != nil {
					if errors.Is(err, domain.ErrStorage) {
						return err
					}
					failed.Add(1)
					s.logger.Debug("tile fetch failed", "tile", c.String(), "error", err)
					return nil
				}
				stored.Add(1)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			res.Stored, res.Failed = int(stored.Load()), int(failed.Load())
			return res, err
		}

		onProgress(Progress{
			Path:    PathTiles,
			Percent: float64(end) / float64(len(grid)) * 100,
			Message: fmt.Sprintf("Downloaded %d of %d tiles", stored.Load(), len(grid)),
		})
	}

	res.Stored, res.Failed = int(stored.Load()), int(failed.Load())
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	return res, nil
}

func (s *Service) fetchAndStore(ctx context.Context, c Coord) error {
	u := s.TileURL(c)
	data, err := s.fetch(ctx, u)
	if err != nil {
		s.metrics.TileFetches.WithLabelValues(PathTiles, "error").Inc()
		return err
	}
	return s.put(ctx, c, u, data, PathTiles)
}

func (s *Service) fetch(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create tile request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tile request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tile request: status %d", resp.StatusCode)
	}
	return readTile(resp.Body)
}

func (s *Service) put(ctx context.Context, c Coord, url string, data []byte, path string) error {
	evicted, err := s.store.Put(ctx, c, url, data)
	if err != nil {
		s.metrics.TileFetches.WithLabelValues(path, "error").Inc()
		return err
	}
	s.metrics.TileFetches.WithLabelValues(path, "success").Inc()
	if evicted > 0 {
		s.metrics.TileEvictions.Add(float64(evicted))
	}
	return nil
}

// TileURL expands the tile server template for c.
func (s *Service) TileURL(c Coord) string {
	return ExpandURL(s.opts.URLTemplate, c)
}

// ExpandURL fills the {s}, {z}, {x} and {y} placeholders of a tile server
// URL template.
func ExpandURL(template string, c Coord) string {
	r := strings.NewReplacer(
		"{s}", Subdomain(c),
		"{z}", strconv.Itoa(c.Z),
		"{x}", strconv.Itoa(c.X),
		"{y}", strconv.Itoa(c.Y),
	)
	return r.Replace(template)
}

// Tile returns a stored tile.
func (s *Service) Tile(ctx context.Context, c Coord) (Tile, bool, error) {
	return s.store.Get(ctx, c)
}

// SaveFetched stores a tile fetched by the interception proxy. Tiles outside
// the region are never stored; the bool reports whether it was kept.
func (s *Service) SaveFetched(ctx context.Context, c Coord, url string, data []byte) (bool, error) {
	if !s.region.Contains(c) {
		s.metrics.TileFetches.WithLabelValues(PathProxy, "rejected").Inc()
		return false, nil
	}
	if err := s.put(ctx, c, url, data, PathProxy); err != nil {
		return false, err
	}
	return true, nil
}

// StoredCount returns the number of stored tiles.
func (s *Service) StoredCount(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// AreTilesDownloaded reports whether at least 90% of the required grid is stored.
func (s *Service) AreTilesDownloaded(ctx context.Context) (bool, error) {
	stored, err := s.store.Count(ctx)
	if err != nil {
		return false, err
	}
	return meetsThreshold(stored, s.region.RequiredCount()), nil
}

func meetsThreshold(stored, required int) bool {
	if required <= 0 {
		return true
	}
	return stored*100 >= required*completenessPercent
}

// Stats reports tile store usage.
func (s *Service) Stats(ctx context.Context) (StorageStats, error) {
	stored, err := s.store.Count(ctx)
	if err != nil {
		return StorageStats{}, err
	}
	actual, err := s.store.Bytes(ctx)
	if err != nil {
		return StorageStats{}, err
	}
	required := s.region.RequiredCount()

	pct := 100.0
	if required > 0 {
		pct = float64(stored) / float64(required) * 100
	}
	return StorageStats{
		Stored:         stored,
		Required:       required,
		Percentage:     pct,
		EstimatedBytes: int64(stored) * estimatedTileBytes,
		ActualBytes:    actual,
		Complete:       meetsThreshold(stored, required),
		Degraded:       s.Degraded(),
		Downloading:    s.downloading.Load(),
	}, nil
}

// Clear deletes every stored tile and resets completeness tracking.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.store.Clear(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.belowRuns = 0
	s.isDegraded = false
	s.mu.Unlock()
	s.metrics.TilesDegraded.Set(0)
	s.metrics.TilesStored.Set(0)
	return nil
}

// Degraded reports whether recent runs kept ending below the threshold.
func (s *Service) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isDegraded
}

// recordCompleteness tracks consecutive incomplete runs and returns the
// resulting degraded state.
func (s *Service) recordCompleteness(complete bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if complete {
		s.belowRuns = 0
		s.isDegraded = false
		s.metrics.TilesDegraded.Set(0)
		return false
	}
	s.belowRuns++
	if s.belowRuns >= degradedAfter {
		if !s.isDegraded {
			s.logger.Warn("tile store persistently below completeness threshold",
				"consecutive_runs", s.belowRuns, "threshold_percent", completenessPercent)
		}
		s.isDegraded = true
		s.metrics.TilesDegraded.Set(1)
	}
	return s.isDegraded
}

func (s *Service) refreshGauge(ctx context.Context) {
	if n, err := s.store.Count(ctx); err == nil {
		s.metrics.TilesStored.Set(float64(n))
	}
}

func (s *Service) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.clock.After(d):
		return true
	}
}

// progressReader reports bytes read against an expected total. Reports are
// skipped when the total is unknown.
type progressReader struct {
	r      io.Reader
	total  int64
	done   int64
	report func(done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if n > 0 && p.total > 0 {
		p.report(p.done, p.total)
	}
	return n, err
}
