// Package worker is the background update process. It sits between the app
// and the network as an intercepting HTTP proxy, applies a caching strategy
// per resource class, and owns its caches exclusively: other components
// reach it only through typed messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"
	"github.com/couchcryptid/ok-offline-sync/internal/observability"
	"github.com/couchcryptid/ok-offline-sync/internal/tiles"
)

// Cache categories. The stored cache name is "<prefix>-<category>-<version>".
const (
	CacheStatic = "static"
	CacheData   = "data"
	CacheImages = "images"
	CacheAPI    = "api"
)

var categories = []string{CacheStatic, CacheData, CacheImages, CacheAPI}

const (
	maxBodyBytes      = 64 << 20
	refreshTimeout    = 30 * time.Second
	offlineAPIBody    = `{"error":"Offline - please try again when connected"}`
	offlineShellTitle = "OK-OFFLINE"
)

var offlineShell = `<!DOCTYPE html>
<html>
<head><title>` + offlineShellTitle + `</title></head>
<body>
<h1>` + offlineShellTitle + `</h1>
<p>Loading... Please check your connection.</p>
</body>
</html>
`

// Response headers kept when storing or relaying a response.
var keptHeaders = []string{"Content-Type", "Content-Encoding", "Cache-Control", "ETag", "Last-Modified"}

// Request headers forwarded upstream.
var forwardedHeaders = []string{"Accept", "Accept-Language", "Authorization", "X-API-Key"}

// SourceHeader tells the client where a proxied response came from.
const SourceHeader = "X-Offline-Source"

// Response sources, also used as metric labels.
const (
	SourceTiles    = "tiles"
	SourceCache    = "cache"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
)

// State is the worker lifecycle state.
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivated:
		return "activated"
	default:
		return "new"
	}
}

// TileStore is the tile service surface the proxy consults and feeds.
type TileStore interface {
	Tile(ctx context.Context, c tiles.Coord) (tiles.Tile, bool, error)
	SaveFetched(ctx context.Context, c tiles.Coord, url string, data []byte) (bool, error)
}

// Options configures a Worker. ShellURLs and DataURLs are pre-cached on
// install and resolve against Origin.
type Options struct {
	Origin         string
	CachePrefix    string
	CacheVersion   string
	TileHostSuffix string
	ShellURLs      []string
	DataURLs       []string
	MessageTimeout time.Duration
	MaxBodyBytes   int64
	Client         *http.Client
}

// Worker is the intercepting proxy and its caches.
type Worker struct {
	origin  *url.URL
	opts    Options
	names   map[string]string
	cache   *Cache
	tiles   TileStore
	client  *http.Client
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics

	state atomic.Int32
	inbox chan envelope
	bg    sync.WaitGroup
}

// New creates a Worker. It does nothing until Install and Activate run.
func New(cache *Cache, ts TileStore, opts Options, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) (*Worker, error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("invalid worker origin %q", opts.Origin)
	}
	if opts.MessageTimeout <= 0 {
		opts.MessageTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = maxBodyBytes
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	names := make(map[string]string, len(categories))
	for _, c := range categories {
		names[c] = fmt.Sprintf("%s-%s-%s", opts.CachePrefix, c, opts.CacheVersion)
	}

	return &Worker{
		origin:  origin,
		opts:    opts,
		names:   names,
		cache:   cache,
		tiles:   ts,
		client:  client,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		inbox:   make(chan envelope, 16),
	}, nil
}

// CacheName returns the versioned name of a cache category.
func (w *Worker) CacheName(category string) (string, bool) {
	n, ok := w.names[category]
	return n, ok
}

// State returns the lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// CheckReadiness reports ready once the worker has activated.
func (w *Worker) CheckReadiness(_ context.Context) error {
	if s := w.State(); s != StateActivated {
		return fmt.Errorf("worker %s", s)
	}
	return nil
}

// InstallReport lists the pre-cache outcome.
type InstallReport struct {
	Cached int      `json:"cached"`
	Failed []string `json:"failed,omitempty"`
}

// Install pre-caches the app shell and the current year's data files. A
// failing entry is logged and skipped; only ctx ending aborts the install.
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	w.state.Store(int32(StateInstalling))
	w.logger.Info("worker installing", "shell", len(w.opts.ShellURLs), "data", len(w.opts.DataURLs))

	var rep InstallReport
	for _, batch := range []struct {
		category string
		urls     []string
	}{
		{CacheStatic, w.opts.ShellURLs},
		{CacheData, w.opts.DataURLs},
	} {
		for _, ref := range batch.urls {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			if err := w.precache(ctx, batch.category, ref); err != nil {
				w.logger.Warn("pre-cache failed, continuing", "url", ref, "error", err)
				rep.Failed = append(rep.Failed, ref)
				continue
			}
			rep.Cached++
		}
	}

	w.state.Store(int32(StateInstalled))
	w.logger.Info("worker installed", "cached", rep.Cached, "failed", len(rep.Failed))
	return rep, nil
}

func (w *Worker) precache(ctx context.Context, category, ref string) error {
	target, err := w.resolve(ref)
	if err != nil {
		return err
	}
	resp, err := w.fetch(ctx, target, nil)
	if err != nil {
		return err
	}
	if !ok(resp.Status) {
		return fmt.Errorf("status %d", resp.Status)
	}
	return w.cache.Put(ctx, w.names[category], target.String(), resp)
}

// Activate deletes every cache whose name is not in the current versioned
// set and marks the worker ready. It returns the deleted cache names.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	existing, err := w.cache.Names(ctx)
	if err != nil {
		return nil, err
	}
	valid := make(map[string]bool, len(w.names))
	for _, n := range w.names {
		valid[n] = true
	}

	var deleted []string
	for _, n := range existing {
		if valid[n] {
			continue
		}
		if _, err := w.cache.Delete(ctx, n); err != nil {
			return deleted, err
		}
		w.logger.Info("deleted stale cache", "cache", n)
		deleted = append(deleted, n)
	}

	w.state.Store(int32(StateActivated))
	w.logger.Info("worker activated", "deleted", len(deleted))
	return deleted, nil
}

// Wait blocks until background refreshes finish.
func (w *Worker) Wait() { w.bg.Wait() }

// --- request interception ---

// Class is a resource class with its own caching strategy.
type Class string

const (
	ClassTile        Class = "tile"
	ClassAPI         Class = "api"
	ClassData        Class = "data"
	ClassImage       Class = "image"
	ClassAsset       Class = "asset"
	ClassNavigation  Class = "navigation"
	ClassPassthrough Class = "passthrough"
)

var (
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".svg": true}
	assetExts = map[string]bool{".js": true, ".css": true, ".woff": true, ".woff2": true, ".ttf": true, ".eot": true}
)

// Classify picks the resource class of a GET to target.
func (w *Worker) Classify(method string, target *url.URL) Class {
	if method != http.MethodGet {
		return ClassPassthrough
	}
	host := target.Hostname()
	if w.opts.TileHostSuffix != "" && strings.HasSuffix(host, w.opts.TileHostSuffix) {
		if _, ok := tiles.ParsePath(target.Path); ok {
			return ClassTile
		}
		return ClassPassthrough
	}
	if !strings.EqualFold(target.Host, w.origin.Host) {
		return ClassPassthrough
	}

	p := target.Path
	ext := strings.ToLower(path.Ext(p))
	switch {
	case strings.HasPrefix(p, "/api/"):
		return ClassAPI
	case strings.HasPrefix(p, "/data/") && (ext == ".json" || ext == ".geojson"):
		return ClassData
	case imageExts[ext]:
		return ClassImage
	case strings.HasPrefix(p, "/assets/") || strings.HasPrefix(p, "/src/") ||
		strings.HasPrefix(p, "/fonts/") || assetExts[ext]:
		return ClassAsset
	default:
		return ClassNavigation
	}
}

// ServeHTTP handles one intercepted request. Absolute-form requests (forward
// proxy) target their own URL; origin-form requests target the app origin.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	target := w.target(r)
	class := w.Classify(r.Method, target)

	var source string
	switch class {
	case ClassTile:
		source = w.serveTile(rw, r, target)
	case ClassAPI:
		source = w.networkFirst(rw, r, target, CacheAPI, func(rw http.ResponseWriter) {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(rw, offlineAPIBody)
		})
	case ClassData:
		source = w.networkFirst(rw, r, target, CacheData, func(rw http.ResponseWriter) {
			http.Error(rw, "Data not available offline", http.StatusNotFound)
		})
	case ClassImage:
		source = w.cacheFirst(rw, r, target, CacheImages, http.StatusNotFound)
	case ClassAsset:
		source = w.cacheFirst(rw, r, target, CacheStatic, http.StatusServiceUnavailable)
	case ClassNavigation:
		source = w.serveNavigation(rw, r, target)
	default:
		source = w.passthrough(rw, r, target)
	}
	w.metrics.ProxyRequests.WithLabelValues(string(class), source).Inc()
}

func (w *Worker) target(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		return &u
	}
	return w.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
}

func (w *Worker) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, domain.NewError(domain.KindData, fmt.Sprintf("invalid url %q", ref), "", err)
	}
	return w.origin.ResolveReference(u), nil
}

// serveTile checks the tile store, then any cache, then the network. A
// fetched tile is handed to the tile store, which keeps it only inside the
// configured region.
func (w *Worker) serveTile(rw http.ResponseWriter, r *http.Request, target *url.URL) string {
	ctx := r.Context()
	c, _ := tiles.ParsePath(target.Path)

	t, found, err := w.tiles.Tile(ctx, c)
	if err != nil {
		w.logger.Warn("tile store read failed", "tile", c, "error", err)
	}
	if found {
		writeResponse(rw, CachedResponse{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": {"image/png"}},
			Body:   t.Data,
		}, SourceTiles)
		return SourceTiles
	}

	if resp, found, _ := w.cache.MatchAny(ctx, target.String()); found {
		writeResponse(rw, resp, SourceCache)
		return SourceCache
	}

	resp, err := w.fetch(ctx, target, r)
	if err != nil {
		w.logger.Debug("tile fetch failed", "tile", c, "error", err)
		rw.Header().Set(SourceHeader, SourceFallback)
		http.Error(rw, "Offline", http.StatusServiceUnavailable)
		return SourceFallback
	}
	if resp.Status == http.StatusOK {
		if _, err := w.tiles.SaveFetched(ctx, c, target.String(), resp.Body); err != nil {
			w.logger.Warn("store fetched tile failed", "tile", c, "error", err)
		}
	}
	writeResponse(rw, resp, SourceNetwork)
	return SourceNetwork
}

// networkFirst serves fresh responses when the network answers and the last
// cached copy when it does not.
func (w *Worker) networkFirst(rw http.ResponseWriter, r *http.Request, target *url.URL, category string, offline func(http.ResponseWriter)) string {
	ctx := r.Context()
	name := w.names[category]

	resp, err := w.fetch(ctx, target, r)
	if err == nil {
		if ok(resp.Status) {
			w.store(ctx, name, target.String(), resp)
		}
		writeResponse(rw, resp, SourceNetwork)
		return SourceNetwork
	}

	w.logger.Debug("network failed, trying cache", "url", target.String(), "error", err)
	if cached, found, _ := w.cache.Match(ctx, name, target.String()); found {
		writeResponse(rw, cached, SourceCache)
		return SourceCache
	}
	rw.Header().Set(SourceHeader, SourceFallback)
	offline(rw)
	return SourceFallback
}

// cacheFirst serves a cached entry when there is one and never re-fetches it.
func (w *Worker) cacheFirst(rw http.ResponseWriter, r *http.Request, target *url.URL, category string, offlineStatus int) string {
	ctx := r.Context()
	name := w.names[category]

	if cached, found, _ := w.cache.Match(ctx, name, target.String()); found {
		writeResponse(rw, cached, SourceCache)
		return SourceCache
	}

	resp, err := w.fetch(ctx, target, r)
	if err != nil {
		w.logger.Debug("asset fetch failed", "url", target.String(), "error", err)
		rw.Header().Set(SourceHeader, SourceFallback)
		rw.WriteHeader(offlineStatus)
		return SourceFallback
	}
	if ok(resp.Status) {
		w.store(ctx, name, target.String(), resp)
	}
	writeResponse(rw, resp, SourceNetwork)
	return SourceNetwork
}

// serveNavigation serves the cached app shell and refreshes it in the
// background. Without a cached shell it goes to the network, and without a
// network it synthesizes a minimal page.
func (w *Worker) serveNavigation(rw http.ResponseWriter, r *http.Request, target *url.URL) string {
	ctx := r.Context()
	name := w.names[CacheStatic]
	shell := w.shellKey()

	if cached, found, _ := w.cache.Match(ctx, name, shell); found {
		bgCtx := context.WithoutCancel(ctx)
		w.bg.Go(func() { w.refreshShell(bgCtx) })
		writeResponse(rw, cached, SourceCache)
		return SourceCache
	}

	resp, err := w.fetch(ctx, target, r)
	if err != nil {
		w.logger.Debug("navigation fetch failed", "url", target.String(), "error", err)
		rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		rw.Header().Set(SourceHeader, SourceFallback)
		rw.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(rw, offlineShell)
		return SourceFallback
	}
	if ok(resp.Status) {
		w.store(ctx, name, shell, resp)
	}
	writeResponse(rw, resp, SourceNetwork)
	return SourceNetwork
}

func (w *Worker) refreshShell(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	shell := w.shellKey()
	target, _ := url.Parse(shell)
	resp, err := w.fetch(ctx, target, nil)
	if err != nil || !ok(resp.Status) {
		w.logger.Debug("shell refresh skipped", "url", shell, "error", err)
		return
	}
	w.store(ctx, w.names[CacheStatic], shell, resp)
}

func (w *Worker) shellKey() string {
	return w.origin.ResolveReference(&url.URL{Path: "/"}).String()
}

func (w *Worker) passthrough(rw http.ResponseWriter, r *http.Request, target *url.URL) string {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return SourceFallback
	}
	req.Header = r.Header.Clone()
	req.Header.Del("Proxy-Connection")

	resp, err := w.client.Do(req)
	if err != nil {
		http.Error(rw, "upstream unavailable", http.StatusBadGateway)
		return SourceFallback
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	rw.Header().Set(SourceHeader, SourceNetwork)
	rw.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(rw, resp.Body)
	return SourceNetwork
}

func (w *Worker) store(ctx context.Context, name, key string, resp CachedResponse) {
	if err := w.cache.Put(ctx, name, key, resp); err != nil {
		w.logger.Warn("cache put failed", "cache", name, "url", key, "error", err)
	}
}

// fetch performs a GET and buffers the response. Transport failures and
// bodies over MaxBodyBytes return an error; any HTTP status is a response.
func (w *Worker) fetch(ctx context.Context, target *url.URL, orig *http.Request) (CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return CachedResponse{}, err
	}
	if orig != nil {
		for _, h := range forwardedHeaders {
			if v := orig.Header.Get(h); v != "" {
				req.Header.Set(h, v)
			}
		}
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return CachedResponse{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.opts.MaxBodyBytes+1))
	if err != nil {
		return CachedResponse{}, classifyTransport(err)
	}
	if int64(len(body)) > w.opts.MaxBodyBytes {
		return CachedResponse{}, domain.NewError(domain.KindData,
			fmt.Sprintf("upstream body exceeds %d bytes", w.opts.MaxBodyBytes), "", nil)
	}

	header := http.Header{}
	for _, h := range keptHeaders {
		if v := resp.Header.Values(h); len(v) > 0 {
			header[h] = v
		}
	}
	return CachedResponse{Status: resp.StatusCode, Header: header, Body: body, StoredAt: w.clock.Now()}, nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindTimeout, "upstream timed out", "", err)
	}
	return domain.NewError(domain.KindNetwork, "upstream unreachable", "", err)
}

func writeResponse(rw http.ResponseWriter, resp CachedResponse, source string) {
	for k, vs := range resp.Header {
		rw.Header()[k] = vs
	}
	rw.Header().Set(SourceHeader, source)
	rw.WriteHeader(resp.Status)
	_, _ = rw.Write(resp.Body)
}

func ok(status int) bool { return status >= 200 && status < 300 }
