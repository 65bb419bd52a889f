// Command tilepack builds the bulk tile package served next to the web app.
// It fetches every tile of the region grid with the same batching the
// offline service uses and writes them to a zip as tiles/{z}/{x}/{y}.png.
//
// Usage:
//
//	go run ./cmd/tilepack \
//	  -out public/tiles-package.zip \
//	  -min-zoom 12 -max-zoom 17
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klauspost/compress/zip"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/ok-offline-sync/internal/tiles"
)

const (
	userAgent    = "ok-offline-tilepack/1.0 (+https://github.com/couchcryptid/ok-offline-sync)"
	maxTileBytes = 2 << 20
)

type options struct {
	out         string
	region      tiles.Region
	urlTemplate string
	batchSize   int
	batchDelay  time.Duration
	maxFailed   float64
}

type packResult struct {
	total  int
	stored int
	failed int
	bytes  int64
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "tiles-package.zip", "output zip path")
	north := flag.Float64("north", 40.807, "north edge latitude")
	south := flag.Float64("south", 40.764, "south edge latitude")
	east := flag.Float64("east", -119.176, "east edge longitude")
	west := flag.Float64("west", -119.233, "west edge longitude")
	minZoom := flag.Int("min-zoom", 12, "lowest zoom level")
	maxZoom := flag.Int("max-zoom", 17, "highest zoom level")
	urlTemplate := flag.String("url-template", "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png", "tile server URL template")
	batchSize := flag.Int("batch-size", 10, "tiles fetched concurrently per batch")
	batchDelay := flag.Duration("batch-delay", 100*time.Millisecond, "pause between batches")
	timeout := flag.Duration("timeout", 30*time.Second, "per-tile request timeout")
	maxFailed := flag.Float64("max-failed", 0.1, "fail when more than this fraction of tiles could not be fetched")
	flag.Parse()

	if *minZoom < 0 || *maxZoom > 22 || *minZoom > *maxZoom || *batchSize <= 0 || *north <= *south || *east <= *west {
		flag.Usage()
		return errors.New("invalid region, zoom range or batch size")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := options{
		out: *out,
		region: tiles.Region{
			Bounds:  tiles.Bounds{North: *north, South: *south, East: *east, West: *west},
			MinZoom: *minZoom,
			MaxZoom: *maxZoom,
		},
		urlTemplate: *urlTemplate,
		batchSize:   *batchSize,
		batchDelay:  *batchDelay,
		maxFailed:   *maxFailed,
	}
	log.Printf("packing %d tiles (zoom %d-%d) into %s", opts.region.RequiredCount(), *minZoom, *maxZoom, *out)

	res, err := pack(ctx, &http.Client{Timeout: *timeout}, opts)
	if err != nil {
		return err
	}
	log.Printf("stored %d of %d tiles (%d failed), %.1f MB", res.stored, res.total, res.failed, float64(res.bytes)/(1<<20))
	return nil
}

// pack writes the package to a temp file next to opts.out and renames it
// into place only when the failure rate is acceptable.
func pack(ctx context.Context, client *http.Client, opts options) (packResult, error) {
	grid := opts.region.Grid()
	res := packResult{total: len(grid)}

	if err := os.MkdirAll(filepath.Dir(opts.out), 0o755); err != nil {
		return res, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(opts.out), ".tilepack-*.zip")
	if err != nil {
		return res, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename
	defer tmp.Close()

	zw := zip.NewWriter(tmp)
	for start := 0; start < len(grid); start += opts.batchSize {
		if start > 0 && opts.batchDelay > 0 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(opts.batchDelay):
			}
		}
		end := min(start+opts.batchSize, len(grid))
		batch := grid[start:end]

		bodies := make([][]byte, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		for i, c := range batch {
			g.Go(func() error {
				b, err := fetchTile(gctx, client, tiles.ExpandURL(opts.urlTemplate, c))
				if err != nil {
					log.Printf("tile %s: %v", c, err)
					return nil
				}
				bodies[i] = b
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return res, err
		}

		// zip.Writer is not safe for concurrent use, so entries are written
		// after each batch completes.
		for i, c := range batch {
			if bodies[i] == nil {
				res.failed++
				continue
			}
			if err := writeEntry(zw, c, bodies[i]); err != nil {
				return res, err
			}
			res.stored++
			res.bytes += int64(len(bodies[i]))
		}
		if end%(opts.batchSize*10) == 0 || end == len(grid) {
			log.Printf("%d/%d tiles", end, len(grid))
		}
	}
	if err := zw.Close(); err != nil {
		return res, fmt.Errorf("finish zip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return res, fmt.Errorf("close zip: %w", err)
	}

	if res.total > 0 && float64(res.failed)/float64(res.total) > opts.maxFailed {
		return res, fmt.Errorf("%d of %d tiles failed, package not written", res.failed, res.total)
	}
	if err := os.Rename(tmp.Name(), opts.out); err != nil {
		return res, fmt.Errorf("move package into place: %w", err)
	}
	return res, nil
}

// writeEntry stores a tile without recompression; PNG data is already
// compressed.
func writeEntry(zw *zip.Writer, c tiles.Coord, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     "tiles/" + c.String() + ".png",
		Method:   zip.Store,
		Modified: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", c, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", c, err)
	}
	return nil
}

func fetchTile(ctx context.Context, client *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes))
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errors.New("empty tile")
	}
	return b, nil
}
