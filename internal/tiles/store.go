package tiles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"

	_ "modernc.org/sqlite"
)

// ErrOutOfRegion rejects writes for tiles outside the configured region.
var ErrOutOfRegion = errors.New("tile outside configured region")

// Tile is a stored raster tile.
type Tile struct {
	Coord     Coord
	URL       string
	Data      []byte
	FetchedAt time.Time
}

// Store persists tiles in SQLite, bounded to maxTiles entries. When the cap
// is exceeded the oldest-inserted tiles are evicted first.
type Store struct {
	db       *sql.DB
	region   Region
	maxTiles int
	clock    clockwork.Clock
}

// OpenStore opens (or creates) the tile database at path.
func OpenStore(ctx context.Context, path string, region Region, maxTiles int, clock clockwork.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageError("create tile db directory", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path))
	if err != nil {
		return nil, storageError("open tile db", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	// id orders insertion; replacing a key re-inserts it as newest.
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS tiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		z INTEGER NOT NULL,
		x INTEGER NOT NULL,
		y INTEGER NOT NULL,
		url TEXT NOT NULL,
		data BLOB NOT NULL,
		fetched_at TEXT NOT NULL
	);`)
	if err != nil {
		_ = db.Close()
		return nil, storageError("init tile schema", err)
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{db: db, region: region, maxTiles: maxTiles, clock: clock}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores a tile and returns how many old tiles were evicted to stay
// under the cap. Tiles outside the region are rejected with ErrOutOfRegion.
func (s *Store) Put(ctx context.Context, c Coord, url string, data []byte) (int, error) {
	if !s.region.Contains(c) {
		return 0, fmt.Errorf("put %s: %w", c, ErrOutOfRegion)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageError("begin tile put", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tiles WHERE key = ?`, c.Key()); err != nil {
		return 0, storageError("replace tile", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO tiles (key, z, x, y, url, data, fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Key(), c.Z, c.X, c.Y, url, data, s.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, storageError("insert tile", err)
	}

	evicted := 0
	if s.maxTiles > 0 {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&n); err != nil {
			return 0, storageError("count tiles", err)
		}
		if over := n - s.maxTiles; over > 0 {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM tiles WHERE id IN (SELECT id FROM tiles ORDER BY id LIMIT ?)`, over)
			if err != nil {
				return 0, storageError("evict tiles", err)
			}
			affected, _ := res.RowsAffected()
			evicted = int(affected)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageError("commit tile put", err)
	}
	return evicted, nil
}

// Get returns the stored tile, or false when absent.
func (s *Store) Get(ctx context.Context, c Coord) (Tile, bool, error) {
	var (
		t       = Tile{Coord: c}
		fetched string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT url, data, fetched_at FROM tiles WHERE key = ?`, c.Key()).Scan(&t.URL, &t.Data, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return Tile{}, false, nil
	}
	if err != nil {
		return Tile{}, false, storageError("get tile", err)
	}
	t.FetchedAt, _ = time.Parse(time.RFC3339Nano, fetched)
	return t, true, nil
}

// Count returns the number of stored tiles.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tiles`).Scan(&n); err != nil {
		return 0, storageError("count tiles", err)
	}
	return n, nil
}

// Bytes returns the total payload size of stored tiles.
func (s *Store) Bytes(ctx context.Context) (int64, error) {
	var n sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT SUM(LENGTH(data)) FROM tiles`).Scan(&n); err != nil {
		return 0, storageError("sum tile bytes", err)
	}
	return n.Int64, nil
}

// Clear deletes every stored tile.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tiles`); err != nil {
		return storageError("clear tiles", err)
	}
	return nil
}

func storageError(op string, err error) error {
	return domain.NewError(domain.KindStorage, op, "", err)
}
