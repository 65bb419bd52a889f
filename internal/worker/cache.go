package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"

	_ "modernc.org/sqlite"
)

const cacheSchema = `CREATE TABLE IF NOT EXISTS responses (
	cache_name TEXT NOT NULL,
	url TEXT NOT NULL,
	status INTEGER NOT NULL,
	header TEXT NOT NULL,
	body BLOB NOT NULL,
	stored_at TEXT NOT NULL,
	PRIMARY KEY (cache_name, url)
);`

// CachedResponse is a stored HTTP response.
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Cache is a set of named response caches in one SQLite file. Names carry
// the version, so invalidation is done by deleting whole caches.
type Cache struct {
	db    *sql.DB
	clock clockwork.Clock
}

// OpenCache opens or creates the response cache at path.
func OpenCache(ctx context.Context, path string, clock clockwork.Clock) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, cacheError("create cache directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, cacheError("open sqlite", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, cacheSchema); err != nil {
		_ = db.Close()
		return nil, cacheError("create responses table", err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{db: db, clock: clock}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores a response under (name, url), replacing any previous entry.
func (c *Cache) Put(ctx context.Context, name, url string, resp CachedResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return cacheError("encode header", err)
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO responses (cache_name, url, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		name, url, resp.Status, string(header), body, c.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return cacheError("put response", err)
	}
	return nil
}

// Match returns the response stored under (name, url).
func (c *Cache) Match(ctx context.Context, name, url string) (CachedResponse, bool, error) {
	return c.scan(c.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM responses WHERE cache_name = ? AND url = ?`,
		name, url))
}

// MatchAny returns the most recent response for url across every cache.
func (c *Cache) MatchAny(ctx context.Context, url string) (CachedResponse, bool, error) {
	return c.scan(c.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM responses WHERE url = ?
		 ORDER BY stored_at DESC LIMIT 1`, url))
}

func (c *Cache) scan(row *sql.Row) (CachedResponse, bool, error) {
	var (
		resp     CachedResponse
		header   string
		storedAt string
	)
	err := row.Scan(&resp.Status, &header, &resp.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CachedResponse{}, false, nil
	}
	if err != nil {
		return CachedResponse{}, false, cacheError("match response", err)
	}
	if err := json.Unmarshal([]byte(header), &resp.Header); err != nil {
		return CachedResponse{}, false, cacheError("decode header", err)
	}
	resp.StoredAt, _ = time.Parse(time.RFC3339Nano, storedAt)
	return resp, true, nil
}

// Names lists the caches that hold at least one entry.
func (c *Cache) Names(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT DISTINCT cache_name FROM responses ORDER BY cache_name`)
	if err != nil {
		return nil, cacheError("list caches", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, cacheError("scan cache name", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, cacheError("list caches", err)
	}
	return out, nil
}

// Delete drops a whole cache and reports whether it held anything.
func (c *Cache) Delete(ctx context.Context, name string) (bool, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM responses WHERE cache_name = ?`, name)
	if err != nil {
		return false, cacheError("delete cache", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Count returns the number of entries in a cache.
func (c *Cache) Count(ctx context.Context, name string) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM responses WHERE cache_name = ?`, name).Scan(&n); err != nil {
		return 0, cacheError("count cache", err)
	}
	return n, nil
}

func cacheError(op string, err error) error {
	return domain.NewError(domain.KindStorage, op, "", err)
}
