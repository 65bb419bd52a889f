// Package store persists directory records, sync metadata, and the search
// index in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/ok-offline-sync/internal/domain"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the newest schema this build knows how to migrate to.
// Version 2 added the (type, year) index, version 3 the search index.
const SchemaVersion = 3

// migrations[i] upgrades a database from version i to i+1. Every statement
// is idempotent so two processes opening the same file can race safely.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS records (
			type TEXT NOT NULL,
			uid TEXT NOT NULL,
			year INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			body TEXT NOT NULL,
			PRIMARY KEY (type, uid, year)
		);`,
		`CREATE TABLE IF NOT EXISTS sync_metadata (
			type TEXT NOT NULL,
			year INTEGER NOT NULL,
			last_sync TEXT NOT NULL,
			source TEXT NOT NULL,
			PRIMARY KEY (type, year)
		);`,
	},
	{
		`CREATE INDEX IF NOT EXISTS idx_records_type_year ON records(type, year, seq);`,
	},
	{
		`CREATE TABLE IF NOT EXISTS search_index (
			type TEXT NOT NULL,
			uid TEXT NOT NULL,
			year INTEGER NOT NULL,
			name TEXT NOT NULL,
			search_text TEXT NOT NULL,
			PRIMARY KEY (type, uid, year)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_search_index_year ON search_index(year);`,
	},
}

// SyncMetadata records the last successful sync of a partition.
type SyncMetadata struct {
	Type     domain.RecordType `json:"type"`
	Year     int               `json:"year"`
	LastSync time.Time         `json:"last_sync"`
	Source   string            `json:"source"`
}

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db    *sql.DB
	clock clockwork.Clock
}

// Open initializes the database connection, creating directories as needed,
// and migrates the schema to SchemaVersion.
func Open(ctx context.Context, path string, clock clockwork.Clock) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageError("create db directory", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, storageError("open sqlite", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Store{db: db, clock: clock}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Version returns the schema version recorded in the database file.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, storageError("read schema version", err)
	}
	return v, nil
}

func (s *Store) migrate(ctx context.Context) error {
	current, err := s.Version(ctx)
	if err != nil {
		return err
	}
	if current >= SchemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin migration", err)
	}
	defer func() { _ = tx.Rollback() }()

	for v := current; v < SchemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return storageError(fmt.Sprintf("migrate to version %d", v+1), err)
			}
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return storageError("write schema version", err)
	}
	if err := tx.Commit(); err != nil {
		return storageError("commit migration", err)
	}
	return nil
}

// Put replaces the (type, year) partition with records. The delete and the
// inserts run in one transaction, so readers see either the old or the new
// partition. Every record must carry a uid; a later duplicate uid replaces
// an earlier one.
func (s *Store) Put(ctx context.Context, t domain.RecordType, year int, records []domain.Record) error {
	bodies := make([][]byte, len(records))
	for i, r := range records {
		if r.UID() == "" {
			return domain.NewError(domain.KindData, fmt.Sprintf("%s record %d for %d has no uid", t, i, year), "", nil)
		}
		b, err := json.Marshal(r)
		if err != nil {
			return domain.NewError(domain.KindData, fmt.Sprintf("encode %s record %s", t, r.UID()), "", err)
		}
		bodies[i] = b
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin put", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE type = ? AND year = ?`, string(t), year); err != nil {
		return storageError("delete partition", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO records (type, uid, year, seq, body) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return storageError("prepare insert", err)
	}
	defer stmt.Close()

	for i, r := range records {
		if _, err := stmt.ExecContext(ctx, string(t), r.UID(), year, i, string(bodies[i])); err != nil {
			return storageError(fmt.Sprintf("insert %s %s", t, r.UID()), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageError("commit put", err)
	}
	return nil
}

// Get returns the (type, year) partition in insertion order. An absent
// partition yields an empty slice, not an error.
func (s *Store) Get(ctx context.Context, t domain.RecordType, year int) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT body FROM records WHERE type = ? AND year = ? ORDER BY seq`, string(t), year)
	if err != nil {
		return nil, storageError("query partition", err)
	}
	defer rows.Close()

	out := []domain.Record{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storageError("scan record", err)
		}
		rec, err := domain.DecodeRecord([]byte(body))
		if err != nil {
			return nil, storageError("decode stored record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate partition", err)
	}
	return out, nil
}

// Count returns the number of records in a partition.
func (s *Store) Count(ctx context.Context, t domain.RecordType, year int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE type = ? AND year = ?`, string(t), year).Scan(&n)
	if err != nil {
		return 0, storageError("count partition", err)
	}
	return n, nil
}

// Clear empties a partition and forgets its sync metadata and search entries.
func (s *Store) Clear(ctx context.Context, t domain.RecordType, year int) error {
	return s.clear(ctx, []domain.RecordType{t}, year)
}

// ClearYear clears every record type for a year.
func (s *Store) ClearYear(ctx context.Context, year int) error {
	return s.clear(ctx, domain.RecordTypes, year)
}

func (s *Store) clear(ctx context.Context, types []domain.RecordType, year int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin clear", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, t := range types {
		for _, q := range []string{
			`DELETE FROM records WHERE type = ? AND year = ?`,
			`DELETE FROM sync_metadata WHERE type = ? AND year = ?`,
			`DELETE FROM search_index WHERE type = ? AND year = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, string(t), year); err != nil {
				return storageError(fmt.Sprintf("clear %s %d", t, year), err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return storageError("commit clear", err)
	}
	return nil
}

// Stats returns record counts per type across all years.
func (s *Store) Stats(ctx context.Context) (map[domain.RecordType]int, error) {
	stats := make(map[domain.RecordType]int, len(domain.RecordTypes))
	for _, t := range domain.RecordTypes {
		stats[t] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM records GROUP BY type`)
	if err != nil {
		return nil, storageError("query stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t string
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, storageError("scan stats", err)
		}
		stats[domain.RecordType(t)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate stats", err)
	}
	return stats, nil
}

// SaveSyncMetadata records a successful sync of the partition at the current time.
func (s *Store) SaveSyncMetadata(ctx context.Context, t domain.RecordType, year int, source string) (SyncMetadata, error) {
	md := SyncMetadata{Type: t, Year: year, LastSync: s.clock.Now().UTC(), Source: source}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_metadata (type, year, last_sync, source) VALUES (?, ?, ?, ?)
		 ON CONFLICT(type, year) DO UPDATE SET last_sync = excluded.last_sync, source = excluded.source`,
		string(t), year, md.LastSync.Format(time.RFC3339Nano), source)
	if err != nil {
		return SyncMetadata{}, storageError("save sync metadata", err)
	}
	return md, nil
}

// SyncMetadata returns the partition's metadata. The bool is false when the
// partition has never been synced.
func (s *Store) SyncMetadata(ctx context.Context, t domain.RecordType, year int) (SyncMetadata, bool, error) {
	var lastSync, source string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sync, source FROM sync_metadata WHERE type = ? AND year = ?`, string(t), year).
		Scan(&lastSync, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncMetadata{}, false, nil
	}
	if err != nil {
		return SyncMetadata{}, false, storageError("load sync metadata", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, lastSync)
	if err != nil {
		// Unreadable metadata only costs an extra sync.
		return SyncMetadata{}, false, nil
	}
	return SyncMetadata{Type: t, Year: year, LastSync: ts, Source: source}, true, nil
}

// ReplaceSearchIndex swaps the search entries of a year for entries.
func (s *Store) ReplaceSearchIndex(ctx context.Context, year int, entries []domain.SearchEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin search index", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM search_index WHERE year = ?`, year); err != nil {
		return storageError("delete search index", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO search_index (type, uid, year, name, search_text) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return storageError("prepare search index", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, string(e.Type), e.UID, year, e.Name, e.Text); err != nil {
			return storageError("insert search entry", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageError("commit search index", err)
	}
	return nil
}

// Search returns up to limit index entries for the year whose search text
// contains query, case-insensitively.
func (s *Store) Search(ctx context.Context, year int, query string, limit int) ([]domain.SearchEntry, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []domain.SearchEntry{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, uid, name, search_text FROM search_index
		 WHERE year = ? AND search_text LIKE ? ESCAPE '\'
		 ORDER BY type, name LIMIT ?`,
		year, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, storageError("search", err)
	}
	defer rows.Close()

	out := []domain.SearchEntry{}
	for rows.Next() {
		var (
			e domain.SearchEntry
			t string
		)
		if err := rows.Scan(&t, &e.UID, &e.Name, &e.Text); err != nil {
			return nil, storageError("scan search entry", err)
		}
		e.Type = domain.RecordType(t)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("iterate search", err)
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func storageError(op string, err error) error {
	return domain.NewError(domain.KindStorage, op, "", err)
}
