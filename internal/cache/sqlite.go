package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS weather_cache (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	reading   TEXT NOT NULL,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS weather_cache_stored_at ON weather_cache (stored_at);`

// SQLiteStorage persists namespaces in a single SQLite table.
type SQLiteStorage struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStorage opens (or creates) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func NewSQLiteStorage(path string, opts ...Option) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// modernc sqlite serializes writers; one connection avoids SQLITE_BUSY and
	// keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db, opts: buildOptions(opts)}, nil
}

func (s *SQLiteStorage) Backend() string { return "sqlite" }

// Open returns the cache for namespace.
func (s *SQLiteStorage) Open(namespace string) Cache {
	return &namespaceCache{
		store:   &sqliteNamespace{db: s.db, name: namespace},
		backend: s.Backend(),
		opts:    s.opts,
	}
}

// Delete removes every row of namespace.
func (s *SQLiteStorage) Delete(ctx context.Context, namespace string) error {
	return (&sqliteNamespace{db: s.db, name: namespace}).clear(ctx)
}

// Prune removes rows stored before cutoff across all namespaces and reports how many.
func (s *SQLiteStorage) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM weather_cache WHERE stored_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune sqlite cache: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database handle. Used for health checks.
func (s *SQLiteStorage) Ping() error {
	return s.db.Ping()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteNamespace struct {
	db   *sql.DB
	name string
}

func (n *sqliteNamespace) get(ctx context.Context, key string) (Entry, bool, error) {
	var raw string
	var storedAt int64
	err := n.db.QueryRowContext(ctx,
		`SELECT reading, stored_at FROM weather_cache WHERE namespace = ? AND key = ?`,
		n.name, key,
	).Scan(&raw, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("sqlite cache get: %w", err)
	}
	e := Entry{Date: time.UnixMilli(storedAt)}
	if err := json.Unmarshal([]byte(raw), &e.Reading); err != nil {
		return Entry{}, false, fmt.Errorf("sqlite cache decode: %w", err)
	}
	return e, true, nil
}

func (n *sqliteNamespace) put(ctx context.Context, key string, e Entry) error {
	raw, err := json.Marshal(e.Reading)
	if err != nil {
		return err
	}
	_, err = n.db.ExecContext(ctx,
		`INSERT INTO weather_cache (namespace, key, reading, stored_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET reading = excluded.reading, stored_at = excluded.stored_at`,
		n.name, key, string(raw), e.Date.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite cache put: %w", err)
	}
	return nil
}

func (n *sqliteNamespace) clear(ctx context.Context) error {
	if _, err := n.db.ExecContext(ctx, `DELETE FROM weather_cache WHERE namespace = ?`, n.name); err != nil {
		return fmt.Errorf("sqlite cache clear: %w", err)
	}
	return nil
}
