// Package sqlstore implements storage.Backend on a relational database. SQLite
// (pure Go, file backed, survives restarts) and PostgreSQL are supported.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"resilient-client/pkg/storage"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

// Dialect selects the SQL flavour and driver.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Config holds connection settings.
type Config struct {
	Name    string
	Dialect Dialect
	// DSN is a file path for SQLite ("" opens a private in-memory database)
	// or a lib/pq connection string for PostgreSQL.
	DSN string
	// Table holds the entries (default "offline_cache").
	Table string

	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig returns settings for a SQLite file next to the process.
func DefaultConfig() Config {
	return Config{
		Name:            "sqlite",
		Dialect:         SQLite,
		DSN:             "offline-cache.db",
		Table:           "offline_cache",
		MaxOpenConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store persists entries in a single key/value table.
type Store struct {
	db     *sql.DB
	config Config

	// SQLite allows one writer at a time
	writeMu sync.Mutex

	getQuery    string
	upsertQuery string
	deleteQuery string
	keysQuery   string
}

// New opens the database and creates the table if needed.
func New(config Config) (*Store, error) {
	if config.Dialect == "" {
		config.Dialect = SQLite
	}
	if config.Name == "" {
		config.Name = string(config.Dialect)
	}
	if config.Table == "" {
		config.Table = "offline_cache"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if !tableName.MatchString(config.Table) {
		return nil, fmt.Errorf("sql: invalid table name %q", config.Table)
	}

	var driver, dsn string
	switch config.Dialect {
	case SQLite:
		driver, dsn = "sqlite", config.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
	case Postgres:
		driver, dsn = "postgres", config.DSN
		if dsn == "" {
			return nil, errors.New("sql: postgres requires a DSN")
		}
	default:
		return nil, fmt.Errorf("sql: unsupported dialect %q", config.Dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sql: failed to open %s: %w", config.Dialect, err)
	}

	if config.Dialect == SQLite && dsn == ":memory:" {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		if config.MaxOpenConns > 0 {
			db.SetMaxOpenConns(config.MaxOpenConns)
		}
		if config.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(config.ConnMaxLifetime)
		}
	}

	s := &Store{db: db, config: config}
	s.prepareQueries()

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()

	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sql: failed to ping %s: %w", s.config.Dialect, err)
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.config.Table),
	}
	if s.config.Dialect == SQLite {
		stmts = append(stmts, "PRAGMA journal_mode=WAL")
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sql: init: %w", err)
		}
	}
	return nil
}

func (s *Store) prepareQueries() {
	t := s.config.Table
	p := s.placeholder
	s.getQuery = fmt.Sprintf("SELECT value FROM %s WHERE key = %s", t, p(1))
	s.upsertQuery = fmt.Sprintf(
		"INSERT INTO %s (key, value, updated_at) VALUES (%s, %s, %s) "+
			"ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		t, p(1), p(2), p(3))
	s.deleteQuery = fmt.Sprintf("DELETE FROM %s WHERE key = %s", t, p(1))
	s.keysQuery = fmt.Sprintf(`SELECT key FROM %s WHERE key LIKE %s ESCAPE '\' ORDER BY key`, t, p(1))
}

func (s *Store) placeholder(n int) string {
	if s.config.Dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}

	var value string
	err := s.db.QueryRowContext(ctx, s.getQuery, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", storage.WrapError(err, s.config.Name, "get")
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.upsertQuery, key, value, time.Now().UnixMilli()); err != nil {
		return storage.WrapError(err, s.config.Name, "set")
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, key string) error {
	if err := storage.ValidateKey(key); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, s.deleteQuery, key); err != nil {
		return storage.WrapError(err, s.config.Name, "remove")
	}
	return nil
}

// RemoveMulti deletes keys inside one transaction.
func (s *Store) RemoveMulti(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.WrapError(err, s.config.Name, "remove")
	}
	defer tx.Rollback()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, s.deleteQuery, key); err != nil {
			return storage.WrapError(err, s.config.Name, "remove")
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.WrapError(err, s.config.Name, "remove")
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.keysQuery, escapeLike(prefix)+"%")
	if err != nil {
		return nil, storage.WrapError(err, s.config.Name, "keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storage.WrapError(err, s.config.Name, "keys")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapError(err, s.config.Name, "keys")
	}

	// SQLite's LIKE ignores ASCII case
	return storage.FilterPrefix(keys, prefix), nil
}

func (s *Store) Name() string {
	return s.config.Name
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var (
	_ storage.Backend      = (*Store)(nil)
	_ storage.BatchRemover = (*Store)(nil)
)
