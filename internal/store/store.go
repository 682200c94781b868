package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotInitialized is returned by every call made on a closed or zero Store.
	ErrNotInitialized = errors.New("store not initialized")
	// ErrNotFound is returned when an update targets a row that does not exist.
	ErrNotFound = errors.New("not found")
)

// Supported drivers, matching config.DriverSQLite and config.DriverPostgres.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed width so stored timestamps sort and compare as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type dialect int

const (
	sqliteDialect dialect = iota
	postgresDialect
)

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != postgresDialect || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn carries the persistence operations shared by Store and Tx.
type conn struct {
	q       querier
	dialect dialect
}

func (c conn) ready() error {
	if c.q == nil {
		return ErrNotInitialized
	}
	return nil
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.rebind(query), args...)
}

// Store wraps the SQL database connection and schema lifecycle.
type Store struct {
	conn
	db *sql.DB
}

// Tx is a unit of work. Operations on it commit or roll back together.
type Tx struct {
	conn
	tx *sql.Tx
}

// Open initializes the database connection. For SQLite the dsn is a file path and
// parent directories are created as needed; for PostgreSQL it is a connection URL.
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}

		// Immediate transactions take the write lock up front so concurrent
		// archivals of the same node serialize instead of failing on upgrade.
		db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_txlock=immediate", dsn))
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}

		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(5 * time.Minute)

		return &Store{conn: conn{q: db, dialect: sqliteDialect}, db: db}, nil
	case DriverPostgres:
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}

		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(time.Hour)
		db.SetConnMaxIdleTime(30 * time.Minute)

		return &Store{conn: conn{q: db, dialect: postgresDialect}, db: db}, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside one transaction, committing when fn returns nil and rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{conn: conn{q: tx, dialect: s.dialect}, tx: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	pk, float := "INTEGER PRIMARY KEY AUTOINCREMENT", "REAL"
	if s.dialect == postgresDialect {
		pk, float = "BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY", "DOUBLE PRECISION"
	}
	expand := strings.NewReplacer("{{pk}}", pk, "{{real}}", float)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS measurement_types (
			id {{pk}},
			type_code BIGINT NOT NULL UNIQUE,
			symbol TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS nodes (
			id {{pk}},
			identifier TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			battery_percent INTEGER NOT NULL DEFAULT 0,
			latitude {{real}},
			longitude {{real}},
			is_active INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_active ON nodes(is_active);`,
		`CREATE TABLE IF NOT EXISTS node_types (
			node_id BIGINT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
			type_id BIGINT NOT NULL REFERENCES measurement_types(id) ON DELETE CASCADE,
			PRIMARY KEY (node_id, type_id)
		);`,
		`CREATE TABLE IF NOT EXISTS readings (
			id {{pk}},
			node_id BIGINT NOT NULL REFERENCES nodes(id),
			type_id BIGINT NOT NULL,
			value {{real}} NOT NULL,
			observed_at TEXT NOT NULL,
			received_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_readings_node_time ON readings(node_id, observed_at);`,
		`CREATE TABLE IF NOT EXISTS rejected_readings (
			node_id BIGINT NOT NULL,
			observed_at TEXT NOT NULL,
			type_id BIGINT NOT NULL,
			value {{real}} NOT NULL,
			reason TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (node_id, observed_at)
		);`,
		`CREATE TABLE IF NOT EXISTS archived_readings (
			id {{pk}},
			origin_id BIGINT NOT NULL,
			node_id BIGINT NOT NULL REFERENCES nodes(id),
			type_id BIGINT NOT NULL,
			value {{real}} NOT NULL,
			observed_at TEXT NOT NULL,
			archived_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archived_node_time ON archived_readings(node_id, observed_at);`,
		`CREATE TABLE IF NOT EXISTS alert_ranges (
			id {{pk}},
			type_code BIGINT NOT NULL,
			node_id BIGINT REFERENCES nodes(id) ON DELETE CASCADE,
			min_value {{real}},
			max_value {{real}}
		);`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id {{pk}},
			reading_id BIGINT NOT NULL,
			node_id BIGINT NOT NULL,
			type_code BIGINT NOT NULL,
			value {{real}} NOT NULL,
			bound TEXT NOT NULL,
			limit_value {{real}} NOT NULL,
			observed_at TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.exec(ctx, expand.Replace(stmt)); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
