package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fadedpez/tradevault/internal/logging"
	"github.com/fadedpez/tradevault/internal/types"
	"github.com/fadedpez/tradevault/pkg/db/migrations"
)

// SQLStore implements Store on database/sql, backed by sqlite or postgres
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *logging.Logger
}

// OpenSQLite opens (creating if needed) the sqlite database at path and applies
// pending migrations. Units take the write lock up front so two units never
// interleave their read-modify-write cycles.
func OpenSQLite(path string) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps :memory: databases shared and turns lock
	// contention into pool waits instead of SQLITE_BUSY
	db.SetMaxOpenConns(1)

	return newSQLStore(db, sqliteDialect{})
}

// OpenPostgres connects to the postgres database at url through pgx and applies
// pending migrations
func OpenPostgres(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return newSQLStore(db, postgresDialect{})
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	if err := migrations.NewMigrator(db, d.name()).MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLStore{
		db:      db,
		dialect: d,
		logger:  logging.Default.WithPrefix("STORE"),
	}, nil
}

// DB exposes the underlying handle for tooling such as the migration command
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Atomic implements Store
func (s *SQLStore) Atomic(ctx context.Context, fn func(ctx context.Context, repos Repos) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapError("failed to begin transaction", err)
	}

	q := &sqlQuerier{tx: tx, dialect: s.dialect}
	if err := fn(ctx, Repos{Wallets: &sqlWalletRepo{q}, Escrows: &sqlEscrowRepo{q}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			s.logger.Warn("Rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return s.mapError("failed to commit transaction", err)
	}
	return nil
}

// Close implements Store
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) mapError(what string, err error) error {
	if s.dialect.isConflict(err) {
		return conflictError(what, err)
	}
	return types.WrapError(types.ErrDatabaseError, what, err)
}

// sqlQuerier runs rebound statements inside one transaction
type sqlQuerier struct {
	tx      *sql.Tx
	dialect dialect
}

func (q *sqlQuerier) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return q.tx.ExecContext(ctx, q.dialect.rebind(query), args...)
}

func (q *sqlQuerier) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return q.tx.QueryContext(ctx, q.dialect.rebind(query), args...)
}

func (q *sqlQuerier) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return q.tx.QueryRowContext(ctx, q.dialect.rebind(query), args...)
}

// fail classifies a driver error for the service layer
func (q *sqlQuerier) fail(what string, err error) error {
	switch {
	case q.dialect.isConflict(err):
		return conflictError(what, err)
	case q.dialect.isUniqueViolation(err):
		return conflictError(what+": duplicate row", err)
	default:
		return types.WrapError(types.ErrDatabaseError, what, err)
	}
}

// Times are stored as UTC unix nanoseconds

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableNanos(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}
