package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/fadedpez/tradevault/pkg/db/migrations"
)

// dialect hides the differences between sqlite and postgres from the repositories
type dialect interface {
	name() migrations.Dialect
	// rebind converts "?" placeholders into the driver's form
	rebind(query string) string
	// forUpdate is appended to a SELECT that must lock the rows it reads
	forUpdate() string
	// isConflict reports a lock or serialization failure worth retrying
	isConflict(err error) bool
	// isUniqueViolation reports a unique index failure
	isUniqueViolation(err error) bool
}

type sqliteDialect struct{}

func (sqliteDialect) name() migrations.Dialect { return migrations.DialectSQLite }

func (sqliteDialect) rebind(query string) string { return query }

// sqlite locks the whole database once the immediate transaction begins
func (sqliteDialect) forUpdate() string { return "" }

func (sqliteDialect) isConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func (sqliteDialect) isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

type postgresDialect struct{}

func (postgresDialect) name() migrations.Dialect { return migrations.DialectPostgres }

func (postgresDialect) rebind(query string) string {
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

func (postgresDialect) forUpdate() string { return " FOR UPDATE" }

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

func (postgresDialect) isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

func (postgresDialect) isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
