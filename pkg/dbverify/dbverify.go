// Package dbverify implements the on-demand reference verifier (C5): a
// final existence check against the watched (table, column) pairs
// themselves, used by the GC cycle orchestrator (C7) as its last line of
// defense before deleting an object whose registry count has reached zero
// — catching any reference the CDC stream missed or has not yet caught up
// to. Both backends run a fixed "does any row have this value in this
// watched column" query; no arbitrary SQL is ever constructed from
// unvalidated input beyond the operator-declared table/column identifiers.
package dbverify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/block/s3gc/pkg/config"
	"github.com/block/s3gc/pkg/dbconn"
	"github.com/block/s3gc/pkg/s3gcerr"
)

// Verifier checks whether a candidate key still appears in any watched
// (table, column) pair.
type Verifier interface {
	// StillReferenced reports whether key appears as the value of any
	// watched column, scanning every watched pair until one matches or all
	// have been checked.
	StillReferenced(ctx context.Context, key string) (bool, error)
}

// PostgresVerifier runs existence checks against a pgx connection pool.
type PostgresVerifier struct {
	Pool    *pgxpool.Pool
	Watched []config.WatchedColumn
}

// StillReferenced implements Verifier.
func (v *PostgresVerifier) StillReferenced(ctx context.Context, key string) (bool, error) {
	for _, wc := range v.Watched {
		query := fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = $1 LIMIT 1`, quoteIdent(wc.Table), quoteIdent(wc.Column))
		var found int
		err := v.Pool.QueryRow(ctx, query, key).Scan(&found)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, s3gcerr.New(s3gcerr.CDCError, fmt.Sprintf("verifying %s.%s", wc.Table, wc.Column), err)
		}
	}
	return false, nil
}

// MySQLVerifier runs existence checks against a *sql.DB, using
// pkg/dbconn.RetryableExists so a transient lock wait on a busy table
// doesn't fail the whole GC cycle step.
type MySQLVerifier struct {
	DB       *sql.DB
	DBConfig *dbconn.DBConfig
	Watched  []config.WatchedColumn
}

// StillReferenced implements Verifier.
func (v *MySQLVerifier) StillReferenced(ctx context.Context, key string) (bool, error) {
	for _, wc := range v.Watched {
		query := fmt.Sprintf("SELECT 1 FROM `%s` WHERE `%s` = ? LIMIT 1", wc.Table, wc.Column)
		found, err := dbconn.RetryableExists(ctx, v.DB, v.DBConfig, query, key)
		if err != nil {
			return false, s3gcerr.New(s3gcerr.CDCError, fmt.Sprintf("verifying %s.%s", wc.Table, wc.Column), err)
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func quoteIdent(s string) string {
	return `"` + s + `"`
}
