// Package dbconn contains a series of database-related utility functions.
package dbconn

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/block/s3gc/pkg/utils"
)

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errCannotConnect   = 2003
	errConnLost        = 2013
	errReadOnly        = 1290
	errQueryKilled     = 1836
)

// DBConfig holds connection and retry tuning shared by the MySQL CDC
// ingester (C4) and the MySQL reference verifier (C5).
type DBConfig struct {
	LockWaitTimeout          int
	InnodbLockWaitTimeout    int
	MaxRetries               int
	MaxOpenConnections       int
	RangeOptimizerMaxMemSize int64
	InterpolateParams        bool
	TLSMode                  string
	TLSCertificatePath       string
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		LockWaitTimeout:          30,
		InnodbLockWaitTimeout:    3,
		MaxRetries:               5,
		MaxOpenConnections:       16,
		RangeOptimizerMaxMemSize: 8388608,
		InterpolateParams:        true,
		TLSMode:                  "PREFERRED",
	}
}

// StandardizeConn applies the same session settings used by transactions to
// a raw *sql.Conn. The MySQL binlog CDC ingester (C4) uses this on the
// connection it reserves for SHOW COLUMNS table introspection.
func StandardizeConn(ctx context.Context, conn *sql.Conn, config *DBConfig) error {
	return standardizeConn(ctx, conn, config)
}

func standardizeConn(ctx context.Context, conn *sql.Conn, config *DBConfig) error {
	_, err := conn.ExecContext(ctx, "SET time_zone='+00:00'")
	if err != nil {
		return err
	}
	// This looks ill-advised, but unfortunately it's required.
	// A user might have set their SQL mode to empty even if the
	// server has it enabled. After they've inserted data,
	// we need to be able to produce the same when copying.
	// If you look at standard packages like wordpress, drupal etc.
	// they all change the SQL mode. If you look at mysqldump, etc.
	// they all unset the SQL mode just like this.
	_, err = conn.ExecContext(ctx, "SET sql_mode=''")
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, "SET NAMES 'binary'")
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, "SET innodb_lock_wait_timeout=?", config.InnodbLockWaitTimeout)
	if err != nil {
		return err
	}
	_, err = conn.ExecContext(ctx, "SET lock_wait_timeout=?", config.LockWaitTimeout)
	if err != nil {
		return err
	}
	return nil
}

func standardizeTrx(ctx context.Context, trx *sql.Tx, config *DBConfig) error {
	_, err := trx.ExecContext(ctx, "SET time_zone='+00:00'")
	if err != nil {
		return err
	}
	// This looks ill-advised, but unfortunately it's required.
	// A user might have set their SQL mode to empty even if the
	// server has it enabled. After they've inserted data,
	// we need to be able to produce the same when copying.
	// If you look at standard packages like wordpress, drupal etc.
	// they all change the SQL mode. If you look at mysqldump, etc.
	// they all unset the SQL mode just like this.
	_, err = trx.ExecContext(ctx, "SET sql_mode=''")
	if err != nil {
		return err
	}
	_, err = trx.ExecContext(ctx, "SET NAMES 'binary'")
	if err != nil {
		return err
	}
	_, err = trx.ExecContext(ctx, "SET innodb_lock_wait_timeout=?", config.InnodbLockWaitTimeout)
	if err != nil {
		return err
	}
	_, err = trx.ExecContext(ctx, "SET lock_wait_timeout=?", config.LockWaitTimeout)
	if err != nil {
		return err
	}
	return nil
}

// canRetryError looks at the MySQL error and decides if it is considered
// a permanent failure or not. For simplicity a "retryable" error means
// rollback the transaction and start the transaction again.
// This is because it gets complicated in cases where the statement could
// succeed but then there is a deadlock later on.
func canRetryError(err error) bool {
	var errNumber uint16
	if val, ok := err.(*mysql.MySQLError); ok {
		errNumber = val.Number
	}
	switch errNumber {
	case errLockWaitTimeout, errDeadlock, errCannotConnect,
		errConnLost, errReadOnly, errQueryKilled:
		return true
	default:
		return false
	}
}

// RetryableExists runs query (expected to be a "SELECT 1 FROM ... WHERE ...
// LIMIT 1" style existence check) inside a read-only transaction, retrying on
// deadlock/lock-timeout/connection-lost errors up to config.MaxRetries times.
// It is used by the MySQL reference verifier (C5) to re-check a candidate
// key's (table, column) existence without failing a whole GC cycle on a
// transient lock wait.
func RetryableExists(ctx context.Context, db *sql.DB, config *DBConfig, query string, args ...any) (bool, error) {
	var err error
	var trx *sql.Tx
RETRYLOOP:
	for i := 0; i < config.MaxRetries; i++ {
		if trx, err = db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: true}); err != nil {
			backoff(i)
			continue RETRYLOOP
		}
		if err = standardizeTrx(ctx, trx, config); err != nil {
			utils.ErrInErr(trx.Rollback())
			backoff(i)
			continue RETRYLOOP
		}
		var found int
		qerr := trx.QueryRowContext(ctx, query, args...).Scan(&found)
		if qerr != nil && qerr != sql.ErrNoRows {
			if canRetryError(qerr) {
				utils.ErrInErr(trx.Rollback())
				backoff(i)
				continue RETRYLOOP
			}
			utils.ErrInErr(trx.Rollback())
			return false, qerr
		}
		utils.ErrInErr(trx.Rollback())
		return qerr != sql.ErrNoRows, nil
	}
	return false, err
}

// backoff sleeps a few milliseconds before retrying.
func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

