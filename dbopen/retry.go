package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// busyAttempts bounds RunTx and Exec; the waits between attempts grow by
// busyStep (100ms, 200ms).
const (
	busyAttempts = 3
	busyStep     = 100 * time.Millisecond
)

// ErrRetriesExhausted wraps the last BUSY error once every attempt failed.
var ErrRetriesExhausted = errors.New("dbopen: database stayed busy")

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED, including
// their extended codes. Errors that crossed a process boundary as text are
// matched on the message.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "is locked")
}

// RunTx runs fn in a transaction and retries the whole transaction while
// the database is busy. fn may run more than once.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return whileBusy(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs one statement under the same busy policy as RunTx.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (res sql.Result, err error) {
	err = whileBusy(ctx, func() error {
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func whileBusy(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = op(); err == nil || !IsBusy(err) {
			return err
		}
		if attempt == busyAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err)
		}
		t := time.NewTimer(time.Duration(attempt) * busyStep)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("dbopen: gave up waiting for the database: %w", ctx.Err())
		case <-t.C:
		}
	}
}
