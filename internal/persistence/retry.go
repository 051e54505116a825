package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// writeAttempts bounds how often a write is tried while the database is busy.
const writeAttempts = 6

const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 500 * time.Millisecond
)

// withBusyRetry runs f up to attempts times while it fails with SQLITE_BUSY
// or SQLITE_LOCKED. This sits on top of the driver's _busy_timeout for the
// case where the timeout itself expires under contention.
func withBusyRetry(ctx context.Context, attempts int, f func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = f(); err == nil || !isBusy(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(i)):
		}
	}
	return err
}

// backoff doubles from retryBaseDelay up to retryMaxDelay and spreads each
// step over [3/4, 5/4) of its nominal value.
func backoff(attempt int) time.Duration {
	d := min(retryBaseDelay<<attempt, retryMaxDelay)
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)))
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
