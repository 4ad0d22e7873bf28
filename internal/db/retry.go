package db

import (
	"fmt"
	"strings"
	"time"
)

const (
	busyMaxAttempts  = 5
	busyInitialDelay = 10 * time.Millisecond
)

// isSQLiteBusy reports whether err is a lock-contention error from SQLite.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// retryOnBusy runs fn until it succeeds, fails with a non-busy error, or the
// attempt budget is spent. Delays double from 10ms. Exhaustion is reported as
// ErrBusy wrapping the last error.
func retryOnBusy(fn func() error) error {
	delay := busyInitialDelay
	var err error
	for attempt := 1; attempt <= busyMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !isSQLiteBusy(err) {
			return err
		}
		if attempt < busyMaxAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return fmt.Errorf("%w: %v", ErrBusy, err)
}
