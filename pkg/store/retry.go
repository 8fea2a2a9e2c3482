package store

import (
	"context"
	"strings"
	"time"
)

// Busy/locked retry policy for the embedded engine. Transient lock errors
// are retried with exponential backoff; everything else surfaces unchanged.
const (
	busyRetryMax       = 5
	busyRetryBaseDelay = 10 * time.Millisecond
)

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// withBusyRetry runs fn, retrying transient busy/locked errors with
// exponential backoff up to busyRetryMax attempts.
func (s *Store) withBusyRetry(ctx context.Context, fn func() error) error {
	delay := busyRetryBaseDelay
	var err error
	for attempt := 0; attempt < busyRetryMax; attempt++ {
		err = fn()
		if err == nil || !isBusyError(err) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
