package checkpoint

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

const (
	contentionRetries = 3
	contentionBase    = 25 * time.Millisecond
	contentionMax     = 250 * time.Millisecond
)

// isTransient reports SQLite errors that clear up on retry: busy and
// locked databases, and short reads under WAL contention.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, pattern := range []string{
		"SQLITE_BUSY",
		"SQLITE_LOCKED",
		"IOERR_SHORT_READ",
		"database is locked",
		"database table is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// retryOnContention runs fn, retrying transient SQLite errors with
// jittered exponential backoff.
func retryOnContention(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt <= contentionRetries; attempt++ {
		err = fn()
		if !isTransient(err) {
			return err
		}
		if attempt == contentionRetries {
			break
		}
		delay := min(contentionBase<<attempt, contentionMax)
		delay += rand.N(delay / 2)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
