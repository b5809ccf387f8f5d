package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks a failure of the token store or the ledger database.
// Callers may retry; no state was committed.
var ErrUnavailable = errors.New("storage unavailable")

// Unavailable wraps an infrastructure error so it matches ErrUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// WithTimeout bounds a storage call; a zero timeout leaves ctx untouched.
func WithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
