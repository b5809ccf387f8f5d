package token

import (
	"context"
	"time"
)

// Store holds unredeemed tokens with a per-key TTL. Implementations must make
// Redeem a single atomic check-and-flip: of two concurrent calls for the same
// id at most one may succeed.
type Store interface {
	// Put saves a freshly issued token until its expiry.
	Put(ctx context.Context, t Token) error
	// Rotate makes t the active token for its (subject, purpose, ctxID)
	// unless the current active one is still live and before its RotatesAt,
	// in which case the current one is returned. A replaced token is marked
	// rotated and can no longer be redeemed.
	Rotate(ctx context.Context, t Token, now time.Time) (Token, error)
	// Redeem consumes the token if it exists, is live, unexpired and not
	// rotated out at now, and bound to purpose and ctxID.
	Redeem(ctx context.Context, id string, purpose Purpose, ctxID string, now time.Time) (Token, error)
	// Release returns a redeemed, not rotated, token to the live state.
	// It reports whether anything was released.
	Release(ctx context.Context, id string) (bool, error)
}

func activeKey(subjectID string, purpose Purpose, ctxID string) string {
	return string(purpose) + ":" + subjectID + ":" + ctxID
}
