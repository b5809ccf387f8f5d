package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"academy/internal/store"
)

// SubjectChecker confirms that a subject may receive tokens.
type SubjectChecker interface {
	CheckSubject(ctx context.Context, subjectID string) error
}

// Config carries the externally configured validity windows and key material.
type Config struct {
	SigningKey []byte
	// TTL is the validity window for plainly issued tokens, per purpose.
	TTL map[Purpose]time.Duration
	// RotatingTTL and RotationInterval apply to tokens issued through Rotate.
	RotatingTTL      time.Duration
	RotationInterval time.Duration
	// Timeout bounds every store call.
	Timeout time.Duration
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service issues and redeems tokens.
type Service struct {
	store    Store
	subjects SubjectChecker
	cfg      Config
	codec    codec
	now      func() time.Time
}

// NewService creates a token service. subjects may be nil to skip the check.
func NewService(st Store, subjects SubjectChecker, cfg Config, opts ...Option) (*Service, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("token: signing key required")
	}
	if cfg.RotatingTTL > 0 && cfg.RotationInterval > cfg.RotatingTTL {
		return nil, errors.New("token: rotation interval exceeds rotating ttl")
	}
	s := &Service{store: st, subjects: subjects, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.codec = codec{key: cfg.SigningKey, now: s.now}
	return s, nil
}

// RotationInterval is the configured dynamic-mode rotation period.
func (s *Service) RotationInterval() time.Duration {
	return s.cfg.RotationInterval
}

// Issue mints a token bound to (subject, purpose, ctxID) valid for the
// configured TTL of purpose.
func (s *Service) Issue(ctx context.Context, subjectID string, purpose Purpose, ctxID string) (Token, error) {
	ttl, ok := s.cfg.TTL[purpose]
	if !ok || ttl <= 0 {
		return Token{}, ErrInvalidPurpose
	}
	t, err := s.mint(ctx, subjectID, purpose, ctxID, ttl)
	if err != nil {
		return Token{}, err
	}

	sctx, cancel := store.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	if err := s.store.Put(sctx, t); err != nil {
		return Token{}, err
	}
	return t, nil
}

// Rotate returns the active rotating token for (subject, purpose, ctxID),
// minting a replacement once the current one is older than the rotation
// interval. Every rotating token stops being redeemable one interval after it
// was issued, whether or not a replacement was ever requested.
func (s *Service) Rotate(ctx context.Context, subjectID string, purpose Purpose, ctxID string) (Token, error) {
	if s.cfg.RotatingTTL <= 0 || s.cfg.RotationInterval <= 0 {
		return Token{}, errors.New("token: rotation not configured")
	}
	t, err := s.mint(ctx, subjectID, purpose, ctxID, s.cfg.RotatingTTL)
	if err != nil {
		return Token{}, err
	}
	t.RotatesAt = t.IssuedAt.Add(s.cfg.RotationInterval)

	sctx, cancel := store.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	active, err := s.store.Rotate(sctx, t, t.IssuedAt)
	if err != nil {
		return Token{}, err
	}
	if active.ID == t.ID {
		return t, nil
	}
	// The store only hands back the signed form of the reused token.
	reused, err := s.codec.verify(active.Signed)
	if err != nil {
		return Token{}, fmt.Errorf("token: stored credential unreadable: %w", err)
	}
	reused.RotatesAt = reused.IssuedAt.Add(s.cfg.RotationInterval)
	return reused, nil
}

// Redeem verifies signed and atomically consumes it. It succeeds at most once
// per token.
func (s *Service) Redeem(ctx context.Context, signed string, purpose Purpose, ctxID string) (Token, error) {
	claimed, err := s.codec.verify(signed)
	if err != nil {
		return Token{}, err
	}

	sctx, cancel := store.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	t, err := s.store.Redeem(sctx, claimed.ID, purpose, ctxID, s.now())
	if err != nil {
		return Token{}, err
	}
	if t.SubjectID != claimed.SubjectID {
		return Token{}, ErrForged
	}
	t.Signed = signed
	return t, nil
}

// Release undoes a redemption whose follow-up write failed, so the holder can
// retry with the same token while it is still valid.
func (s *Service) Release(ctx context.Context, tokenID string) (bool, error) {
	sctx, cancel := store.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.store.Release(sctx, tokenID)
}

func (s *Service) mint(ctx context.Context, subjectID string, purpose Purpose, ctxID string, ttl time.Duration) (Token, error) {
	if !purpose.Valid() {
		return Token{}, ErrInvalidPurpose
	}
	if subjectID == "" {
		return Token{}, ErrInvalidSubject
	}
	if s.subjects != nil {
		if err := s.subjects.CheckSubject(ctx, subjectID); err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				return Token{}, err
			}
			return Token{}, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
		}
	}
	id, err := newID()
	if err != nil {
		return Token{}, err
	}
	// Whole seconds keep the signed exp and the stored expiry identical.
	now := s.now().Truncate(time.Second)
	t := Token{
		ID:        id,
		SubjectID: subjectID,
		Purpose:   purpose,
		Context:   ctxID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl.Truncate(time.Second)),
	}
	if t.Signed, err = s.codec.sign(t); err != nil {
		return Token{}, fmt.Errorf("token: sign: %w", err)
	}
	return t, nil
}
