// Package token issues and redeems short-lived, single-use QR credentials.
//
// A credential is an HS256-signed compact JWT carrying the token id, subject,
// purpose, context and expiry. The signature is checked before the store is
// consulted; the store then decides, in one atomic step, whether the token may
// be consumed.
package token

import (
	"errors"
	"time"
)

// Purpose tells what a token authorizes.
type Purpose string

const (
	PurposeAttendance Purpose = "attendance"
	PurposeStore      Purpose = "store"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	return p == PurposeAttendance || p == PurposeStore
}

var (
	ErrInvalidSubject = errors.New("subject unknown or inactive")
	ErrForged         = errors.New("token signature invalid")
	ErrNotFound       = errors.New("token not found")
	ErrExpired        = errors.New("token expired")
	ErrAlreadyUsed    = errors.New("token already used")
	ErrWrongContext   = errors.New("token purpose or context mismatch")
	ErrInvalidPurpose = errors.New("invalid token purpose")
)

// Token is an issued credential together with its bound context.
type Token struct {
	ID        string    `json:"token_id"`
	SubjectID string    `json:"subject_id"`
	Purpose   Purpose   `json:"purpose"`
	Context   string    `json:"context,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	// RotatesAt is set on rotating tokens only. From then on the token is
	// rotated out even if nobody asked for its replacement.
	RotatesAt time.Time `json:"rotates_at,omitempty"`
	Redeemed  bool      `json:"redeemed"`
	Signed    string    `json:"token"`
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// RotatedOut reports whether a rotating token has passed its rotation deadline.
func (t Token) RotatedOut(now time.Time) bool {
	return !t.RotatesAt.IsZero() && !now.Before(t.RotatesAt)
}
