package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// idBytes gives 256 bits of entropy per token id.
const idBytes = 32

type claims struct {
	Purpose Purpose `json:"pur"`
	Context string  `json:"ctx,omitempty"`
	jwt.RegisteredClaims
}

// codec signs and verifies the wire form of a token.
type codec struct {
	key []byte
	now func() time.Time
}

func newID() (string, error) {
	buf := make([]byte, idBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (c codec) sign(t Token) (string, error) {
	cl := claims{
		Purpose: t.Purpose,
		Context: t.Context,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.ID,
			Subject:   t.SubjectID,
			IssuedAt:  jwt.NewNumericDate(t.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, cl).SignedString(c.key)
}

// verify checks the signature before anything else. A validly signed token
// whose exp has passed yields ErrExpired; every other failure is ErrForged.
func (c codec) verify(signed string) (Token, error) {
	var cl claims
	parsed, err := jwt.ParseWithClaims(signed, &cl, func(*jwt.Token) (interface{}, error) {
		return c.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Token{}, ErrExpired
		}
		return Token{}, fmt.Errorf("%w: %v", ErrForged, err)
	}
	if !parsed.Valid || cl.ID == "" || cl.Subject == "" || !cl.Purpose.Valid() {
		return Token{}, ErrForged
	}
	t := Token{
		ID:        cl.ID,
		SubjectID: cl.Subject,
		Purpose:   cl.Purpose,
		Context:   cl.Context,
		ExpiresAt: cl.ExpiresAt.Time,
		Signed:    signed,
	}
	if cl.IssuedAt != nil {
		t.IssuedAt = cl.IssuedAt.Time
	}
	return t, nil
}
