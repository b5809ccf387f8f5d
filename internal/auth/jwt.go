// Package auth authenticates API callers from bearer JWTs minted by the
// identity service. The role claim is only a hint; the scan layer confirms it
// against the directory.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"academy/internal/identity"
)

// Claims represents JWT payload.
type Claims struct {
	Role identity.Role `json:"role"`
	jwt.RegisteredClaims
}

// UserID is the stable directory id of the caller.
func (c Claims) UserID() string { return c.Subject }

// Issue signs an access token for userID. Used by the identity service in
// production and by tests and local tooling here.
func Issue(userID string, role identity.Role, issuer, key string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Parse validates a token and returns claims.
func Parse(tokenStr, key, issuer string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return []byte(key), nil
	}, opts...)
	if err != nil {
		return Claims{}, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("token has no subject")
	}
	if !claims.Role.Valid() {
		return Claims{}, errors.New("token has unknown role")
	}
	return *claims, nil
}
