// Package admin exposes operator endpoints guarded by HS256 bearer tokens.
package admin

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Subject is the only subject accepted on admin tokens.
	Subject = "burnbox-admin"
	issuer  = "burnbox"

	// MinSecretBytes is the minimum signing secret length.
	MinSecretBytes = 32
)

var (
	ErrSecretTooShort = errors.New("admin secret too short")
	ErrInvalidToken   = errors.New("invalid admin token")
)

// Claims are the registered claims of an admin token.
type Claims struct {
	jwt.RegisteredClaims
}

// MintToken signs an admin token valid for ttl from now.
func MintToken(secret []byte, ttl time.Duration, now time.Time) (string, error) {
	if len(secret) < MinSecretBytes {
		return "", ErrSecretTooShort
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   Subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tok.SignedString(secret)
}

// VerifyToken checks signature, algorithm, subject and expiry at now.
func VerifyToken(raw string, secret []byte, now time.Time) error {
	if raw == "" || len(secret) == 0 {
		return ErrInvalidToken
	}
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(Subject),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return ErrInvalidToken
	}
	return nil
}
