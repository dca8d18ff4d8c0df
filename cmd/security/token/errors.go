package token

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyMissing  = errors.New("token hash key missing")
	ErrKeyTooShort = errors.New("token hash key too short")
	ErrEmptyToken  = errors.New("empty token")
)
