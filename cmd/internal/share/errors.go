package share

import "errors"

var (
	// ErrInvalidInput is returned for malformed create or delete requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidID is returned when an id is not a well-formed object id.
	ErrInvalidID = errors.New("invalid object id")

	// ErrTooLarge is returned when the payload exceeds the configured maximum.
	ErrTooLarge = errors.New("payload too large")

	// ErrSizeMismatch is returned when the declared size differs from the payload length.
	ErrSizeMismatch = errors.New("declared size does not match payload")

	// ErrTTLOutOfRange is returned when the requested lifetime is outside the allowed bounds.
	ErrTTLOutOfRange = errors.New("ttl out of range")

	// ErrForbidden is returned when a delete presents a missing or wrong revoke token.
	ErrForbidden = errors.New("forbidden")

	// ErrCaptchaRequired indicates captcha is enabled but the token is missing.
	ErrCaptchaRequired = errors.New("captcha token required")

	// ErrCaptchaInvalid indicates captcha verification failed.
	ErrCaptchaInvalid = errors.New("captcha invalid")
)
