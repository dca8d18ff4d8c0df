package object

import "errors"

var (
	// ErrInvalidInput is returned for malformed records or arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when no record exists for the id.
	ErrNotFound = errors.New("object not found")

	// ErrAlreadyExists is returned when Create collides with an existing id.
	ErrAlreadyExists = errors.New("object already exists")

	// ErrVersionConflict is returned by ConditionalUpdate when the stored version
	// no longer matches the version the caller observed.
	ErrVersionConflict = errors.New("version conflict")

	// ErrGone is returned when the record was revoked or purged.
	ErrGone = errors.New("object gone")

	// ErrExpired is returned when the record is past its expiry.
	ErrExpired = errors.New("object expired")

	// ErrAlreadyConsumed is returned when a single-consumption record was already released.
	ErrAlreadyConsumed = errors.New("object already consumed")
)
