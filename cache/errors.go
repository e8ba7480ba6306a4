package cache

import "errors"

// Sentinel errors for cache operations.
var (
	// ErrInvalidConfig indicates a Config value outside its allowed range.
	ErrInvalidConfig = errors.New("cache: invalid config")

	// ErrPayloadEmpty indicates a payload without data was decoded.
	ErrPayloadEmpty = errors.New("cache: payload is empty")

	// ErrEntityNotFound indicates a fetcher found no entity for the key.
	ErrEntityNotFound = errors.New("cache: entity not found")

	// ErrMissingEnv indicates a config file references an unset environment
	// variable.
	ErrMissingEnv = errors.New("cache: missing environment variables")
)
