package store

import (
	"context"
	"errors"
)

var (
	// ErrBackendUnavailable wraps durable backend I/O failures.
	ErrBackendUnavailable = errors.New("credential backend unavailable")
	// ErrCorrupt is returned by a Backend whose whole medium could not be decoded.
	ErrCorrupt = errors.New("credential backend corrupt")
	// ErrUnknownKey is returned when a raw operation names a key outside the store namespace.
	ErrUnknownKey = errors.New("unknown credential key")
)

// Backend is the durable medium behind a [Store].
//
// Apply must be atomic: either every set and delete is persisted or none is.
type Backend interface {
	Load(ctx context.Context, keys []string) (map[string][]byte, error)
	Apply(ctx context.Context, set map[string][]byte, del []string) error
}
