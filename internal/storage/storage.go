package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// Backend is the minimal platform key/value contract
// Only credstore and the push binder talk to it, nobody else reads raw storage
type Backend interface {
	// Get value by key. Must return ErrNotFound if the key is absent
	Get(ctx context.Context, key string) (string, error)

	// Set single value
	Set(ctx context.Context, key string, value string) error

	// Set all values at once
	// Readers must never observe only part of the values written
	SetMany(ctx context.Context, values map[string]string) error

	// Delete keys. Absent keys are ignored
	Delete(ctx context.Context, keys ...string) error
}
