// Package storage models the host key-value storage tiers as a small
// capability interface with an in-memory and a Redis implementation.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tier names used in change events.
const (
	TierEphemeral  = "ephemeral"
	TierPersistent = "persistent"
)

// Change describes a single key mutation. Old is nil when the key did not
// exist; New is nil when the key was removed.
type Change struct {
	Tier string `json:"tier"`
	Key  string `json:"key"`
	Old  []byte `json:"old,omitempty"`
	New  []byte `json:"new,omitempty"`
}

// Area is one storage tier. Get returns (nil, nil) for a missing key.
type Area interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, keys ...string) error
	// Watch registers fn for every change made to the area and returns a
	// function that unregisters it.
	Watch(fn func(Change)) (stop func())
}

// GetJSON decodes the value stored at key into v. found is false when the key
// is missing.
func GetJSON(ctx context.Context, a Area, key string, v any) (found bool, err error) {
	raw, err := a.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("storage: decode %s/%s: %w", a.Name(), key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, a Area, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("storage: encode %s/%s: %w", a.Name(), key, err)
	}
	return a.Set(ctx, key, raw)
}
