package store

import (
	"context"
	"fmt"
	"strings"
)

// NewStore selects a backend. With backend "auto" (or empty) it prefers
// postgres when a database URL is configured, then pebble when a data path
// is configured, otherwise the in-process store.
func NewStore(ctx context.Context, backend, databaseURL, pebblePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "postgres":
		return NewPostgresStore(ctx, databaseURL)
	case "pebble":
		return NewPebbleStore(pebblePath)
	case "memory":
		return NewInMemoryStore(), nil
	case "", "auto":
		if strings.TrimSpace(databaseURL) != "" {
			return NewPostgresStore(ctx, databaseURL)
		}
		if strings.TrimSpace(pebblePath) != "" {
			return NewPebbleStore(pebblePath)
		}
		return NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("invalid store backend: %q (expected auto|postgres|pebble|memory)", backend)
	}
}
