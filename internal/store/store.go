// Package store keeps the chat history that reconnecting clients are
// replayed from. Every backend assigns increasing numeric ids, which double
// as SSE event ids.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"ssechat/internal/config"
	"ssechat/internal/model"
)

var (
	ErrInvalidID     = errors.New("store: invalid message id")
	ErrUnknownDriver = errors.New("store: unknown driver")
)

// Store is a bounded, ordered message history.
type Store interface {
	// Append stores content and returns it with its assigned id.
	Append(ctx context.Context, content string) (model.Message, error)
	// Since returns up to limit of the newest messages with an id greater
	// than lastID, oldest first.
	Since(ctx context.Context, lastID string, limit int) ([]model.Message, error)
	// Recent returns up to limit of the newest messages, oldest first.
	Recent(ctx context.Context, limit int) ([]model.Message, error)
	Close() error
}

// Open returns the backend selected by cfg.StoreDriver.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.StoreDriver {
	case "", "memory":
		return NewMemory(cfg.HistoryLimit), nil
	case "mysql":
		return OpenMySQL(ctx, cfg.DSN())
	case "pebble":
		return OpenPebble(cfg.PebblePath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.StoreDriver)
	}
}

func parseID(id string) (uint64, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return n, nil
}

func formatID(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// reverse flips msgs in place. Backends scan newest first.
func reverse(msgs []model.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
