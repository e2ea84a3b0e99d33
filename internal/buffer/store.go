package buffer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Item is one queued line of work for the runner.
type Item struct {
	ID      string    `json:"id"`
	Line    string    `json:"line"`
	AddedAt time.Time `json:"added_at"`
}

// Store persists pending buffer items in insertion order.
type Store interface {
	Add(ctx context.Context, it Item) error
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]Item, error)
	Close() error
}

var ErrNotFound = errors.New("buffer item not found")

// Open returns a Store based on a URL (sqlite://path or mem://).
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "mem://"):
		return newMemStore(), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return openSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported buffer dsn %q (want sqlite:// or mem://)", dsn)
	}
}
