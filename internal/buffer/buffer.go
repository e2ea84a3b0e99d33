// Package buffer is the control process's view of queued runner work: a
// persistent list of pending lines plus the running flag reported by the
// runner.
package buffer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mithrel/cncserver/internal/session"
	"github.com/mithrel/cncserver/pkg/api"
)

// Sender delivers an envelope to the runner, reporting whether it was queued.
type Sender interface {
	Send(env api.Envelope) bool
}

// Buffer couples the item store with the session's running flag.
type Buffer struct {
	store Store
	sess  *session.Session
	send  Sender
	log   *slog.Logger
}

func New(store Store, sess *session.Session, send Sender, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	return &Buffer{store: store, sess: sess, send: send, log: log}
}

// Add persists line and hands it to the runner. The item stays stored when
// no runner is attached; sent reports whether it was delivered.
func (b *Buffer) Add(ctx context.Context, line string) (it Item, sent bool, err error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Item{}, false, fmt.Errorf("buffer line is empty")
	}
	it = Item{ID: api.NewID(), Line: line, AddedAt: time.Now().UTC()}
	if err := b.store.Add(ctx, it); err != nil {
		return Item{}, false, fmt.Errorf("store buffer item: %w", err)
	}
	if b.send != nil {
		sent = b.send.Send(api.NewEnvelope(api.CmdBufferAdd, api.BufferItem{ID: it.ID, Line: it.Line}.Map()))
	}
	if !sent {
		b.log.Warn("buffer item stored but not delivered", "id", it.ID)
	}
	return it, sent, nil
}

// RemoveItem drops a completed item.
func (b *Buffer) RemoveItem(ctx context.Context, id string) error {
	if err := b.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove buffer item %s: %w", id, err)
	}
	return nil
}

// Pending lists items not yet reported done.
func (b *Buffer) Pending(ctx context.Context) ([]Item, error) {
	return b.store.List(ctx)
}

// SetRunning records whether the runner is executing buffered work.
func (b *Buffer) SetRunning(v bool) { b.sess.SetRunning(v) }

// Running returns the last reported running flag.
func (b *Buffer) Running() bool { return b.sess.Running() }

// Replay re-sends every pending item in order, stopping at the first one
// the runner cannot take. The runner ignores ids it already holds.
func (b *Buffer) Replay(ctx context.Context) (int, error) {
	items, err := b.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list buffer items: %w", err)
	}
	if b.send == nil {
		return 0, nil
	}
	for i, it := range items {
		if !b.send.Send(api.NewEnvelope(api.CmdBufferAdd, api.BufferItem{ID: it.ID, Line: it.Line}.Map())) {
			b.log.Warn("buffer replay interrupted", "sent", i, "pending", len(items))
			return i, nil
		}
	}
	if len(items) > 0 {
		b.log.Info("buffer replayed", "items", len(items))
	}
	return len(items), nil
}
