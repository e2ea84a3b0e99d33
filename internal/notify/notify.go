// Package notify mirrors dispatched envelopes to external subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/mithrel/cncserver/pkg/api"
)

// DefaultSubjectPrefix is prepended to the command when no prefix is configured.
const DefaultSubjectPrefix = "cncserver.ipc"

// Notifier receives every envelope the dispatcher handles.
type Notifier interface {
	Notify(ctx context.Context, env api.Envelope) error
	Close() error
}

// NoOp discards notifications.
type NoOp struct{}

func (NoOp) Notify(context.Context, api.Envelope) error { return nil }
func (NoOp) Close() error                               { return nil }

// Message is the JSON body published for each envelope.
type Message struct {
	Command string    `json:"command"`
	Data    any       `json:"data,omitempty"`
	Type    string    `json:"type,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// NATS publishes envelopes to "<prefix>.<command>".
type NATS struct {
	nc     *nats.Conn
	prefix string
	log    *slog.Logger
	owned  bool
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, name, prefix string, log *slog.Logger) (*NATS, error) {
	if log == nil {
		log = slog.Default()
	}
	log.Info("connecting to NATS", "url", url, "name", name)
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	n := NewNATS(nc, prefix, log)
	n.owned = true
	return n, nil
}

// NewNATS wraps an existing connection. Close leaves nc open.
func NewNATS(nc *nats.Conn, prefix string, log *slog.Logger) *NATS {
	if log == nil {
		log = slog.Default()
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{nc: nc, prefix: prefix, log: log}
}

// Subject returns the subject cmd is published on.
func (n *NATS) Subject(cmd api.Command) string {
	return n.prefix + "." + string(cmd)
}

func (n *NATS) Notify(_ context.Context, env api.Envelope) error {
	data, err := json.Marshal(Message{
		Command: string(env.Command),
		Data:    env.Data,
		Type:    env.Type,
		Message: env.Message,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	subject := n.Subject(env.Command)
	if err := n.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	n.log.Debug("published notification", "subject", subject)
	return nil
}

func (n *NATS) Close() error {
	if n.owned {
		return n.nc.Drain()
	}
	return nil
}
