package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// DefaultRetry is the pause between connection attempts.
const DefaultRetry = 1500 * time.Millisecond

// Connector is the connecting side. It dials Path until it succeeds, hands
// the connection to a session function, and dials again once that returns.
type Connector struct {
	Path  string
	Retry time.Duration
	Codec Codec
	Log   *slog.Logger

	nextID atomic.Uint64
}

// Run blocks until ctx is cancelled. fn owns the connection for the
// duration of one session and should return when it is closed.
func (c *Connector) Run(ctx context.Context, fn func(context.Context, *Conn)) error {
	log := orDefault(c.Log)
	retry := c.Retry
	if retry <= 0 {
		retry = DefaultRetry
	}
	if c.Codec == nil {
		return fmt.Errorf("connector: no codec")
	}
	for {
		conn, err := c.dial(ctx, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("connect to control process failed, retrying", "path", c.Path, "retry", retry, "error", err)
		} else {
			log.Info("connected to control process", "path", c.Path, "conn", conn.ID())
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			fn(ctx, conn)
			stop()
			_ = conn.Close()
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("connection to control process dropped, reconnecting", "retry", retry)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}

// Dial opens a single connection without retrying.
func (c *Connector) Dial(ctx context.Context) (*Conn, error) {
	return c.dial(ctx, orDefault(c.Log))
}

func (c *Connector) dial(ctx context.Context, log *slog.Logger) (*Conn, error) {
	d := &net.Dialer{}
	nc, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return nil, err
	}
	return newConn(c.nextID.Add(1), nc, c.Codec, log), nil
}
