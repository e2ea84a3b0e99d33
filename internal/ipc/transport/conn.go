package transport

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mithrel/cncserver/pkg/api"
)

const (
	outboundQueue = 256
	writeTimeout  = 10 * time.Second
)

// Conn is one peer connection. Outbound envelopes are queued and written by
// a dedicated goroutine, so Enqueue never blocks the caller.
type Conn struct {
	id    uint64
	nc    net.Conn
	codec Codec
	log   *slog.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(id uint64, nc net.Conn, c Codec, log *slog.Logger) *Conn {
	conn := &Conn{
		id:    id,
		nc:    nc,
		codec: c,
		log:   log,
		out:   make(chan []byte, outboundQueue),
		done:  make(chan struct{}),
	}
	go conn.writeLoop()
	return conn
}

// ID returns the process-local connection number.
func (c *Conn) ID() uint64 { return c.id }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close shuts the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// Enqueue encodes env and queues it for writing. It reports false when the
// connection is closed, the queue is full, or env cannot be encoded.
func (c *Conn) Enqueue(env api.Envelope) bool {
	b, err := c.codec.Marshal(env)
	if err != nil {
		c.log.Warn("encode envelope", "conn", c.id, "command", env.Command, "error", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- b:
		return true
	default:
		c.log.Warn("outbound queue full, dropping envelope", "conn", c.id, "command", env.Command)
		return false
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case b := <-c.out:
			_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := writeFrame(c.nc, b); err != nil {
				c.log.Debug("write failed, closing connection", "conn", c.id, "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

// ReadLoop decodes frames and hands each envelope to fn in arrival order.
// Malformed envelopes are logged and skipped. It returns nil when the peer
// hangs up or the connection is closed locally, and closes the connection
// on return.
func (c *Conn) ReadLoop(fn func(api.Envelope)) error {
	defer c.Close()
	br := bufio.NewReader(c.nc)
	for {
		b, err := readFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}
		env, err := c.codec.Unmarshal(b)
		if err != nil {
			c.log.Warn("discarding malformed envelope", "conn", c.id, "error", err)
			continue
		}
		fn(env)
	}
}
