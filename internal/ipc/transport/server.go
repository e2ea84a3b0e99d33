package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/mithrel/cncserver/internal/session"
	"github.com/mithrel/cncserver/pkg/api"
)

const inboundQueue = 256

// Server is the listening side. Every accepted connection feeds one shared
// inbound channel; sends go to whichever connection the session currently
// holds.
type Server struct {
	l     Listener
	codec Codec
	sess  *session.Session
	log   *slog.Logger

	inbound chan Inbound
	nextID  atomic.Uint64
	wg      sync.WaitGroup
}

func NewServer(l Listener, c Codec, sess *session.Session, log *slog.Logger) *Server {
	return &Server{
		l:       l,
		codec:   c,
		sess:    sess,
		log:     orDefault(log),
		inbound: make(chan Inbound, inboundQueue),
	}
}

// Inbound is the single queue the dispatcher consumes.
func (s *Server) Inbound() <-chan Inbound { return s.inbound }

// Serve accepts connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	l, err := s.l.Listen(ctx)
	if err != nil {
		return fmt.Errorf("ipc listen: %w", err)
	}
	defer l.Close()
	s.log.Info("starting IPC server, waiting for runner client to start", "addr", l.Addr().String(), "codec", s.codec.Name())

	errc := make(chan error, 1)
	go func() {
		for {
			nc, err := l.Accept()
			if err != nil {
				errc <- err
				return
			}
			s.accept(ctx, nc)
		}
	}()
	select {
	case <-ctx.Done():
		_ = l.Close()
		<-errc
		s.wg.Wait()
		return nil
	case err := <-errc:
		if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ipc accept: %w", err)
	}
}

func (s *Server) accept(ctx context.Context, nc net.Conn) {
	c := newConn(s.nextID.Add(1), nc, s.codec, s.log)
	s.log.Debug("connection accepted", "conn", c.ID())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
		err := c.ReadLoop(func(env api.Envelope) {
			select {
			case s.inbound <- Inbound{Env: env, From: c}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			s.log.Warn("runner connection read failed", "conn", c.ID(), "error", err)
		}
		if s.sess.Release(c) {
			s.log.Warn("runner disconnected", "conn", c.ID())
		} else {
			s.log.Debug("connection closed", "conn", c.ID())
		}
	}()
}

// Send delivers env to the current runner. It reports false, dropping env,
// when no runner is attached or its queue is full.
func (s *Server) Send(env api.Envelope) bool {
	h, _ := s.sess.Current().(*Conn)
	return s.SendTo(h, env)
}

// SendTo delivers env to h.
func (s *Server) SendTo(h *Conn, env api.Envelope) bool {
	if h == nil {
		s.log.Debug("no runner connected, dropping envelope", "command", env.Command)
		return false
	}
	return h.Enqueue(env)
}
