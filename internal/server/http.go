package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mithrel/cncserver/internal/buffer"
	"github.com/mithrel/cncserver/internal/events"
	"github.com/mithrel/cncserver/internal/session"
)

// StatusSource reports protocol state.
type StatusSource interface {
	Snapshot() session.Snapshot
}

// BufferLister lists queued work.
type BufferLister interface {
	Pending(ctx context.Context) ([]buffer.Item, error)
}

// EventSource returns recently published local events.
type EventSource interface {
	Recent() []events.Event
}

// Status is the body of GET /v1/status.
type Status struct {
	session.Snapshot
	Pending   int       `json:"pending_items"`
	StartedAt time.Time `json:"started_at"`
	Uptime    string    `json:"uptime"`
}

// Server serves the read-only status endpoints.
type Server struct {
	addr      string
	status    StatusSource
	buf       BufferLister
	events    EventSource
	log       *slog.Logger
	startedAt time.Time
}

func New(addr string, status StatusSource, buf BufferLister, ev EventSource, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{addr: addr, status: status, buf: buf, events: ev, log: log, startedAt: time.Now().UTC()}
}

// Router returns an http.Handler with registered routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/buffer", s.handleBuffer)
		r.Get("/events", s.handleEvents)
	})
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.log.Info("status server starting", "listen", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Snapshot:  s.status.Snapshot(),
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.buf != nil {
		items, err := s.buf.Pending(r.Context())
		if err != nil {
			s.log.Error("list buffer", "error", err)
			http.Error(w, "buffer unavailable", http.StatusInternalServerError)
			return
		}
		st.Pending = len(items)
	}
	writeJSON(w, st)
}

func (s *Server) handleBuffer(w http.ResponseWriter, r *http.Request) {
	if s.buf == nil {
		writeJSON(w, []buffer.Item{})
		return
	}
	items, err := s.buf.Pending(r.Context())
	if err != nil {
		s.log.Error("list buffer", "error", err)
		http.Error(w, "buffer unavailable", http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []buffer.Item{}
	}
	writeJSON(w, items)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	out := []events.Event{}
	if s.events != nil {
		out = append(out, s.events.Recent()...)
	}
	writeJSON(w, out)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
