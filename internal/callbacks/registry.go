// Package callbacks holds the handlers a serial operation registers before it
// asks the runner to act. Handlers are scoped to one operation: registering a
// new operation retires the previous one, so a late event can never reach a
// caller that has moved on.
package callbacks

import (
	"log/slog"
	"sync"

	"github.com/mithrel/cncserver/pkg/api"
)

// Event names one of the callback slots.
type Event string

const (
	Connect    Event = "connect"
	Disconnect Event = "disconnect"
	Error      Event = "error"
	Success    Event = "success"
	Complete   Event = "complete"
)

// Func receives the payload of the envelope that triggered it.
type Func func(data any)

// Handlers is one operation's set of callbacks. Any slot may be nil.
type Handlers struct {
	Connect    Func
	Disconnect Func
	Error      Func
	Success    Func
	Complete   Func
}

func (h Handlers) slot(ev Event) Func {
	switch ev {
	case Connect:
		return h.Connect
	case Disconnect:
		return h.Disconnect
	case Error:
		return h.Error
	case Success:
		return h.Success
	case Complete:
		return h.Complete
	}
	return nil
}

// OpID identifies a registered operation.
type OpID string

type operation struct {
	id    OpID
	h     Handlers
	fired map[Event]bool
}

// Registry tracks at most one live operation.
type Registry struct {
	mu   sync.Mutex
	live *operation
	log  *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log}
}

// Register makes h the live operation and retires any earlier one.
func (r *Registry) Register(h Handlers) OpID {
	op := &operation{id: OpID(api.NewID()), h: h, fired: map[Event]bool{}}
	r.mu.Lock()
	prev := r.live
	r.live = op
	r.mu.Unlock()
	if prev != nil {
		r.log.Debug("operation superseded", "op", prev.id, "by", op.id)
	}
	return op.id
}

// Retire cancels id. It reports whether id was the live operation.
func (r *Registry) Retire(id OpID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live == nil || r.live.id != id {
		return false
	}
	r.live = nil
	return true
}

// Live returns the live operation, if any.
func (r *Registry) Live() (OpID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.live == nil {
		return "", false
	}
	return r.live.id, true
}

// Fire invokes the live operation's handler for ev. Each slot fires at most
// once per operation. It reports whether a handler ran; a missing handler is
// not an error.
func (r *Registry) Fire(ev Event, data any) bool {
	r.mu.Lock()
	op := r.live
	if op == nil {
		r.mu.Unlock()
		r.log.Debug("no live operation", "event", ev)
		return false
	}
	fn := op.h.slot(ev)
	if fn == nil || op.fired[ev] {
		r.mu.Unlock()
		return false
	}
	op.fired[ev] = true
	r.mu.Unlock()

	fn(data)
	return true
}
