// Package session holds the process-wide protocol state of the control
// process: the current runner handle, the initialization callback, and the
// buffer running and simulation flags. One Session is owned by the
// composition root and passed by reference to the transport and dispatcher.
package session

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Handle identifies an accepted runner connection.
type Handle interface {
	ID() uint64
	Close() error
}

// InitPolicy decides how often the initialization callback fires.
type InitPolicy int

const (
	// InitOnce fires the callback on the first runner.ready of the process
	// lifetime only.
	InitOnce InitPolicy = iota
	// InitEveryReady fires the callback on every runner.ready, i.e. once per
	// runner (re)connect.
	InitEveryReady
)

func (p InitPolicy) String() string {
	if p == InitEveryReady {
		return "every"
	}
	return "once"
}

// ParseInitPolicy parses "once" or "every".
func ParseInitPolicy(s string) (InitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "once":
		return InitOnce, nil
	case "every":
		return InitEveryReady, nil
	default:
		return InitOnce, fmt.Errorf("unknown init policy %q (want once|every)", s)
	}
}

// Session is safe for concurrent use. Writes happen on the dispatcher
// goroutine; reads come from senders and the status endpoint.
type Session struct {
	mu        sync.Mutex
	current   Handle
	initFn    func()
	initFired bool
	policy    InitPolicy
	readies   uint64

	running    atomic.Bool
	simulation atomic.Bool
}

// New returns a Session with no runner attached. Simulation starts on and
// stays on until the runner reports an open serial port.
func New(policy InitPolicy) *Session {
	s := &Session{policy: policy}
	s.simulation.Store(true)
	return s
}

// Policy returns the configured init policy.
func (s *Session) Policy() InitPolicy { return s.policy }

// OnReady captures the initialization callback. It replaces any earlier one
// and re-arms InitOnce.
func (s *Session) OnReady(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initFn = fn
	s.initFired = false
}

// Current returns the handle recorded by the latest handshake, or nil.
func (s *Session) Current() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Replace records h as the current handle and returns the one it replaced.
func (s *Session) Replace(h Handle) (prev Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev = s.current
	s.current = h
	s.readies++
	return prev
}

// Release clears the current handle if it is still h. It reports whether
// the handle was cleared.
func (s *Session) Release(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || h == nil || s.current.ID() != h.ID() {
		return false
	}
	s.current = nil
	return true
}

// TakeInit returns the initialization callback if the policy allows it to
// fire now, and nil otherwise.
func (s *Session) TakeInit() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initFn == nil {
		return nil
	}
	if s.policy == InitOnce {
		if s.initFired {
			return nil
		}
		s.initFired = true
	}
	return s.initFn
}

// SetRunning stores the buffer running flag.
func (s *Session) SetRunning(v bool) { s.running.Store(v) }

// Running reports whether the runner is executing buffered work.
func (s *Session) Running() bool { return s.running.Load() }

// SetSimulation stores the simulation flag.
func (s *Session) SetSimulation(v bool) { s.simulation.Store(v) }

// Simulation reports whether no serial port is open on the runner.
func (s *Session) Simulation() bool { return s.simulation.Load() }

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	Connected  bool   `json:"runner_connected"`
	HandleID   uint64 `json:"runner_handle,omitempty"`
	Readies    uint64 `json:"ready_count"`
	Running    bool   `json:"buffer_running"`
	Simulation bool   `json:"simulation"`
	InitPolicy string `json:"init_policy"`
}

// Snapshot captures the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Readies: s.readies, InitPolicy: s.policy.String()}
	if s.current != nil {
		snap.Connected = true
		snap.HandleID = s.current.ID()
	}
	s.mu.Unlock()
	snap.Running = s.Running()
	snap.Simulation = s.Simulation()
	return snap
}
