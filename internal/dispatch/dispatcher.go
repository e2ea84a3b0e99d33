// Package dispatch routes envelopes from the runner to their handlers. All
// envelopes are consumed from one channel by one goroutine, so handlers run
// to completion in arrival order and never concurrently.
package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/mithrel/cncserver/internal/callbacks"
	"github.com/mithrel/cncserver/internal/events"
	"github.com/mithrel/cncserver/internal/ipc/transport"
	"github.com/mithrel/cncserver/internal/notify"
	"github.com/mithrel/cncserver/internal/session"
	"github.com/mithrel/cncserver/internal/util"
	"github.com/mithrel/cncserver/pkg/api"
)

// BufferFacade is the slice of the work queue the protocol touches.
type BufferFacade interface {
	RemoveItem(ctx context.Context, id string) error
	SetRunning(v bool)
}

// Trigger raises a local, in-process event such as botInit.
type Trigger interface {
	LocalTrigger(name string)
}

// DefaultAck is the token the controller echoes after each accepted line.
const DefaultAck = "OK"

// Options configures a Dispatcher. Buffer and Trigger are required; the rest have defaults.
type Options struct {
	Session   *session.Session
	Callbacks *callbacks.Registry
	Buffer    BufferFacade
	Trigger   Trigger
	Notifier  notify.Notifier
	// BaudRate is reported when the runner confirms an open port.
	BaudRate int
	Ack      string
	// OnAttach runs on every runner.ready, after the init callback.
	OnAttach func(context.Context)
	Log      *slog.Logger
}

// Dispatcher routes inbound envelopes to their handlers on one goroutine.
type Dispatcher struct {
	sess     *session.Session
	cb       *callbacks.Registry
	buf      BufferFacade
	trigger  Trigger
	notifier notify.Notifier
	baud     int
	ack      string
	onAttach func(context.Context)
	log      *slog.Logger
	known    []string
}

// New returns a Dispatcher with unset Options filled with defaults.
func New(o Options) *Dispatcher {
	d := &Dispatcher{
		sess:     o.Session,
		cb:       o.Callbacks,
		buf:      o.Buffer,
		trigger:  o.Trigger,
		notifier: o.Notifier,
		baud:     o.BaudRate,
		ack:      strings.TrimSpace(o.Ack),
		onAttach: o.OnAttach,
		log:      o.Log,
		known:    api.KnownCommands(),
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.sess == nil {
		d.sess = session.New(session.InitOnce)
	}
	if d.cb == nil {
		d.cb = callbacks.NewRegistry(d.log)
	}
	if d.notifier == nil {
		d.notifier = notify.NoOp{}
	}
	if d.ack == "" {
		d.ack = DefaultAck
	}
	return d
}

// Run dispatches from in until ctx is cancelled or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan transport.Inbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			d.Dispatch(ctx, msg)
		}
	}
}

// Dispatch handles a single envelope. Unknown commands are ignored and a
// panicking handler is logged, never propagated.
func (d *Dispatcher) Dispatch(ctx context.Context, in transport.Inbound) {
	env := in.Env
	kind := env.Kind()
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("IPC handler panicked", "command", env.Command, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch kind {
	case api.KindRunnerReady:
		d.runnerReady(ctx, in.From)
	case api.KindSerialConnected:
		d.sess.SetSimulation(false)
		d.log.Info("serial connection open", "baud", d.baud)
		d.cb.Fire(callbacks.Connect, env.Data)
		d.cb.Fire(callbacks.Success, env.Data)
	case api.KindSerialDisconnected:
		d.cb.Fire(callbacks.Disconnect, env.Data)
	case api.KindSerialError:
		if env.Type == api.ErrorTypeConnect {
			d.log.Error("serial port failed to connect, is it busy or in use?", "code", 10, "detail", env.Message)
			d.cb.Fire(callbacks.Complete, env.Data)
		} else {
			d.log.Error("serial failed to send data", "code", 44, "detail", env.Message)
		}
		d.cb.Fire(callbacks.Error, env.Data)
	case api.KindSerialData:
		line := env.DataString()
		if strings.TrimSpace(line) != d.ack {
			d.log.Warn("message from controller", "data", line)
			if d.trigger != nil {
				d.trigger.LocalTrigger(events.BotInit)
			}
		}
	case api.KindBufferItemDone:
		id := env.DataString()
		if d.buf != nil {
			if err := d.buf.RemoveItem(ctx, id); err != nil {
				d.log.Warn("buffer item done", "id", id, "error", err)
			}
		}
	case api.KindBufferEmpty:
		// reserved
	case api.KindBufferRunning:
		v, ok := env.DataBool()
		if !ok {
			d.log.Warn("buffer.running payload is not a boolean", "data", env.Data)
			break
		}
		if d.buf != nil {
			d.buf.SetRunning(v)
		}
	case api.KindSerialConnect, api.KindSerialDisconnect, api.KindSerialWrite, api.KindBufferAdd:
		d.log.Warn("ignoring runner-bound command received from runner", "command", env.Command)
		return
	case api.KindUnknown:
		args := []any{"command", env.Command}
		if s := util.SuggestCommand(string(env.Command), d.known); s != "" {
			args = append(args, "did_you_mean", s)
		}
		d.log.Debug("unknown IPC command", args...)
		return
	}

	if err := d.notifier.Notify(ctx, env); err != nil {
		d.log.Warn("notify", "command", env.Command, "error", err)
	}
}

func (d *Dispatcher) runnerReady(ctx context.Context, from session.Handle) {
	if from == nil {
		d.log.Warn("runner.ready without a connection")
		return
	}
	if handleClosed(from) {
		d.log.Warn("runner.ready from a closed connection, ignoring", "conn", from.ID())
		return
	}
	prev := d.sess.Replace(from)
	// The transport releases a handle only after closing it, so a close
	// racing Replace is caught here.
	if handleClosed(from) {
		d.sess.Release(from)
		d.log.Warn("runner connection closed while attaching", "conn", from.ID())
		return
	}
	if prev != nil && prev.ID() != from.ID() {
		d.log.Info("replacing previous runner connection", "old", prev.ID(), "new", from.ID())
		_ = prev.Close()
	}
	d.log.Info("runner client connected", "conn", from.ID())
	if fn := d.sess.TakeInit(); fn != nil {
		fn()
	}
	if d.onAttach != nil {
		d.onAttach(ctx)
	}
}

// handleClosed reports whether h exposes a Done channel that is already
// closed. Handles without one are treated as open.
func handleClosed(h session.Handle) bool {
	c, ok := h.(interface{ Done() <-chan struct{} })
	if !ok {
		return false
	}
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
