// Package runner is the process that owns the serial device. It connects to
// the control process, announces itself with runner.ready on every
// (re)connect, and executes runner-bound commands against the port.
package runner

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mithrel/cncserver/internal/ipc/transport"
	"github.com/mithrel/cncserver/pkg/api"
)

const (
	// DefaultAckTimeout bounds how long a buffered line waits for the
	// device to answer before the item is reported done anyway.
	DefaultAckTimeout = 5 * time.Second
	queueSize         = 1024
)

var errNoDevice = errors.New("serial port not open")

type Options struct {
	Connector  *transport.Connector
	Open       Opener
	AckTimeout time.Duration
	Log        *slog.Logger
}

type Runner struct {
	connector  *transport.Connector
	open       Opener
	ackTimeout time.Duration
	log        *slog.Logger

	mu   sync.Mutex
	conn *transport.Conn
	dev  *device

	lines chan string
	queue chan api.BufferItem
	items *ledger
}

// device is an open port plus the port name it was opened on.
type device struct {
	port string
	rw   Device
	once sync.Once
	// closing is set when the close was requested, so the reader does not
	// report it as an unexpected disconnect.
	closing bool
}

func New(o Options) *Runner {
	r := &Runner{
		connector:  o.Connector,
		open:       o.Open,
		ackTimeout: o.AckTimeout,
		log:        o.Log,
		lines:      make(chan string, 16),
		queue:      make(chan api.BufferItem, queueSize),
		items:      newLedger(queueSize),
	}
	if r.open == nil {
		r.open = OpenDevice
	}
	if r.ackTimeout <= 0 {
		r.ackTimeout = DefaultAckTimeout
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Run connects to the control process and serves it until ctx is cancelled.
// The serial port stays open across control-process restarts.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.drain(ctx)
	}()
	err := r.connector.Run(ctx, r.serve)
	wg.Wait()
	r.closeDevice()
	return err
}

func (r *Runner) serve(ctx context.Context, c *transport.Conn) {
	r.mu.Lock()
	r.conn = c
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.conn == c {
			r.conn = nil
		}
		r.mu.Unlock()
	}()

	c.Enqueue(api.NewEnvelope(api.CmdRunnerReady, nil))
	if err := c.ReadLoop(func(env api.Envelope) { r.handle(env) }); err != nil {
		r.log.Warn("control connection read failed", "error", err)
	}
}

// send delivers env to the control process, dropping it while disconnected.
func (r *Runner) send(env api.Envelope) bool {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c == nil {
		r.log.Debug("control process not connected, dropping envelope", "command", env.Command)
		return false
	}
	return c.Enqueue(env)
}

func (r *Runner) handle(env api.Envelope) {
	switch env.Kind() {
	case api.KindSerialConnect:
		r.connect(api.ConnectRequestFrom(env.DataMap()))
	case api.KindSerialDisconnect:
		if r.closeDevice() {
			r.send(api.NewEnvelope(api.CmdSerialDisconnected, nil))
		}
	case api.KindSerialWrite:
		if err := r.write(env.DataString()); err != nil {
			r.sendError("", err)
		}
	case api.KindBufferAdd:
		it := api.BufferItemFrom(env.DataMap())
		if it.ID == "" {
			r.log.Warn("buffer.add without id", "data", env.Data)
			return
		}
		switch r.items.admit(it.ID) {
		case admitQueued:
			r.log.Debug("buffer item already queued", "id", it.ID)
			return
		case admitDone:
			r.send(api.NewEnvelope(api.CmdBufferItemDone, it.ID))
			return
		}
		select {
		case r.queue <- it:
		default:
			r.items.forget(it.ID)
			r.log.Warn("buffer queue full, dropping item", "id", it.ID)
		}
	default:
		r.log.Debug("ignoring command", "command", env.Command)
	}
}

func (r *Runner) connect(req api.ConnectRequest) {
	r.mu.Lock()
	cur := r.dev
	r.mu.Unlock()
	if cur != nil {
		if cur.port == req.Port {
			r.send(api.NewEnvelope(api.CmdSerialConnected, req.Port))
			return
		}
		r.closeDevice()
	}

	rw, err := r.open(req.Port, req.BaudRate)
	if err != nil {
		r.log.Error("serial open failed", "port", req.Port, "error", err)
		r.sendError(api.ErrorTypeConnect, err, req.Port)
		return
	}
	d := &device{port: req.Port, rw: rw}
	r.mu.Lock()
	r.dev = d
	r.mu.Unlock()
	go r.readDevice(d)

	r.log.Info("serial port open", "port", req.Port, "baud", req.BaudRate)
	r.send(api.NewEnvelope(api.CmdSerialConnected, req.Port))
}

// readDevice forwards every device line as serial.data.
func (r *Runner) readDevice(d *device) {
	sc := bufio.NewScanner(d.rw)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		r.send(api.NewEnvelope(api.CmdSerialData, line))
		select {
		case r.lines <- line:
		default:
		}
	}

	r.mu.Lock()
	expected := d.closing
	if r.dev == d {
		r.dev = nil
	}
	r.mu.Unlock()
	d.close()
	if !expected {
		r.log.Warn("serial port closed unexpectedly", "port", d.port, "error", sc.Err())
		r.send(api.NewEnvelope(api.CmdSerialDisconnected, d.port))
	}
}

func (d *device) close() {
	d.once.Do(func() { _ = d.rw.Close() })
}

// closeDevice closes the open port, reporting whether one was open.
func (r *Runner) closeDevice() bool {
	r.mu.Lock()
	d := r.dev
	r.dev = nil
	if d != nil {
		d.closing = true
	}
	r.mu.Unlock()
	if d == nil {
		return false
	}
	d.close()
	r.log.Info("serial port closed", "port", d.port)
	return true
}

func (r *Runner) write(line string) error {
	r.mu.Lock()
	d := r.dev
	r.mu.Unlock()
	if d == nil {
		return errNoDevice
	}
	_, err := d.rw.Write([]byte(strings.TrimRight(line, "\r\n") + "\n"))
	return err
}

func (r *Runner) sendError(typ string, err error, data ...any) {
	env := api.Envelope{Command: api.CmdSerialError, Type: typ, Message: err.Error()}
	if len(data) > 0 {
		env.Data = data[0]
	}
	r.send(env)
}

// drain executes buffered items one at a time.
func (r *Runner) drain(ctx context.Context) {
	running := false
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-r.queue:
			if !running {
				running = true
				r.send(api.NewEnvelope(api.CmdBufferRunning, true))
			}
			r.runItem(ctx, it)
			r.items.complete(it.ID)
			r.send(api.NewEnvelope(api.CmdBufferItemDone, it.ID))
			if len(r.queue) == 0 {
				running = false
				r.send(api.NewEnvelope(api.CmdBufferRunning, false))
				r.send(api.NewEnvelope(api.CmdBufferEmpty, nil))
			}
		}
	}
}

func (r *Runner) runItem(ctx context.Context, it api.BufferItem) {
	// Drop replies that belong to earlier writes.
stale:
	for {
		select {
		case <-r.lines:
		default:
			break stale
		}
	}
	err := r.write(it.Line)
	if errors.Is(err, errNoDevice) {
		r.log.Debug("simulating buffer item", "id", it.ID, "line", it.Line)
		return
	}
	if err != nil {
		r.sendError("", err)
		return
	}
	t := time.NewTimer(r.ackTimeout)
	defer t.Stop()
	select {
	case <-r.lines:
	case <-t.C:
		r.log.Warn("no reply from device", "id", it.ID, "timeout", r.ackTimeout)
	case <-ctx.Done():
	}
}
