package dispatch

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/cncserver/internal/callbacks"
	"github.com/mithrel/cncserver/internal/events"
	"github.com/mithrel/cncserver/internal/ipc/transport"
	"github.com/mithrel/cncserver/internal/session"
	"github.com/mithrel/cncserver/pkg/api"
)

type mockBuffer struct{ mock.Mock }

func (m *mockBuffer) RemoveItem(ctx context.Context, id string) error {
	return m.Called(id).Error(0)
}

func (m *mockBuffer) SetRunning(v bool) { m.Called(v) }

type mockTrigger struct{ mock.Mock }

func (m *mockTrigger) LocalTrigger(name string) { m.Called(name) }

type mockNotifier struct{ mock.Mock }

func (m *mockNotifier) Notify(ctx context.Context, env api.Envelope) error {
	return m.Called(env.Command).Error(0)
}

func (m *mockNotifier) Close() error { return nil }

type fakeHandle struct {
	id     uint64
	closed bool
}

func (f *fakeHandle) ID() uint64   { return f.id }
func (f *fakeHandle) Close() error { f.closed = true; return nil }

// hungUpHandle is a connection whose peer already went away.
type hungUpHandle struct{ done chan struct{} }

func newHungUpHandle() *hungUpHandle {
	h := &hungUpHandle{done: make(chan struct{})}
	close(h.done)
	return h
}

func (h *hungUpHandle) ID() uint64            { return 99 }
func (h *hungUpHandle) Close() error          { return nil }
func (h *hungUpHandle) Done() <-chan struct{} { return h.done }

type harness struct {
	d    *Dispatcher
	sess *session.Session
	cb   *callbacks.Registry
	buf  *mockBuffer
	trig *mockTrigger
	logs *bytes.Buffer
	// fired records callback events in order.
	fired []callbacks.Event
}

func newHarness(t *testing.T, policy session.InitPolicy) *harness {
	t.Helper()
	logs := &bytes.Buffer{}
	log := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := &harness{
		sess: session.New(policy),
		buf:  &mockBuffer{},
		trig: &mockTrigger{},
		logs: logs,
	}
	h.cb = callbacks.NewRegistry(log)
	h.d = New(Options{
		Session:   h.sess,
		Callbacks: h.cb,
		Buffer:    h.buf,
		Trigger:   h.trig,
		BaudRate:  115200,
		Ack:       "OK",
		Log:       log,
	})
	t.Cleanup(func() {
		h.buf.AssertExpectations(t)
		h.trig.AssertExpectations(t)
	})
	return h
}

// registerAll registers one operation recording every event it receives.
func (h *harness) registerAll() callbacks.OpID {
	rec := func(ev callbacks.Event) callbacks.Func {
		return func(any) { h.fired = append(h.fired, ev) }
	}
	return h.cb.Register(callbacks.Handlers{
		Connect:    rec(callbacks.Connect),
		Disconnect: rec(callbacks.Disconnect),
		Error:      rec(callbacks.Error),
		Success:    rec(callbacks.Success),
		Complete:   rec(callbacks.Complete),
	})
}

func (h *harness) dispatch(env api.Envelope) {
	h.d.Dispatch(context.Background(), transport.Inbound{Env: env})
}

func TestRunnerReadyInitOnce(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	calls := 0
	h.sess.OnReady(func() { calls++ })

	a, b := &fakeHandle{id: 1}, &fakeHandle{id: 2}
	h.d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil), From: a})
	assert.Equal(t, a, h.sess.Current())
	h.d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil), From: b})
	assert.Equal(t, b, h.sess.Current())

	assert.Equal(t, 1, calls)
	assert.True(t, a.closed, "replaced connection is closed")
	assert.False(t, b.closed)
}

func TestRunnerReadyFromClosedConnectionIsIgnored(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	calls := 0
	h.sess.OnReady(func() { calls++ })

	h.d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil), From: newHungUpHandle()})
	assert.Nil(t, h.sess.Current())
	assert.False(t, h.sess.Snapshot().Connected)
	assert.Equal(t, 0, calls)
	assert.Contains(t, h.logs.String(), "closed connection")

	live := &fakeHandle{id: 7}
	h.d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil), From: live})
	assert.Equal(t, live, h.sess.Current())
	assert.Equal(t, 1, calls, "init still fires for the first live runner")
}

func TestRunnerReadyAfterHangUpKeepsSessionDetached(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	calls := 0
	h.sess.OnReady(func() { calls++ })

	path := filepath.Join(t.TempDir(), "ipc.sock")
	srv := transport.NewServer(transport.UnixListener{Path: path}, transport.ProtoCodec{}, h.sess, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		return transport.Inject(ctx, path, transport.ProtoCodec{}, api.NewEnvelope(api.CmdRunnerReady, nil)) == nil
	}, 2*time.Second, 10*time.Millisecond)

	var in transport.Inbound
	select {
	case in = <-srv.Inbound():
	case <-time.After(2 * time.Second):
		t.Fatal("runner.ready never arrived")
	}
	conn, ok := in.From.(*transport.Conn)
	require.True(t, ok)
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("injected connection never closed")
	}

	h.d.Dispatch(ctx, in)
	assert.Nil(t, h.sess.Current())
	assert.False(t, h.sess.Snapshot().Connected)
	assert.False(t, srv.Send(api.NewEnvelope(api.CmdSerialWrite, "G28")))
	assert.Equal(t, 0, calls)
}

func TestRunnerReadyInitEvery(t *testing.T) {
	h := newHarness(t, session.InitEveryReady)
	calls := 0
	h.sess.OnReady(func() { calls++ })

	for i := uint64(1); i <= 3; i++ {
		h.d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil), From: &fakeHandle{id: i}})
	}
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(3), h.sess.Current().ID())
}

func TestRunnerReadySameConnectionTwice(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	a := &fakeHandle{id: 5}
	h.d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil), From: a})
	h.d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil), From: a})
	assert.False(t, a.closed)
	assert.Equal(t, a, h.sess.Current())
}

func TestRunnerReadyRunsAttachEveryTime(t *testing.T) {
	attached := 0
	d := New(Options{OnAttach: func(context.Context) { attached++ }})
	for i := uint64(1); i <= 2; i++ {
		d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil), From: &fakeHandle{id: i}})
	}
	d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil)})
	assert.Equal(t, 2, attached)
}

func TestRunnerReadyWithoutInitCallback(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	a := &fakeHandle{id: 1}
	h.d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdRunnerReady, nil), From: a})
	assert.Equal(t, a, h.sess.Current())
}

func TestSerialConnected(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.registerAll()
	require.True(t, h.sess.Simulation())

	h.dispatch(api.NewEnvelope(api.CmdSerialConnected, "/dev/ttyUSB0"))

	assert.False(t, h.sess.Simulation())
	assert.Equal(t, []callbacks.Event{callbacks.Connect, callbacks.Success}, h.fired)
	assert.Contains(t, h.logs.String(), `"baud":115200`)
}

func TestSerialDisconnected(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.registerAll()
	h.dispatch(api.NewEnvelope(api.CmdSerialDisconnected, nil))
	assert.Equal(t, []callbacks.Event{callbacks.Disconnect}, h.fired)
	assert.True(t, h.sess.Simulation())
}

func TestSerialErrorConnect(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.registerAll()
	env := api.NewEnvelope(api.CmdSerialError, "/dev/ttyUSB0")
	env.Type = api.ErrorTypeConnect
	env.Message = "Resource busy"
	h.dispatch(env)

	assert.Equal(t, []callbacks.Event{callbacks.Complete, callbacks.Error}, h.fired)
	out := h.logs.String()
	assert.Contains(t, out, "failed to connect")
	assert.Contains(t, out, `"code":10`)
	assert.Contains(t, out, "Resource busy")
	assert.NotContains(t, out, `"code":44`)
}

func TestSerialErrorOther(t *testing.T) {
	for _, typ := range []string{"", "write"} {
		h := newHarness(t, session.InitOnce)
		h.registerAll()
		env := api.NewEnvelope(api.CmdSerialError, nil)
		env.Type = typ
		h.dispatch(env)

		assert.Equal(t, []callbacks.Event{callbacks.Error}, h.fired, typ)
		assert.Contains(t, h.logs.String(), `"code":44`)
		assert.NotContains(t, h.logs.String(), `"code":10`)
	}
}

func TestSerialDataAckMatches(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.dispatch(api.NewEnvelope(api.CmdSerialData, " OK \n"))
	h.trig.AssertNotCalled(t, "LocalTrigger", mock.Anything)
}

func TestSerialDataAckMismatchTriggersInit(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.trig.On("LocalTrigger", events.BotInit).Once()
	h.dispatch(api.NewEnvelope(api.CmdSerialData, "ERR"))
	h.trig.AssertNumberOfCalls(t, "LocalTrigger", 1)
	assert.Contains(t, h.logs.String(), "message from controller")
}

func TestBufferItemDone(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.buf.On("RemoveItem", "item-1").Return(nil).Once()
	h.dispatch(api.NewEnvelope(api.CmdBufferItemDone, "item-1"))
	h.buf.AssertNotCalled(t, "SetRunning", mock.Anything)
}

func TestBufferItemDoneUnknownItemIsLogged(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.buf.On("RemoveItem", "gone").Return(errors.New("not found")).Once()
	h.dispatch(api.NewEnvelope(api.CmdBufferItemDone, "gone"))
	assert.Contains(t, h.logs.String(), "not found")
}

func TestBufferEmptyIsNoOp(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.registerAll()
	before := h.sess.Snapshot()
	h.dispatch(api.NewEnvelope(api.CmdBufferEmpty, nil))
	assert.Equal(t, before, h.sess.Snapshot())
	assert.Empty(t, h.fired)
}

func TestBufferRunningRoundTrip(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	var last []bool
	h.buf.On("SetRunning", mock.Anything).Run(func(args mock.Arguments) {
		last = append(last, args.Bool(0))
	}).Twice()
	h.dispatch(api.NewEnvelope(api.CmdBufferRunning, true))
	h.dispatch(api.NewEnvelope(api.CmdBufferRunning, false))
	assert.Equal(t, []bool{true, false}, last)
}

func TestBufferRunningRejectsNonBool(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.dispatch(api.NewEnvelope(api.CmdBufferRunning, map[string]any{"x": 1}))
	h.buf.AssertNotCalled(t, "SetRunning", mock.Anything)
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.registerAll()
	before := h.sess.Snapshot()

	assert.NotPanics(t, func() {
		h.dispatch(api.NewEnvelope("serial.conected", "x"))
		h.dispatch(api.NewEnvelope("", nil))
	})
	assert.Equal(t, before, h.sess.Snapshot())
	assert.Empty(t, h.fired)
	assert.Contains(t, h.logs.String(), `"did_you_mean":"serial.connected"`)
}

func TestRunnerBoundCommandIsIgnored(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.dispatch(api.NewEnvelope(api.CmdSerialWrite, "G28"))
	assert.Contains(t, h.logs.String(), "runner-bound")
}

func TestPanickingCallbackIsRecovered(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	h.cb.Register(callbacks.Handlers{Error: func(any) { panic("boom") }})
	assert.NotPanics(t, func() { h.dispatch(api.NewEnvelope(api.CmdSerialError, nil)) })
	assert.Contains(t, h.logs.String(), "boom")
}

func TestNotifierMirrorsKnownCommands(t *testing.T) {
	n := &mockNotifier{}
	n.On("Notify", api.CmdBufferEmpty).Return(nil).Once()
	n.On("Notify", api.CmdSerialDisconnected).Return(errors.New("nats down")).Once()
	logs := &bytes.Buffer{}
	d := New(Options{Notifier: n, Log: slog.New(slog.NewJSONHandler(logs, nil))})

	d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdBufferEmpty, nil)})
	d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope(api.CmdSerialDisconnected, nil)})
	d.Dispatch(context.Background(), transport.Inbound{Env: api.NewEnvelope("nope", nil)})

	n.AssertExpectations(t)
	assert.Contains(t, logs.String(), "nats down")
}

func TestRunConsumesInOrder(t *testing.T) {
	h := newHarness(t, session.InitOnce)
	var order []bool
	h.buf.On("SetRunning", mock.Anything).Run(func(args mock.Arguments) {
		order = append(order, args.Bool(0))
	}).Times(3)

	in := make(chan transport.Inbound, 3)
	in <- transport.Inbound{Env: api.NewEnvelope(api.CmdBufferRunning, true)}
	in <- transport.Inbound{Env: api.NewEnvelope(api.CmdBufferRunning, false)}
	in <- transport.Inbound{Env: api.NewEnvelope(api.CmdBufferRunning, true)}
	close(in)

	done := make(chan struct{})
	go func() {
		h.d.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not drain")
	}
	assert.Equal(t, []bool{true, false, true}, order)
}
