package buffer

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/cncserver/internal/session"
	"github.com/mithrel/cncserver/pkg/api"
)

type recordSender struct {
	ok   bool
	sent []api.Envelope
}

func (r *recordSender) Send(env api.Envelope) bool {
	r.sent = append(r.sent, env)
	return r.ok
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open(context.Background(), "postgres://localhost/db")
	assert.Error(t, err)
}

func TestStores(t *testing.T) {
	ctx := context.Background()
	stores := map[string]string{
		"mem":    "mem://",
		"sqlite": "sqlite://" + filepath.Join(t.TempDir(), "buffer.db"),
	}
	for name, dsn := range stores {
		t.Run(name, func(t *testing.T) {
			st, err := Open(ctx, dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })

			require.NoError(t, st.Add(ctx, Item{ID: "a", Line: "G28"}))
			require.NoError(t, st.Add(ctx, Item{ID: "b", Line: "G0 X10"}))
			require.NoError(t, st.Add(ctx, Item{ID: "c", Line: "M3"}))

			require.NoError(t, st.Remove(ctx, "b"))
			assert.ErrorIs(t, st.Remove(ctx, "b"), ErrNotFound)

			items, err := st.List(ctx)
			require.NoError(t, err)
			require.Len(t, items, 2)
			assert.Equal(t, "a", items[0].ID)
			assert.Equal(t, "c", items[1].ID)
			assert.Equal(t, "M3", items[1].Line)
		})
	}
}

func TestBufferAddSendsToRunner(t *testing.T) {
	ctx := context.Background()
	sender := &recordSender{ok: true}
	b := New(newMemStore(), session.New(session.InitOnce), sender, nil)

	it, sent, err := b.Add(ctx, "G1 X5\n")
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, "G1 X5", it.Line)

	require.Len(t, sender.sent, 1)
	env := sender.sent[0]
	assert.Equal(t, api.CmdBufferAdd, env.Command)
	got := api.BufferItemFrom(env.DataMap())
	assert.Equal(t, it.ID, got.ID)
	assert.Equal(t, "G1 X5", got.Line)

	pending, err := b.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBufferAddWithoutRunnerKeepsItem(t *testing.T) {
	ctx := context.Background()
	b := New(newMemStore(), session.New(session.InitOnce), &recordSender{}, nil)
	_, sent, err := b.Add(ctx, "M5")
	require.NoError(t, err)
	assert.False(t, sent)
	pending, err := b.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, _, err = b.Add(ctx, "   ")
	assert.Error(t, err)
}

func TestRemoveItemAndRunningFlag(t *testing.T) {
	ctx := context.Background()
	sess := session.New(session.InitOnce)
	b := New(newMemStore(), sess, nil, nil)
	it, _, err := b.Add(ctx, "G28")
	require.NoError(t, err)

	require.NoError(t, b.RemoveItem(ctx, it.ID))
	assert.ErrorIs(t, b.RemoveItem(ctx, it.ID), ErrNotFound)

	b.SetRunning(true)
	assert.True(t, b.Running())
	assert.True(t, sess.Running())
	b.SetRunning(false)
	assert.False(t, b.Running())
}

func TestReplayResendsPendingInOrder(t *testing.T) {
	ctx := context.Background()
	st, err := Open(ctx, "mem://")
	require.NoError(t, err)
	off := &recordSender{ok: false}
	b := New(st, session.New(session.InitOnce), off, nil)

	first, _, err := b.Add(ctx, "G28")
	require.NoError(t, err)
	second, _, err := b.Add(ctx, "G0 X1")
	require.NoError(t, err)

	on := &recordSender{ok: true}
	b.send = on
	n, err := b.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, on.sent, 2)
	assert.Equal(t, first.ID, api.BufferItemFrom(on.sent[0].DataMap()).ID)
	assert.Equal(t, second.ID, api.BufferItemFrom(on.sent[1].DataMap()).ID)

	b.send = off
	n, err = b.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
