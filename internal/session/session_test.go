package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id     uint64
	closed bool
}

func (f *fakeHandle) ID() uint64   { return f.id }
func (f *fakeHandle) Close() error { f.closed = true; return nil }

func TestReplaceAndRelease(t *testing.T) {
	s := New(InitOnce)
	assert.Nil(t, s.Current())

	a, b := &fakeHandle{id: 1}, &fakeHandle{id: 2}
	assert.Nil(t, s.Replace(a))
	assert.Equal(t, a, s.Current())
	assert.Equal(t, a, s.Replace(b))
	assert.Equal(t, b, s.Current())

	// a is no longer current; releasing it must not drop b.
	assert.False(t, s.Release(a))
	assert.Equal(t, b, s.Current())
	assert.True(t, s.Release(b))
	assert.Nil(t, s.Current())
}

func TestTakeInitOnce(t *testing.T) {
	s := New(InitOnce)
	assert.Nil(t, s.TakeInit())

	calls := 0
	s.OnReady(func() { calls++ })
	for i := 0; i < 3; i++ {
		if fn := s.TakeInit(); fn != nil {
			fn()
		}
	}
	assert.Equal(t, 1, calls)
}

func TestTakeInitEvery(t *testing.T) {
	s := New(InitEveryReady)
	calls := 0
	s.OnReady(func() { calls++ })
	for i := 0; i < 3; i++ {
		if fn := s.TakeInit(); fn != nil {
			fn()
		}
	}
	assert.Equal(t, 3, calls)
}

func TestParseInitPolicy(t *testing.T) {
	p, err := ParseInitPolicy("every")
	require.NoError(t, err)
	assert.Equal(t, InitEveryReady, p)
	p, err = ParseInitPolicy("")
	require.NoError(t, err)
	assert.Equal(t, InitOnce, p)
	_, err = ParseInitPolicy("sometimes")
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	s := New(InitOnce)
	snap := s.Snapshot()
	assert.False(t, snap.Connected)
	assert.True(t, snap.Simulation)

	s.Replace(&fakeHandle{id: 7})
	s.SetRunning(true)
	s.SetSimulation(false)
	snap = s.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, uint64(7), snap.HandleID)
	assert.Equal(t, uint64(1), snap.Readies)
	assert.True(t, snap.Running)
	assert.False(t, snap.Simulation)
	assert.Equal(t, "once", snap.InitPolicy)
}
