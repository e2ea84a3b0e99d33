package callbacks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireInvokesLiveHandler(t *testing.T) {
	r := NewRegistry(nil)
	var got []any
	id := r.Register(Handlers{Connect: func(d any) { got = append(got, d) }})

	live, ok := r.Live()
	require.True(t, ok)
	assert.Equal(t, id, live)

	assert.True(t, r.Fire(Connect, "port"))
	assert.Equal(t, []any{"port"}, got)
}

func TestFireAtMostOncePerOperation(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	r.Register(Handlers{Error: func(any) { calls++ }})
	assert.True(t, r.Fire(Error, nil))
	assert.False(t, r.Fire(Error, nil))
	assert.Equal(t, 1, calls)
}

func TestFireSkipsAbsentHandler(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.Fire(Success, nil))

	r.Register(Handlers{Connect: func(any) {}})
	assert.False(t, r.Fire(Success, nil))
	assert.False(t, r.Fire(Event("bogus"), nil))
}

func TestRegisterSupersedesPrevious(t *testing.T) {
	r := NewRegistry(nil)
	var first, second int
	old := r.Register(Handlers{Complete: func(any) { first++ }})
	r.Register(Handlers{Complete: func(any) { second++ }})

	assert.True(t, r.Fire(Complete, nil))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.False(t, r.Retire(old), "stale operation is not live")
}

func TestRetireStopsDelivery(t *testing.T) {
	r := NewRegistry(nil)
	calls := 0
	id := r.Register(Handlers{Disconnect: func(any) { calls++ }})
	assert.True(t, r.Retire(id))
	assert.False(t, r.Retire(id))
	_, ok := r.Live()
	assert.False(t, ok)

	assert.False(t, r.Fire(Disconnect, nil))
	assert.Equal(t, 0, calls)
}

func TestHandlerMayRegisterFromCallback(t *testing.T) {
	r := NewRegistry(nil)
	followUp := 0
	r.Register(Handlers{Success: func(any) {
		r.Register(Handlers{Success: func(any) { followUp++ }})
	}})
	assert.True(t, r.Fire(Success, nil))
	assert.True(t, r.Fire(Success, nil))
	assert.Equal(t, 1, followUp)
}
