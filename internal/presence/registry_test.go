package presence

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	events [][]byte
	err    error
}

func (f *fakeHandle) Deliver(event []byte) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func TestBind_ReplacesPriorHandle(t *testing.T) {
	r := NewRegistry()
	first := &fakeHandle{}
	second := &fakeHandle{}

	assert.Nil(t, r.Bind("u1", first))
	replaced := r.Bind("u1", second)
	assert.Same(t, first, replaced)
	assert.Equal(t, 1, r.Count(), "one identity never holds two handles")

	delivered, err := r.Notify("u1", []byte("x"))
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Empty(t, first.events)
	assert.Len(t, second.events, 1)
}

func TestNotify_AbsentIsNoOp(t *testing.T) {
	r := NewRegistry()
	delivered, err := r.Notify("ghost", []byte("x"))
	assert.NoError(t, err)
	assert.False(t, delivered)
}

func TestNotify_DeliveryError(t *testing.T) {
	r := NewRegistry()
	r.Bind("u1", &fakeHandle{err: errors.New("closed")})

	delivered, err := r.Notify("u1", []byte("x"))
	assert.Error(t, err)
	assert.False(t, delivered)
}

func TestUnbindHandle_StaleHandleKeepsNewBinding(t *testing.T) {
	r := NewRegistry()
	old := &fakeHandle{}
	fresh := &fakeHandle{}

	r.Bind("u1", old)
	r.Bind("u1", fresh)

	// The old connection's disconnect cleanup races the reconnect.
	assert.False(t, r.UnbindHandle("u1", old))
	assert.True(t, r.IsOnline("u1"))

	assert.True(t, r.UnbindHandle("u1", fresh))
	assert.False(t, r.IsOnline("u1"))
}
