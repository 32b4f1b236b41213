// ABOUTME: Tests for the in-memory pipe and the shared dispatcher
// ABOUTME: Covers ordering, early delivery, peer-closed signalling and send-after-close

package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	got    []protocol.Envelope
	closed chan error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1)}
}

func (r *recorder) onMessage(env protocol.Envelope) {
	r.mu.Lock()
	r.got = append(r.got, env)
	r.mu.Unlock()
}

func (r *recorder) onClosed(err error) { r.closed <- err }

func (r *recorder) snapshot() []protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Envelope(nil), r.got...)
}

func (r *recorder) waitFor(t *testing.T, n int) []protocol.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.snapshot()) >= n }, time.Second, 5*time.Millisecond)
	return r.snapshot()
}

func TestPipe_DeliversInSendOrder(t *testing.T) {
	a, b := NewPipe(nil)
	defer a.Close()
	defer b.Close()

	rec := newRecorder()
	b.OnMessage(rec.onMessage)

	for i := uint64(1); i <= 50; i++ {
		require.NoError(t, a.Send(t.Context(), protocol.NewRequest(i, "op", nil)))
	}

	got := rec.waitFor(t, 50)
	for i, env := range got {
		assert.Equal(t, uint64(i+1), env.Request.ID)
	}
}

func TestPipe_HoldsMessagesUntilHandlerInstalled(t *testing.T) {
	a, b := NewPipe(nil)
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Send(t.Context(), protocol.NewSubscribe()))
	require.NoError(t, a.Send(t.Context(), protocol.NewRequest(7, "op", nil)))

	rec := newRecorder()
	b.OnMessage(rec.onMessage)

	got := rec.waitFor(t, 2)
	assert.Equal(t, protocol.TypeSubscribe, got[0].Type)
	assert.Equal(t, uint64(7), got[1].Request.ID)
}

func TestPipe_PayloadIsCopied(t *testing.T) {
	a, b := NewPipe(nil)
	defer a.Close()
	defer b.Close()

	rec := newRecorder()
	b.OnMessage(rec.onMessage)

	payload := json.RawMessage(`{"enabled":true}`)
	require.NoError(t, a.Send(t.Context(), protocol.NewRequest(1, "op", payload)))
	copy(payload, `{"enabled":null}`)

	got := rec.waitFor(t, 1)
	assert.JSONEq(t, `{"enabled":true}`, string(got[0].Request.Payload))
}

func TestPipe_RejectsInvalidEnvelope(t *testing.T) {
	a, b := NewPipe(nil)
	defer a.Close()
	defer b.Close()

	err := a.Send(t.Context(), protocol.NewRequest(0, "op", nil))
	assert.ErrorIs(t, err, protocol.ErrInvalidFrame)
}

func TestPipe_PeerClosedAfterQueuedMessages(t *testing.T) {
	a, b := NewPipe(nil)
	defer b.Close()

	rec := newRecorder()
	var order []string
	var mu sync.Mutex
	b.OnPeerClosed(func(err error) {
		mu.Lock()
		order = append(order, "closed")
		mu.Unlock()
		rec.onClosed(err)
	})
	b.OnMessage(func(env protocol.Envelope) {
		mu.Lock()
		order = append(order, env.String())
		mu.Unlock()
	})

	require.NoError(t, a.Send(t.Context(), protocol.NewRequest(1, "op", nil)))
	require.NoError(t, a.Close())

	select {
	case err := <-rec.closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("peer-closed not signalled")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"request(1, op)", "closed"}, order)
}

func TestPipe_SendAfterClose(t *testing.T) {
	t.Run("own side closed", func(t *testing.T) {
		a, b := NewPipe(nil)
		defer b.Close()
		require.NoError(t, a.Close())
		assert.ErrorIs(t, a.Send(t.Context(), protocol.NewSubscribe()), ErrClosed)
	})

	t.Run("peer closed", func(t *testing.T) {
		a, b := NewPipe(nil)
		defer a.Close()
		require.NoError(t, b.Close())
		assert.ErrorIs(t, a.Send(t.Context(), protocol.NewSubscribe()), ErrClosed)
	})

	t.Run("close twice", func(t *testing.T) {
		a, b := NewPipe(nil)
		defer b.Close()
		require.NoError(t, a.Close())
		assert.NoError(t, a.Close())
	})
}

func TestPipe_SendHonoursContext(t *testing.T) {
	a, b := NewPipe(nil)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.Error(t, a.Send(ctx, protocol.NewSubscribe()))
}

func TestDispatcher_LateClosedHandlerStillFires(t *testing.T) {
	d := NewDispatcher("test", nil)
	defer d.Close()

	d.OnMessage(func(protocol.Envelope) {})
	d.PeerClosed(protocol.ErrChannelClosed)

	// Let the loop consume the closed event with no handler installed.
	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.closedSeen
	}, time.Second, 5*time.Millisecond)

	var got error
	d.OnPeerClosed(func(err error) { got = err })
	assert.ErrorIs(t, got, protocol.ErrChannelClosed)
}

func TestDispatcher_UnregisteredHandlerDrops(t *testing.T) {
	d := NewDispatcher("test", nil)
	defer d.Close()

	rec := newRecorder()
	d.OnMessage(rec.onMessage)
	d.Deliver(protocol.NewSubscribe())
	rec.waitFor(t, 1)

	d.OnMessage(nil)
	d.Deliver(protocol.NewSubscribe())
	d.PeerClosed(nil)

	closed := make(chan struct{})
	d.OnPeerClosed(func(error) { close(closed) })
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("peer-closed not signalled")
	}
	assert.Len(t, rec.snapshot(), 1)
}

func TestDispatcher_DeliverAfterPeerClosed(t *testing.T) {
	d := NewDispatcher("test", nil)
	defer d.Close()

	d.PeerClosed(nil)
	assert.False(t, d.Deliver(protocol.NewSubscribe()))
}
