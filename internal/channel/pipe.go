// ABOUTME: In-memory Channel pair for same-process proxy/host wiring and tests
// ABOUTME: Every Send is encoded and decoded so endpoints never share payload memory

package channel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/2389/coven-relay/internal/protocol"
)

// pipeEnd is one side of an in-memory pipe.
type pipeEnd struct {
	name string
	disp *Dispatcher
	peer *pipeEnd

	mu     sync.Mutex
	closed bool
}

// NewPipe returns two connected endpoints; what one sends the other receives.
func NewPipe(logger *slog.Logger) (Channel, Channel) {
	a := &pipeEnd{name: "pipe-a", disp: NewDispatcher("pipe-a", logger)}
	b := &pipeEnd{name: "pipe-b", disp: NewDispatcher("pipe-b", logger)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeEnd) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pipeEnd) Send(ctx context.Context, env protocol.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.isClosed() || p.peer.isClosed() {
		return ErrClosed
	}
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	decoded, err := protocol.Unmarshal(data)
	if err != nil {
		return err
	}
	if !p.peer.disp.Deliver(decoded) {
		return ErrClosed
	}
	return nil
}

func (p *pipeEnd) OnMessage(h Handler)          { p.disp.OnMessage(h) }
func (p *pipeEnd) OnPeerClosed(h ClosedHandler) { p.disp.OnPeerClosed(h) }

func (p *pipeEnd) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.disp.Close()
	p.peer.disp.PeerClosed(nil)
	return nil
}
