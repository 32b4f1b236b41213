// ABOUTME: Proxy-side listener fan-out with a one-way readiness gate
// ABOUTME: Upstream subscription fires once, when every required category has a listener

package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/protocol"
)

// Category tags listeners. It equals the notification kind they observe.
type Category string

// ListenerID identifies one registered listener.
type ListenerID string

// Listener receives notifications on the proxy's mailbox goroutine.
type Listener func(protocol.Notification)

type listenerEntry struct {
	id ListenerID
	fn Listener
}

// ListenerRegistry holds a proxy's local observers.
//
// It starts Unsubscribed. The first Attach after which every required
// category has at least one listener moves it to Subscribed and calls the
// ready hook exactly once; Detach never moves it back. TearDown is final.
type ListenerRegistry struct {
	mu         sync.Mutex
	required   map[Category]struct{}
	attached   map[Category][]listenerEntry
	subscribed bool
	tornDown   bool
	onReady    func()
}

// NewListenerRegistry creates a registry gated on required. onReady runs
// outside the registry lock when the gate opens.
func NewListenerRegistry(required []Category, onReady func()) *ListenerRegistry {
	r := &ListenerRegistry{
		required: make(map[Category]struct{}, len(required)),
		attached: make(map[Category][]listenerEntry),
		onReady:  onReady,
	}
	for _, c := range required {
		r.required[c] = struct{}{}
	}
	return r
}

// Attach registers fn under category and may open the gate.
func (r *ListenerRegistry) Attach(category Category, fn Listener) (ListenerID, error) {
	if fn == nil {
		return "", ErrNilListener
	}

	r.mu.Lock()
	if r.tornDown {
		r.mu.Unlock()
		return "", protocol.ErrActorDead
	}
	id := ListenerID(uuid.New().String())
	r.attached[category] = append(r.attached[category], listenerEntry{id: id, fn: fn})

	ready := !r.subscribed && r.coversLocked()
	if ready {
		r.subscribed = true
	}
	onReady := r.onReady
	r.mu.Unlock()

	if ready && onReady != nil {
		onReady()
	}
	return id, nil
}

// coversLocked reports whether every required category has a listener.
func (r *ListenerRegistry) coversLocked() bool {
	for c := range r.required {
		if len(r.attached[c]) == 0 {
			return false
		}
	}
	return true
}

// Detach removes one listener. It reports whether id was registered under category.
func (r *ListenerRegistry) Detach(category Category, id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.attached[category]
	for i, e := range entries {
		if e.id != id {
			continue
		}
		r.attached[category] = append(entries[:i:i], entries[i+1:]...)
		if len(r.attached[category]) == 0 {
			delete(r.attached, category)
		}
		return true
	}
	return false
}

// Dispatch delivers n to the listeners of its category in registration
// order and returns how many ran. It does nothing before the gate opens or
// after TearDown.
func (r *ListenerRegistry) Dispatch(n protocol.Notification) int {
	r.mu.Lock()
	if !r.subscribed || r.tornDown {
		r.mu.Unlock()
		return 0
	}
	entries := append([]listenerEntry(nil), r.attached[Category(n.Kind)]...)
	r.mu.Unlock()

	for _, e := range entries {
		e.fn(n)
	}
	return len(entries)
}

// Subscribed reports whether the gate has opened.
func (r *ListenerRegistry) Subscribed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribed
}

// Count returns the number of listeners under category.
func (r *ListenerRegistry) Count(category Category) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attached[category])
}

// TearDown drops every listener and stops all further dispatch.
func (r *ListenerRegistry) TearDown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tornDown = true
	r.attached = make(map[Category][]listenerEntry)
}
