// ABOUTME: Thread-safe TTL set of abandoned request ids with bounded size
// ABOUTME: Proxies mark ids on caller deadline and Take them when the late reply lands

package tombstone

import (
	"container/list"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long an abandoned id is remembered.
	DefaultTTL = 5 * time.Minute

	// DefaultMaxSize bounds the number of remembered ids.
	DefaultMaxSize = 4096
)

type entry struct {
	buried  time.Time
	element *list.Element
}

// Set holds request ids whose callers stopped waiting. Oldest ids are evicted
// first once the set is full.
type Set struct {
	mu      sync.Mutex
	ids     map[uint64]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a Set and starts its background sweeper. Non-positive ttl or
// maxSize fall back to the defaults.
func New(ttl time.Duration, maxSize int) *Set {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	s := &Set{
		ids:     make(map[uint64]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Bury records id as abandoned.
func (s *Set) Bury(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.ids[id]; ok {
		e.buried = now
		s.order.MoveToBack(e.element)
		return
	}
	if len(s.ids) >= s.maxSize {
		s.evictOldest()
	}
	s.ids[id] = &entry{buried: now, element: s.order.PushBack(id)}
}

// Take reports whether id was buried and not yet expired, and forgets it.
// A second Take for the same id returns false.
func (s *Set) Take(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.ids[id]
	if !ok {
		return false
	}
	s.order.Remove(e.element)
	delete(s.ids, id)
	return s.now().Sub(e.buried) < s.ttl
}

// Len returns the number of ids currently remembered, expired or not.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// evictOldest must be called with mu held.
func (s *Set) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(uint64)
	s.order.Remove(front)
	delete(s.ids, id)
}

func (s *Set) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expire()
		case <-s.done:
			return
		}
	}
}

// expire drops every id older than the TTL. Ids are buried in time order so
// the walk stops at the first fresh one.
func (s *Set) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		id, _ := front.Value.(uint64)
		if now.Sub(s.ids[id].buried) < s.ttl {
			return
		}
		s.order.Remove(front)
		delete(s.ids, id)
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (s *Set) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
