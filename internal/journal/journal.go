// ABOUTME: Journal interface and entry types for relay lifecycle events
// ABOUTME: Shared by the SQLite, in-memory and discard implementations

package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned by a journal used after Close.
var ErrClosed = errors.New("journal closed")

// EventType categorizes a journal entry.
type EventType string

const (
	EventTicketCreated         EventType = "ticket_created"
	EventTicketCompleted       EventType = "ticket_completed"
	EventTicketOrphaned        EventType = "ticket_orphaned"
	EventNotificationForwarded EventType = "notification_forwarded"
	EventNotificationDropped   EventType = "notification_dropped"
	EventEndpointUp            EventType = "endpoint_up"
	EventEndpointDown          EventType = "endpoint_down"
)

// Entry is one recorded event.
type Entry struct {
	ID        string
	Endpoint  string    // endpoint name, e.g. "ims-host"
	Type      EventType
	RequestID uint64    // zero when not tied to a request
	Kind      string    // operation or notification kind
	Detail    string
	Timestamp time.Time
}

// ListParams filters List. Zero values match everything; Limit defaults to 100.
type ListParams struct {
	Endpoint string
	Type     EventType
	Limit    int
}

// Journal stores entries in record order.
type Journal interface {
	Record(ctx context.Context, e *Entry) error
	List(ctx context.Context, p ListParams) ([]Entry, error)
	Close() error
}

const defaultLimit = 100

// prepare fills the ID and timestamp of e when unset.
func prepare(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

func (p ListParams) limit() int {
	if p.Limit <= 0 {
		return defaultLimit
	}
	return p.Limit
}

func (p ListParams) matches(e Entry) bool {
	if p.Endpoint != "" && e.Endpoint != p.Endpoint {
		return false
	}
	if p.Type != "" && e.Type != p.Type {
		return false
	}
	return true
}

// Discard is a Journal that keeps nothing.
type Discard struct{}

func (Discard) Record(context.Context, *Entry) error                { return nil }
func (Discard) List(context.Context, ListParams) ([]Entry, error) { return nil, nil }
func (Discard) Close() error                                        { return nil }
