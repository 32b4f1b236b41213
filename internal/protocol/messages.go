// ABOUTME: Request, Reply, Notification and Subscribe frames plus the Envelope wrapping them
// ABOUTME: Envelope.Validate rejects frames whose body does not match their declared type

package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationKind tags a Request, e.g. "ims.set_enabled".
type OperationKind string

// NotificationKind tags a Notification, e.g. "pairing.request".
type NotificationKind string

// MessageType is the envelope discriminator.
type MessageType string

const (
	TypeRequest      MessageType = "request"
	TypeReply        MessageType = "reply"
	TypeNotification MessageType = "notification"
	TypeSubscribe    MessageType = "subscribe"
)

// Request is sent proxy -> host.
type Request struct {
	ID      uint64          `json:"id"`
	Op      OperationKind   `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reply is sent host -> proxy, once per Request.
type Reply struct {
	ID      uint64  `json:"id"`
	Outcome Outcome `json:"outcome"`
}

// Notification is a host -> proxy push. Snapshot notifications carry a JSON
// object whose fields replace the proxy's cached state fields.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	Snapshot bool             `json:"snapshot,omitempty"`
	Payload  json.RawMessage  `json:"payload,omitempty"`
}

// Subscribe asks the host to start forwarding gated notifications.
type Subscribe struct{}

// Envelope is the one frame type a channel carries.
type Envelope struct {
	Type         MessageType   `json:"type"`
	Request      *Request      `json:"request,omitempty"`
	Reply        *Reply        `json:"reply,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	Subscribe    *Subscribe    `json:"subscribe,omitempty"`
}

func NewRequest(id uint64, op OperationKind, payload json.RawMessage) Envelope {
	return Envelope{Type: TypeRequest, Request: &Request{ID: id, Op: op, Payload: payload}}
}

func NewReply(id uint64, outcome Outcome) Envelope {
	return Envelope{Type: TypeReply, Reply: &Reply{ID: id, Outcome: outcome}}
}

func NewNotification(n Notification) Envelope {
	return Envelope{Type: TypeNotification, Notification: &n}
}

func NewSubscribe() Envelope {
	return Envelope{Type: TypeSubscribe, Subscribe: &Subscribe{}}
}

// Validate checks that exactly the body matching Type is present and well formed.
func (e Envelope) Validate() error {
	bodies := 0
	for _, present := range []bool{e.Request != nil, e.Reply != nil, e.Notification != nil, e.Subscribe != nil} {
		if present {
			bodies++
		}
	}
	if bodies != 1 {
		return fmt.Errorf("%w: expected one body, got %d", ErrInvalidFrame, bodies)
	}

	switch e.Type {
	case TypeRequest:
		if e.Request == nil {
			return fmt.Errorf("%w: request frame without request body", ErrInvalidFrame)
		}
		if e.Request.ID == 0 {
			return fmt.Errorf("%w: missing request id", ErrInvalidFrame)
		}
		if strings.TrimSpace(string(e.Request.Op)) == "" {
			return fmt.Errorf("%w: missing op", ErrInvalidFrame)
		}
	case TypeReply:
		if e.Reply == nil {
			return fmt.Errorf("%w: reply frame without reply body", ErrInvalidFrame)
		}
		if e.Reply.ID == 0 {
			return fmt.Errorf("%w: missing reply id", ErrInvalidFrame)
		}
		if err := e.Reply.Outcome.validate(); err != nil {
			return err
		}
	case TypeNotification:
		if e.Notification == nil {
			return fmt.Errorf("%w: notification frame without notification body", ErrInvalidFrame)
		}
		if strings.TrimSpace(string(e.Notification.Kind)) == "" {
			return fmt.Errorf("%w: missing notification kind", ErrInvalidFrame)
		}
	case TypeSubscribe:
		if e.Subscribe == nil {
			return fmt.Errorf("%w: subscribe frame without subscribe body", ErrInvalidFrame)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, e.Type)
	}
	return nil
}

// String renders a short description for logs.
func (e Envelope) String() string {
	switch e.Type {
	case TypeRequest:
		if e.Request != nil {
			return fmt.Sprintf("request(%d, %s)", e.Request.ID, e.Request.Op)
		}
	case TypeReply:
		if e.Reply != nil {
			if e.Reply.Outcome.OK() {
				return fmt.Sprintf("reply(%d, ok)", e.Reply.ID)
			}
			return fmt.Sprintf("reply(%d, %s)", e.Reply.ID, e.Reply.Outcome.Kind())
		}
	case TypeNotification:
		if e.Notification != nil {
			return fmt.Sprintf("notification(%s)", e.Notification.Kind)
		}
	case TypeSubscribe:
		return "subscribe"
	}
	return string(e.Type)
}
