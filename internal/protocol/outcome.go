// ABOUTME: Outcome is the single result type carried by a Reply
// ABOUTME: Either a success payload or a typed Failure, never both

package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrorKind tags a Failure.
type ErrorKind string

const (
	ErrorActorDead         ErrorKind = "actor_dead"
	ErrorInvalidRequest    ErrorKind = "invalid_request"
	ErrorUnderlyingFailure ErrorKind = "underlying_failure"
	ErrorChannelClosed     ErrorKind = "channel_closed"
)

// Valid reports whether k is one of the known kinds.
func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorActorDead, ErrorInvalidRequest, ErrorUnderlyingFailure, ErrorChannelClosed:
		return true
	}
	return false
}

// Failure is the error half of an Outcome.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Outcome is Success(payload) or Failure(kind).
type Outcome struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Failure *Failure        `json:"failure,omitempty"`
}

// Success builds a successful Outcome around an already-encoded payload.
func Success(payload json.RawMessage) Outcome {
	return Outcome{Payload: payload}
}

// SuccessValue JSON-encodes v into a successful Outcome.
func SuccessValue(v any) (Outcome, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Outcome{}, fmt.Errorf("encoding payload: %w", err)
	}
	return Outcome{Payload: data}, nil
}

// Fail builds a failed Outcome.
func Fail(kind ErrorKind, code, message string) Outcome {
	return Outcome{Failure: &Failure{Kind: kind, Code: code, Message: message}}
}

// FailureFrom converts a Go error into a failed Outcome.
func FailureFrom(err error) Outcome {
	kind := KindOf(err)
	code := ""
	if kind == ErrorUnderlyingFailure {
		code = CodeOf(err)
	}
	return Fail(kind, code, err.Error())
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Failure == nil }

// Kind returns the failure kind, or "" for a success.
func (o Outcome) Kind() ErrorKind {
	if o.Failure == nil {
		return ""
	}
	return o.Failure.Kind
}

// Err returns nil for a success and an error matching the kind's sentinel otherwise.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	sentinel := o.Failure.Kind.Sentinel()
	switch {
	case o.Failure.Code != "" && o.Failure.Message != "":
		return fmt.Errorf("%w: %s: %s", sentinel, o.Failure.Code, o.Failure.Message)
	case o.Failure.Code != "":
		return fmt.Errorf("%w: %s", sentinel, o.Failure.Code)
	case o.Failure.Message != "":
		return fmt.Errorf("%w: %s", sentinel, o.Failure.Message)
	default:
		return sentinel
	}
}

// Decode unmarshals a success payload into v.
func (o Outcome) Decode(v any) error {
	if err := o.Err(); err != nil {
		return err
	}
	if len(o.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(o.Payload, v)
}

func (o Outcome) validate() error {
	if o.Failure == nil {
		return nil
	}
	if !o.Failure.Kind.Valid() {
		return fmt.Errorf("%w: unknown failure kind %q", ErrInvalidFrame, o.Failure.Kind)
	}
	if len(o.Payload) > 0 {
		return fmt.Errorf("%w: outcome carries both payload and failure", ErrInvalidFrame)
	}
	return nil
}
