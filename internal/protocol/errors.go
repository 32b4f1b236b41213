// ABOUTME: Sentinel errors for the relay protocol and the opaque underlying-failure wrapper
// ABOUTME: Maps Go errors from services onto protocol ErrorKinds and back

package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrActorDead indicates an operation on an endpoint that has been torn down.
	ErrActorDead = errors.New("actor dead")

	// ErrInvalidRequest indicates an unknown or malformed operation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUnderlyingFailure indicates the real service reported an error.
	ErrUnderlyingFailure = errors.New("underlying failure")

	// ErrChannelClosed indicates the peer endpoint went away.
	ErrChannelClosed = errors.New("channel closed")

	// ErrInvalidFrame indicates a frame that failed decoding or validation.
	ErrInvalidFrame = errors.New("protocol: invalid frame")

	// ErrFrameTooLarge indicates an encoded envelope above MaxFrameSize.
	ErrFrameTooLarge = errors.New("protocol: frame too large")
)

// UnderlyingError carries an opaque failure code reported by a service.
type UnderlyingError struct {
	Code string
	Err  error
}

// Underlying wraps err with an opaque service failure code.
func Underlying(code string, err error) error {
	return &UnderlyingError{Code: code, Err: err}
}

func (e *UnderlyingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("underlying failure: %s", e.Code)
	}
	return fmt.Sprintf("underlying failure: %s: %v", e.Code, e.Err)
}

func (e *UnderlyingError) Unwrap() error { return e.Err }

// Is makes every UnderlyingError match ErrUnderlyingFailure.
func (e *UnderlyingError) Is(target error) bool {
	return target == ErrUnderlyingFailure
}

// CodeOf returns the opaque code attached to err, or "internal" when none is.
func CodeOf(err error) string {
	var ue *UnderlyingError
	if errors.As(err, &ue) && ue.Code != "" {
		return ue.Code
	}
	return "internal"
}

// Sentinel returns the error value matching an ErrorKind.
func (k ErrorKind) Sentinel() error {
	switch k {
	case ErrorActorDead:
		return ErrActorDead
	case ErrorInvalidRequest:
		return ErrInvalidRequest
	case ErrorChannelClosed:
		return ErrChannelClosed
	default:
		return ErrUnderlyingFailure
	}
}

// KindOf classifies a Go error into the protocol taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrActorDead):
		return ErrorActorDead
	case errors.Is(err, ErrInvalidRequest):
		return ErrorInvalidRequest
	case errors.Is(err, ErrChannelClosed):
		return ErrorChannelClosed
	default:
		return ErrorUnderlyingFailure
	}
}
