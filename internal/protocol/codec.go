// ABOUTME: JSON wire codec for Envelopes
// ABOUTME: Every encode and decode passes through Envelope.Validate

package protocol

import (
	"encoding/json"
	"fmt"
)

// MaxFrameSize bounds one encoded envelope.
const MaxFrameSize = 4 * 1024 * 1024

// Marshal validates and encodes one envelope.
func Marshal(env Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Unmarshal decodes and validates one envelope.
func Unmarshal(data []byte) (Envelope, error) {
	if len(data) > MaxFrameSize {
		return Envelope{}, ErrFrameTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
