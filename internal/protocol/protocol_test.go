// ABOUTME: Tests for envelope validation, outcome error mapping and the JSON codec
// ABOUTME: Covers malformed frames and the failure taxonomy round trip

package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid request", env: NewRequest(1, "ims.get_state", nil)},
		{name: "valid reply", env: NewReply(7, Success(json.RawMessage(`{"ack":true}`)))},
		{name: "valid notification", env: NewNotification(Notification{Kind: "ims.state"})},
		{name: "valid subscribe", env: NewSubscribe()},
		{name: "request without id", env: NewRequest(0, "ims.get_state", nil), wantErr: true},
		{name: "request without op", env: NewRequest(3, "  ", nil), wantErr: true},
		{name: "reply without id", env: NewReply(0, Success(nil)), wantErr: true},
		{name: "notification without kind", env: NewNotification(Notification{}), wantErr: true},
		{name: "unknown type", env: Envelope{Type: "ping", Subscribe: &Subscribe{}}, wantErr: true},
		{name: "no body", env: Envelope{Type: TypeRequest}, wantErr: true},
		{
			name: "two bodies",
			env: Envelope{
				Type:      TypeRequest,
				Request:   &Request{ID: 1, Op: "x"},
				Subscribe: &Subscribe{},
			},
			wantErr: true,
		},
		{
			name:    "type mismatch",
			env:     Envelope{Type: TypeReply, Request: &Request{ID: 1, Op: "x"}},
			wantErr: true,
		},
		{
			name:    "reply with unknown failure kind",
			env:     NewReply(2, Fail("exploded", "", "")),
			wantErr: true,
		},
		{
			name: "reply with payload and failure",
			env: NewReply(2, Outcome{
				Payload: json.RawMessage(`1`),
				Failure: &Failure{Kind: ErrorInvalidRequest},
			}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidFrame)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestOutcomeErr(t *testing.T) {
	t.Run("success has no error", func(t *testing.T) {
		out, err := SuccessValue(map[string]bool{"ack": true})
		require.NoError(t, err)
		assert.True(t, out.OK())
		assert.NoError(t, out.Err())

		var decoded map[string]bool
		require.NoError(t, out.Decode(&decoded))
		assert.True(t, decoded["ack"])
	})

	t.Run("failure kinds map to sentinels", func(t *testing.T) {
		cases := map[ErrorKind]error{
			ErrorActorDead:         ErrActorDead,
			ErrorInvalidRequest:    ErrInvalidRequest,
			ErrorUnderlyingFailure: ErrUnderlyingFailure,
			ErrorChannelClosed:     ErrChannelClosed,
		}
		for kind, sentinel := range cases {
			out := Fail(kind, "", "")
			assert.False(t, out.OK())
			assert.Equal(t, kind, out.Kind())
			assert.ErrorIs(t, out.Err(), sentinel, "kind %s", kind)
		}
	})

	t.Run("decode of failure returns the failure", func(t *testing.T) {
		var v any
		err := Fail(ErrorActorDead, "", "").Decode(&v)
		assert.ErrorIs(t, err, ErrActorDead)
	})

	t.Run("code and message are preserved in error text", func(t *testing.T) {
		err := Fail(ErrorUnderlyingFailure, "radio_off", "modem unavailable").Err()
		assert.ErrorIs(t, err, ErrUnderlyingFailure)
		assert.Contains(t, err.Error(), "radio_off")
		assert.Contains(t, err.Error(), "modem unavailable")
	})
}

func TestFailureFrom(t *testing.T) {
	t.Run("underlying error keeps its code", func(t *testing.T) {
		out := FailureFrom(Underlying("sim_locked", errors.New("pin required")))
		require.NotNil(t, out.Failure)
		assert.Equal(t, ErrorUnderlyingFailure, out.Failure.Kind)
		assert.Equal(t, "sim_locked", out.Failure.Code)
	})

	t.Run("plain error becomes internal underlying failure", func(t *testing.T) {
		out := FailureFrom(errors.New("boom"))
		assert.Equal(t, ErrorUnderlyingFailure, out.Kind())
		assert.Equal(t, "internal", out.Failure.Code)
	})

	t.Run("wrapped sentinel keeps its kind", func(t *testing.T) {
		out := FailureFrom(errors.Join(ErrInvalidRequest, errors.New("bad payload")))
		assert.Equal(t, ErrorInvalidRequest, out.Kind())
		assert.Empty(t, out.Failure.Code)
	})
}

func TestCodec(t *testing.T) {
	t.Run("encodes the documented shape", func(t *testing.T) {
		data, err := Marshal(NewRequest(1, "ims.set_enabled", json.RawMessage(`{"enabled":true}`)))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"request","request":{"id":1,"op":"ims.set_enabled","payload":{"enabled":true}}}`, string(data))
	})

	t.Run("rejects invalid envelope on encode", func(t *testing.T) {
		_, err := Marshal(Envelope{Type: TypeReply})
		assert.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("rejects garbage on decode", func(t *testing.T) {
		_, err := Unmarshal([]byte("not json"))
		assert.ErrorIs(t, err, ErrInvalidFrame)
	})

	t.Run("rejects oversized frames", func(t *testing.T) {
		_, err := Unmarshal(make([]byte, MaxFrameSize+1))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("decodes a failure reply", func(t *testing.T) {
		env, err := Unmarshal([]byte(`{"type":"reply","reply":{"id":9,"outcome":{"failure":{"kind":"actor_dead"}}}}`))
		require.NoError(t, err)
		require.NotNil(t, env.Reply)
		assert.Equal(t, uint64(9), env.Reply.ID)
		assert.ErrorIs(t, env.Reply.Outcome.Err(), ErrActorDead)
	})
}
