// ABOUTME: Tests for channel token minting, verification and the stream interceptor
// ABOUTME: The interceptor is driven with a fake ServerStream carrying incoming metadata

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func newVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier([]byte("test-secret-key-for-jwt-signing"))
	require.NoError(t, err)
	return v
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := newVerifier(t)

	t.Run("scoped token", func(t *testing.T) {
		token, err := v.Generate("ims-ui", []string{"ims"}, time.Hour)
		require.NoError(t, err)

		claims, err := v.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, "ims-ui", claims.Subject)
		assert.True(t, claims.Allows("ims"))
		assert.False(t, claims.Allows("pairing"))
		assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 5*time.Second)
	})

	t.Run("unscoped token grants everything", func(t *testing.T) {
		token, err := v.Generate("ops", nil, time.Hour)
		require.NoError(t, err)

		claims, err := v.Verify(token)
		require.NoError(t, err)
		assert.True(t, claims.Allows("pairing"))
	})

	t.Run("empty subject", func(t *testing.T) {
		_, err := v.Generate("", nil, time.Hour)
		assert.ErrorIs(t, err, ErrMissingClaim)
	})
}

func TestJWTVerifier_Rejects(t *testing.T) {
	v := newVerifier(t)
	other, err := NewJWTVerifier([]byte("different-secret"))
	require.NoError(t, err)
	foreign, err := other.Generate("ims-ui", nil, time.Hour)
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret-key-for-jwt-signing"))
	require.NoError(t, err)

	expired, err := v.Generate("ims-ui", nil, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrInvalidToken},
		{"garbage", "not-a-jwt-token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"missing subject", noSubject, ErrMissingClaim},
		{"expired", expired, ErrExpiredToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewJWTVerifier_EmptySecret(t *testing.T) {
	_, err := NewJWTVerifier(nil)
	assert.ErrorIs(t, err, ErrEmptySecret)
}

type fakeStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func TestStreamInterceptor(t *testing.T) {
	v := newVerifier(t)
	token, err := v.Generate("ims-ui", []string{"ims"}, time.Hour)
	require.NoError(t, err)

	intercept := StreamInterceptor(v, nil)

	run := func(ctx context.Context) (*Claims, error) {
		var got *Claims
		err := intercept(nil, &fakeStream{ctx: ctx}, &grpc.StreamServerInfo{}, func(_ any, ss grpc.ServerStream) error {
			got = FromContext(ss.Context())
			return nil
		})
		return got, err
	}

	t.Run("valid bearer", func(t *testing.T) {
		ctx := metadata.NewIncomingContext(t.Context(), metadata.Pairs("authorization", "Bearer "+token))
		claims, err := run(ctx)
		require.NoError(t, err)
		require.NotNil(t, claims)
		assert.Equal(t, "ims-ui", claims.Subject)
	})

	rejects := map[string]context.Context{
		"no metadata": t.Context(),
		"no header":   metadata.NewIncomingContext(t.Context(), metadata.Pairs("x-other", "1")),
		"not bearer":  metadata.NewIncomingContext(t.Context(), metadata.Pairs("authorization", "Basic abc")),
		"bad token":   metadata.NewIncomingContext(t.Context(), metadata.Pairs("authorization", "Bearer nope")),
	}
	for name, ctx := range rejects {
		t.Run(name, func(t *testing.T) {
			claims, err := run(ctx)
			assert.Nil(t, claims)
			assert.Equal(t, codes.Unauthenticated, status.Code(err))
		})
	}
}

func TestBearerToken(t *testing.T) {
	creds := BearerToken{Token: "abc"}
	md, err := creds.GetRequestMetadata(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", md["authorization"])
	assert.False(t, creds.RequireTransportSecurity())
	assert.True(t, BearerToken{Secure: true}.RequireTransportSecurity())
}

func TestFromContext_Missing(t *testing.T) {
	assert.Nil(t, FromContext(t.Context()))
}
