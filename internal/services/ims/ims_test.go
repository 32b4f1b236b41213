// ABOUTME: Tests for the IMS service driven through a real proxy and host
// ABOUTME: Checks async tickets, snapshot state on the proxy and gated registration events

package ims

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/relay"
)

func newRelayed(t *testing.T, cfg relay.ProxyConfig) (*Service, *relay.Proxy) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := relay.NewRuntime(relay.Options{Logger: logger})
	proxyEnd, hostEnd := channel.NewPipe(logger)

	svc := New(Options{Delay: 5 * time.Millisecond, Logger: logger})
	h := relay.NewHost(rt, hostEnd, relay.HostConfig{Name: "ims-host"})
	require.NoError(t, h.Init(svc))

	cfg.Name = "ims-proxy"
	p := relay.NewProxy(rt, proxyEnd, cfg)
	t.Cleanup(func() {
		p.Shutdown()
		h.Shutdown()
		svc.Wait()
	})
	return svc, p
}

func TestIMS_GetState(t *testing.T) {
	_, p := newRelayed(t, relay.ProxyConfig{})
	require.NoError(t, p.Init())

	out, err := p.Call(t.Context(), OpGetState, nil)
	require.NoError(t, err)

	var state State
	require.NoError(t, out.Decode(&state))
	assert.Equal(t, State{Enabled: false, Registration: Unregistered, Profile: "default"}, state)
}

func TestIMS_SetEnabledIsAsyncAndUpdatesProxyState(t *testing.T) {
	svc, p := newRelayed(t, relay.ProxyConfig{})

	out, err := p.InitAndAwait(t.Context(), OpSetEnabled, map[string]bool{"enabled": true})
	require.NoError(t, err)

	var state State
	require.NoError(t, out.Decode(&state))
	assert.True(t, state.Enabled)
	assert.True(t, svc.State().Enabled)

	require.Eventually(t, func() bool {
		var enabled bool
		ok, err := p.StateField("enabled", &enabled)
		return ok && err == nil && enabled
	}, time.Second, 5*time.Millisecond)
}

func TestIMS_RegisterFlow(t *testing.T) {
	_, p := newRelayed(t, relay.ProxyConfig{
		RequiredCategories: []relay.Category{relay.Category(KindRegistration)},
	})
	require.NoError(t, p.Init())

	out, err := p.Call(t.Context(), OpRegister, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.ErrorUnderlyingFailure, out.Kind())
	assert.Equal(t, "ims_disabled", out.Failure.Code)

	var (
		mu     sync.Mutex
		states []string
	)
	_, err = p.RegisterListener(relay.Category(KindRegistration), func(n protocol.Notification) {
		var ev RegistrationEvent
		assert.NoError(t, json.Unmarshal(n.Payload, &ev))
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})
	require.NoError(t, err)

	out, err = p.Call(t.Context(), OpSetEnabled, map[string]bool{"enabled": true})
	require.NoError(t, err)
	require.True(t, out.OK())

	out, err = p.Call(t.Context(), OpRegister, nil)
	require.NoError(t, err)
	var state State
	require.NoError(t, out.Decode(&state))
	assert.Equal(t, Registered, state.Registration)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{Registering, Registered}, states)
	mu.Unlock()

	var reg string
	ok, err := p.StateField("registration", &reg)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Registered, reg)

	out, err = p.Call(t.Context(), OpRegister, nil)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", out.Failure.Code)
}

func TestIMS_InvalidRequests(t *testing.T) {
	_, p := newRelayed(t, relay.ProxyConfig{})
	require.NoError(t, p.Init())

	tests := []struct {
		name    string
		op      protocol.OperationKind
		payload any
	}{
		{"empty profile", OpSetProfile, map[string]string{"profile": ""}},
		{"missing enabled", OpSetEnabled, map[string]string{}},
		{"malformed payload", OpSetEnabled, json.RawMessage(`{"enabled":"yes"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.Call(t.Context(), tt.op, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, protocol.ErrorInvalidRequest, out.Kind())
		})
	}
}

func TestIMS_SetProfile(t *testing.T) {
	svc, p := newRelayed(t, relay.ProxyConfig{})
	require.NoError(t, p.Init())

	out, err := p.Call(t.Context(), OpSetProfile, map[string]string{"profile": "volte"})
	require.NoError(t, err)
	require.True(t, out.OK())
	assert.Equal(t, "volte", svc.State().Profile)

	require.Eventually(t, func() bool {
		var profile string
		ok, _ := p.StateField("profile", &profile)
		return ok && profile == "volte"
	}, time.Second, 5*time.Millisecond)
}

func TestIMS_DisableDropsRegistration(t *testing.T) {
	svc := New(Options{})
	svc.setEnabled(true)
	svc.state.Registration = Registered

	rec := &recorder{}
	svc.Subscribe(rec)
	state := svc.setEnabled(false)

	assert.Equal(t, Unregistered, state.Registration)
	assert.Equal(t, []protocol.NotificationKind{KindState, KindRegistration}, rec.kinds)

	svc.Unsubscribe(rec)
	svc.setEnabled(true)
	assert.Len(t, rec.kinds, 2)
}

type recorder struct{ kinds []protocol.NotificationKind }

func (r *recorder) OnUnderlyingEvent(ev relay.Event) { r.kinds = append(r.kinds, ev.Kind) }

func TestIMS_RegisterAbandonedWhenHostGoes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := relay.NewRuntime(relay.Options{Logger: logger})
	svc := New(Options{Delay: time.Hour, Logger: logger})
	svc.setEnabled(true)

	pair := func(name string) (*relay.Proxy, *relay.Host) {
		proxyEnd, hostEnd := channel.NewPipe(logger)
		h := relay.NewHost(rt, hostEnd, relay.HostConfig{Name: name + "-host"})
		require.NoError(t, h.Init(svc))
		p := relay.NewProxy(rt, proxyEnd, relay.ProxyConfig{Name: name + "-proxy"})
		require.NoError(t, p.Init())
		t.Cleanup(func() {
			p.Shutdown()
			h.Shutdown()
		})
		return p, h
	}

	first, firstHost := pair("first")
	_, err := first.Request(OpRegister, nil, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return svc.State().Registration == Registering }, time.Second, 5*time.Millisecond)

	first.Shutdown()
	require.Eventually(t, func() bool { return !firstHost.Live() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return svc.State().Registration == Unregistered }, time.Second, 5*time.Millisecond)
	svc.Wait()

	svc.delay = 5 * time.Millisecond
	second, _ := pair("second")
	out, err := second.Call(t.Context(), OpRegister, nil)
	require.NoError(t, err)
	require.True(t, out.OK(), "register after an abandoned attempt: %v", out.Err())

	var state State
	require.NoError(t, out.Decode(&state))
	assert.Equal(t, Registered, state.Registration)
	svc.Wait()
}
