// ABOUTME: Tests for the relay Prometheus collectors
// ABOUTME: Uses testutil to read counters back after recording

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Reply("ims", "ims.set_enabled", OutcomeOK)
	m.Reply("ims", "ims.set_enabled", OutcomeOK)
	m.Notification("ims", "ims.state", NotificationForwarded)
	m.StrayReply("ims-proxy", ReplyLate)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("ims", "ims.set_enabled", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("ims", "ims.state", NotificationForwarded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.strayReplies.WithLabelValues("ims-proxy", ReplyLate)))
}

func TestMetrics_TicketGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Ticket("ims", TicketCreated)
	m.Ticket("ims", TicketCreated)
	m.Ticket("ims", TicketCompleted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outstanding.WithLabelValues("ims")))

	m.Ticket("ims", TicketOrphaned)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.outstanding.WithLabelValues("ims")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tickets.WithLabelValues("ims", TicketCreated)))
}

func TestMetrics_Endpoints(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.EndpointUp("proxy")
	m.EndpointUp("proxy")
	m.EndpointDown("proxy")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.endpoints.WithLabelValues("proxy")))
}

func TestMetrics_RoundTripRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.RoundTrip("p", "op", 5*time.Millisecond)

	count, err := testutil.GatherAndCount(reg, "coven_relay_proxy_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Reply("h", "op", OutcomeOK)
		m.RoundTrip("p", "op", time.Second)
		m.Ticket("h", TicketCreated)
		m.Notification("h", "k", NotificationDropped)
		m.StrayReply("p", ReplyUnknown)
		m.EndpointUp("host")
		m.EndpointDown("host")
	})
}
