// ABOUTME: Prometheus collectors for proxy and host endpoints
// ABOUTME: All methods are nil-safe so endpoints can run without a registry

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "coven_relay"

// Outcome label for a successful reply.
const OutcomeOK = "ok"

// Notification results.
const (
	NotificationForwarded = "forwarded"
	NotificationDropped   = "dropped"
	NotificationFannedOut = "fanned_out"
)

// Ticket states.
const (
	TicketCreated   = "created"
	TicketCompleted = "completed"
	TicketOrphaned  = "orphaned"
)

// Reply classifications for replies with no pending entry.
const (
	ReplyLate    = "late"
	ReplyUnknown = "unknown"
)

// Metrics holds the relay's collectors. A nil *Metrics records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	roundTrip     *prometheus.HistogramVec
	tickets       *prometheus.CounterVec
	outstanding   *prometheus.GaugeVec
	notifications *prometheus.CounterVec
	strayReplies  *prometheus.CounterVec
	endpoints     *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil reg skips registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "host",
				Name:      "requests_total",
				Help:      "Requests answered by hosts, by operation and outcome.",
			},
			[]string{"host", "op", "outcome"},
		),
		roundTrip: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "request_duration_seconds",
				Help:      "Time from Request to Reply as seen by the proxy.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"proxy", "op"},
		),
		tickets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "host",
				Name:      "tickets_total",
				Help:      "Request ticket transitions.",
			},
			[]string{"host", "state"},
		),
		outstanding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "host",
				Name:      "tickets_outstanding",
				Help:      "Tickets waiting for completion.",
			},
			[]string{"host"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notifications by endpoint, kind and result.",
			},
			[]string{"endpoint", "kind", "result"},
		),
		strayReplies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "stray_replies_total",
				Help:      "Replies that matched no pending request.",
			},
			[]string{"proxy", "reason"},
		),
		endpoints: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "endpoints_live",
				Help:      "Live relay endpoints by role.",
			},
			[]string{"role"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.requests,
			m.roundTrip,
			m.tickets,
			m.outstanding,
			m.notifications,
			m.strayReplies,
			m.endpoints,
		)
	}
	return m
}

// Reply counts one reply sent by host for op.
func (m *Metrics) Reply(host, op, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(host, op, outcome).Inc()
}

// RoundTrip observes the proxy-side latency of one request.
func (m *Metrics) RoundTrip(proxy, op string, d time.Duration) {
	if m == nil {
		return
	}
	m.roundTrip.WithLabelValues(proxy, op).Observe(d.Seconds())
}

// Ticket counts a ticket transition and keeps the outstanding gauge in step.
func (m *Metrics) Ticket(host, state string) {
	if m == nil {
		return
	}
	m.tickets.WithLabelValues(host, state).Inc()
	switch state {
	case TicketCreated:
		m.outstanding.WithLabelValues(host).Inc()
	case TicketCompleted, TicketOrphaned:
		m.outstanding.WithLabelValues(host).Dec()
	}
}

// Notification counts one notification at endpoint.
func (m *Metrics) Notification(endpoint, kind, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(endpoint, kind, result).Inc()
}

// StrayReply counts a reply with no pending entry.
func (m *Metrics) StrayReply(proxy, reason string) {
	if m == nil {
		return
	}
	m.strayReplies.WithLabelValues(proxy, reason).Inc()
}

// EndpointUp and EndpointDown track live endpoints by role.
func (m *Metrics) EndpointUp(role string) {
	if m == nil {
		return
	}
	m.endpoints.WithLabelValues(role).Inc()
}

func (m *Metrics) EndpointDown(role string) {
	if m == nil {
		return
	}
	m.endpoints.WithLabelValues(role).Dec()
}
