// Package metrics is the optional Metrics component (SPEC_FULL.md
// §4.L): Prometheus counters/gauges for session and delivery activity
// across all three protocols, registered on a caller-supplied
// *prometheus.Registry so the core stays usable as a pure library when
// no registry is given.
//
// Grounded on infodancer-pop3d's internal/metrics/prometheus.go
// (per-concern Counter/CounterVec/Histogram fields registered in one
// constructor, Inc/Observe wrapper methods) generalized from POP3-only
// naming to the smtp/imap/pop3 label set this server needs.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter/gauge/histogram the three protocol
// servers report into. A nil *Metrics is valid and every method on it
// is a no-op, so callers that don't want metrics can simply not build
// one.
type Metrics struct {
	sessionsOpened    *prometheus.CounterVec
	sessionsActive    *prometheus.GaugeVec
	messagesDelivered *prometheus.CounterVec
	mailboxesTotal    prometheus.Gauge
	searchDuration    prometheus.Histogram
	fetchDuration     prometheus.Histogram
}

// New registers a full set of mailsink metrics on reg and returns the
// handle. Pass a nil reg to disable metrics: every method on the
// returned *Metrics becomes a no-op.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsink_sessions_opened_total",
			Help: "Total number of protocol sessions opened.",
		}, []string{"protocol"}),
		sessionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailsink_sessions_active",
			Help: "Number of currently open protocol sessions.",
		}, []string{"protocol"}),
		messagesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailsink_messages_delivered_total",
			Help: "Total number of messages delivered to a mailbox.",
		}, []string{"protocol"}),
		mailboxesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailsink_mailboxes",
			Help: "Number of mailboxes currently known to the store.",
		}),
		searchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailsink_search_duration_seconds",
			Help:    "Latency of IMAP SEARCH operations.",
			Buckets: prometheus.DefBuckets,
		}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailsink_fetch_duration_seconds",
			Help:    "Latency of IMAP FETCH operations.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.sessionsOpened,
		m.sessionsActive,
		m.messagesDelivered,
		m.mailboxesTotal,
		m.searchDuration,
		m.fetchDuration,
	)
	return m
}

func (m *Metrics) SessionOpened(protocol string) {
	if m == nil {
		return
	}
	m.sessionsOpened.WithLabelValues(protocol).Inc()
	m.sessionsActive.WithLabelValues(protocol).Inc()
}

func (m *Metrics) SessionClosed(protocol string) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(protocol).Dec()
}

func (m *Metrics) MessageDelivered(protocol string) {
	if m == nil {
		return
	}
	m.messagesDelivered.WithLabelValues(protocol).Inc()
}

func (m *Metrics) SetMailboxCount(n int) {
	if m == nil {
		return
	}
	m.mailboxesTotal.Set(float64(n))
}

func (m *Metrics) ObserveSearch(seconds float64) {
	if m == nil {
		return
	}
	m.searchDuration.Observe(seconds)
}

func (m *Metrics) ObserveFetch(seconds float64) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(seconds)
}
