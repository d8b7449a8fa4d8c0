// Package metrics exposes the broker's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the broker's metric set. All record methods are safe on a nil
// receiver so wiring metrics stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated      prometheus.Counter
	sessionsClosed       prometheus.Counter
	sessionsCancelled    prometheus.Counter
	sessionsReaped       prometheus.Counter
	reapFailures         prometheus.Counter
	offersSubmitted      prometheus.Counter
	answersSubmitted     prometheus.Counter
	duplicateSubmissions prometheus.Counter
	candidatesAppended   *prometheus.CounterVec
	candidatesDeduped    prometheus.Counter
	heartbeats           prometheus.Counter
	storeErrors          *prometheus.CounterVec
	pollRequests         *prometheus.CounterVec
	rateLimited          prometheus.Counter
}

// New registers the broker metrics on a fresh registry. A private registry
// (rather than prometheus.DefaultRegisterer) keeps repeated construction in
// tests safe.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_sessions_created_total",
			Help: "Signaling sessions created.",
		}),
		sessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_sessions_closed_total",
			Help: "Signaling sessions closed by a participant.",
		}),
		sessionsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_sessions_cancelled_total",
			Help: "Signaling sessions cancelled by the initiator before answer.",
		}),
		sessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_sessions_reaped_total",
			Help: "Expired or terminal sessions physically removed by the reaper.",
		}),
		reapFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_reap_failures_total",
			Help: "Per-session reaper deletion failures.",
		}),
		offersSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_offers_submitted_total",
			Help: "Offers accepted by the relay.",
		}),
		answersSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_answers_submitted_total",
			Help: "Answers accepted by the relay.",
		}),
		duplicateSubmissions: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_duplicate_submissions_total",
			Help: "Identical resubmissions absorbed as no-ops.",
		}),
		candidatesAppended: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_candidates_appended_total",
			Help: "ICE candidates appended, by submitting party.",
		}, []string{"party"}),
		candidatesDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_candidates_deduplicated_total",
			Help: "Candidate submissions dropped as fingerprint duplicates.",
		}),
		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_device_heartbeats_total",
			Help: "Device presence heartbeats received.",
		}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_store_errors_total",
			Help: "Store operation failures, by operation.",
		}, []string{"op"}),
		pollRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_poll_requests_total",
			Help: "Poll requests served, by endpoint and result.",
		}, []string{"endpoint", "result"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_poll_rate_limited_total",
			Help: "Poll requests rejected by the per-client rate limiter.",
		}),
	}
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (m *Metrics) Gather() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SessionCreated() {
	if m != nil {
		m.sessionsCreated.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsClosed.Inc()
	}
}

func (m *Metrics) SessionCancelled() {
	if m != nil {
		m.sessionsCancelled.Inc()
	}
}

func (m *Metrics) SessionsReaped(n int) {
	if m != nil && n > 0 {
		m.sessionsReaped.Add(float64(n))
	}
}

func (m *Metrics) ReapFailure() {
	if m != nil {
		m.reapFailures.Inc()
	}
}

func (m *Metrics) OfferSubmitted() {
	if m != nil {
		m.offersSubmitted.Inc()
	}
}

func (m *Metrics) AnswerSubmitted() {
	if m != nil {
		m.answersSubmitted.Inc()
	}
}

func (m *Metrics) DuplicateSubmission() {
	if m != nil {
		m.duplicateSubmissions.Inc()
	}
}

func (m *Metrics) CandidateAppended(party string) {
	if m != nil {
		m.candidatesAppended.WithLabelValues(party).Inc()
	}
}

func (m *Metrics) CandidateDeduplicated() {
	if m != nil {
		m.candidatesDeduped.Inc()
	}
}

func (m *Metrics) HeartbeatReceived() {
	if m != nil {
		m.heartbeats.Inc()
	}
}

func (m *Metrics) StoreError(op string) {
	if m != nil {
		m.storeErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) PollServed(endpoint, result string) {
	if m != nil {
		m.pollRequests.WithLabelValues(endpoint, result).Inc()
	}
}

func (m *Metrics) PollRateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}
