package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsis_agent"

// Metrics holds agent Prometheus collectors on a private registry.
// All methods are safe on a nil receiver so components may run unmetered.
type Metrics struct {
	registry *prometheus.Registry

	SnapshotsTotal      prometheus.Counter
	SnapshotsInvalid    prometheus.Counter
	DetectionsTotal     *prometheus.CounterVec
	EscalationsTotal    *prometheus.CounterVec
	RemediationsTotal   *prometheus.CounterVec
	RejectionsTotal     *prometheus.CounterVec
	SuppressionsTotal   *prometheus.CounterVec
	TrackerEventsTotal  *prometheus.CounterVec
	FlappingResources   prometheus.Gauge
	PublishErrorsTotal  prometheus.Counter
	PersistErrorsTotal  *prometheus.CounterVec
	StepValidationFails *prometheus.CounterVec
}

// NewMetrics creates registry with Go/process collectors and agent counters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of metrics snapshots analysed",
		}),
		SnapshotsInvalid: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_invalid_total",
			Help:      "Total number of metrics snapshots rejected by decode or validation",
		}),
		DetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Best-match detections by signature family",
		}, []string{"signature"}),
		EscalationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations sent to the controller by trigger",
		}, []string{"reason"}),
		RemediationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remediations_total",
			Help:      "Local remediation outcomes",
		}, []string{"outcome"}),
		RejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verification_rejections_total",
			Help:      "Inbound messages rejected by signature verification",
		}, []string{"reason"}),
		SuppressionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressions_total",
			Help:      "Incidents suppressed before action by cause",
		}, []string{"cause"}),
		TrackerEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracker_events_total",
			Help:      "State tracker events by type",
		}, []string{"type"}),
		FlappingResources: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flapping_resources",
			Help:      "Resources currently marked as flapping",
		}),
		PublishErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Outbound controller publish failures",
		}),
		PersistErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Document persistence failures by document",
		}, []string{"document"}),
		StepValidationFails: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_validation_failures_total",
			Help:      "Remediation or diagnostic steps blocked by pattern",
		}, []string{"pattern"}),
	}
}

// Handler exposes the private registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the private registry for tests and gatherers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncSnapshot counts one analysed snapshot.
func (m *Metrics) IncSnapshot() {
	if m == nil {
		return
	}
	m.SnapshotsTotal.Inc()
}

// IncSnapshotInvalid counts one rejected snapshot.
func (m *Metrics) IncSnapshotInvalid() {
	if m == nil {
		return
	}
	m.SnapshotsInvalid.Inc()
}

// IncDetection counts best-match detection.
func (m *Metrics) IncDetection(signatureFamily string) {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(signatureFamily).Inc()
}

// IncEscalation counts escalation by trigger reason.
func (m *Metrics) IncEscalation(reason string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(reason).Inc()
}

// IncRemediation counts remediation outcome (success, failure, blocked).
func (m *Metrics) IncRemediation(outcome string) {
	if m == nil {
		return
	}
	m.RemediationsTotal.WithLabelValues(outcome).Inc()
}

// IncRejection counts verification rejection by reason.
func (m *Metrics) IncRejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// IncSuppression counts suppressed incident by cause.
func (m *Metrics) IncSuppression(cause string) {
	if m == nil {
		return
	}
	m.SuppressionsTotal.WithLabelValues(cause).Inc()
}

// IncTrackerEvent counts tracker event by type.
func (m *Metrics) IncTrackerEvent(eventType string) {
	if m == nil {
		return
	}
	m.TrackerEventsTotal.WithLabelValues(eventType).Inc()
}

// SetFlapping sets number of flapping resources.
func (m *Metrics) SetFlapping(count int) {
	if m == nil {
		return
	}
	m.FlappingResources.Set(float64(count))
}

// IncPublishError counts outbound publish failure.
func (m *Metrics) IncPublishError() {
	if m == nil {
		return
	}
	m.PublishErrorsTotal.Inc()
}

// IncPersistError counts persistence failure for document.
func (m *Metrics) IncPersistError(document string) {
	if m == nil {
		return
	}
	m.PersistErrorsTotal.WithLabelValues(document).Inc()
}

// IncStepValidationFailure counts blocked step by pattern name.
func (m *Metrics) IncStepValidationFailure(pattern string) {
	if m == nil {
		return
	}
	m.StepValidationFails.WithLabelValues(pattern).Inc()
}
