// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"distressguard/internal/model"
)

const namespace = "distressguard"

// Metrics holds all Prometheus metrics for the service. Every Record method
// is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Recognition
	FragmentsTotal     *prometheus.CounterVec
	RecognizerRestarts prometheus.Counter
	RecognizerErrors   *prometheus.CounterVec
	Listening          prometheus.Gauge

	// Detection and escalation
	DetectionsTotal  *prometheus.CounterVec
	TriggersTotal    *prometheus.CounterVec
	SuppressedTotal  *prometheus.CounterVec
	AlertState       *prometheus.GaugeVec
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Location
	LocationAcquisitions *prometheus.CounterVec
}

// New creates all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		FragmentsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_fragments_total",
			Help:      "Transcript fragments emitted by the transcription engine",
		}, []string{"kind"}),
		RecognizerRestarts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_restarts_total",
			Help:      "Automatic restarts of the recognition session",
		}),
		RecognizerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognizer_errors_total",
			Help:      "Errors reported by recognition sessions",
		}, []string{"kind"}),
		Listening: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listening",
			Help:      "1 while voice monitoring is logically listening",
		}),
		DetectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Distress keyword detections",
		}, []string{"keyword"}),
		TriggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalations started",
		}, []string{"cause"}),
		SuppressedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_suppressed_total",
			Help:      "Triggers ignored because an escalation was in progress",
		}, []string{"cause"}),
		AlertState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alert_state",
			Help:      "1 for the current escalation controller state",
		}, []string{"state"}),
		DispatchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Alert dispatch attempts by result",
		}, []string{"result"}),
		DispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Alert dispatch latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"result"}),
		LocationAcquisitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_acquisitions_total",
			Help:      "Location acquisitions by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordFragment(final bool) {
	if m == nil {
		return
	}
	kind := "partial"
	if final {
		kind = "final"
	}
	m.FragmentsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordRestart() {
	if m == nil {
		return
	}
	m.RecognizerRestarts.Inc()
}

func (m *Metrics) RecordRecognizerError(kind string) {
	if m == nil {
		return
	}
	m.RecognizerErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetListening(on bool) {
	if m == nil {
		return
	}
	if on {
		m.Listening.Set(1)
	} else {
		m.Listening.Set(0)
	}
}

func (m *Metrics) RecordDetection(keyword string) {
	if m == nil {
		return
	}
	m.DetectionsTotal.WithLabelValues(keyword).Inc()
}

func (m *Metrics) RecordTrigger(cause model.Cause, accepted bool) {
	if m == nil {
		return
	}
	if accepted {
		m.TriggersTotal.WithLabelValues(string(cause)).Inc()
		return
	}
	m.SuppressedTotal.WithLabelValues(string(cause)).Inc()
}

func (m *Metrics) SetAlertState(state model.AlertState) {
	if m == nil {
		return
	}
	for _, s := range []model.AlertState{model.AlertIdle, model.AlertEscalating, model.AlertCoolingDown} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.AlertState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) RecordDispatch(err error, seconds float64) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.DispatchTotal.WithLabelValues(result).Inc()
	m.DispatchDuration.WithLabelValues(result).Observe(seconds)
}

func (m *Metrics) RecordLocation(result string) {
	if m == nil {
		return
	}
	m.LocationAcquisitions.WithLabelValues(result).Inc()
}
