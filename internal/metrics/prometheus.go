// Package metrics holds the Prometheus collectors for the voice pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/satriahrh/duplex/domain/entities"
)

// Turn outcomes used as the outcome label.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Metrics contains all Prometheus metrics for the duplex service
type Metrics struct {
	// Session metrics
	ActiveSessions prometheus.Gauge
	ActiveTurns    prometheus.Gauge

	// Turn metrics
	Turns             *prometheus.CounterVec
	BargeIns          prometheus.Counter
	SynthesisFailures prometheus.Counter
	StageLatency      *prometheus.HistogramVec

	// VAD metrics
	VADFrames *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Passing a
// fresh registry keeps tests independent of the global one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duplex_active_sessions",
			Help: "Current number of registered sessions",
		}),
		ActiveTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "duplex_active_turns",
			Help: "Current number of running turn tasks",
		}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duplex_turns_total",
			Help: "Total number of finished turns by outcome",
		}, []string{"outcome"}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_barge_ins_total",
			Help: "Total number of confirmed barge-ins",
		}),
		SynthesisFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "duplex_synthesis_failures_total",
			Help: "Total number of sentences skipped after a synthesis failure",
		}),
		StageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "duplex_stage_latency_seconds",
			Help:    "Latency of each pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
		}, []string{"stage"}),
		VADFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "duplex_vad_frames_total",
			Help: "Total number of frames classified by the VAD",
		}, []string{"speech"}),
	}
}

// ObserveTurnLatency records the measured stages of one turn. Zero stages
// were not reached and are skipped.
func (m *Metrics) ObserveTurnLatency(l entities.TurnLatency) {
	if m == nil {
		return
	}
	observe := func(stage string, d time.Duration) {
		if d > 0 {
			m.StageLatency.WithLabelValues(stage).Observe(d.Seconds())
		}
	}
	observe("vad", l.VAD)
	observe("stt", l.STT)
	observe("llm", l.LLM)
	observe("tts", l.TTS)
	observe("e2e", l.E2E)
}

// TurnFinished records the outcome of a turn.
func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// VADFrame counts one classified frame.
func (m *Metrics) VADFrame(speech bool) {
	if m == nil {
		return
	}
	label := "false"
	if speech {
		label = "true"
	}
	m.VADFrames.WithLabelValues(label).Inc()
}

// TurnStarted and TurnEnded track the running-turn gauge.
func (m *Metrics) TurnStarted() {
	if m != nil {
		m.ActiveTurns.Inc()
	}
}

func (m *Metrics) TurnEnded() {
	if m != nil {
		m.ActiveTurns.Dec()
	}
}

// BargeIn counts one confirmed interruption.
func (m *Metrics) BargeIn() {
	if m != nil {
		m.BargeIns.Inc()
	}
}

// SynthesisFailed counts one skipped sentence.
func (m *Metrics) SynthesisFailed() {
	if m != nil {
		m.SynthesisFailures.Inc()
	}
}

// SetActiveSessions updates the session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.ActiveSessions.Set(float64(n))
	}
}
