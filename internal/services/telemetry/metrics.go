// Package telemetry exports orchestrator metrics, ambient time series and inspection events.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeonardoBeccarini/smart_inspection/internal/model/entities"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	reg *prometheus.Registry

	sessions          *prometheus.CounterVec
	sessionSeconds    prometheus.Histogram
	toolCalls         *prometheus.CounterVec
	inferenceFailures prometheus.Counter
	sensorAbsent      *prometheus.CounterVec
	led               prometheus.Gauge
	fatal             prometheus.Gauge
	ambient           *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inspection_sessions_total",
			Help: "Inspection sessions by terminal outcome.",
		}, []string{"outcome"}),
		sessionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inspection_session_seconds",
			Help:    "Wall time from connect to terminal state.",
			Buckets: []float64{5, 10, 20, 30, 45, 60, 90, 120, 300},
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inspection_tool_calls_total",
			Help: "Routed model outputs by tool name (none for plain replies).",
		}, []string{"name"}),
		inferenceFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inspection_inference_failures_total",
			Help: "Inference calls that failed or timed out.",
		}),
		sensorAbsent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inspection_sensor_absent_total",
			Help: "Sensor reads reported absent.",
		}, []string{"source"}),
		led: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inspection_led_state",
			Help: "Indicator state (0 off, 1 green, 2 red).",
		}),
		fatal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inspection_fatal",
			Help: "1 while a landing fault is unacknowledged.",
		}),
		ambient: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "inspection_ambient",
			Help: "Last ambient reading by source.",
		}, []string{"source"}),
	}
	m.reg.MustRegister(
		m.sessions,
		m.sessionSeconds,
		m.toolCalls,
		m.inferenceFailures,
		m.sensorAbsent,
		m.led,
		m.fatal,
		m.ambient,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// SessionEnded records one finished session. outcome is "completed", "aborted" or a failure kind.
func (m *Metrics) SessionEnded(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(outcome).Inc()
	m.sessionSeconds.Observe(d.Seconds())
}

func (m *Metrics) ToolCall(name entities.ToolName) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(string(name)).Inc()
}

func (m *Metrics) InferenceFailure() {
	if m == nil {
		return
	}
	m.inferenceFailures.Inc()
}

func (m *Metrics) SensorAbsent(src entities.SensorSource) {
	if m == nil {
		return
	}
	m.sensorAbsent.WithLabelValues(string(src)).Inc()
}

func (m *Metrics) LED(s entities.LEDState) {
	if m == nil {
		return
	}
	switch s {
	case entities.LEDGreen:
		m.led.Set(1)
	case entities.LEDRed:
		m.led.Set(2)
	default:
		m.led.Set(0)
	}
}

func (m *Metrics) Fatal(on bool) {
	if m == nil {
		return
	}
	if on {
		m.fatal.Set(1)
	} else {
		m.fatal.Set(0)
	}
}

func (m *Metrics) Ambient(amb entities.Ambient) {
	if m == nil {
		return
	}
	for src, v := range amb {
		m.ambient.WithLabelValues(string(src)).Set(v)
	}
}
