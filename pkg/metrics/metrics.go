package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the generation counters recorded by the backends.
// A nil *Metrics records nothing.
type Metrics struct {
	Requests *prometheus.CounterVec
	Tokens   *prometheus.CounterVec
	Errors   *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	// Events counts telemetry events accepted by the receiver.
	Events *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enochian_generation_requests_total",
				Help: "Total number of generation requests",
			},
			[]string{"backend", "mode"},
		),
		Tokens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enochian_generation_tokens_total",
				Help: "Total number of prompt and completion tokens",
			},
			[]string{"backend", "direction"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enochian_generation_errors_total",
				Help: "Total number of failed generation requests",
			},
			[]string{"backend"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enochian_generation_duration_seconds",
				Help:    "Duration of generation requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enochian_telemetry_events_total",
				Help: "Total number of telemetry events received",
			},
			[]string{"type"},
		),
	}
}

// Register registers all collectors with r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Requests, m.Tokens, m.Errors, m.Duration, m.Events} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Observation tracks one request. Call Done once the request has finished.
type Observation struct {
	m       *Metrics
	backend string
	start   time.Time
}

func (m *Metrics) Start(backend string, mode string) *Observation {
	if m == nil {
		return nil
	}
	m.Requests.WithLabelValues(backend, mode).Inc()
	return &Observation{m: m, backend: backend, start: time.Now()}
}

func (o *Observation) Done(promptTokens, completionTokens int, err error) {
	if o == nil {
		return
	}
	o.m.Duration.WithLabelValues(o.backend).Observe(time.Since(o.start).Seconds())
	if err != nil {
		o.m.Errors.WithLabelValues(o.backend).Inc()
		return
	}
	if promptTokens > 0 {
		o.m.Tokens.WithLabelValues(o.backend, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		o.m.Tokens.WithLabelValues(o.backend, "completion").Add(float64(completionTokens))
	}
}

// EventReceived counts one telemetry event of the given debug region type.
func (m *Metrics) EventReceived(eventType string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(eventType).Inc()
}
