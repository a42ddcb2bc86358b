package telemetry

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-go-golems/enochian/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Receiver struct {
	sink           Sink
	metrics        *metrics.Metrics
	metricsHandler http.Handler
}

type ReceiverOption func(*Receiver)

func WithReceiverMetrics(m *metrics.Metrics) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = m
	}
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) ReceiverOption {
	return func(r *Receiver) {
		r.metricsHandler = h
	}
}

// NewReceiver returns the HTTP endpoint that HTTPSink posts to. Accepted events
// are forwarded to sink.
func NewReceiver(sink Sink, options ...ReceiverOption) *Receiver {
	ret := &Receiver{sink: sink}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (rc *Receiver) Handler() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/prompt", rc.handlePrompt)
	if rc.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", rc.metricsHandler)
	}
	return r
}

type promptResponse struct {
	ID string `json:"id"`
}

func (rc *Receiver) handlePrompt(w http.ResponseWriter, r *http.Request) {
	e := &Event{}
	if err := json.NewDecoder(r.Body).Decode(e); err != nil {
		http.Error(w, "invalid event", http.StatusBadRequest)
		log.Warn().Err(err).Msg("could not decode telemetry event")
		return
	}
	if e.Type == "" {
		http.Error(w, "event type is required", http.StatusBadRequest)
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if err := rc.sink.PublishEvent(r.Context(), e); err != nil {
		http.Error(w, "could not store event", http.StatusInternalServerError)
		log.Error().Err(err).Str("type", e.Type).Msg("could not forward telemetry event")
		return
	}
	rc.metrics.EventReceived(e.Type)
	log.Debug().Str("type", e.Type).Str("id", e.ID).Int("requests", len(e.Requests)).Msg("received telemetry event")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(promptResponse{ID: e.ID})
}
