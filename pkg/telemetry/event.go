package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultBaseURL = "http://localhost"
	DefaultPort    = 56765
)

// Request is one request/response pair as seen by the inspection collaborator.
// The request phase and the response phase are reported in separate events.
type Request struct {
	ID                string      `json:"id"`
	RequestPrompt     interface{} `json:"requestPrompt,omitempty"`
	RequestMetadata   interface{} `json:"requestMetadata,omitempty"`
	RequestTimestamp  string      `json:"requestTimestamp,omitempty"`
	ResponseContent   interface{} `json:"responseContent,omitempty"`
	ResponseMetadata  interface{} `json:"responseMetadata,omitempty"`
	ResponseTimestamp string      `json:"responseTimestamp,omitempty"`
}

// Event groups requests under a named debug region (Type) and prompt id.
type Event struct {
	Type     string    `json:"type"`
	ID       string    `json:"id,omitempty"`
	Requests []Request `json:"requests"`
}

// Sink receives telemetry events. Backends publish from the generation path, so
// sinks that do I/O are wrapped with Async before they are handed to a Region.
type Sink interface {
	PublishEvent(ctx context.Context, event *Event) error
}

// DebugInfo is the debug context carried by a program state.
type DebugInfo struct {
	BaseURL  string `json:"baseUrl" yaml:"base-url"`
	Port     int    `json:"port" yaml:"port"`
	Name     string `json:"debugName,omitempty" yaml:"name,omitempty"`
	PromptID string `json:"debugPromptID,omitempty" yaml:"prompt-id,omitempty"`
}

func NewDebugInfo() *DebugInfo {
	return &DebugInfo{
		BaseURL: DefaultBaseURL,
		Port:    DefaultPort,
	}
}

// URL is the collaborator endpoint events are POSTed to.
func (d *DebugInfo) URL() string {
	return fmt.Sprintf("%s:%d/api/prompt", d.BaseURL, d.Port)
}

func (d *DebugInfo) Clone() *DebugInfo {
	if d == nil {
		return nil
	}
	ret := *d
	return &ret
}

// Region is the telemetry context handed to a backend for one generation.
// A nil region disables telemetry.
type Region struct {
	Name     string
	PromptID string
	Sink     Sink
}

func (r *Region) Active() bool {
	return r != nil && r.Name != "" && r.Sink != nil
}

func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (r *Region) publish(ctx context.Context, requests []Request) {
	if !r.Active() {
		return
	}
	e := &Event{
		Type:     r.Name,
		ID:       r.PromptID,
		Requests: requests,
	}
	if err := r.Sink.PublishEvent(ctx, e); err != nil {
		log.Warn().Err(err).Str("region", r.Name).Msg("could not publish telemetry event")
	}
}

// RequestsSent reports the request phase, one entry per request id.
func (r *Region) RequestsSent(ctx context.Context, ids []string, prompts []interface{}, metadata interface{}) {
	if !r.Active() {
		return
	}
	ts := Timestamp()
	requests := make([]Request, 0, len(ids))
	for i, id := range ids {
		var prompt interface{}
		if i < len(prompts) {
			prompt = prompts[i]
		}
		requests = append(requests, Request{
			ID:               id,
			RequestPrompt:    prompt,
			RequestMetadata:  metadata,
			RequestTimestamp: ts,
		})
	}
	r.publish(ctx, requests)
}

// ResponseReceived reports the response phase of a request.
func (r *Region) ResponseReceived(ctx context.Context, id string, content interface{}, metadata interface{}) {
	if !r.Active() {
		return
	}
	r.publish(ctx, []Request{{
		ID:                id,
		ResponseContent:   content,
		ResponseMetadata:  metadata,
		ResponseTimestamp: Timestamp(),
	}})
}
