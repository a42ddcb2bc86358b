package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// HTTPSink POSTs events to the inspection collaborator in the background.
// PublishEvent never blocks on the network; failures are logged.
type HTTPSink struct {
	url    string
	client *http.Client
	wg     sync.WaitGroup
}

type HTTPSinkOption func(*HTTPSink)

func WithHTTPClient(client *http.Client) HTTPSinkOption {
	return func(s *HTTPSink) {
		s.client = client
	}
}

func NewHTTPSink(url string, options ...HTTPSinkOption) *HTTPSink {
	ret := &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (s *HTTPSink) PublishEvent(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "could not marshal telemetry event")
	}

	// detached from the caller so that a finished generation doesn't cancel the post
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.post(ctx, payload); err != nil {
			log.Warn().Err(err).Str("url", s.url).Str("type", event.Type).Msg("could not post telemetry event")
		}
	}()
	return nil
}

func (s *HTTPSink) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("HTTP error! status: %d", resp.StatusCode)
	}
	return nil
}

// Close waits for in-flight posts.
func (s *HTTPSink) Close() error {
	s.wg.Wait()
	return nil
}

var _ Sink = (*HTTPSink)(nil)
