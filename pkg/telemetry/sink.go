package telemetry

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NullSink discards all events.
type NullSink struct{}

func NewNullSink() *NullSink {
	return &NullSink{}
}

func (n *NullSink) PublishEvent(ctx context.Context, event *Event) error {
	return nil
}

// WatermillSink publishes events as JSON messages on a watermill topic.
type WatermillSink struct {
	publisher message.Publisher
	topic     string
}

func NewWatermillSink(publisher message.Publisher, topic string) *WatermillSink {
	return &WatermillSink{
		publisher: publisher,
		topic:     topic,
	}
}

func (w *WatermillSink) PublishEvent(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "could not marshal telemetry event")
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", event.Type)
	if event.ID != "" {
		msg.Metadata.Set("prompt_id", event.ID)
	}

	if err := w.publisher.Publish(w.topic, msg); err != nil {
		return errors.Wrapf(err, "could not publish to topic %s", w.topic)
	}

	log.Trace().Str("topic", w.topic).Str("type", event.Type).Msg("published telemetry event")
	return nil
}

// RedisSink appends events to a redis stream, from which live subscribers fan out.
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

func NewRedisSink(client redis.UniversalClient, stream string, maxLen int64) *RedisSink {
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: maxLen,
	}
}

func (r *RedisSink) PublishEvent(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "could not marshal telemetry event")
	}

	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"type":      event.Type,
			"prompt_id": event.ID,
			"payload":   string(payload),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return errors.Wrapf(err, "could not append to stream %s", r.stream)
	}
	return nil
}

// MultiSink fans an event out to several sinks. Every sink is tried; the first error is returned.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) PublishEvent(ctx context.Context, event *Event) error {
	var first error
	for _, s := range m.sinks {
		if err := s.PublishEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Sink = (*NullSink)(nil)
	_ Sink = (*WatermillSink)(nil)
	_ Sink = (*RedisSink)(nil)
	_ Sink = (*MultiSink)(nil)
)
