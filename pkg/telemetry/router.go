package telemetry

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/enochian/pkg/helpers"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultTopic = "telemetry"

// Router delivers telemetry events published through its sink to the registered handlers,
// over an in-process watermill pubsub.
type Router struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	topic      string
}

type RouterOption func(*Router)

func WithLogger(logger watermill.LoggerAdapter) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithTopic(topic string) RouterOption {
	return func(r *Router) {
		r.topic = topic
	}
}

func WithVerbose(verbose bool) RouterOption {
	return func(r *Router) {
		if verbose {
			r.logger = helpers.NewWatermill(log.Logger)
		}
	}
}

func NewRouter(options ...RouterOption) (*Router, error) {
	ret := &Router{
		logger: watermill.NopLogger{},
		topic:  DefaultTopic,
	}
	for _, o := range options {
		o(ret)
	}

	goPubSub := helpers.NewGoChannel(ret.logger, true)
	ret.Publisher = goPubSub
	ret.Subscriber = goPubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, errors.Wrap(err, "could not create router")
	}
	ret.router = router

	return ret, nil
}

// Sink publishes events to the router's topic.
func (r *Router) Sink() *WatermillSink {
	return NewWatermillSink(r.Publisher, r.topic)
}

// AddHandler registers f for every event on the router's topic.
// Undecodable messages are logged and dropped.
func (r *Router) AddHandler(name string, f func(ctx context.Context, e *Event) error) {
	r.router.AddNoPublisherHandler(name, r.topic, r.Subscriber, func(msg *message.Message) error {
		e := &Event{}
		if err := json.Unmarshal(msg.Payload, e); err != nil {
			log.Warn().Err(err).Str("message_id", msg.UUID).Msg("could not decode telemetry event")
			return nil
		}
		return f(msg.Context(), e)
	})
}

// Run blocks until ctx is cancelled or the router is closed.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running is closed once the handlers are subscribed.
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

func (r *Router) Close() error {
	log.Debug().Msg("closing telemetry publisher")
	if err := r.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
	}

	log.Debug().Msg("closing telemetry router")
	if err := r.router.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close router")
		return err
	}
	return nil
}
