package telemetry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const DefaultAsyncQueueSize = 256

type queuedEvent struct {
	ctx   context.Context
	event *Event
}

// AsyncSink delivers events to the wrapped sink from a single background worker,
// in publish order. PublishEvent never waits on the wrapped sink: when the queue
// is full the event is dropped and logged.
type AsyncSink struct {
	sink Sink

	mu     sync.Mutex
	queue  chan queuedEvent
	closed bool
	done   chan struct{}
}

func NewAsyncSink(sink Sink, queueSize int) *AsyncSink {
	if queueSize <= 0 {
		queueSize = DefaultAsyncQueueSize
	}
	ret := &AsyncSink{
		sink:  sink,
		queue: make(chan queuedEvent, queueSize),
		done:  make(chan struct{}),
	}
	go ret.run()
	return ret
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for q := range a.queue {
		if err := a.sink.PublishEvent(q.ctx, q.event); err != nil {
			log.Warn().Err(err).Str("type", q.event.Type).Msg("could not deliver telemetry event")
		}
	}
}

func (a *AsyncSink) PublishEvent(ctx context.Context, event *Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		log.Debug().Str("type", event.Type).Msg("telemetry sink closed, dropping event")
		return nil
	}

	select {
	case a.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		log.Warn().Str("type", event.Type).Msg("telemetry queue full, dropping event")
	}
	return nil
}

// Close stops accepting events and waits until the queued ones are delivered.
func (a *AsyncSink) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

// Async returns sink wrapped in an AsyncSink, unless it already publishes without blocking.
func Async(sink Sink) Sink {
	switch sink.(type) {
	case nil, *AsyncSink, *HTTPSink, *NullSink:
		return sink
	}
	return NewAsyncSink(sink, DefaultAsyncQueueSize)
}

var _ Sink = (*AsyncSink)(nil)
