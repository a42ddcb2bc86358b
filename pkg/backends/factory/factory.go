package factory

import (
	"context"
	"strings"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/backends/openai"
	"github.com/go-go-golems/enochian/pkg/backends/sgl"
	"github.com/go-go-golems/enochian/pkg/chattemplate"
	"github.com/go-go-golems/enochian/pkg/metrics"
	"github.com/go-go-golems/enochian/pkg/settings"
	"github.com/go-go-golems/enochian/pkg/telemetry"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// BackendFactory creates backends from settings, so that callers don't need to
// know about the individual protocol implementations.
type BackendFactory interface {
	// CreateBackend creates and binds a backend. For the local server this performs
	// the model info round trip.
	CreateBackend(ctx context.Context, s *settings.Settings) (backends.Backend, error)
	SupportedBackends() []string
	DefaultBackend() string
}

// StandardBackendFactory creates the local server and hosted API backends.
type StandardBackendFactory struct {
	// Metrics is shared by every created backend. Optional.
	Metrics *metrics.Metrics
	// Templates overrides the builtin template group of local server backends.
	Templates *chattemplate.Group
}

func NewStandardBackendFactory(m *metrics.Metrics) *StandardBackendFactory {
	return &StandardBackendFactory{Metrics: m}
}

func (f *StandardBackendFactory) CreateBackend(ctx context.Context, s *settings.Settings) (backends.Backend, error) {
	if s == nil {
		return nil, errors.New("settings cannot be nil")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	client := settings.NewClientSettings()
	if s.Client != nil {
		client = s.Client
	}
	bs := s.Backend

	switch settings.BackendType(strings.ToLower(string(bs.Type))) {
	case settings.BackendTypeSGL:
		options := []sgl.Option{
			sgl.WithHTTPClient(client.Client()),
			sgl.WithMetrics(f.Metrics),
			sgl.WithDefaultSampling(bs.Sampling),
		}
		if f.Templates != nil {
			options = append(options, sgl.WithTemplateGroup(f.Templates.Clone()))
		}
		b := sgl.New(options...)
		if err := b.SetModel(ctx, backends.ModelParams{URL: bs.URL}); err != nil {
			return nil, errors.Wrapf(err, "could not set model on %s", bs.URL)
		}
		return b, nil

	case settings.BackendTypeOpenAI:
		apiKey := bs.ResolvedAPIKey()
		if apiKey == "" {
			log.Warn().Msg("no API key configured for the hosted API")
		}
		options := []openai.Option{
			openai.WithHTTPClient(client.Client()),
			openai.WithMetrics(f.Metrics),
			openai.WithDefaultSampling(bs.Sampling),
		}
		if bs.URL != "" {
			options = append(options, openai.WithBaseURL(bs.URL))
		}
		if bs.Model != "" {
			options = append(options, openai.WithModel(bs.Model))
		}
		return openai.New(apiKey, options...), nil

	default:
		return nil, errors.Errorf("unsupported backend %s. Supported backends: %s",
			bs.Type, strings.Join(f.SupportedBackends(), ", "))
	}
}

func (f *StandardBackendFactory) SupportedBackends() []string {
	return []string{
		string(settings.BackendTypeSGL),
		string(settings.BackendTypeOpenAI),
	}
}

func (f *StandardBackendFactory) DefaultBackend() string {
	return string(settings.BackendTypeSGL)
}

var _ BackendFactory = (*StandardBackendFactory)(nil)

// CreateSink builds the telemetry sink described by ts: the collaborator's HTTP
// endpoint, plus a redis stream when an address is configured. Redis appends run
// on a background queue. A disabled configuration yields a NullSink.
func CreateSink(ts *settings.TelemetrySettings, client *settings.ClientSettings) (telemetry.Sink, func() error, error) {
	if ts == nil || !ts.Enabled {
		return telemetry.NewNullSink(), func() error { return nil }, nil
	}

	var httpOptions []telemetry.HTTPSinkOption
	if client != nil && client.HTTPClient != nil {
		httpOptions = append(httpOptions, telemetry.WithHTTPClient(client.HTTPClient))
	}
	httpSink := telemetry.NewHTTPSink(ts.DebugInfo().URL(), httpOptions...)
	if ts.RedisAddr == "" {
		return httpSink, httpSink.Close, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: ts.RedisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, errors.Wrapf(err, "could not connect to redis at %s", ts.RedisAddr)
	}
	sink := telemetry.NewAsyncSink(
		telemetry.NewMultiSink(httpSink, telemetry.NewRedisSink(rdb, ts.RedisStream, 10000)),
		telemetry.DefaultAsyncQueueSize,
	)
	closer := func() error {
		err := sink.Close()
		if cerr := httpSink.Close(); err == nil {
			err = cerr
		}
		if cerr := rdb.Close(); err == nil {
			err = cerr
		}
		return err
	}
	return sink, closer, nil
}
