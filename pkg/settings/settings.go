package settings

import (
	"net/http"
	"os"
	"time"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/security"
	"github.com/go-go-golems/enochian/pkg/telemetry"
	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type BackendType string

const (
	BackendTypeSGL    BackendType = "sgl"
	BackendTypeOpenAI BackendType = "openai"
)

type ClientSettings struct {
	Timeout        *time.Duration `yaml:"timeout,omitempty"`
	TimeoutSeconds *int           `yaml:"timeout_second,omitempty"`
	UserAgent      *string        `yaml:"user_agent,omitempty"`
	HTTPClient     *http.Client   `yaml:"-" json:"-"`
}

// UnmarshalYAML reads timeout as a number of seconds.
func (cs *ClientSettings) UnmarshalYAML(value *yaml.Node) error {
	type Alias ClientSettings
	aux := &struct {
		Timeout *int `yaml:"timeout,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(cs),
	}
	if err := value.Decode(aux); err != nil {
		return err
	}
	if aux.Timeout != nil {
		t := time.Duration(*aux.Timeout) * time.Second
		cs.Timeout = &t
		cs.TimeoutSeconds = aux.Timeout
	}
	return nil
}

func (cs *ClientSettings) Clone() *ClientSettings {
	httpClient := cs.HTTPClient
	ret := clone.Clone(cs).(*ClientSettings)
	ret.HTTPClient = httpClient
	return ret
}

func NewClientSettings() *ClientSettings {
	defaultTimeout := 60 * time.Second
	seconds := int(defaultTimeout.Seconds())
	return &ClientSettings{
		Timeout:        &defaultTimeout,
		TimeoutSeconds: &seconds,
	}
}

type userAgentTransport struct {
	userAgent string
	base      http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.base.RoundTrip(req)
}

// Client returns the configured HTTP client, or builds one from the timeout and user agent.
func (cs *ClientSettings) Client() *http.Client {
	if cs.HTTPClient != nil {
		return cs.HTTPClient
	}
	ret := &http.Client{}
	if cs.Timeout != nil {
		ret.Timeout = *cs.Timeout
	}
	if cs.UserAgent != nil && *cs.UserAgent != "" {
		ret.Transport = &userAgentTransport{userAgent: *cs.UserAgent, base: http.DefaultTransport}
	}
	return ret
}

type BackendSettings struct {
	Type  BackendType `yaml:"type"`
	URL   string      `yaml:"url,omitempty"`
	Model string      `yaml:"model,omitempty"`
	// APIKey is only used by the hosted API. Falls back to $OPENAI_API_KEY.
	APIKey   string                  `yaml:"api-key,omitempty"`
	Sampling backends.SamplingParams `yaml:"sampling,omitempty"`
}

func (bs *BackendSettings) ResolvedAPIKey() string {
	if bs.APIKey != "" {
		return bs.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

type TelemetrySettings struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base-url,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	// RedisAddr additionally appends events to a redis stream when set.
	RedisAddr   string `yaml:"redis-addr,omitempty"`
	RedisStream string `yaml:"redis-stream,omitempty"`
}

func NewTelemetrySettings() *TelemetrySettings {
	return &TelemetrySettings{
		BaseURL:     telemetry.DefaultBaseURL,
		Port:        telemetry.DefaultPort,
		RedisStream: "enochian:telemetry",
	}
}

func (ts *TelemetrySettings) DebugInfo() *telemetry.DebugInfo {
	ret := telemetry.NewDebugInfo()
	if ts.BaseURL != "" {
		ret.BaseURL = ts.BaseURL
	}
	if ts.Port != 0 {
		ret.Port = ts.Port
	}
	return ret
}

type Settings struct {
	Backend   *BackendSettings   `yaml:"backend"`
	Client    *ClientSettings    `yaml:"client,omitempty"`
	Telemetry *TelemetrySettings `yaml:"telemetry,omitempty"`
}

func NewSettings() *Settings {
	return &Settings{
		Backend: &BackendSettings{
			Type: BackendTypeSGL,
			URL:  "http://localhost:30000",
		},
		Client:    NewClientSettings(),
		Telemetry: NewTelemetrySettings(),
	}
}

func (s *Settings) Clone() *Settings {
	var httpClient *http.Client
	if s.Client != nil {
		httpClient = s.Client.HTTPClient
	}
	ret := clone.Clone(s).(*Settings)
	if ret.Client != nil {
		ret.Client.HTTPClient = httpClient
	}
	return ret
}

func (s *Settings) Validate() error {
	if s.Backend == nil {
		return errors.New("missing backend settings")
	}
	switch s.Backend.Type {
	case BackendTypeSGL:
		if s.Backend.URL == "" {
			return errors.New("sgl backend needs a url")
		}
		if err := security.ValidateEndpoint(s.Backend.URL, security.EndpointPolicy{AllowInsecureRemote: true}); err != nil {
			return err
		}
	case BackendTypeOpenAI:
		// the api key travels with every request
		if s.Backend.URL != "" {
			if err := security.ValidateEndpoint(s.Backend.URL, security.EndpointPolicy{}); err != nil {
				return err
			}
		}
	default:
		return errors.Errorf("unknown backend type %q", s.Backend.Type)
	}
	if s.Telemetry != nil && s.Telemetry.Enabled {
		if err := security.ValidateEndpoint(s.Telemetry.DebugInfo().URL(), security.EndpointPolicy{AllowInsecureRemote: true}); err != nil {
			return errors.Wrap(err, "invalid telemetry endpoint")
		}
	}
	return nil
}

// LoadFromYAML overlays the YAML document onto the defaults.
func LoadFromYAML(b []byte) (*Settings, error) {
	ret := NewSettings()
	if err := yaml.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrap(err, "could not parse settings")
	}
	if ret.Client == nil {
		ret.Client = NewClientSettings()
	}
	if ret.Telemetry == nil {
		ret.Telemetry = NewTelemetrySettings()
	}
	return ret, ret.Validate()
}

func LoadFromFile(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", path)
	}
	return LoadFromYAML(b)
}
