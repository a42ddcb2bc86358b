// Package program holds the program state: an ordered message log, the table of
// generation results keyed by answer key, the backend the generations run
// against and the optional debug context used for telemetry.
//
// Messages are built with the role constructors (System, User, Assistant) from
// parts (Text, Value, Await, Gen) and appended with Add or AddStream.
//
//	s := program.New(backend)
//	s.Add(ctx, s.System(program.Text("You are a helpful assistant.")))
//	s.Add(ctx, s.User(program.Text("Name a tall animal.")))
//	s.Add(ctx, s.Assistant(s.Gen("animal", nil)))
//	animal, _ := s.Get("animal")
//
// A State is not safe for concurrent use. Fork it and drive the forks concurrently instead.
package program

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/go-go-golems/enochian/pkg/telemetry"
	"github.com/go-go-golems/enochian/pkg/tools"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrMessageNotFound is returned by Update and Delete when no message is addressed by the id.
	ErrMessageNotFound = errors.New("no message with id")
	// ErrNoAnswer is returned when reading a structured answer that was never generated.
	ErrNoAnswer = errors.New("no answer")
)

type State struct {
	backend  backends.Backend
	messages conversation.Conversation
	answers  map[string]*backends.Result
	debug    *telemetry.DebugInfo
	sink     telemetry.Sink
}

type Option func(*State)

// WithMessages seeds the message log.
func WithMessages(msgs ...*conversation.Message) Option {
	return func(s *State) {
		s.messages = append(s.messages, conversation.Conversation(msgs).Clone()...)
	}
}

// WithDebugInfo sets the initial debug context.
func WithDebugInfo(d *telemetry.DebugInfo) Option {
	return func(s *State) {
		s.debug = d.Clone()
	}
}

// WithTelemetrySink sets where debug region events are delivered. Sinks that
// block are wrapped with telemetry.Async, so generations never wait on delivery.
// Without a sink, an HTTP sink posting to the debug context URL is created on first use.
func WithTelemetrySink(sink telemetry.Sink) Option {
	return func(s *State) {
		s.sink = telemetry.Async(sink)
	}
}

func New(backend backends.Backend, options ...Option) *State {
	ret := &State{
		backend:  backend,
		messages: conversation.Conversation{},
		answers:  map[string]*backends.Result{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (s *State) Backend() backends.Backend {
	return s.backend
}

// SetBackend swaps the backend used by subsequent generations.
func (s *State) SetBackend(b backends.Backend) *State {
	s.backend = b
	return s
}

// Messages returns a copy of the message log.
func (s *State) Messages() conversation.Conversation {
	return s.messages.Clone()
}

// Answers returns a copy of the answer table.
func (s *State) Answers() map[string]*backends.Result {
	ret := make(map[string]*backends.Result, len(s.answers))
	for k, v := range s.answers {
		ret[k] = v.Clone()
	}
	return ret
}

// AddMessages appends raw messages, applying options to each of them.
func (s *State) AddMessages(msgs conversation.Conversation, options ...conversation.MessageOption) *State {
	s.appendMessages(msgs.Clone(), options...)
	return s
}

func (s *State) appendMessages(msgs conversation.Conversation, options ...conversation.MessageOption) {
	for _, m := range msgs {
		m.Apply(options...)
		if m.Role == conversation.RoleSystem {
			m.CacheHint = true
		}
		s.messages = append(s.messages, m)
	}
}

// Get returns the text generated under key. When no such answer exists, it
// returns the concatenated content of the messages with ID key.
func (s *State) Get(key string) (string, bool) {
	if a, ok := s.answers[key]; ok && a.Text != "" {
		return a.Text, true
	}
	msgs := s.messages.WithID(key)
	if len(msgs) == 0 {
		return "", false
	}
	return msgs.Text(), true
}

// GetStructured validates the answer under key against schema and decodes it into out.
func (s *State) GetStructured(key string, schema string, out interface{}) error {
	text, ok := s.Get(key)
	if !ok {
		return errors.Wrapf(ErrNoAnswer, "%s", key)
	}

	res, err := gojsonschema.Validate(gojsonschema.NewStringLoader(schema), gojsonschema.NewStringLoader(text))
	if err != nil {
		return errors.Wrapf(err, "could not validate answer %s", key)
	}
	if !res.Valid() {
		msg := ""
		for i, e := range res.Errors() {
			if i > 0 {
				msg += "; "
			}
			msg += e.String()
		}
		return errors.Errorf("answer %s does not match the schema: %s", key, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal([]byte(text), out); err != nil {
		return errors.Wrapf(err, "could not decode answer %s", key)
	}
	return nil
}

// GetStructuredFor is GetStructured with the schema reflected from the type of out.
func (s *State) GetStructuredFor(key string, out interface{}) error {
	schema, err := tools.ReflectSchemaJSON(out)
	if err != nil {
		return err
	}
	return s.GetStructured(key, schema, out)
}

// GetToolDecisions returns the tool decisions of a tool-mediated generation.
func (s *State) GetToolDecisions(key string) ([]tools.Decision, error) {
	if a, ok := s.answers[key]; ok && a.ToolDecisions != nil {
		return append([]tools.Decision(nil), a.ToolDecisions...), nil
	}
	text, ok := s.Get(key)
	if !ok {
		return nil, errors.Wrapf(ErrNoAnswer, "%s", key)
	}
	return tools.DecodeDecisions(text)
}

// GetPrompt renders the whole message log the way the backend sees it.
func (s *State) GetPrompt() (string, error) {
	if s.backend == nil {
		return "", errors.New("no backend")
	}
	return s.backend.GetPrompt(s.messages)
}

func (s *State) GetMetaInfo(key string) (*backends.MetaInfo, bool) {
	a, ok := s.answers[key]
	if !ok || a.MetaInfo == nil {
		return nil, false
	}
	m := a.Clone().MetaInfo
	return m, true
}

// GetTokenCount counts the tokens of the whole message log.
func (s *State) GetTokenCount(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, errors.New("no backend")
	}
	return s.backend.TokenCount(ctx, s.messages)
}

func (s *State) recordAnswer(key string, r *backends.Result) {
	s.answers[key] = r
	if r.MetaInfo != nil {
		log.Debug().Str("key", key).
			Int("prompt_tokens", r.MetaInfo.PromptTokens).
			Int("completion_tokens", r.MetaInfo.CompletionTokens).
			Msg("recorded answer")
	}
}
