package program

import (
	"context"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/go-go-golems/enochian/pkg/program/transforms"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// GenOptions configures one generation part.
type GenOptions struct {
	backends.GenOptions

	// Transform rewrites the messages between the cached prefix and the last
	// message before they are sent. The backend counts the tokens.
	Transform transforms.Transform
}

type genPart struct {
	key  string
	opts *GenOptions
	err  error
}

// Gen is a part generated by the backend when the composition is added. The
// result is recorded under key and the generated message gets key as ID and GenID.
// With opts.Stream set, the composition becomes Streamed.
//
// Invalid options are reported when the composition is added, before any request is made.
func (s *State) Gen(key string, opts *GenOptions) Part {
	if opts == nil {
		opts = &GenOptions{}
	}
	g := &genPart{key: key, opts: opts}
	switch {
	case key == "":
		g.err = errors.Wrap(backends.ErrUsage, "answer key cannot be empty")
	default:
		if err := opts.GenOptions.Validate(); err != nil {
			g.err = errors.Wrapf(err, "invalid options for %s", key)
		}
	}
	return Part{kind: partGen, gen: g}
}

// prepare builds the backend request for g from the messages it sees.
func (s *State) prepare(ctx context.Context, g *genPart, msgs conversation.Conversation) (conversation.Conversation, *backends.GenOptions, error) {
	if s.backend == nil {
		return nil, nil, errors.New("no backend")
	}
	msgs, err := s.transform(ctx, g.opts.Transform, msgs)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not transform messages for %s", g.key)
	}
	opts := g.opts.GenOptions.Clone()
	opts.Debug = s.region()
	return msgs, opts, nil
}

func (s *State) generate(ctx context.Context, role conversation.Role, g *genPart, msgs conversation.Conversation) (*conversation.Message, error) {
	msgs, opts, err := s.prepare(ctx, g, msgs)
	if err != nil {
		return nil, err
	}
	r, err := s.backend.Generate(ctx, msgs, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "could not generate %s", g.key)
	}
	s.recordAnswer(g.key, r)
	return generatedMessage(role, g.key, r.Text), nil
}

func (s *State) openStream(ctx context.Context, g *genPart, msgs conversation.Conversation) (*backends.Stream, error) {
	msgs, opts, err := s.prepare(ctx, g, msgs)
	if err != nil {
		return nil, err
	}
	opts.Stream = true
	st, err := s.backend.Stream(ctx, msgs, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "could not stream %s", g.key)
	}
	return st, nil
}

func generatedMessage(role conversation.Role, key string, text string) *conversation.Message {
	return conversation.NewMessage(role, text, conversation.WithID(key), conversation.WithGenID(key))
}

// transform applies t to every message except the cached prefix and the last message.
// The cached prefix is the leading run of cache-hinted messages. If a cache-hinted
// message appears after that run, the messages are returned untouched.
func (s *State) transform(ctx context.Context, t transforms.Transform, msgs conversation.Conversation) (conversation.Conversation, error) {
	if t == nil || len(msgs) == 0 {
		return msgs, nil
	}

	last := msgs[len(msgs)-1]
	prefix := conversation.Conversation{}
	rest := conversation.Conversation{}
	inPrefix := true
	for _, m := range msgs[:len(msgs)-1] {
		if !m.CacheHint {
			inPrefix = false
		} else if !inPrefix {
			log.Warn().Str("id", m.ID).Msg("non-contiguous cache-hinted messages, not applying transform")
			return msgs, nil
		}
		if inPrefix {
			prefix = append(prefix, m)
		} else {
			rest = append(rest, m)
		}
	}

	transformed, err := t(ctx, s.backend, rest)
	if err != nil {
		return nil, err
	}

	ret := make(conversation.Conversation, 0, len(prefix)+len(transformed)+1)
	ret = append(ret, prefix...)
	ret = append(ret, transformed...)
	return append(ret, last), nil
}
