package program

import (
	"context"
	"fmt"

	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// Kind tells how a composition resolves into messages.
type Kind int

const (
	// Immediate compositions hold only literal text and resolve synchronously.
	Immediate Kind = iota
	// Deferred compositions await values or run non-streaming generations.
	Deferred
	// Streamed compositions contain at least one streaming generation.
	Streamed
)

func (k Kind) String() string {
	switch k {
	case Immediate:
		return "immediate"
	case Deferred:
		return "deferred"
	case Streamed:
		return "streamed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type partKind int

const (
	partLiteral partKind = iota
	partAwait
	partGen
)

// Part is one piece of a composition. Parts are built with Text, Value, Await and State.Gen.
type Part struct {
	kind  partKind
	text  string
	await func(ctx context.Context) (string, error)
	gen   *genPart
}

// Text is a literal part.
func Text(s string) Part {
	return Part{kind: partLiteral, text: s}
}

// Value is a literal part holding the string form of v.
func Value(v interface{}) Part {
	s, err := cast.ToStringE(v)
	if err != nil {
		s = fmt.Sprint(v)
	}
	return Part{kind: partLiteral, text: s}
}

// Await is a part whose text is produced when the composition is added.
func Await(fn func(ctx context.Context) (string, error)) Part {
	return Part{kind: partAwait, await: fn}
}

func (p Part) streaming() bool {
	return p.kind == partGen && p.gen.opts != nil && p.gen.opts.Stream
}

// Composition is a role-tagged sequence of parts.
type Composition struct {
	role  conversation.Role
	parts []Part
	kind  Kind
	err   error
}

func newComposition(role conversation.Role, parts []Part) *Composition {
	ret := &Composition{
		role:  role,
		parts: parts,
		kind:  Immediate,
	}
	for _, p := range parts {
		switch {
		case p.streaming():
			ret.kind = Streamed
		case p.kind != partLiteral && ret.kind == Immediate:
			ret.kind = Deferred
		}
		if p.kind == partGen && p.gen.err != nil && ret.err == nil {
			ret.err = p.gen.err
		}
	}
	return ret
}

func (s *State) System(parts ...Part) *Composition {
	return newComposition(conversation.RoleSystem, parts)
}

func (s *State) User(parts ...Part) *Composition {
	return newComposition(conversation.RoleUser, parts)
}

func (s *State) Assistant(parts ...Part) *Composition {
	return newComposition(conversation.RoleAssistant, parts)
}

func (c *Composition) Kind() Kind {
	return c.kind
}

func (c *Composition) Role() conversation.Role {
	return c.role
}

// Err is the first invalid generation option among the parts.
func (c *Composition) Err() error {
	return c.err
}

// Messages returns the single message of an Immediate composition.
func (c *Composition) Messages() (conversation.Conversation, error) {
	if c.kind != Immediate {
		return nil, errors.Errorf("a %s composition has to be added to resolve", c.kind)
	}
	content := ""
	for _, p := range c.parts {
		content += p.text
	}
	return conversation.Conversation{conversation.NewMessage(c.role, content)}, nil
}

// resolver accumulates the messages of a composition while it is being resolved.
type resolver struct {
	role     conversation.Role
	messages conversation.Conversation
	current  *conversation.Message
}

func newResolver(role conversation.Role) *resolver {
	return &resolver{
		role:    role,
		current: conversation.NewMessage(role, ""),
	}
}

func (r *resolver) appendText(text string) {
	r.current.Content += text
}

// inProgress is the role's text so far, as one message.
func (r *resolver) inProgress() *conversation.Message {
	return conversation.NewMessage(r.role, r.messages.Text()+r.current.Content)
}

// flush closes the current message.
func (r *resolver) flush() {
	r.messages = append(r.messages, r.current)
	r.current = conversation.NewMessage(r.role, "")
}

func (r *resolver) appendGenerated(m *conversation.Message) {
	r.flush()
	r.messages = append(r.messages, m)
}

// result returns the resolved messages without empty ones.
func (r *resolver) result() conversation.Conversation {
	r.flush()
	ret := conversation.Conversation{}
	for _, m := range r.messages {
		if m.Content != "" {
			ret = append(ret, m)
		}
	}
	return ret
}
