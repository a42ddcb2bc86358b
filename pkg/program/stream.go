package program

import (
	"context"
	"io"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/pkg/errors"
)

// MessageStream resolves a composition part by part. Recv returns the partial
// messages in order: literal and awaited text, generated deltas (with the
// answer key as ID and GenID) and whole non-streamed generations.
// Once Recv returns io.EOF the resolved messages have been appended to the state.
type MessageStream struct {
	ctx context.Context
	s   *State
	c   *Composition

	r    *resolver
	next int

	active    *backends.Stream
	activeGen *genPart

	// complete is called with the resolved messages once all parts are resolved.
	complete func(conversation.Conversation)
	// abort is called when the stream fails or is closed before completing.
	abort func()

	messages conversation.Conversation
	done     bool
	err      error
}

func (s *State) newMessageStream(ctx context.Context, c *Composition) *MessageStream {
	return &MessageStream{
		ctx: ctx,
		s:   s,
		c:   c,
		r:   newResolver(c.role),
	}
}

func (ms *MessageStream) partial(content string) *conversation.Message {
	return conversation.NewMessage(ms.c.role, content)
}

// input is what a generation part sees: the log plus the role's text so far.
func (ms *MessageStream) input() conversation.Conversation {
	return append(ms.s.messages.Clone(), ms.r.inProgress())
}

func (ms *MessageStream) Recv() (*conversation.Message, error) {
	if ms.done {
		if ms.err != nil {
			return nil, ms.err
		}
		return nil, io.EOF
	}

	for {
		if ms.active != nil {
			m, err := ms.recvActive()
			if err != nil {
				return nil, ms.fail(err)
			}
			if m != nil {
				return m, nil
			}
			continue
		}

		if ms.next >= len(ms.c.parts) {
			ms.done = true
			ms.messages = ms.r.result()
			if ms.c.kind == Immediate {
				ms.messages, _ = ms.c.Messages()
			}
			if ms.complete != nil {
				ms.complete(ms.messages.Clone())
			}
			return nil, io.EOF
		}

		p := ms.c.parts[ms.next]
		ms.next++

		switch p.kind {
		case partLiteral:
			if p.text == "" {
				continue
			}
			ms.r.appendText(p.text)
			return ms.partial(p.text), nil

		case partAwait:
			v, err := p.await(ms.ctx)
			if err != nil {
				return nil, ms.fail(errors.Wrap(err, "could not resolve value"))
			}
			if v == "" {
				continue
			}
			ms.r.appendText(v)
			return ms.partial(v), nil

		case partGen:
			if p.streaming() {
				st, err := ms.s.openStream(ms.ctx, p.gen, ms.input())
				if err != nil {
					return nil, ms.fail(err)
				}
				ms.active = st
				ms.activeGen = p.gen
				ms.r.flush()
				continue
			}
			m, err := ms.s.generate(ms.ctx, ms.c.role, p.gen, ms.input())
			if err != nil {
				return nil, ms.fail(err)
			}
			ms.r.appendGenerated(m)
			return m.Clone(), nil
		}
	}
}

// recvActive returns the next delta of the running generation, or nil once it finished.
func (ms *MessageStream) recvActive() (*conversation.Message, error) {
	key := ms.activeGen.key
	d, err := ms.active.Recv()
	if err == nil {
		return generatedMessage(ms.c.role, key, d.Text), nil
	}
	if !errors.Is(err, io.EOF) {
		return nil, errors.Wrapf(err, "could not stream %s", key)
	}

	final, err := ms.active.Final()
	if err != nil {
		return nil, errors.Wrapf(err, "could not stream %s", key)
	}
	ms.s.recordAnswer(key, final)
	ms.r.appendGenerated(generatedMessage(ms.c.role, key, final.Text))
	ms.active = nil
	ms.activeGen = nil
	return nil, nil
}

func (ms *MessageStream) fail(err error) error {
	ms.done = true
	ms.err = err
	if ms.active != nil {
		_ = ms.active.Close()
		ms.active = nil
	}
	if ms.abort != nil {
		ms.abort()
	}
	return err
}

// Final drains the stream and returns the resolved messages.
func (ms *MessageStream) Final() (conversation.Conversation, error) {
	for {
		_, err := ms.Recv()
		if errors.Is(err, io.EOF) {
			return ms.messages.Clone(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Close abandons the stream. Nothing is appended to the state.
func (ms *MessageStream) Close() error {
	if ms.done {
		return nil
	}
	ms.fail(errors.New("message stream closed"))
	return nil
}
