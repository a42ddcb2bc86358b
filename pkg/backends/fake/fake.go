// Package fake provides a scripted in-memory backend for tests.
package fake

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/backends/tooluse"
	"github.com/go-go-golems/enochian/pkg/chattemplate"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/pkg/errors"
)

// Call records one request the backend received.
type Call struct {
	Messages conversation.Conversation
	Options  *backends.GenOptions
}

// Responder produces the text for a request.
type Responder func(msgs conversation.Conversation, opts *backends.GenOptions) (string, error)

// Backend answers plain generations with its responder, splits streamed replies
// into one delta per word, picks the first choice for discrete-choice requests and
// runs tool-mediated generations through tooluse.
type Backend struct {
	mu        sync.Mutex
	respond   Responder
	calls     []Call
	modelPath string
	template  *chattemplate.ChatTemplate
}

func NewBackend(respond Responder) *Backend {
	return &Backend{
		respond:   respond,
		modelPath: "fake",
		template:  chattemplate.NewDefaultGroup().Get(chattemplate.DefaultTemplateName),
	}
}

// Replies returns a backend answering with the given texts in order, repeating the last.
func Replies(texts ...string) *Backend {
	i := 0
	var mu sync.Mutex
	return NewBackend(func(conversation.Conversation, *backends.GenOptions) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(texts) == 0 {
			return "", nil
		}
		t := texts[i]
		if i < len(texts)-1 {
			i++
		}
		return t, nil
	})
}

func (b *Backend) Name() string {
	return "fake"
}

func (b *Backend) SetModel(ctx context.Context, params backends.ModelParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.modelPath = params.Model
	return nil
}

func (b *Backend) ModelPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.modelPath
}

func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

func (b *Backend) record(msgs conversation.Conversation, opts *backends.GenOptions) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{Messages: msgs.Clone(), Options: opts.Clone()})
}

func (b *Backend) check(msgs conversation.Conversation, opts *backends.GenOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	last := msgs.Coalesce().Last()
	if last == nil || last.Role != conversation.RoleAssistant {
		return backends.ErrNotAssistantTurn
	}
	return nil
}

func (b *Backend) result(id string, text string) *backends.Result {
	return &backends.Result{
		Text: text,
		MetaInfo: &backends.MetaInfo{
			ID:               id,
			PromptTokens:     1,
			CompletionTokens: len(strings.Fields(text)),
			FinishReason:     &backends.FinishReason{Type: backends.FinishReasonStop},
		},
	}
}

func (b *Backend) Generate(ctx context.Context, msgs conversation.Conversation, opts *backends.GenOptions) (*backends.Result, error) {
	if err := b.check(msgs, opts); err != nil {
		return nil, err
	}
	switch opts.Mode() {
	case backends.ModeTools:
		return tooluse.Generate(ctx, b, msgs, opts)
	case backends.ModeChoices:
		b.record(msgs, opts)
		return b.result(backends.NewRequestID(), opts.Choices[0]), nil
	}

	b.record(msgs, opts)
	id := b.requestSent(ctx, msgs, opts)
	text, err := b.respond(msgs, opts)
	if err != nil {
		return nil, err
	}
	ret := b.result(id, text)
	opts.Debug.ResponseReceived(ctx, id, ret.Text, ret.MetaInfo)
	return ret, nil
}

// requestSent reports the request to the debug region, like the wire backends do.
func (b *Backend) requestSent(ctx context.Context, msgs conversation.Conversation, opts *backends.GenOptions) string {
	id := backends.NewRequestID()
	opts.Debug.RequestsSent(ctx, []string{id}, []interface{}{b.template.GetPrompt(msgs.Coalesce())}, nil)
	return id
}

func (b *Backend) Stream(ctx context.Context, msgs conversation.Conversation, opts *backends.GenOptions) (*backends.Stream, error) {
	if err := b.check(msgs, opts); err != nil {
		return nil, err
	}
	if opts.Mode() == backends.ModeTools {
		return tooluse.Stream(ctx, b, msgs, opts)
	}

	b.record(msgs, opts)
	id := b.requestSent(ctx, msgs, opts)
	text, err := b.respond(msgs, opts)
	if err != nil {
		return nil, err
	}
	if text == "" {
		return nil, errors.Wrap(backends.ErrProtocol, "no chunks were generated")
	}

	words := strings.SplitAfter(text, " ")
	final := b.result(id, text)
	i := 0
	return backends.NewStream(func() (*backends.Result, error) {
		if i >= len(words) {
			return nil, io.EOF
		}
		d := &backends.Result{Text: words[i]}
		i++
		if i == len(words) {
			d.MetaInfo = final.MetaInfo
			opts.Debug.ResponseReceived(ctx, id, final.Text, final.MetaInfo)
		}
		return d, nil
	}), nil
}

func (b *Backend) GetPrompt(msgs conversation.Conversation) (string, error) {
	return b.template.GetPrompt(msgs.Coalesce()), nil
}

// TokenCount counts whitespace separated words across the message contents.
func (b *Backend) TokenCount(ctx context.Context, msgs conversation.Conversation) (int, error) {
	total := 0
	for _, m := range msgs {
		total += len(strings.Fields(m.Content))
	}
	return total, nil
}

// Clone returns a backend sharing the responder but with its own call log.
func (b *Backend) Clone() backends.Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &Backend{
		respond:   b.respond,
		modelPath: b.modelPath,
		template:  b.template,
	}
}

var _ backends.Backend = (*Backend)(nil)
