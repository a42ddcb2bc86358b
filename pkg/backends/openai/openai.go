// Package openai adapts the hosted chat-completion API.
//
// The API exchanges structured role/content records, so there is no prompt
// template. Tools are declared natively; a plain text answer stands for
// respondToUser.
package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/go-go-golems/enochian/pkg/metrics"
	"github.com/go-go-golems/enochian/pkg/tokens"
	"github.com/go-go-golems/enochian/pkg/tools"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

const (
	Name         = "openai"
	DefaultModel = "gpt-4o-mini"
)

type Backend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	model      string
	metrics    *metrics.Metrics
	defaults   backends.SamplingParams

	client *go_openai.Client
}

type Option func(*Backend)

func WithBaseURL(url string) Option {
	return func(b *Backend) {
		b.baseURL = url
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = client
	}
}

func WithModel(model string) Option {
	return func(b *Backend) {
		b.model = model
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Backend) {
		b.metrics = m
	}
}

func WithDefaultSampling(p backends.SamplingParams) Option {
	return func(b *Backend) {
		b.defaults = p
	}
}

func New(apiKey string, options ...Option) *Backend {
	ret := &Backend{
		apiKey: apiKey,
		model:  DefaultModel,
	}
	for _, o := range options {
		o(ret)
	}
	ret.client = ret.newClient()
	return ret
}

func (b *Backend) newClient() *go_openai.Client {
	config := go_openai.DefaultConfig(b.apiKey)
	if b.baseURL != "" {
		config.BaseURL = b.baseURL
	}
	if b.httpClient != nil {
		config.HTTPClient = b.httpClient
	}
	return go_openai.NewClientWithConfig(config)
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Model() string {
	return b.model
}

// SetModel changes the base URL and the model name. No request is made.
func (b *Backend) SetModel(ctx context.Context, params backends.ModelParams) error {
	if params.URL != "" {
		b.baseURL = params.URL
		b.client = b.newClient()
	}
	if params.Model != "" {
		b.model = params.Model
	}
	return nil
}

// GetPrompt renders a role: content transcript, for display only.
func (b *Backend) GetPrompt(msgs conversation.Conversation) (string, error) {
	return msgs.Coalesce().GetTranscript(), nil
}

func (b *Backend) TokenCount(ctx context.Context, msgs conversation.Conversation) (int, error) {
	counter, err := tokens.NewCounter(b.model)
	if err != nil {
		return 0, err
	}
	return counter.Count(msgs.Coalesce().GetTranscript())
}

func (b *Backend) Clone() backends.Backend {
	ret := *b
	ret.client = ret.newClient()
	return &ret
}

func (b *Backend) check(opts *backends.GenOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if opts.Mode() == backends.ModeChoices {
		return backends.UnsupportedErrorf("choices are not implemented for the hosted API")
	}
	if opts.Sampling.Regex != "" {
		return backends.UnsupportedErrorf("regex constraints are not implemented for the hosted API")
	}
	return nil
}

// toMessages maps the log onto API messages. The trailing assistant turn is the
// one being generated and is dropped when empty.
func toMessages(msgs conversation.Conversation) ([]go_openai.ChatCompletionMessage, error) {
	coalesced := msgs.Coalesce()
	last := coalesced.Last()
	if last == nil || last.Role != conversation.RoleAssistant {
		return nil, backends.ErrNotAssistantTurn
	}
	if last.Content == "" {
		coalesced = coalesced[:len(coalesced)-1]
	} else {
		log.Debug().Msg("sending non-empty assistant turn as prefill")
	}

	ret := make([]go_openai.ChatCompletionMessage, 0, len(coalesced))
	for _, m := range coalesced {
		var role string
		switch m.Role {
		case conversation.RoleSystem:
			role = go_openai.ChatMessageRoleSystem
		case conversation.RoleUser:
			role = go_openai.ChatMessageRoleUser
		case conversation.RoleAssistant:
			role = go_openai.ChatMessageRoleAssistant
		default:
			return nil, errors.Wrapf(backends.ErrUsage, "unknown role %q", m.Role)
		}
		ret = append(ret, go_openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return ret, nil
}

func (b *Backend) makeRequest(msgs conversation.Conversation, opts *backends.GenOptions, stream bool) (*go_openai.ChatCompletionRequest, error) {
	messages, err := toMessages(msgs)
	if err != nil {
		return nil, err
	}
	p := b.defaults.Merge(opts.Sampling)

	req := &go_openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: messages,
		Stream:   stream,
		Stop:     p.Stop,
		Seed:     p.Seed,
		LogProbs: opts.ReturnLogprob,
	}
	if p.MaxNewTokens != nil {
		req.MaxCompletionTokens = *p.MaxNewTokens
	}
	if p.Temperature != nil {
		req.Temperature = float32(*p.Temperature)
	}
	if p.TopP != nil {
		req.TopP = float32(*p.TopP)
	}
	if p.N != nil {
		req.N = *p.N
	}
	if p.FrequencyPenalty != nil {
		req.FrequencyPenalty = float32(*p.FrequencyPenalty)
	}
	if p.PresencePenalty != nil {
		req.PresencePenalty = float32(*p.PresencePenalty)
	}
	if opts.TopLogprobsNum != nil {
		req.TopLogProbs = *opts.TopLogprobsNum
	}
	if stream {
		req.StreamOptions = &go_openai.StreamOptions{IncludeUsage: true}
	}
	if p.JSONSchema != "" {
		if !json.Valid([]byte(p.JSONSchema)) {
			return nil, errors.Wrap(backends.ErrUsage, "json_schema is not valid JSON")
		}
		req.ResponseFormat = &go_openai.ChatCompletionResponseFormat{
			Type: go_openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &go_openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: json.RawMessage(p.JSONSchema),
			},
		}
	}
	if len(opts.Tools) > 0 {
		req.Tools = toOpenAITools(opts.Tools)
	}
	return req, nil
}

func usageToMetaInfo(id string, usage *go_openai.Usage, finishReason go_openai.FinishReason) *backends.MetaInfo {
	ret := &backends.MetaInfo{
		ID:                            id,
		PromptTokens:                  -1,
		CompletionTokens:              -1,
		CompletionTokensWoJumpForward: -1,
	}
	if usage != nil {
		ret.PromptTokens = usage.PromptTokens
		ret.CompletionTokens = usage.CompletionTokens
		ret.CompletionTokensWoJumpForward = usage.CompletionTokens
	}
	if finishReason == go_openai.FinishReasonLength {
		length := 0
		if usage != nil {
			length = usage.CompletionTokens
		}
		ret.FinishReason = &backends.FinishReason{Type: backends.FinishReasonLength, Length: length}
	} else {
		// the API doesn't report which stop condition matched
		ret.FinishReason = &backends.FinishReason{Type: backends.FinishReasonStop, Matched: -1}
	}
	return ret
}

func (b *Backend) reportRequest(ctx context.Context, opts *backends.GenOptions, msgs conversation.Conversation, req *go_openai.ChatCompletionRequest) string {
	id := opts.RequestID
	if id == "" {
		id = backends.NewRequestID()
	}
	prompt, _ := b.GetPrompt(msgs)
	metadata := *req
	metadata.Messages = nil
	opts.Debug.RequestsSent(ctx, []string{id}, []interface{}{prompt}, &metadata)
	return id
}

func (b *Backend) Generate(ctx context.Context, msgs conversation.Conversation, opts *backends.GenOptions) (*backends.Result, error) {
	if opts == nil {
		opts = &backends.GenOptions{}
	}
	if err := b.check(opts); err != nil {
		return nil, err
	}
	req, err := b.makeRequest(msgs, opts, false)
	if err != nil {
		return nil, err
	}
	req.Stream = false
	req.StreamOptions = nil

	b.reportRequest(ctx, opts, msgs, req)
	obs := b.metrics.Start(Name, opts.Mode().String())
	log.Debug().Str("model", req.Model).Int("messages", len(req.Messages)).Int("tools", len(req.Tools)).Msg("sending chat completion request")
	resp, err := b.client.CreateChatCompletion(ctx, *req)
	if err != nil {
		err = errors.Wrap(err, "chat completion request failed")
		obs.Done(0, 0, err)
		return nil, err
	}

	if len(resp.Choices) == 0 {
		err := backends.ProtocolErrorf("No completions")
		obs.Done(0, 0, err)
		return nil, err
	}
	if len(resp.Choices) > 1 {
		err := backends.UnsupportedErrorf("multiple completions are not implemented")
		obs.Done(0, 0, err)
		return nil, err
	}

	var usage *go_openai.Usage
	if resp.Usage.TotalTokens > 0 || resp.Usage.PromptTokens > 0 {
		usage = &resp.Usage
	}
	choice := resp.Choices[0]
	ret := &backends.Result{
		Text:     choice.Message.Content,
		Index:    choice.Index,
		MetaInfo: usageToMetaInfo(resp.ID, usage, choice.FinishReason),
	}
	obs.Done(ret.MetaInfo.PromptTokens, ret.MetaInfo.CompletionTokens, nil)
	opts.Debug.ResponseReceived(ctx, ret.MetaInfo.ID, ret.Text, ret.MetaInfo)

	if opts.Mode() == backends.ModeTools {
		return b.resolveTools(ctx, opts, ret, choice.Message.ToolCalls)
	}
	return ret, nil
}

func (b *Backend) resolveTools(ctx context.Context, opts *backends.GenOptions, res *backends.Result, calls []go_openai.ToolCall) (*backends.Result, error) {
	decision := tools.Decision{ToolUsed: tools.RespondToUser, Response: res.Text}
	if len(calls) > 0 {
		if len(calls) > 1 {
			log.Warn().Int("calls", len(calls)).Msg("model requested several tool calls, only the first is run")
		}
		sel, err := selectionFromToolCalls(calls)
		if err != nil {
			return nil, err
		}
		decision, err = tools.Dispatch(ctx, opts.Tools, sel)
		if err != nil {
			return nil, err
		}
	}

	text, err := tools.EncodeDecisions([]tools.Decision{decision})
	if err != nil {
		return nil, err
	}
	ret := res.Clone()
	ret.Text = text
	ret.ToolDecisions = []tools.Decision{decision}
	return ret, nil
}

func (b *Backend) Stream(ctx context.Context, msgs conversation.Conversation, opts *backends.GenOptions) (*backends.Stream, error) {
	if opts == nil {
		opts = &backends.GenOptions{}
	}
	opts = opts.Clone()
	opts.Stream = true
	if err := b.check(opts); err != nil {
		return nil, err
	}
	req, err := b.makeRequest(msgs, opts, true)
	if err != nil {
		return nil, err
	}

	b.reportRequest(ctx, opts, msgs, req)
	obs := b.metrics.Start(Name, opts.Mode().String())
	stream, err := b.client.CreateChatCompletionStream(ctx, *req)
	if err != nil {
		err = errors.Wrap(err, "chat completion stream failed")
		obs.Done(0, 0, err)
		return nil, err
	}

	var (
		id         string
		meta       *backends.MetaInfo
		lastFinish go_openai.FinishReason
		chunks     int
		merger     = NewToolCallMerger()
		decision   *tools.Decision
		toolsTaken bool
	)

	recv := func() (*backends.Result, error) {
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if merger.Empty() || toolsTaken {
					return nil, io.EOF
				}
				// the tool call is complete once the stream ends
				toolsTaken = true
				sel, err := selectionFromToolCalls(merger.GetToolCalls())
				if err != nil {
					obs.Done(0, 0, err)
					return nil, err
				}
				d, err := tools.Dispatch(ctx, opts.Tools, sel)
				if err != nil {
					obs.Done(0, 0, err)
					return nil, err
				}
				decision = &d
				text, err := tools.EncodeDecisions([]tools.Decision{d})
				if err != nil {
					return nil, err
				}
				return &backends.Result{Text: text, MetaInfo: meta}, nil
			}
			if err != nil {
				err = errors.Wrap(err, "could not read chat completion stream")
				obs.Done(0, 0, err)
				return nil, err
			}

			chunks++
			id = chunk.ID
			var finishReason go_openai.FinishReason
			if len(chunk.Choices) > 0 {
				finishReason = chunk.Choices[0].FinishReason
			}
			if finishReason != "" {
				lastFinish = finishReason
			}
			// the trailing usage chunk has no choices
			meta = usageToMetaInfo(id, chunk.Usage, lastFinish)
			if len(chunk.Choices) == 0 {
				continue
			}

			delta := chunk.Choices[0].Delta
			if len(delta.ToolCalls) > 0 {
				merger.AddToolCalls(delta.ToolCalls)
				continue
			}
			if delta.Content == "" && finishReason == "" {
				continue
			}
			return &backends.Result{
				Text:     delta.Content,
				Index:    chunk.Choices[0].Index,
				MetaInfo: meta,
			}, nil
		}
	}

	finish := func(final *backends.Result) (*backends.Result, error) {
		if chunks == 0 {
			err := backends.ProtocolErrorf("No messages generated")
			obs.Done(0, 0, err)
			return nil, err
		}
		// the usage chunk carries no choices but has the final accounting
		final.MetaInfo = meta
		if opts.Mode() == backends.ModeTools {
			if decision == nil {
				decision = &tools.Decision{ToolUsed: tools.RespondToUser, Response: final.Text}
			}
			final.ToolDecisions = []tools.Decision{*decision}
		}
		obs.Done(meta.PromptTokens, meta.CompletionTokens, nil)
		opts.Debug.ResponseReceived(ctx, id, final.Text, meta)
		return final, nil
	}

	return backends.NewStream(recv,
		backends.WithCloser(stream.Close),
		backends.WithFinisher(finish),
	), nil
}

var _ backends.Backend = (*Backend)(nil)
