// Package sgl talks to a local SGLang-style inference server.
//
// Messages are rendered into a single prompt with the chat template matching the
// served model, and sent to POST /generate. The model path is fetched once from
// GET /get_model_info when the model is set.
package sgl

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/backends/tooluse"
	"github.com/go-go-golems/enochian/pkg/chattemplate"
	"github.com/go-go-golems/enochian/pkg/choices"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/go-go-golems/enochian/pkg/metrics"
	"github.com/go-go-golems/enochian/pkg/tokens"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const Name = "sgl"

// maxLineSize bounds a single server-sent event line.
const maxLineSize = 4 * 1024 * 1024

type Backend struct {
	url       string
	modelPath string
	group     *chattemplate.Group
	client    *http.Client
	metrics   *metrics.Metrics
	defaults  backends.SamplingParams
}

type Option func(*Backend)

func WithTemplateGroup(group *chattemplate.Group) Option {
	return func(b *Backend) {
		b.group = group
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		b.client = client
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Backend) {
		b.metrics = m
	}
}

// WithDefaultSampling sets sampling params applied beneath every request's own.
func WithDefaultSampling(p backends.SamplingParams) Option {
	return func(b *Backend) {
		b.defaults = p
	}
}

// WithModel binds the backend to a server and model path without the model info round trip.
func WithModel(url string, modelPath string) Option {
	return func(b *Backend) {
		b.url = strings.TrimRight(url, "/")
		b.modelPath = modelPath
	}
}

func New(options ...Option) *Backend {
	ret := &Backend{
		group:  chattemplate.NewDefaultGroup(),
		client: http.DefaultClient,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) ModelPath() string {
	return b.modelPath
}

// SetModel points the backend at params.URL and caches the served model path.
func (b *Backend) SetModel(ctx context.Context, params backends.ModelParams) error {
	if params.URL == "" {
		return errors.Wrap(backends.ErrUsage, "sgl backend needs a server url")
	}
	b.url = strings.TrimRight(params.URL, "/")
	info, err := b.fetchModelInfo(ctx)
	if err != nil {
		return err
	}
	if !info.IsGeneration {
		log.Warn().Str("model", info.ModelPath).Msg("served model is not a generation model")
	}
	b.modelPath = info.ModelPath
	log.Debug().
		Str("url", b.url).
		Str("model", b.modelPath).
		Str("template", b.group.Match(b.modelPath).Name).
		Msg("model set")
	return nil
}

// messagesToPrompt renders msgs for generation. The prompt stops right before
// the assistant turn's closing suffix so that the model continues the turn.
func (b *Backend) messagesToPrompt(msgs conversation.Conversation) (string, error) {
	coalesced := msgs.Coalesce()
	last := coalesced.Last()
	if last == nil || last.Role != conversation.RoleAssistant {
		return "", backends.ErrNotAssistantTurn
	}
	template := b.group.Match(b.modelPath)
	_, suffix := template.GetPrefixAndSuffix(last.Role, coalesced)
	prompt := template.GetPrompt(coalesced)
	if suffix == "" {
		return prompt, nil
	}
	if idx := strings.LastIndex(prompt, suffix); idx >= 0 {
		prompt = prompt[:idx]
	}
	return prompt, nil
}

func (b *Backend) GetPrompt(msgs conversation.Conversation) (string, error) {
	return b.group.Match(b.modelPath).GetPrompt(msgs.Coalesce()), nil
}

// TokenCount approximates the prompt token count with a tiktoken encoding.
func (b *Backend) TokenCount(ctx context.Context, msgs conversation.Conversation) (int, error) {
	prompt, err := b.GetPrompt(msgs)
	if err != nil {
		return 0, err
	}
	counter, err := tokens.NewCounter(b.modelPath)
	if err != nil {
		return 0, err
	}
	return counter.Count(prompt)
}

func (b *Backend) check(opts *backends.GenOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if b.url == "" {
		return backends.ErrNoModel
	}
	return nil
}

func (b *Backend) Generate(ctx context.Context, msgs conversation.Conversation, opts *backends.GenOptions) (*backends.Result, error) {
	if opts == nil {
		opts = &backends.GenOptions{}
	}
	if err := b.check(opts); err != nil {
		return nil, err
	}

	switch opts.Mode() {
	case backends.ModeTools:
		obs := b.metrics.Start(Name, opts.Mode().String())
		ret, err := tooluse.Generate(ctx, b, msgs, opts)
		obs.Done(0, 0, err)
		return ret, err
	case backends.ModeChoices:
		return b.selectChoice(ctx, msgs, opts)
	}

	prompt, err := b.messagesToPrompt(msgs)
	if err != nil {
		return nil, err
	}
	obs := b.metrics.Start(Name, opts.Mode().String())
	results, err := b.generate(ctx, []string{prompt}, false, opts)
	if err != nil {
		obs.Done(0, 0, err)
		return nil, err
	}
	ret := results[0]
	obs.Done(ret.MetaInfo.PromptTokens, ret.MetaInfo.CompletionTokens, nil)
	return ret, nil
}

// selectChoice scores every candidate continuation with a zero-length generation
// and picks the one with the highest normalized prompt logprob.
func (b *Backend) selectChoice(ctx context.Context, msgs conversation.Conversation, opts *backends.GenOptions) (*backends.Result, error) {
	prompt, err := b.messagesToPrompt(msgs)
	if err != nil {
		return nil, err
	}
	candidates := make([]string, len(opts.Choices))
	for i, c := range opts.Choices {
		withChoice := append(msgs.Clone(), conversation.NewAssistantMessage(c))
		candidates[i], err = b.messagesToPrompt(withChoice)
		if err != nil {
			return nil, err
		}
	}

	obs := b.metrics.Start(Name, opts.Mode().String())
	ret, err := b.scoreChoices(ctx, prompt, candidates, opts)
	if err != nil {
		obs.Done(0, 0, err)
		return nil, err
	}
	obs.Done(ret.MetaInfo.PromptTokens, ret.MetaInfo.CompletionTokens, nil)
	return ret, nil
}

func (b *Backend) scoreChoices(ctx context.Context, prompt string, candidates []string, opts *backends.GenOptions) (*backends.Result, error) {
	zero := 0
	// caches the prefix and measures the prompt
	warm, err := b.generate(ctx, []string{prompt}, false, &backends.GenOptions{
		Sampling: backends.SamplingParams{MaxNewTokens: &zero},
		Debug:    opts.Debug,
	})
	if err != nil {
		return nil, errors.Wrap(err, "prefix request failed")
	}

	startLen := choices.LogprobStartLen(warm[0].MetaInfo.PromptTokens)
	temperature := 0.0
	results, err := b.generate(ctx, candidates, true, &backends.GenOptions{
		Sampling: backends.SamplingParams{
			MaxNewTokens: &zero,
			Temperature:  &temperature,
		},
		ReturnLogprob:        true,
		ReturnTextInLogprobs: true,
		LogprobStartLen:      &startLen,
		Debug:                opts.Debug,
	})
	if err != nil {
		return nil, errors.Wrap(err, "logprob request failed")
	}

	chosen, decision, err := choices.Select(prompt, opts.Choices, results)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Strs("choices", opts.Choices).
		Floats64("normalized_prompt_logprobs", decision.NormalizedPromptLogprobs).
		Str("decision", decision.Text).
		Msg("selected choice")
	return chosen, nil
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
	if opts.Mode() == backends.ModeTools {
		return tooluse.Stream(ctx, b, msgs, opts)
	}

	prompt, err := b.messagesToPrompt(msgs)
	if err != nil {
		return nil, err
	}
	obs := b.metrics.Start(Name, opts.Mode().String())
	req := b.newRequest([]string{prompt}, false, opts)
	resp, err := b.post(ctx, req, opts.Debug)
	if err != nil {
		obs.Done(0, 0, err)
		return nil, err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var last *backends.Result

	recv := func() (*backends.Result, error) {
		for scanner.Scan() {
			chunk, ok, err := parseEvent(scanner.Text())
			if err != nil {
				obs.Done(0, 0, err)
				return nil, err
			}
			if !ok {
				continue
			}
			delta := chunk.Clone()
			if last != nil && strings.HasPrefix(chunk.Text, last.Text) {
				delta.Text = chunk.Text[len(last.Text):]
			}
			last = chunk
			return delta, nil
		}
		if err := scanner.Err(); err != nil {
			err = errors.Wrap(err, "could not read stream")
			obs.Done(0, 0, err)
			return nil, err
		}
		return nil, io.EOF
	}

	finish := func(final *backends.Result) (*backends.Result, error) {
		if last == nil {
			err := backends.ProtocolErrorf("no chunks were generated")
			obs.Done(0, 0, err)
			return nil, err
		}
		reportResponse(ctx, opts.Debug, []*backends.Result{last})
		if final.MetaInfo != nil {
			obs.Done(final.MetaInfo.PromptTokens, final.MetaInfo.CompletionTokens, nil)
		} else {
			obs.Done(0, 0, nil)
		}
		return final, nil
	}

	return backends.NewStream(recv,
		backends.WithCloser(resp.Body.Close),
		backends.WithFinisher(finish),
	), nil
}

// parseEvent decodes one server-sent event line. ok is false for lines that carry no chunk.
func parseEvent(line string) (*backends.Result, bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return nil, false, nil
	}
	data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if data == "" || data == "[DONE]" {
		return nil, false, nil
	}
	var ret backends.Result
	if err := json.Unmarshal([]byte(data), &ret); err != nil {
		return nil, false, backends.ProtocolErrorf("could not decode stream chunk: %v", err)
	}
	return &ret, true, nil
}

// Clone copies the configuration. The template group is deep-copied, the HTTP
// client and metrics are shared.
func (b *Backend) Clone() backends.Backend {
	return &Backend{
		url:       b.url,
		modelPath: b.modelPath,
		group:     b.group.Clone(),
		client:    b.client,
		metrics:   b.metrics,
		defaults:  b.defaults,
	}
}

var _ backends.Backend = (*Backend)(nil)
