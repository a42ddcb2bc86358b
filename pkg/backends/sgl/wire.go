package sgl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// samplingParams is the wire form of backends.SamplingParams. Every field is sent.
type samplingParams struct {
	MaxNewTokens               int      `json:"max_new_tokens"`
	MinNewTokens               int      `json:"min_new_tokens"`
	Temperature                float64  `json:"temperature"`
	TopP                       float64  `json:"top_p"`
	TopK                       int      `json:"top_k"`
	MinP                       float64  `json:"min_p"`
	FrequencyPenalty           float64  `json:"frequency_penalty"`
	PresencePenalty            float64  `json:"presence_penalty"`
	RepetitionPenalty          float64  `json:"repetition_penalty"`
	IgnoreEOS                  bool     `json:"ignore_eos"`
	SkipSpecialTokens          bool     `json:"skip_special_tokens"`
	SpacesBetweenSpecialTokens bool     `json:"spaces_between_special_tokens"`
	N                          int      `json:"n"`
	Stop                       []string `json:"stop,omitempty"`
	StopTokenIDs               []int    `json:"stop_token_ids,omitempty"`
	Regex                      string   `json:"regex,omitempty"`
	JSONSchema                 string   `json:"json_schema,omitempty"`
}

// wholeVocabulary disables top-k filtering.
const wholeVocabulary = 1 << 30

func defaultSamplingParams() samplingParams {
	return samplingParams{
		MaxNewTokens:               128,
		MinNewTokens:               0,
		Temperature:                1.0,
		TopP:                       1.0,
		TopK:                       wholeVocabulary,
		MinP:                       0,
		FrequencyPenalty:           0,
		PresencePenalty:            0,
		RepetitionPenalty:          1.0,
		IgnoreEOS:                  false,
		SkipSpecialTokens:          true,
		SpacesBetweenSpecialTokens: true,
		N:                          1,
	}
}

func toWireSampling(p backends.SamplingParams) samplingParams {
	ret := defaultSamplingParams()
	if p.MaxNewTokens != nil {
		ret.MaxNewTokens = *p.MaxNewTokens
	}
	if p.MinNewTokens != nil {
		ret.MinNewTokens = *p.MinNewTokens
	}
	if p.Temperature != nil {
		ret.Temperature = *p.Temperature
	}
	if p.TopP != nil {
		ret.TopP = *p.TopP
	}
	if p.TopK != nil {
		ret.TopK = *p.TopK
	}
	if p.MinP != nil {
		ret.MinP = *p.MinP
	}
	if p.FrequencyPenalty != nil {
		ret.FrequencyPenalty = *p.FrequencyPenalty
	}
	if p.PresencePenalty != nil {
		ret.PresencePenalty = *p.PresencePenalty
	}
	if p.RepetitionPenalty != nil {
		ret.RepetitionPenalty = *p.RepetitionPenalty
	}
	if p.IgnoreEOS != nil {
		ret.IgnoreEOS = *p.IgnoreEOS
	}
	if p.SkipSpecialTokens != nil {
		ret.SkipSpecialTokens = *p.SkipSpecialTokens
	}
	if p.SpacesBetweenSpecialTokens != nil {
		ret.SpacesBetweenSpecialTokens = *p.SpacesBetweenSpecialTokens
	}
	if p.N != nil {
		ret.N = *p.N
	}
	ret.Stop = p.Stop
	ret.StopTokenIDs = p.StopTokenIDs
	ret.Regex = p.Regex
	ret.JSONSchema = p.JSONSchema
	return ret
}

// generateRequest is the body of POST /generate.
// Text and RID are either a single value or one entry per batched prompt.
type generateRequest struct {
	Text                 interface{}    `json:"text,omitempty"`
	SamplingParams       samplingParams `json:"sampling_params"`
	RID                  interface{}    `json:"rid"`
	Stream               bool           `json:"stream,omitempty"`
	ReturnLogprob        bool           `json:"return_logprob,omitempty"`
	LogprobStartLen      *int           `json:"logprob_start_len,omitempty"`
	TopLogprobsNum       *int           `json:"top_logprobs_num,omitempty"`
	ReturnTextInLogprobs bool           `json:"return_text_in_logprobs,omitempty"`

	ids     []string
	prompts []string
}

type modelInfo struct {
	ModelPath    string `json:"model_path"`
	IsGeneration bool   `json:"is_generation"`
}

func (b *Backend) newRequest(prompts []string, batched bool, opts *backends.GenOptions) *generateRequest {
	ret := &generateRequest{
		SamplingParams:       toWireSampling(b.defaults.Merge(opts.Sampling)),
		Stream:               opts.Stream,
		ReturnLogprob:        opts.ReturnLogprob,
		LogprobStartLen:      opts.LogprobStartLen,
		TopLogprobsNum:       opts.TopLogprobsNum,
		ReturnTextInLogprobs: opts.ReturnTextInLogprobs,
		prompts:              prompts,
	}
	if !batched {
		id := opts.RequestID
		if id == "" {
			id = backends.NewRequestID()
		}
		ret.ids = []string{id}
		ret.Text = prompts[0]
		ret.RID = id
		return ret
	}

	ret.ids = make([]string, len(prompts))
	for i := range prompts {
		ret.ids[i] = backends.NewRequestID()
	}
	ret.Text = prompts
	ret.RID = ret.ids
	return ret
}

// metadata is the request as reported to telemetry, without the prompt text.
func (r *generateRequest) metadata() *generateRequest {
	ret := *r
	ret.Text = nil
	return &ret
}

func (b *Backend) post(ctx context.Context, req *generateRequest, region *telemetry.Region) (*http.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode generate request")
	}

	prompts := make([]interface{}, len(req.prompts))
	for i, p := range req.prompts {
		prompts[i] = p
	}
	region.RequestsSent(ctx, req.ids, prompts, req.metadata())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	log.Debug().
		Str("url", b.url).
		Strs("rid", req.ids).
		Bool("stream", req.Stream).
		Msg("sending generate request")
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "generate request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() {
			_ = resp.Body.Close()
		}()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, backends.ProtocolErrorf("generate request failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return resp, nil
}

// decodeResults accepts either a single response object or an array of them.
func decodeResults(body io.Reader) ([]*backends.Result, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "could not read generate response")
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, backends.ProtocolErrorf("empty generate response")
	}

	var ret []*backends.Result
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &ret); err != nil {
			return nil, backends.ProtocolErrorf("could not decode generate response: %v", err)
		}
	} else {
		var r backends.Result
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, backends.ProtocolErrorf("could not decode generate response: %v", err)
		}
		ret = []*backends.Result{&r}
	}

	for i, r := range ret {
		if r == nil || r.MetaInfo == nil {
			return nil, backends.ProtocolErrorf("generate response %d has no meta_info", i)
		}
	}
	return ret, nil
}

// reportResponse emits the response phase of a request. Batches report one
// entry carrying the JSON encoded texts and metadata.
func reportResponse(ctx context.Context, region *telemetry.Region, results []*backends.Result) {
	if !region.Active() || len(results) == 0 {
		return
	}
	if len(results) == 1 {
		region.ResponseReceived(ctx, results[0].MetaInfo.ID, results[0].Text, results[0].MetaInfo)
		return
	}

	texts := make([]string, len(results))
	metas := make([]*backends.MetaInfo, len(results))
	for i, r := range results {
		texts[i] = r.Text
		metas[i] = r.MetaInfo
	}
	content, err := json.Marshal(texts)
	if err != nil {
		log.Warn().Err(err).Msg("could not encode batched response texts")
		return
	}
	metadata, err := json.Marshal(metas)
	if err != nil {
		log.Warn().Err(err).Msg("could not encode batched response metadata")
		return
	}
	region.ResponseReceived(ctx, results[0].MetaInfo.ID, string(content), string(metadata))
}

// generate sends a non-streaming request and decodes its results.
func (b *Backend) generate(ctx context.Context, prompts []string, batched bool, opts *backends.GenOptions) ([]*backends.Result, error) {
	req := b.newRequest(prompts, batched, opts)
	req.Stream = false
	resp, err := b.post(ctx, req, opts.Debug)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	results, err := decodeResults(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(results) != len(prompts) {
		return nil, backends.ProtocolErrorf("expected %d results, got %d", len(prompts), len(results))
	}
	reportResponse(ctx, opts.Debug, results)
	return results, nil
}

func (b *Backend) fetchModelInfo(ctx context.Context) (*modelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/get_model_info", b.url), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch model info")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, backends.ProtocolErrorf("get_model_info failed with status %d", resp.StatusCode)
	}

	var ret modelInfo
	if err := json.NewDecoder(resp.Body).Decode(&ret); err != nil {
		return nil, backends.ProtocolErrorf("could not decode model info: %v", err)
	}
	if ret.ModelPath == "" {
		return nil, backends.ProtocolErrorf("model info has no model_path")
	}
	return &ret, nil
}
