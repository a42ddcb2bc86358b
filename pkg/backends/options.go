package backends

import (
	"github.com/go-go-golems/enochian/pkg/telemetry"
	"github.com/go-go-golems/enochian/pkg/tools"
)

// SamplingParams is the normalized sampling configuration.
// Nil fields fall back to the protocol's defaults.
type SamplingParams struct {
	MaxNewTokens               *int     `json:"max_new_tokens,omitempty" yaml:"max-new-tokens,omitempty"`
	MinNewTokens               *int     `json:"min_new_tokens,omitempty" yaml:"min-new-tokens,omitempty"`
	Temperature                *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP                       *float64 `json:"top_p,omitempty" yaml:"top-p,omitempty"`
	TopK                       *int     `json:"top_k,omitempty" yaml:"top-k,omitempty"`
	MinP                       *float64 `json:"min_p,omitempty" yaml:"min-p,omitempty"`
	FrequencyPenalty           *float64 `json:"frequency_penalty,omitempty" yaml:"frequency-penalty,omitempty"`
	PresencePenalty            *float64 `json:"presence_penalty,omitempty" yaml:"presence-penalty,omitempty"`
	RepetitionPenalty          *float64 `json:"repetition_penalty,omitempty" yaml:"repetition-penalty,omitempty"`
	IgnoreEOS                  *bool    `json:"ignore_eos,omitempty" yaml:"ignore-eos,omitempty"`
	SkipSpecialTokens          *bool    `json:"skip_special_tokens,omitempty" yaml:"skip-special-tokens,omitempty"`
	SpacesBetweenSpecialTokens *bool    `json:"spaces_between_special_tokens,omitempty" yaml:"spaces-between-special-tokens,omitempty"`
	Stop                       []string `json:"stop,omitempty" yaml:"stop,omitempty"`
	StopTokenIDs               []int    `json:"stop_token_ids,omitempty" yaml:"stop-token-ids,omitempty"`
	N                          *int     `json:"n,omitempty" yaml:"n,omitempty"`
	Seed                       *int     `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Regex and JSONSchema constrain the output. They are mutually exclusive.
	Regex      string `json:"regex,omitempty" yaml:"regex,omitempty"`
	JSONSchema string `json:"json_schema,omitempty" yaml:"json-schema,omitempty"`
}

// Merge returns a copy of p with every field set in other overriding p.
func (p SamplingParams) Merge(other SamplingParams) SamplingParams {
	ret := p
	if other.MaxNewTokens != nil {
		ret.MaxNewTokens = other.MaxNewTokens
	}
	if other.MinNewTokens != nil {
		ret.MinNewTokens = other.MinNewTokens
	}
	if other.Temperature != nil {
		ret.Temperature = other.Temperature
	}
	if other.TopP != nil {
		ret.TopP = other.TopP
	}
	if other.TopK != nil {
		ret.TopK = other.TopK
	}
	if other.MinP != nil {
		ret.MinP = other.MinP
	}
	if other.FrequencyPenalty != nil {
		ret.FrequencyPenalty = other.FrequencyPenalty
	}
	if other.PresencePenalty != nil {
		ret.PresencePenalty = other.PresencePenalty
	}
	if other.RepetitionPenalty != nil {
		ret.RepetitionPenalty = other.RepetitionPenalty
	}
	if other.IgnoreEOS != nil {
		ret.IgnoreEOS = other.IgnoreEOS
	}
	if other.SkipSpecialTokens != nil {
		ret.SkipSpecialTokens = other.SkipSpecialTokens
	}
	if other.SpacesBetweenSpecialTokens != nil {
		ret.SpacesBetweenSpecialTokens = other.SpacesBetweenSpecialTokens
	}
	if other.Stop != nil {
		ret.Stop = other.Stop
	}
	if other.StopTokenIDs != nil {
		ret.StopTokenIDs = other.StopTokenIDs
	}
	if other.N != nil {
		ret.N = other.N
	}
	if other.Seed != nil {
		ret.Seed = other.Seed
	}
	if other.Regex != "" {
		ret.Regex = other.Regex
	}
	if other.JSONSchema != "" {
		ret.JSONSchema = other.JSONSchema
	}
	return ret
}

// GenOptions is the normalized request for one generation call.
// Which generation mode runs is decided by which fields are set:
// Choices selects discrete-choice decoding, Tools selects tool-mediated generation,
// anything else is plain generation.
type GenOptions struct {
	Sampling SamplingParams
	Stream   bool

	Choices []string
	Tools   []*tools.Tool

	ReturnLogprob        bool
	LogprobStartLen      *int
	TopLogprobsNum       *int
	ReturnTextInLogprobs bool

	// RequestID is used as the wire request id; generated when empty.
	RequestID string

	Debug *telemetry.Region
}

type Mode int

const (
	ModePlain Mode = iota
	ModeChoices
	ModeTools
)

func (m Mode) String() string {
	switch m {
	case ModeChoices:
		return "choices"
	case ModeTools:
		return "tools"
	default:
		return "plain"
	}
}

func (o *GenOptions) Mode() Mode {
	switch {
	case o == nil:
		return ModePlain
	case len(o.Choices) > 0:
		return ModeChoices
	case len(o.Tools) > 0:
		return ModeTools
	default:
		return ModePlain
	}
}

// Validate checks protocol-independent constraints.
func (o *GenOptions) Validate() error {
	if o == nil {
		return nil
	}
	if o.Sampling.N != nil && *o.Sampling.N > 1 {
		return UnsupportedErrorf("generating multiple responses is unimplemented")
	}
	if o.Sampling.Regex != "" && o.Sampling.JSONSchema != "" {
		return usageErrorf("cannot support both regex and json_schema")
	}
	if len(o.Choices) > 0 && o.Stream {
		return usageErrorf("choices cannot be streamed")
	}
	if len(o.Choices) > 0 && len(o.Tools) > 0 {
		return usageErrorf("cannot select among choices and tools at the same time")
	}
	if len(o.Tools) > 0 && (o.Sampling.Regex != "" || o.Sampling.JSONSchema != "") {
		return usageErrorf("tools cannot be combined with a regex or json_schema constraint")
	}
	seen := map[string]bool{}
	for _, t := range o.Tools {
		if t.Name == tools.RespondToUser {
			return usageErrorf("%s is a reserved tool name", tools.RespondToUser)
		}
		if seen[t.Name] {
			return usageErrorf("duplicate tool %s", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Clone returns a copy that can be modified without affecting o.
func (o *GenOptions) Clone() *GenOptions {
	if o == nil {
		return &GenOptions{}
	}
	ret := *o
	ret.Choices = append([]string(nil), o.Choices...)
	ret.Tools = append([]*tools.Tool(nil), o.Tools...)
	ret.Sampling.Stop = append([]string(nil), o.Sampling.Stop...)
	return &ret
}
