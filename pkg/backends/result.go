package backends

import (
	"encoding/json"

	"github.com/go-go-golems/enochian/pkg/tools"
	"github.com/pkg/errors"
)

const (
	FinishReasonLength = "length"
	FinishReasonStop   = "stop"
)

// FinishReason is either {type: "length", length: n} or {type: "stop", matched: token|string}.
type FinishReason struct {
	Type    string      `json:"type"`
	Length  int         `json:"length,omitempty"`
	Matched interface{} `json:"matched,omitempty"`
}

// Logprob is one (logprob, token id, token text) entry as reported by the server.
type Logprob struct {
	Logprob float64
	TokenID int
	Text    *string
}

func (l *Logprob) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Wrap(err, "logprob entry is not an array")
	}
	if len(raw) < 2 {
		return errors.Errorf("logprob entry has %d fields", len(raw))
	}
	// the first input token has a null logprob
	var lp *float64
	if err := json.Unmarshal(raw[0], &lp); err != nil {
		return errors.Wrap(err, "could not decode logprob")
	}
	if lp != nil {
		l.Logprob = *lp
	}
	if err := json.Unmarshal(raw[1], &l.TokenID); err != nil {
		return errors.Wrap(err, "could not decode token id")
	}
	if len(raw) > 2 {
		if err := json.Unmarshal(raw[2], &l.Text); err != nil {
			return errors.Wrap(err, "could not decode token text")
		}
	}
	return nil
}

func (l Logprob) MarshalJSON() ([]byte, error) {
	if l.Text == nil {
		return json.Marshal([]interface{}{l.Logprob, l.TokenID})
	}
	return json.Marshal([]interface{}{l.Logprob, l.TokenID, *l.Text})
}

func (l Logprob) TokenText() string {
	if l.Text == nil {
		return ""
	}
	return *l.Text
}

// MetaInfo is the metadata attached to a generation result.
type MetaInfo struct {
	ID                            string        `json:"id,omitempty"`
	PromptTokens                  int           `json:"prompt_tokens"`
	CompletionTokens              int           `json:"completion_tokens"`
	CompletionTokensWoJumpForward int           `json:"completion_tokens_wo_jump_forward,omitempty"`
	FinishReason                  *FinishReason `json:"finish_reason,omitempty"`

	InputTokenLogprobs      []Logprob   `json:"input_token_logprobs,omitempty"`
	OutputTokenLogprobs     []Logprob   `json:"output_token_logprobs,omitempty"`
	InputTopLogprobs        interface{} `json:"input_top_logprobs,omitempty"`
	OutputTopLogprobs       interface{} `json:"output_top_logprobs,omitempty"`
	NormalizedPromptLogprob *float64    `json:"normalized_prompt_logprob,omitempty"`
}

func (m *MetaInfo) HasLogprobs() bool {
	return m != nil && m.InputTokenLogprobs != nil && m.NormalizedPromptLogprob != nil
}

// Result is the outcome of one generation call.
// For streams, intermediate results carry only the delta text.
type Result struct {
	Text     string    `json:"text"`
	Index    int       `json:"index"`
	MetaInfo *MetaInfo `json:"meta_info,omitempty"`

	// ToolDecisions is set on tool-mediated generations.
	ToolDecisions []tools.Decision `json:"-"`
}

func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	ret := *r
	if r.MetaInfo != nil {
		m := *r.MetaInfo
		if r.MetaInfo.FinishReason != nil {
			fr := *r.MetaInfo.FinishReason
			m.FinishReason = &fr
		}
		m.InputTokenLogprobs = append([]Logprob(nil), r.MetaInfo.InputTokenLogprobs...)
		m.OutputTokenLogprobs = append([]Logprob(nil), r.MetaInfo.OutputTokenLogprobs...)
		if r.MetaInfo.NormalizedPromptLogprob != nil {
			v := *r.MetaInfo.NormalizedPromptLogprob
			m.NormalizedPromptLogprob = &v
		}
		ret.MetaInfo = &m
	}
	ret.ToolDecisions = append([]tools.Decision(nil), r.ToolDecisions...)
	return &ret
}
