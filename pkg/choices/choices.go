// Package choices picks one continuation out of a closed candidate list using
// the prompt log-probabilities the server reports for each candidate.
package choices

import (
	"strings"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/pkg/errors"
)

var ErrNoLogprobs = errors.New("choices request did not return logprobs")

// Candidate is the scoring of one choice.
type Candidate struct {
	Text                    string
	NormalizedPromptLogprob float64
	InputTokenLogprobs      []backends.Logprob
	OutputTokenLogprobs     []backends.Logprob
}

// Decision is the selected candidate together with the scores of every candidate.
type Decision struct {
	Index                    int
	Text                     string
	NormalizedPromptLogprobs []float64
	InputTokenLogprobs       [][]backends.Logprob
	OutputTokenLogprobs      [][]backends.Logprob
}

// LogprobStartLen is where logprob reporting starts for a prompt of promptTokens tokens.
// One token of slack covers the assistant turn marker, one a healed prompt token.
func LogprobStartLen(promptTokens int) int {
	if promptTokens-2 < 0 {
		return 0
	}
	return promptTokens - 2
}

// CorrectHealing removes the contribution of a healed prompt token.
//
// When the server merges the prompt's trailing partial token with the candidate's
// leading token, the first reported input token decodes to a suffix of the bare
// prompt. That token is dropped and the normalized log-probability recomputed
// without it.
func CorrectHealing(prompt string, c Candidate) Candidate {
	if len(c.InputTokenLogprobs) < 2 {
		return c
	}
	first := c.InputTokenLogprobs[0]
	healed := first.TokenText()
	if healed == "" || !strings.HasSuffix(prompt, healed) {
		return c
	}

	n := float64(len(c.InputTokenLogprobs))
	ret := c
	ret.NormalizedPromptLogprob = (c.NormalizedPromptLogprob*n - first.Logprob) / (n - 1)
	ret.InputTokenLogprobs = append([]backends.Logprob(nil), c.InputTokenLogprobs[1:]...)
	return ret
}

// TokenLengthNormalized selects the candidate with the highest normalized prompt
// log-probability. Ties go to the first candidate.
func TokenLengthNormalized(candidates []Candidate) (*Decision, error) {
	if len(candidates) == 0 {
		return nil, errors.New("no candidates to choose from")
	}

	ret := &Decision{
		NormalizedPromptLogprobs: make([]float64, len(candidates)),
		InputTokenLogprobs:       make([][]backends.Logprob, len(candidates)),
		OutputTokenLogprobs:      make([][]backends.Logprob, len(candidates)),
	}
	best := 0
	for i, c := range candidates {
		ret.NormalizedPromptLogprobs[i] = c.NormalizedPromptLogprob
		ret.InputTokenLogprobs[i] = c.InputTokenLogprobs
		ret.OutputTokenLogprobs[i] = c.OutputTokenLogprobs
		if c.NormalizedPromptLogprob > candidates[best].NormalizedPromptLogprob {
			best = i
		}
	}
	ret.Index = best
	ret.Text = candidates[best].Text
	return ret, nil
}

// CandidatesFromResults pairs each scored result with its choice text.
func CandidatesFromResults(choices []string, results []*backends.Result) ([]Candidate, error) {
	if len(choices) != len(results) {
		return nil, errors.Errorf("got %d results for %d choices", len(results), len(choices))
	}
	ret := make([]Candidate, len(results))
	for i, r := range results {
		if r == nil || !r.MetaInfo.HasLogprobs() {
			return nil, ErrNoLogprobs
		}
		ret[i] = Candidate{
			Text:                    choices[i],
			NormalizedPromptLogprob: *r.MetaInfo.NormalizedPromptLogprob,
			InputTokenLogprobs:      r.MetaInfo.InputTokenLogprobs,
			OutputTokenLogprobs:     r.MetaInfo.OutputTokenLogprobs,
		}
	}
	return ret, nil
}

// Select scores the candidates, applying the healing correction against prompt,
// and returns the chosen result with the selection summary merged into its metadata.
func Select(prompt string, choices []string, results []*backends.Result) (*backends.Result, *Decision, error) {
	candidates, err := CandidatesFromResults(choices, results)
	if err != nil {
		return nil, nil, err
	}
	for i := range candidates {
		candidates[i] = CorrectHealing(prompt, candidates[i])
	}
	decision, err := TokenLengthNormalized(candidates)
	if err != nil {
		return nil, nil, err
	}

	chosen := results[decision.Index].Clone()
	chosen.Text = decision.Text
	normalized := candidates[decision.Index].NormalizedPromptLogprob
	chosen.MetaInfo.NormalizedPromptLogprob = &normalized
	chosen.MetaInfo.InputTokenLogprobs = candidates[decision.Index].InputTokenLogprobs
	chosen.MetaInfo.OutputTokenLogprobs = candidates[decision.Index].OutputTokenLogprobs
	return chosen, decision, nil
}
