package program

import (
	"context"
	"fmt"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/go-go-golems/enochian/pkg/tools"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultMaxIterations = 5

// ErrMaxIterations is returned when the model keeps selecting tools.
var ErrMaxIterations = errors.New("maximum tool iterations reached")

// ToolLoopConfig configures RunToolLoop.
type ToolLoopConfig struct {
	// KeyPrefix names the answers, one per iteration: prefix-1, prefix-2, ...
	KeyPrefix     string
	MaxIterations int
	Tools         []*tools.Tool
	Sampling      backends.SamplingParams
}

// RunToolLoop lets the model pick tools until it responds to the user. Every
// tool decision is fed back as a user message. It returns the text of the
// respondToUser decision and the decisions of every iteration in order.
func (s *State) RunToolLoop(ctx context.Context, cfg ToolLoopConfig) (string, []tools.Decision, error) {
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "tools"
	}

	var all []tools.Decision
	for i := 1; i <= maxIterations; i++ {
		key := fmt.Sprintf("%s-%d", prefix, i)
		log.Debug().Int("iteration", i).Str("key", key).Msg("tool loop: generation step")

		opts := &GenOptions{GenOptions: backends.GenOptions{
			Sampling: cfg.Sampling,
			Tools:    cfg.Tools,
		}}
		if _, err := s.Add(ctx, s.Assistant(s.Gen(key, opts))); err != nil {
			return "", all, err
		}
		decisions, err := s.GetToolDecisions(key)
		if err != nil {
			return "", all, err
		}
		all = append(all, decisions...)

		for _, d := range decisions {
			if d.IsRespondToUser() {
				response, _ := d.Response.(string)
				return response, all, nil
			}
			feedback, err := tools.FeedbackMessage(d)
			if err != nil {
				return "", all, err
			}
			s.AddMessages(conversation.Conversation{feedback})
		}
	}

	log.Warn().Int("max_iterations", maxIterations).Msg("tool loop: maximum iterations reached")
	return "", all, errors.Wrapf(ErrMaxIterations, "%d", maxIterations)
}
