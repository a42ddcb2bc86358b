package cmds

import (
	"fmt"

	"github.com/go-go-golems/enochian/pkg/program"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewChooseCommand() *cobra.Command {
	var (
		system  string
		prompt  string
		choices []string
	)

	cmd := &cobra.Command{
		Use:   "choose [conversation-file]",
		Short: "Pick the most likely answer among fixed choices",
		Long: `Score every choice as a continuation of the conversation and print the one
with the highest token-length normalized logprob. Needs a backend that returns
prompt logprobs.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(choices) == 0 {
				return errors.New("at least one --choice is required")
			}
			ctx := cmd.Context()
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			msgs, err := buildConversation(path, system, prompt)
			if err != nil {
				return err
			}

			s, err := LoadSettings()
			if err != nil {
				return err
			}
			state, closer, err := NewState(ctx, s)
			if err != nil {
				return err
			}
			defer func() {
				if err := closer(); err != nil {
					log.Warn().Err(err).Msg("could not close telemetry sink")
				}
			}()
			state.AddMessages(msgs)

			opts := &program.GenOptions{}
			opts.Choices = choices
			if _, err := state.Add(ctx, state.Assistant(state.Gen(answerKey, opts))); err != nil {
				return err
			}

			answer, _ := state.Get(answerKey)
			if meta, ok := state.GetMetaInfo(answerKey); ok && meta.NormalizedPromptLogprob != nil {
				log.Debug().Float64("normalized_prompt_logprob", *meta.NormalizedPromptLogprob).Str("choice", answer).Msg("selected choice")
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), answer)
			return err
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "System message prepended to the conversation")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "User message appended to the conversation")
	cmd.Flags().StringSliceVarP(&choices, "choice", "c", nil, "Candidate answer, may be repeated")
	return cmd
}
