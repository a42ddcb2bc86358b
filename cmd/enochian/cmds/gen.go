package cmds

import (
	"fmt"
	"io"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/program"
	"github.com/go-go-golems/enochian/pkg/program/transforms"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const answerKey = "answer"

func NewGenCommand() *cobra.Command {
	var (
		system      string
		prompt      string
		stream      bool
		maxTokens   int
		temperature float64
		regex       string
		jsonSchema  string
		output      string
		maxContext  int
		debugRegion string
	)

	cmd := &cobra.Command{
		Use:   "gen [conversation-file]",
		Short: "Generate the next assistant message of a conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			if debugRegion != "" {
				state.BeginDebugRegion(debugRegion, "")
				defer state.EndDebugRegion()
			}

			opts := &program.GenOptions{}
			opts.Stream = stream
			if cmd.Flags().Changed("max-tokens") {
				opts.Sampling.MaxNewTokens = &maxTokens
			}
			if cmd.Flags().Changed("temperature") {
				opts.Sampling.Temperature = &temperature
			}
			opts.Sampling.Regex = regex
			opts.Sampling.JSONSchema = jsonSchema
			if maxContext > 0 {
				threshold := transforms.Threshold{Threshold: maxContext}
				opts.Transform = transforms.Chain(
					transforms.TrimByRelativePriority(threshold),
					transforms.TrimFromOldMessages(threshold),
				)
			}

			w := cmd.OutOrStdout()
			if stream {
				ms, err := state.AddStream(ctx, state.Assistant(state.Gen(answerKey, opts)))
				if err != nil {
					return err
				}
				for {
					m, err := ms.Recv()
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						return err
					}
					if m.GenID == answerKey {
						if _, err := fmt.Fprint(w, m.Content); err != nil {
							_ = ms.Close()
							return err
						}
					}
				}
				if _, err := fmt.Fprintln(w); err != nil {
					return err
				}
			} else {
				if _, err := state.Add(ctx, state.Assistant(state.Gen(answerKey, opts))); err != nil {
					return err
				}
				answer, _ := state.Get(answerKey)
				if _, err := fmt.Fprintln(w, answer); err != nil {
					return err
				}
			}

			if meta, ok := state.GetMetaInfo(answerKey); ok {
				logMetaInfo(meta)
			}
			if output != "" {
				return state.Messages().SaveToFile(output)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "System message prepended to the conversation")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "User message appended to the conversation")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print the answer as it is generated")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum number of new tokens")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature")
	cmd.Flags().StringVar(&regex, "regex", "", "Constrain the answer to a regular expression")
	cmd.Flags().StringVar(&jsonSchema, "json-schema", "", "Constrain the answer to a JSON schema")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Save the resulting conversation to a .yaml or .json file")
	cmd.Flags().IntVar(&maxContext, "max-context", 0, "Trim the conversation to this many tokens before generating")
	cmd.Flags().StringVar(&debugRegion, "debug-region", "", "Name of the telemetry debug region")
	return cmd
}

func logMetaInfo(meta *backends.MetaInfo) {
	log.Debug().
		Int("prompt_tokens", meta.PromptTokens).
		Int("completion_tokens", meta.CompletionTokens).
		Msg("generation finished")
}
