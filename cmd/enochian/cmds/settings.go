package cmds

import (
	"context"
	"os"
	"strings"

	"github.com/go-go-golems/enochian/pkg/backends/factory"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/go-go-golems/enochian/pkg/program"
	"github.com/go-go-golems/enochian/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AddBackendFlags registers the flags that select and configure the backend.
// They are bound to viper by the root command, so they can also be set from
// the config file or from ENOCHIAN_* environment variables.
func AddBackendFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("settings", "", "Path to a YAML settings file")
	cmd.PersistentFlags().String("backend", "", "Backend type (sgl, openai)")
	cmd.PersistentFlags().String("url", "", "Backend base URL")
	cmd.PersistentFlags().String("model", "", "Model name, only used by the openai backend")
	cmd.PersistentFlags().String("api-key", "", "API key for the openai backend")
	cmd.PersistentFlags().Bool("telemetry", false, "Send debug regions to the telemetry endpoint")
}

// LoadSettings reads the settings file, if any, and overlays the backend flags.
func LoadSettings() (*settings.Settings, error) {
	s := settings.NewSettings()
	if path := viper.GetString("settings"); path != "" {
		var err error
		s, err = settings.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	}

	if v := viper.GetString("backend"); v != "" {
		s.Backend.Type = settings.BackendType(strings.ToLower(v))
		if s.Backend.Type == settings.BackendTypeOpenAI && viper.GetString("url") == "" {
			s.Backend.URL = ""
		}
	}
	if v := viper.GetString("url"); v != "" {
		s.Backend.URL = v
	}
	if v := viper.GetString("model"); v != "" {
		s.Backend.Model = v
	}
	if v := viper.GetString("api-key"); v != "" {
		s.Backend.APIKey = v
	}
	if viper.GetBool("telemetry") {
		s.Telemetry.Enabled = true
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewState creates the backend described by s and returns a program state bound
// to it. The returned closer flushes the telemetry sink.
func NewState(ctx context.Context, s *settings.Settings) (*program.State, func() error, error) {
	f := factory.NewStandardBackendFactory(nil)
	backend, err := f.CreateBackend(ctx, s)
	if err != nil {
		return nil, nil, err
	}

	sink, closer, err := factory.CreateSink(s.Telemetry, s.Client)
	if err != nil {
		return nil, nil, err
	}
	options := []program.Option{program.WithTelemetrySink(sink)}
	if s.Telemetry.Enabled {
		options = append(options, program.WithDebugInfo(s.Telemetry.DebugInfo()))
	}

	log.Debug().
		Str("backend", string(s.Backend.Type)).
		Str("url", s.Backend.URL).
		Bool("telemetry", s.Telemetry.Enabled).
		Msg("created program state")
	return program.New(backend, options...), closer, nil
}

// loadConversation reads the conversation file given on the command line, or
// stdin when path is "-".
func loadConversation(path string) (conversation.Conversation, error) {
	if path == "" {
		return nil, nil
	}
	if path == "-" {
		msgs, err := conversation.Load(os.Stdin, conversation.FormatYAML)
		if err != nil {
			return nil, errors.Wrap(err, "could not read conversation from stdin")
		}
		return msgs, nil
	}
	return conversation.LoadFromFile(path)
}

func buildConversation(path string, system string, prompt string) (conversation.Conversation, error) {
	msgs, err := loadConversation(path)
	if err != nil {
		return nil, err
	}
	if system != "" {
		msgs = append(conversation.Conversation{conversation.NewSystemMessage(system)}, msgs...)
	}
	if prompt != "" {
		msgs = append(msgs, conversation.NewUserMessage(prompt))
	}
	if len(msgs) == 0 {
		return nil, errors.New("no messages: pass a conversation file or --prompt")
	}
	return msgs, nil
}
