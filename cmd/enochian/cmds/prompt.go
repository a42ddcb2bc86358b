package cmds

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/go-go-golems/enochian/pkg/chattemplate"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type PromptSettings struct {
	Template     string `glazed.parameter:"template"`
	ModelPath    string `glazed.parameter:"model-path"`
	System       string `glazed.parameter:"system"`
	Prompt       string `glazed.parameter:"prompt"`
	Conversation string `glazed.parameter:"conversation"`
}

type PromptCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*PromptCommand)(nil)

func NewPromptCommand() (*PromptCommand, error) {
	return &PromptCommand{
		CommandDescription: cmds.NewCommandDescription(
			"prompt",
			cmds.WithShort("Render a conversation with a chat template"),
			cmds.WithLong(`Render a YAML or JSON conversation into the flat prompt a local model sees.
The template is picked by name with --template, or matched from --model-path.`),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"template",
					parameters.ParameterTypeString,
					parameters.WithHelp("Name of the chat template"),
				),
				parameters.NewParameterDefinition(
					"model-path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Model path used to match a chat template"),
				),
				parameters.NewParameterDefinition(
					"system",
					parameters.ParameterTypeString,
					parameters.WithHelp("System message prepended to the conversation"),
				),
				parameters.NewParameterDefinition(
					"prompt",
					parameters.ParameterTypeString,
					parameters.WithHelp("User message appended to the conversation"),
					parameters.WithShortFlag("p"),
				),
			),
			cmds.WithArguments(
				parameters.NewParameterDefinition(
					"conversation",
					parameters.ParameterTypeString,
					parameters.WithHelp("Conversation file, - for stdin"),
				),
			),
		),
	}, nil
}

func (c *PromptCommand) RunIntoWriter(ctx context.Context, parsedLayers *layers.ParsedLayers, w io.Writer) error {
	s := &PromptSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, s); err != nil {
		return err
	}
	return renderPrompt(chattemplate.NewDefaultGroup(), s, w)
}

func renderPrompt(g *chattemplate.Group, s *PromptSettings, w io.Writer) error {
	msgs, err := buildConversation(s.Conversation, s.System, s.Prompt)
	if err != nil {
		return err
	}

	t := g.Match(s.ModelPath)
	if s.Template != "" {
		var ok bool
		t, ok = g.Lookup(s.Template)
		if !ok {
			return errors.Errorf("unknown chat template %q", s.Template)
		}
	}

	_, err = fmt.Fprint(w, t.GetPrompt(msgs))
	return err
}

// TemplatesCommand lists the registered chat templates.
type TemplatesCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*TemplatesCommand)(nil)

func NewTemplatesCommand() (*TemplatesCommand, error) {
	glazedLayer, err := settings.NewGlazedParameterLayers()
	if err != nil {
		return nil, errors.Wrap(err, "could not create glazed parameter layer")
	}
	return &TemplatesCommand{
		CommandDescription: cmds.NewCommandDescription(
			"templates",
			cmds.WithShort("List the registered chat templates"),
			cmds.WithLayersList(glazedLayer),
		),
	}, nil
}

func (c *TemplatesCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *layers.ParsedLayers, gp middlewares.Processor) error {
	for _, row := range templateRows(chattemplate.NewDefaultGroup()) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func templateRows(g *chattemplate.Group) []types.Row {
	names := g.Names()
	rows := make([]types.Row, 0, len(names))
	for _, name := range names {
		t := g.Get(name)
		system := ""
		if t.DefaultSystemPrompt != nil {
			system = *t.DefaultSystemPrompt
		}
		rows = append(rows, types.NewRow(
			types.MRP("name", t.Name),
			types.MRP("style", t.Style.String()),
			types.MRP("stop", strings.Join(t.StopStr, ",")),
			types.MRP("default_system_prompt", system),
		))
	}
	return rows
}

// NewPromptCommands builds the cobra commands for rendering and listing templates.
func NewPromptCommands() ([]*cobra.Command, error) {
	prompt, err := NewPromptCommand()
	if err != nil {
		return nil, err
	}
	promptCmd, err := cli.BuildCobraCommandFromWriterCommand(prompt)
	if err != nil {
		return nil, err
	}

	templates, err := NewTemplatesCommand()
	if err != nil {
		return nil, err
	}
	templatesCmd, err := cli.BuildCobraCommandFromGlazeCommand(templates)
	if err != nil {
		return nil, err
	}

	return []*cobra.Command{promptCmd, templatesCmd}, nil
}
