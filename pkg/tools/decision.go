package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// RespondToUser is the implicit pseudo-tool selected when no tool is needed.
const RespondToUser = "respondToUser"

const draft07 = "http://json-schema.org/draft-07/schema#"

// ErrUnknownTool is returned when the model selects a tool that isn't registered.
var ErrUnknownTool = errors.New("no tool was selected")

// Selection is the model's constrained choice of a tool.
type Selection struct {
	ToolName string                 `json:"toolName"`
	Params   map[string]interface{} `json:"params,omitempty"`
}

// Decision is the record of one resolved tool choice.
// Response is unset when the tool failed, in which case Error holds the message.
type Decision struct {
	ToolUsed string      `json:"toolUsed"`
	Response interface{} `json:"response,omitempty"`
	Error    string      `json:"error,omitempty"`
}

func (d Decision) IsRespondToUser() bool {
	return d.ToolUsed == RespondToUser
}

func constString(name string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Const: name}
}

// DecisionSchema builds the closed union of one variant per tool plus respondToUser.
func DecisionSchema(tools []*Tool) *jsonschema.Schema {
	variants := make([]*jsonschema.Schema, 0, len(tools)+1)
	for _, t := range tools {
		props := orderedmap.New[string, *jsonschema.Schema]()
		props.Set("toolName", constString(t.Name))
		required := []string{"toolName"}
		if t.HasParameters() {
			props.Set("params", t.Parameters)
			required = append(required, "params")
		}
		variants = append(variants, &jsonschema.Schema{
			Type:                 "object",
			Properties:           props,
			Required:             required,
			AdditionalProperties: jsonschema.FalseSchema,
		})
	}

	respond := orderedmap.New[string, *jsonschema.Schema]()
	respond.Set("toolName", constString(RespondToUser))
	variants = append(variants, &jsonschema.Schema{
		Type:                 "object",
		Properties:           respond,
		Required:             []string{"toolName"},
		AdditionalProperties: jsonschema.FalseSchema,
	})

	return &jsonschema.Schema{
		Version: draft07,
		AnyOf:   variants,
	}
}

// DecisionSchemaJSON is the serialized DecisionSchema, as sent over the wire.
func DecisionSchemaJSON(tools []*Tool) (string, error) {
	b, err := json.Marshal(DecisionSchema(tools))
	if err != nil {
		return "", errors.Wrap(err, "could not marshal decision schema")
	}
	return string(b), nil
}

// ToolsPrompt is the system instruction enumerating the available tools.
func ToolsPrompt(tools []*Tool) string {
	lines := make([]string, 0, len(tools))
	for _, t := range tools {
		description := t.Description
		if description == "" {
			description = "A function"
		}
		lines = append(lines, t.Name+": "+description)
	}
	return "You have access to the following tools:\n" +
		strings.Join(lines, ",\n") +
		", and " + RespondToUser + ": Directly respond to the user\n."
}

// InjectToolsPrompt returns a copy of msgs with the tools prompt inserted once,
// right before the first non-system message.
func InjectToolsPrompt(msgs conversation.Conversation, tools []*Tool) conversation.Conversation {
	ret := make(conversation.Conversation, 0, len(msgs)+1)
	inserted := false
	for _, m := range msgs {
		if !inserted && m.Role != conversation.RoleSystem {
			ret = append(ret, conversation.NewSystemMessage(ToolsPrompt(tools)))
			inserted = true
		}
		ret = append(ret, m.Clone())
	}
	return ret
}

func ParseSelection(text string) (*Selection, error) {
	var s Selection
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &s); err != nil {
		return nil, errors.Wrapf(err, "could not parse tool selection %q", text)
	}
	if s.ToolName == "" {
		return nil, errors.Errorf("tool selection %q has no toolName", text)
	}
	return &s, nil
}

// Find returns the tool registered under name.
func Find(tools []*Tool, name string) (*Tool, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Dispatch runs the selected tool. Errors returned by the tool are captured into
// the decision. Selecting an unregistered tool is a fatal error.
func Dispatch(ctx context.Context, tools []*Tool, s *Selection) (Decision, error) {
	t, ok := Find(tools, s.ToolName)
	if !ok {
		return Decision{}, errors.Wrapf(ErrUnknownTool, "model selected %q", s.ToolName)
	}

	log.Debug().Str("tool", t.Name).Interface("params", s.Params).Msg("calling tool")
	response, err := t.Call(ctx, s.Params)
	if err != nil {
		log.Debug().Str("tool", t.Name).Err(err).Msg("tool returned an error")
		return Decision{ToolUsed: t.Name, Error: err.Error()}, nil
	}
	return Decision{ToolUsed: t.Name, Response: response}, nil
}

func EncodeDecisions(decisions []Decision) (string, error) {
	b, err := json.Marshal(decisions)
	if err != nil {
		return "", errors.Wrap(err, "could not encode tool decisions")
	}
	return string(b), nil
}

func DecodeDecisions(text string) ([]Decision, error) {
	var ret []Decision
	if err := json.Unmarshal([]byte(text), &ret); err != nil {
		return nil, errors.Wrap(err, "could not decode tool decisions")
	}
	return ret, nil
}

// FeedbackMessage renders a decision as the user message fed back to the model.
func FeedbackMessage(d Decision) (*conversation.Message, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Wrap(err, "could not encode tool result")
	}
	return conversation.NewUserMessage(string(b)), nil
}
