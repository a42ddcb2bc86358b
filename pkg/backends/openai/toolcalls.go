package openai

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/tools"
	go_openai "github.com/sashabaranov/go-openai"
)

// ToolCallMerger reassembles tool calls that arrive split over stream chunks.
type ToolCallMerger struct {
	toolCalls map[int]go_openai.ToolCall
}

func NewToolCallMerger() *ToolCallMerger {
	return &ToolCallMerger{
		toolCalls: make(map[int]go_openai.ToolCall),
	}
}

func (tcm *ToolCallMerger) AddToolCalls(toolCalls []go_openai.ToolCall) {
	for _, call := range toolCalls {
		index := 0
		if call.Index != nil {
			index = *call.Index
		}
		if existing, found := tcm.toolCalls[index]; found {
			existing.Function.Name += call.Function.Name
			existing.Function.Arguments += call.Function.Arguments
			tcm.toolCalls[index] = existing
		} else {
			tcm.toolCalls[index] = call
		}
	}
}

// GetToolCalls returns the merged calls ordered by index.
func (tcm *ToolCallMerger) GetToolCalls() []go_openai.ToolCall {
	indices := make([]int, 0, len(tcm.toolCalls))
	for i := range tcm.toolCalls {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	result := make([]go_openai.ToolCall, 0, len(indices))
	for _, i := range indices {
		result = append(result, tcm.toolCalls[i])
	}
	return result
}

func (tcm *ToolCallMerger) Empty() bool {
	return len(tcm.toolCalls) == 0
}

var emptyParameters = map[string]interface{}{
	"type":       "object",
	"properties": map[string]interface{}{},
}

func toOpenAITools(ts []*tools.Tool) []go_openai.Tool {
	ret := make([]go_openai.Tool, 0, len(ts))
	for _, t := range ts {
		var params interface{} = emptyParameters
		if t.HasParameters() {
			params = t.Parameters
		}
		description := t.Description
		if description == "" {
			description = "A function"
		}
		ret = append(ret, go_openai.Tool{
			Type: go_openai.ToolTypeFunction,
			Function: &go_openai.FunctionDefinition{
				Name:        t.Name,
				Description: description,
				Parameters:  params,
			},
		})
	}
	return ret
}

// selectionFromToolCalls turns the first tool call into a selection.
// Further calls in the same response are ignored.
func selectionFromToolCalls(calls []go_openai.ToolCall) (*tools.Selection, error) {
	if len(calls) == 0 {
		return nil, backends.ProtocolErrorf("response has no tool calls")
	}
	call := calls[0]
	ret := &tools.Selection{ToolName: call.Function.Name}
	args := strings.TrimSpace(call.Function.Arguments)
	if args != "" {
		if err := json.Unmarshal([]byte(args), &ret.Params); err != nil {
			return nil, backends.ProtocolErrorf("could not decode arguments of %s: %v", call.Function.Name, err)
		}
	}
	return ret, nil
}
