package program

import (
	"context"
	"testing"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/backends/fake"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/go-go-golems/enochian/pkg/tools"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addParams struct {
	A int `json:"a"`
	B int `json:"b"`
}

func addTool(t *testing.T) *tools.Tool {
	tool, err := tools.NewTool("add", "Adds two numbers", func(ctx context.Context, in addParams) (int, error) {
		return in.A + in.B, nil
	})
	require.NoError(t, err)
	return tool
}

func TestRunToolLoop(t *testing.T) {
	ctx := context.Background()
	selections := 0
	s := New(fake.NewBackend(func(msgs conversation.Conversation, opts *backends.GenOptions) (string, error) {
		if opts.Sampling.JSONSchema != "" {
			selections++
			if selections == 1 {
				return `{"toolName": "add", "params": {"a": 1, "b": 2}}`, nil
			}
			return `{"toolName": "respondToUser"}`, nil
		}
		return "The sum is 3", nil
	}))
	_, err := s.Add(ctx, s.User(Text("What is 1+2?")))
	require.NoError(t, err)

	response, decisions, err := s.RunToolLoop(ctx, ToolLoopConfig{
		KeyPrefix: "step",
		Tools:     []*tools.Tool{addTool(t)},
	})
	require.NoError(t, err)
	assert.Equal(t, "The sum is 3", response)
	require.Len(t, decisions, 2)
	assert.Equal(t, "add", decisions[0].ToolUsed)
	assert.Equal(t, 3, decisions[0].Response)
	assert.True(t, decisions[1].IsRespondToUser())

	msgs := s.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "step-1", msgs[1].GenID)
	assert.Equal(t, conversation.RoleUser, msgs[2].Role)
	assert.JSONEq(t, `{"toolUsed": "add", "response": 3}`, msgs[2].Content)
	assert.Equal(t, "step-2", msgs[3].GenID)

	stepDecisions, err := s.GetToolDecisions("step-2")
	require.NoError(t, err)
	require.Len(t, stepDecisions, 1)
	assert.Equal(t, "The sum is 3", stepDecisions[0].Response)
}

func TestRunToolLoopMaxIterations(t *testing.T) {
	ctx := context.Background()
	s := New(fake.Replies(`{"toolName": "add", "params": {"a": 2, "b": 2}}`))
	_, err := s.Add(ctx, s.User(Text("Keep adding")))
	require.NoError(t, err)

	_, decisions, err := s.RunToolLoop(ctx, ToolLoopConfig{
		MaxIterations: 2,
		Tools:         []*tools.Tool{addTool(t)},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaxIterations))
	assert.Len(t, decisions, 2)
	_, ok := s.Get("tools-2")
	assert.True(t, ok)
}

func TestRunToolLoopUnknownTool(t *testing.T) {
	ctx := context.Background()
	s := New(fake.Replies(`{"toolName": "multiply"}`))
	_, err := s.Add(ctx, s.User(Text("What is 2*3?")))
	require.NoError(t, err)

	_, _, err = s.RunToolLoop(ctx, ToolLoopConfig{Tools: []*tools.Tool{addTool(t)}})
	assert.True(t, errors.Is(err, tools.ErrUnknownTool))
	assert.Len(t, s.Messages(), 1)
}
