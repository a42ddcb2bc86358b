package chattemplate

import (
	"testing"

	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchOrder(t *testing.T) {
	g := NewDefaultGroup()

	tests := []struct {
		modelPath string
		expected  string
	}{
		{"meta-llama/Meta-Llama-3.1-8B-Instruct", "llama-3-instruct"},
		{"meta-llama/Llama-3-8B-Instruct", "llama-3-instruct"},
		{"meta-llama/Llama-2-7b-chat-hf", "llama-2-chat"},
		{"mistralai/Mistral-7B-Instruct-v0.2", "llama-2-chat"},
		{"databricks/dbrx-instruct", "dbrx-instruct"},
		{"lmsys/vicuna-7b-v1.5", "vicuna_v1.1"},
		{"Qwen/Qwen2-7B-Instruct", "qwen"},
		{"lmms-lab/llava-onevision-qwen2-7b-ov", "chatml-llava"},
		{"TinyLlama/TinyLlama-1.1B-Chat-v1.0", "chatml"},
		{"01-ai/Yi-1.5-9B-Chat", "yi-1.5"},
		{"google/gemma-2-9b-it", "gemma-it"},
		{"CohereForAI/c4ai-command-r-v01", "c4ai-command-r"},
		{"some/unknown-model", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.modelPath, func(t *testing.T) {
			assert.Equal(t, tt.expected, g.Match(tt.modelPath).Name)
		})
	}
}

func TestSpecificBeforeGeneric(t *testing.T) {
	// dbrx-instruct also contains "instruct" but must not fall through to later families
	g := NewDefaultGroup()
	assert.Equal(t, "dbrx-instruct", g.Match("dbrx-instruct-mistral").Name)
}

func TestPlainPrompt(t *testing.T) {
	g := NewDefaultGroup()
	tmpl := g.Get("llama-3-instruct")

	prompt := tmpl.GetPrompt(conversation.Conversation{
		conversation.NewSystemMessage("You are terse."),
		conversation.NewUserMessage("Hi"),
		conversation.NewAssistantMessage("Hello"),
	})
	assert.Equal(t,
		"<|start_header_id|>system<|end_header_id|>\n\nYou are terse.<|eot_id|>"+
			"<|start_header_id|>user<|end_header_id|>\n\nHi<|eot_id|>"+
			"<|start_header_id|>assistant<|end_header_id|>\n\nHello<|eot_id|>",
		prompt)
}

func TestEmptySystemMessage(t *testing.T) {
	g := NewDefaultGroup()
	msgs := conversation.Conversation{
		conversation.NewSystemMessage(""),
		conversation.NewUserMessage("Hi"),
	}

	assert.Equal(t, "<|im_start|>user\nHi<|im_end|>\n", g.Get("chatml").GetPrompt(msgs))
	assert.Equal(t,
		"<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n<|im_start|>user\nHi<|im_end|>\n",
		g.Get("qwen").GetPrompt(msgs))
}

func TestLlama2FoldsSystemTurn(t *testing.T) {
	g := NewDefaultGroup()
	tmpl := g.Get("llama-2-chat")

	withSystem := tmpl.GetPrompt(conversation.Conversation{
		conversation.NewSystemMessage("Be brief."),
		conversation.NewUserMessage("Hi"),
		conversation.NewAssistantMessage("Hello"),
		conversation.NewUserMessage("Bye"),
	})
	assert.Equal(t,
		"[INST] <<SYS>>\nBe brief.\n<</SYS>>\n\nHi [/INST]Hello </s><s>[INST] Bye [/INST]",
		withSystem)

	withoutSystem := tmpl.GetPrompt(conversation.Conversation{
		conversation.NewUserMessage("Hi"),
	})
	assert.Equal(t, "[INST] Hi [/INST]", withoutSystem)
}

func TestGetFallsBackToDefault(t *testing.T) {
	g := NewDefaultGroup()
	assert.Equal(t, DefaultTemplateName, g.Get("nope").Name)
	_, ok := g.Lookup("nope")
	assert.False(t, ok)
}

func TestCloneIsIndependent(t *testing.T) {
	g := NewDefaultGroup()
	c := g.Clone()
	c.Register(NewChatTemplate("custom", Affix{"S:", "\n"}, Affix{"U:", "\n"}, Affix{"A:", "\n"}))
	c.RegisterMatcher(func(g *Group, modelPath string) *ChatTemplate {
		if modelPath == "custom" {
			return g.Get("custom")
		}
		return nil
	})

	assert.Equal(t, "custom", c.Match("custom").Name)
	assert.Equal(t, DefaultTemplateName, g.Match("custom").Name)
	require.NotContains(t, g.Names(), "custom")
}

func TestRenderingIsIdempotent(t *testing.T) {
	g := NewDefaultGroup()
	tmpl := g.Get("gemma-it")
	build := func() conversation.Conversation {
		return conversation.Conversation{
			conversation.NewUserMessage("What is 2+2?"),
			conversation.NewAssistantMessage("4"),
		}
	}
	assert.Equal(t, tmpl.GetPrompt(build()), tmpl.GetPrompt(build()))
}
