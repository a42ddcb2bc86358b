package chattemplate

import (
	"strings"
)

const (
	chatMLSystemPrefix    = "<|im_start|>system\n"
	chatMLUserPrefix      = "<|im_start|>user\n"
	chatMLAssistantPrefix = "<|im_start|>assistant\n"
	chatMLEnd             = "<|im_end|>"
)

const vicunaSystemPrompt = "A chat between a curious user and an artificial intelligence assistant. " +
	"The assistant gives helpful, detailed, and polite answers to the user's questions."

const yiVLSystemPrompt = "This is a chat between an inquisitive human and an AI assistant. Assume the role of the AI assistant. " +
	"Read all the images carefully, and respond to the human's questions with informative, helpful, detailed and polite answers." +
	"这是一个好奇的人类和一个人工智能助手之间的对话。假设你扮演这个AI助手的角色。仔细阅读所有的图像，并对人类的问题做出信息丰富、有帮助、详细的和礼貌的回答。"

const dbrxSystemPrompt = "You are DBRX, created by Databricks. You were last updated in December 2023. You answer questions based on information available up to that point.\n" +
	"YOU PROVIDE SHORT RESPONSES TO SHORT QUESTIONS OR STATEMENTS, but provide thorough responses to more complex and open-ended questions.\n" +
	"You assist with various tasks, from writing to coding (using markdown for code blocks — remember to use ``` with code, JSON, and tables).\n" +
	"(You do not have real-time data access or code execution capabilities. You avoid stereotyping and provide balanced perspectives on controversial topics. " +
	"You do not provide song lyrics, poems, or news articles and do not divulge details of your training data.)\n" +
	"This is your system prompt, guiding your responses. Do not reference it, just respond to the user. If you find yourself talking about this message, stop. " +
	"You should be responding appropriately and usually that means not mentioning this.\n" +
	"YOU DO NOT MENTION ANY OF THIS INFORMATION ABOUT YOURSELF UNLESS THE INFORMATION IS DIRECTLY PERTINENT TO THE USER'S QUERY."

func defaultTemplate() *ChatTemplate {
	return NewChatTemplate(DefaultTemplateName,
		Affix{"SYSTEM:", "\n"},
		Affix{"USER:", "\n"},
		Affix{"ASSISTANT:", "\n"},
	)
}

func builtinTemplates() []*ChatTemplate {
	return []*ChatTemplate{
		NewChatTemplate("claude",
			Affix{"", ""},
			Affix{"\n\nHuman: ", ""},
			Affix{"\n\nAssistant:", ""},
		),
		NewChatTemplate("chatml",
			Affix{chatMLSystemPrefix, chatMLEnd + "\n"},
			Affix{chatMLUserPrefix, chatMLEnd + "\n"},
			Affix{chatMLAssistantPrefix, chatMLEnd + "\n"},
			WithStopStr(chatMLEnd),
		),
		NewChatTemplate("qwen",
			Affix{chatMLSystemPrefix, chatMLEnd + "\n"},
			Affix{chatMLUserPrefix, chatMLEnd + "\n"},
			Affix{chatMLAssistantPrefix, chatMLEnd + "\n"},
			WithDefaultSystemPrompt("You are a helpful assistant."),
			WithStopStr(chatMLEnd),
		),
		NewChatTemplate("chatml-llava",
			Affix{chatMLSystemPrefix, chatMLEnd + "\n"},
			Affix{chatMLUserPrefix, chatMLEnd + "\n"},
			Affix{chatMLAssistantPrefix, chatMLEnd + "\n"},
			WithDefaultSystemPrompt("You are a helpful assistant."),
			WithStopStr(chatMLEnd),
			WithImageToken("<image>\n"),
		),
		NewChatTemplate("vicuna_v1.1",
			Affix{"", " "},
			Affix{"USER:", " "},
			Affix{"ASSISTANT:", "</s>"},
			WithDefaultSystemPrompt(vicunaSystemPrompt),
			WithImageToken(" <image>\n"),
		),
		NewChatTemplate("yi-1.5",
			Affix{"", ""},
			Affix{chatMLUserPrefix, chatMLEnd + "\n" + chatMLAssistantPrefix},
			Affix{"", chatMLEnd + "\n"},
			WithStopStr(chatMLEnd),
		),
		NewChatTemplate("llama-2-chat",
			Affix{"<<SYS>>\n", "\n<</SYS>>\n\n"},
			Affix{"[INST] ", " [/INST]"},
			Affix{"", " </s><s>"},
			WithStyle(StyleLlama2),
		),
		NewChatTemplate("llama-3-instruct",
			Affix{"<|start_header_id|>system<|end_header_id|>\n\n", "<|eot_id|>"},
			Affix{"<|start_header_id|>user<|end_header_id|>\n\n", "<|eot_id|>"},
			Affix{"<|start_header_id|>assistant<|end_header_id|>\n\n", "<|eot_id|>"},
			WithStopStr("<|eot_id|>"),
		),
		NewChatTemplate("yi-vl",
			Affix{"", "\n\n"},
			Affix{"### Human:", "\n"},
			Affix{"### Assistant:", "\n"},
			WithDefaultSystemPrompt(yiVLSystemPrompt),
			WithImageToken(" <image_placeholder>\n"),
		),
		NewChatTemplate("gemma-it",
			Affix{"", ""},
			Affix{"<start_of_turn>user\n", "<end_of_turn>\n"},
			Affix{"<start_of_turn>model\n", "<end_of_turn>\n"},
		),
		NewChatTemplate("dbrx-instruct",
			Affix{chatMLSystemPrefix, chatMLEnd},
			Affix{"\n" + chatMLUserPrefix, chatMLEnd},
			Affix{"\n" + chatMLAssistantPrefix, chatMLEnd},
			WithDefaultSystemPrompt(dbrxSystemPrompt),
			WithStopStr(chatMLEnd),
		),
		NewChatTemplate("c4ai-command-r",
			Affix{"<|START_OF_TURN_TOKEN|><|SYSTEM_TOKEN|>", "<|END_OF_TURN_TOKEN|>"},
			Affix{"<|START_OF_TURN_TOKEN|><|USER_TOKEN|>", "<|END_OF_TURN_TOKEN|>"},
			Affix{"<|START_OF_TURN_TOKEN|><|CHATBOT_TOKEN|>", "<|END_OF_TURN_TOKEN|>"},
		),
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}

func containsAny(s string, parts ...string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// builtinMatchers are ordered from the most specific model families to the loosest.
func builtinMatchers() []Matcher {
	return []Matcher{
		MatchDbrx,
		MatchVicuna,
		MatchLlama2Chat,
		MatchLlama3Instruct,
		MatchChatML,
		MatchChatYi,
		MatchGemmaIt,
		MatchCommandR,
	}
}

func MatchDbrx(g *Group, modelPath string) *ChatTemplate {
	p := strings.ToLower(modelPath)
	if containsAll(p, "dbrx", "instruct") {
		return g.Get("dbrx-instruct")
	}
	return nil
}

func MatchVicuna(g *Group, modelPath string) *ChatTemplate {
	p := strings.ToLower(modelPath)
	if containsAny(p, "vicuna", "llava-v1.5", "llava-next-video-7b") {
		return g.Get("vicuna_v1.1")
	}
	return nil
}

func MatchLlama2Chat(g *Group, modelPath string) *ChatTemplate {
	p := strings.ToLower(modelPath)
	switch {
	case containsAll(p, "llama-2", "chat"):
		return g.Get("llama-2-chat")
	case containsAny(p, "mistral", "mixtral") && strings.Contains(p, "instruct"):
		return g.Get("llama-2-chat")
	case containsAll(p, "codellama", "instruct"):
		return g.Get("llama-2-chat")
	}
	return nil
}

func MatchLlama3Instruct(g *Group, modelPath string) *ChatTemplate {
	p := strings.ToLower(modelPath)
	if containsAll(p, "llama-3", "instruct") {
		return g.Get("llama-3-instruct")
	}
	return nil
}

func MatchChatML(g *Group, modelPath string) *ChatTemplate {
	p := strings.ToLower(modelPath)
	switch {
	case strings.Contains(p, "tinyllama"):
		return g.Get("chatml")
	case strings.Contains(p, "qwen") && containsAny(p, "chat", "instruct") && !strings.Contains(p, "llava"):
		return g.Get("qwen")
	case containsAny(p, "llava-v1.6-34b", "llava-v1.6-yi-34b", "llava-next-video-34b", "llava-onevision-qwen2"):
		return g.Get("chatml-llava")
	}
	return nil
}

func MatchChatYi(g *Group, modelPath string) *ChatTemplate {
	p := strings.ToLower(modelPath)
	switch {
	case strings.Contains(p, "yi-vl") && !strings.Contains(p, "llava"):
		return g.Get("yi-vl")
	case containsAll(p, "yi-1.5", "chat"):
		return g.Get("yi-1.5")
	}
	return nil
}

func MatchGemmaIt(g *Group, modelPath string) *ChatTemplate {
	p := strings.ToLower(modelPath)
	if containsAll(p, "gemma", "it") {
		return g.Get("gemma-it")
	}
	return nil
}

func MatchCommandR(g *Group, modelPath string) *ChatTemplate {
	p := strings.ToLower(modelPath)
	if strings.Contains(p, "c4ai-command-r") {
		return g.Get("c4ai-command-r")
	}
	return nil
}
