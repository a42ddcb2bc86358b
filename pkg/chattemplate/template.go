package chattemplate

import (
	"strings"

	"github.com/go-go-golems/enochian/pkg/conversation"
)

type Style int

const (
	// StylePlain always wraps a message with its role's registered prefix and suffix.
	StylePlain Style = iota
	// StyleLlama2 folds the first system turn into the following user turn.
	StyleLlama2
)

func (s Style) String() string {
	switch s {
	case StylePlain:
		return "plain"
	case StyleLlama2:
		return "llama2"
	default:
		return "unknown"
	}
}

// Affix is the literal (prefix, suffix) pair wrapped around a message.
type Affix struct {
	Prefix string
	Suffix string
}

// ChatTemplate renders role-tagged messages into a single backend-specific prompt.
// Templates are immutable once registered in a Group.
type ChatTemplate struct {
	Name string
	// DefaultSystemPrompt is used in place of a system message with empty content.
	// A nil value means such system messages are skipped.
	DefaultSystemPrompt *string
	RolePrefixAndSuffix map[conversation.Role]Affix
	StopStr             []string
	ImageToken          string
	Style               Style
}

type Option func(*ChatTemplate)

func WithDefaultSystemPrompt(prompt string) Option {
	return func(t *ChatTemplate) {
		t.DefaultSystemPrompt = &prompt
	}
}

func WithStopStr(stop ...string) Option {
	return func(t *ChatTemplate) {
		t.StopStr = stop
	}
}

func WithImageToken(token string) Option {
	return func(t *ChatTemplate) {
		t.ImageToken = token
	}
}

func WithStyle(style Style) Option {
	return func(t *ChatTemplate) {
		t.Style = style
	}
}

func NewChatTemplate(name string, system, user, assistant Affix, options ...Option) *ChatTemplate {
	ret := &ChatTemplate{
		Name: name,
		RolePrefixAndSuffix: map[conversation.Role]Affix{
			conversation.RoleSystem:    system,
			conversation.RoleUser:      user,
			conversation.RoleAssistant: assistant,
		},
		StopStr:    []string{},
		ImageToken: "<image>",
		Style:      StylePlain,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// GetPrefixAndSuffix returns the wrapper text for a message with the given role,
// given the messages that precede it.
func (t *ChatTemplate) GetPrefixAndSuffix(role conversation.Role, history conversation.Conversation) (string, string) {
	affix := t.RolePrefixAndSuffix[role]

	if t.Style == StyleLlama2 {
		switch {
		case role == conversation.RoleSystem && len(history) == 0:
			user := t.RolePrefixAndSuffix[conversation.RoleUser]
			system := t.RolePrefixAndSuffix[conversation.RoleSystem]
			return user.Prefix + system.Prefix, system.Suffix
		case role == conversation.RoleUser && len(history) == 1 &&
			history[0].Role == conversation.RoleSystem && history[0].Content != "":
			// the system turn already opened the user turn
			return "", affix.Suffix
		}
	}

	return affix.Prefix, affix.Suffix
}

// GetPrompt concatenates prefix, content and suffix for every message.
func (t *ChatTemplate) GetPrompt(messages conversation.Conversation) string {
	var sb strings.Builder
	for i, m := range messages {
		if m == nil {
			continue
		}
		content := m.Content
		if m.Role == conversation.RoleSystem && content == "" {
			if t.DefaultSystemPrompt == nil {
				continue
			}
			content = *t.DefaultSystemPrompt
		}
		prefix, suffix := t.GetPrefixAndSuffix(m.Role, messages[:i])
		sb.WriteString(prefix)
		sb.WriteString(content)
		sb.WriteString(suffix)
	}
	return sb.String()
}
