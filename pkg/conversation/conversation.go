package conversation

import (
	"strings"
)

// Conversation is the ordered message log. Order is conversation order.
type Conversation []*Message

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	if c == nil {
		return nil
	}
	ret := make(Conversation, len(c))
	for i, m := range c {
		ret[i] = m.Clone()
	}
	return ret
}

// Coalesce merges adjacent messages of the same role into one message.
// The receiver is left untouched; the merged messages are copies.
func (c Conversation) Coalesce() Conversation {
	ret := make(Conversation, 0, len(c))
	for _, m := range c {
		if len(ret) > 0 && ret[len(ret)-1].Role == m.Role {
			ret[len(ret)-1].Content += m.Content
			continue
		}
		ret = append(ret, m.Clone())
	}
	return ret
}

// IndexOf returns the index of the first message addressed by id, or -1.
func (c Conversation) IndexOf(id string) int {
	for i, m := range c {
		if m.Addresses(id) {
			return i
		}
	}
	return -1
}

// WithID returns the messages whose ID equals id.
func (c Conversation) WithID(id string) Conversation {
	ret := Conversation{}
	for _, m := range c {
		if m.ID == id {
			ret = append(ret, m)
		}
	}
	return ret
}

// Text concatenates the content of all messages.
func (c Conversation) Text() string {
	var sb strings.Builder
	for _, m := range c {
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// Last returns the last message, or nil for an empty conversation.
func (c Conversation) Last() *Message {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// GetTranscript renders the conversation as "role: content" lines.
func (c Conversation) GetTranscript() string {
	var sb strings.Builder
	for _, m := range c {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}
