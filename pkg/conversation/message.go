package conversation

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is a single role-tagged entry of the message log.
//
// ID and GenID are used to address messages for later lookup, update and delete.
// GenID is set on messages produced by a generation call and equals its answer key.
// Priority is the relative priority used by context-trimming transforms (lower is
// dropped first). CacheHint marks messages that are expected to be reused verbatim
// across calls, exempting them from trimming.
type Message struct {
	Role      Role                   `json:"role" yaml:"role"`
	Content   string                 `json:"content" yaml:"content"`
	ID        string                 `json:"id,omitempty" yaml:"id,omitempty"`
	GenID     string                 `json:"genID,omitempty" yaml:"genID,omitempty"`
	Priority  float64                `json:"priority,omitempty" yaml:"priority,omitempty"`
	CacheHint bool                   `json:"cacheHint,omitempty" yaml:"cacheHint,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type MessageOption func(*Message)

func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithGenID(genID string) MessageOption {
	return func(m *Message) {
		m.GenID = genID
	}
}

func WithPriority(priority float64) MessageOption {
	return func(m *Message) {
		m.Priority = priority
	}
}

func WithCacheHint(cacheHint bool) MessageOption {
	return func(m *Message) {
		m.CacheHint = cacheHint
	}
}

// WithMetadata merges the given keys into the message metadata.
func WithMetadata(metadata map[string]interface{}) MessageOption {
	return func(m *Message) {
		if len(metadata) == 0 {
			return
		}
		if m.Metadata == nil {
			m.Metadata = map[string]interface{}{}
		}
		for k, v := range metadata {
			m.Metadata[k] = v
		}
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		Role:    role,
		Content: content,
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

func NewSystemMessage(content string, options ...MessageOption) *Message {
	return NewMessage(RoleSystem, content, options...)
}

func NewUserMessage(content string, options ...MessageOption) *Message {
	return NewMessage(RoleUser, content, options...)
}

func NewAssistantMessage(content string, options ...MessageOption) *Message {
	return NewMessage(RoleAssistant, content, options...)
}

// Apply applies the options to a message in place.
func (m *Message) Apply(options ...MessageOption) {
	for _, option := range options {
		option(m)
	}
}

// Clone returns a copy of the message, including a copy of its metadata map.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	ret := *m
	if m.Metadata != nil {
		ret.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			ret.Metadata[k] = v
		}
	}
	return &ret
}

// Addresses reports whether the message is addressed by id, either as its own id
// or as the answer key of the generation that produced it.
func (m *Message) Addresses(id string) bool {
	return id != "" && (m.ID == id || m.GenID == id)
}

func (m *Message) String() string {
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(m.Content, "\n"))
}
