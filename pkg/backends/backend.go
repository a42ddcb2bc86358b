package backends

import (
	"context"
	"strings"

	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/google/uuid"
)

// ModelParams selects the model a backend talks to.
type ModelParams struct {
	// URL is the server address (local server) or API base URL (hosted API).
	URL string `yaml:"url"`
	// Model is the model name, used by the hosted API.
	Model string `yaml:"model"`
}

// Backend is a protocol adapter bound to one model configuration.
// It holds no conversation state; every call receives the full message list.
type Backend interface {
	Name() string
	SetModel(ctx context.Context, params ModelParams) error
	// Generate runs a non-streaming generation.
	Generate(ctx context.Context, msgs conversation.Conversation, opts *GenOptions) (*Result, error)
	// Stream runs a streaming generation.
	Stream(ctx context.Context, msgs conversation.Conversation, opts *GenOptions) (*Stream, error)
	// GetPrompt renders msgs the way the backend sees them.
	GetPrompt(msgs conversation.Conversation) (string, error)
	TokenCount(ctx context.Context, msgs conversation.Conversation) (int, error)
	// Clone returns an independent copy of the backend configuration.
	Clone() Backend
}

// NewRequestID returns a fresh wire request id.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// SumUsage adds the token accounting of other into r.
func SumUsage(r *Result, other *Result) {
	if r == nil || other == nil || other.MetaInfo == nil {
		return
	}
	if r.MetaInfo == nil {
		r.MetaInfo = &MetaInfo{}
	}
	r.MetaInfo.PromptTokens += other.MetaInfo.PromptTokens
	r.MetaInfo.CompletionTokens += other.MetaInfo.CompletionTokens
}
