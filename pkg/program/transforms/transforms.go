// Package transforms contains context-trimming presets that keep a message log
// under a token budget before it is sent to a backend.
//
// A transform only ever sees the messages that are not part of the cached prefix
// and not the last (in-progress) message, see program.GenOptions.Transform.
package transforms

import (
	"context"

	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TokenCounter counts the tokens a backend would see for msgs.
type TokenCounter interface {
	TokenCount(ctx context.Context, msgs conversation.Conversation) (int, error)
}

// Transform rewrites the trimmable part of a message log.
// It must not modify the messages it is given in place.
type Transform func(ctx context.Context, counter TokenCounter, msgs conversation.Conversation) (conversation.Conversation, error)

// Threshold is the token budget of a prompt.
type Threshold struct {
	// Threshold is the maximum number of tokens of prompt plus output.
	Threshold int `yaml:"threshold"`
	// ReservedForOutput is kept free for the generated text.
	ReservedForOutput int `yaml:"reserved-for-output"`
}

// IsUnderTokenThreshold reports whether count(msgs) + reserved <= threshold.
func IsUnderTokenThreshold(ctx context.Context, counter TokenCounter, msgs conversation.Conversation, t Threshold) (bool, error) {
	if counter == nil {
		return false, errors.New("no token counter")
	}
	n, err := counter.TokenCount(ctx, msgs)
	if err != nil {
		return false, errors.Wrap(err, "could not count tokens")
	}
	return n+t.ReservedForOutput <= t.Threshold, nil
}

// picker returns the index of the next message to remove.
type picker func(msgs conversation.Conversation) int

func trimUntilUnder(t Threshold, name string, pick picker) Transform {
	return func(ctx context.Context, counter TokenCounter, msgs conversation.Conversation) (conversation.Conversation, error) {
		ret := append(conversation.Conversation(nil), msgs...)
		for {
			under, err := IsUnderTokenThreshold(ctx, counter, ret, t)
			if err != nil {
				return nil, err
			}
			if under {
				break
			}
			if len(ret) == 0 {
				log.Warn().Str("transform", name).Int("threshold", t.Threshold).
					Msg("removed every message and the prompt is still over the threshold")
				break
			}
			i := pick(ret)
			ret = append(ret[:i:i], ret[i+1:]...)
		}
		log.Debug().Str("transform", name).Int("before", len(msgs)).Int("after", len(ret)).Msg("trimmed messages")
		return ret, nil
	}
}

// TrimByRelativePriority removes the message with the lowest Priority first,
// the earliest one on ties, until the messages are under the threshold.
func TrimByRelativePriority(t Threshold) Transform {
	return trimUntilUnder(t, "relative-priority", func(msgs conversation.Conversation) int {
		lowest := 0
		for i, m := range msgs {
			if m.Priority < msgs[lowest].Priority {
				lowest = i
			}
		}
		return lowest
	})
}

// TrimFromMiddle removes the message in the middle until the messages are under the threshold.
func TrimFromMiddle(t Threshold) Transform {
	return trimUntilUnder(t, "middle", func(msgs conversation.Conversation) int {
		return len(msgs) / 2
	})
}

// TrimFromOldMessages removes the oldest message until the messages are under the threshold.
func TrimFromOldMessages(t Threshold) Transform {
	return trimUntilUnder(t, "old-messages", func(msgs conversation.Conversation) int {
		return 0
	})
}

// Chain applies transforms in order.
func Chain(ts ...Transform) Transform {
	return func(ctx context.Context, counter TokenCounter, msgs conversation.Conversation) (conversation.Conversation, error) {
		var err error
		for _, t := range ts {
			msgs, err = t(ctx, counter, msgs)
			if err != nil {
				return nil, err
			}
		}
		return msgs, nil
	}
}
