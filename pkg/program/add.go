package program

import (
	"context"

	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Add resolves c and appends its messages to the log, applying options to each of them.
// Streamed compositions are drained without surfacing their deltas.
// If resolving fails, nothing is appended.
func (s *State) Add(ctx context.Context, c *Composition, options ...conversation.MessageOption) (*State, error) {
	if err := c.Err(); err != nil {
		return s, err
	}
	if c.Kind() == Immediate {
		msgs, err := c.Messages()
		if err != nil {
			return s, err
		}
		s.appendMessages(msgs, options...)
		return s, nil
	}

	ms, err := s.AddStream(ctx, c, options...)
	if err != nil {
		return s, err
	}
	if _, err := ms.Final(); err != nil {
		return s, err
	}
	return s, nil
}

// AddStream resolves c lazily. The messages are appended once the returned stream is exhausted.
func (s *State) AddStream(ctx context.Context, c *Composition, options ...conversation.MessageOption) (*MessageStream, error) {
	if err := c.Err(); err != nil {
		return nil, err
	}
	ms := s.newMessageStream(ctx, c)
	ms.complete = func(msgs conversation.Conversation) {
		s.appendMessages(msgs, options...)
	}
	return ms, nil
}

// UpdateOptions configures Update.
type UpdateOptions struct {
	// DeleteMessagesAfter drops every message following the updated one.
	DeleteMessagesAfter bool
}

// Update replaces the first message addressed by id (as ID or GenID) with the
// messages of c, tagged with ID id. Other messages addressed by id after it are
// removed as well, and the answer recorded under id is dropped. Generations in c
// see the log up to the replaced message.
func (s *State) Update(ctx context.Context, id string, c *Composition, uo UpdateOptions, options ...conversation.MessageOption) error {
	ms, err := s.UpdateStream(ctx, id, c, uo, options...)
	if err != nil {
		return err
	}
	_, err = ms.Final()
	return err
}

// UpdateStream is the lazy form of Update. The log is restored if the stream
// fails or is closed before it completes.
func (s *State) UpdateStream(ctx context.Context, id string, c *Composition, uo UpdateOptions, options ...conversation.MessageOption) (*MessageStream, error) {
	idx := s.messages.IndexOf(id)
	if idx < 0 {
		log.Warn().Str("id", id).Msg("no message to update")
		return nil, errors.Wrapf(ErrMessageNotFound, "%s", id)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}

	saved := s.messages
	savedAnswer, hadAnswer := s.answers[id]

	tail := conversation.Conversation{}
	for _, m := range s.messages[idx:] {
		if !m.Addresses(id) {
			tail = append(tail, m)
		}
	}
	s.messages = append(conversation.Conversation{}, s.messages[:idx]...)
	delete(s.answers, id)

	ms := s.newMessageStream(ctx, c)
	options = append([]conversation.MessageOption{conversation.WithID(id)}, options...)
	ms.complete = func(msgs conversation.Conversation) {
		s.appendMessages(msgs, options...)
		if !uo.DeleteMessagesAfter {
			s.messages = append(s.messages, tail...)
		}
	}
	ms.abort = func() {
		s.messages = saved
		if hadAnswer {
			s.answers[id] = savedAnswer
		}
	}
	return ms, nil
}

// Delete removes every message with ID id. If there is none, it removes the
// first message generated under answer key id, together with its answer.
func (s *State) Delete(id string) error {
	if len(s.messages.WithID(id)) > 0 {
		kept := conversation.Conversation{}
		for _, m := range s.messages {
			if m.ID != id {
				kept = append(kept, m)
			}
		}
		s.messages = kept
		return nil
	}

	for i, m := range s.messages {
		if m.GenID == id {
			delete(s.answers, m.GenID)
			s.messages = append(s.messages[:i:i], s.messages[i+1:]...)
			return nil
		}
	}

	log.Warn().Str("id", id).Msg("no message to delete")
	return errors.Wrapf(ErrMessageNotFound, "%s", id)
}
