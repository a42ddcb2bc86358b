package program

import (
	"context"

	"github.com/go-go-golems/enochian/pkg/backends"
	"github.com/go-go-golems/enochian/pkg/conversation"
	"github.com/huandu/go-clone"
	"golang.org/x/sync/errgroup"
)

// Fork returns n independent copies of the state. Each fork gets a deep copy of
// the log, the answers and the debug context, and a clone of the backend.
// The telemetry sink is shared. n <= 0 is treated as 1.
func (s *State) Fork(n int) []*State {
	if n <= 0 {
		n = 1
	}
	ret := make([]*State, 0, n)
	for i := 0; i < n; i++ {
		f := &State{
			messages: clone.Clone(s.messages).(conversation.Conversation),
			answers:  clone.Clone(s.answers).(map[string]*backends.Result),
			debug:    s.debug.Clone(),
			sink:     s.sink,
		}
		if s.backend != nil {
			f.backend = s.backend.Clone()
		}
		ret = append(ret, f)
	}
	return ret
}

// WaitAll runs fn on every fork concurrently and returns the first error.
// The context passed to fn is cancelled as soon as one of them fails.
func WaitAll(ctx context.Context, forks []*State, fn func(ctx context.Context, i int, s *State) error) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i, f := range forks {
		i, f := i, f
		eg.Go(func() error {
			return fn(ctx, i, f)
		})
	}
	return eg.Wait()
}
