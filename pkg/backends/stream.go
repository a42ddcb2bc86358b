package backends

import (
	"io"
	"strings"

	"github.com/pkg/errors"
)

// RecvFunc returns the next delta, or io.EOF once the underlying response is exhausted.
type RecvFunc func() (*Result, error)

// Stream is a lazily pulled sequence of deltas that resolves to a final Result.
// Recv returns deltas in order and io.EOF when done; the final result's text is the
// concatenation of every delta's text, and its metadata is the last reported metadata.
type Stream struct {
	recv   RecvFunc
	close  func() error
	finish func(*Result) (*Result, error)

	text     strings.Builder
	meta     *MetaInfo
	index    int
	received int

	final *Result
	err   error
	done  bool
}

type StreamOption func(*Stream)

// WithCloser is called once when the stream ends or is closed.
func WithCloser(close func() error) StreamOption {
	return func(s *Stream) {
		s.close = close
	}
}

// WithFinisher can amend the accumulated final result once the stream is exhausted.
func WithFinisher(finish func(*Result) (*Result, error)) StreamOption {
	return func(s *Stream) {
		s.finish = finish
	}
}

func NewStream(recv RecvFunc, options ...StreamOption) *Stream {
	ret := &Stream{recv: recv}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// NewResultStream yields a single delta carrying r's text and resolves to r.
func NewResultStream(r *Result) *Stream {
	sent := false
	return NewStream(func() (*Result, error) {
		if sent {
			return nil, io.EOF
		}
		sent = true
		return r.Clone(), nil
	}, WithFinisher(func(final *Result) (*Result, error) {
		final.ToolDecisions = r.Clone().ToolDecisions
		return final, nil
	}))
}

// Recv returns the next delta.
func (s *Stream) Recv() (*Result, error) {
	if s.done {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}

	delta, err := s.recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = s.resolve()
			if err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		s.fail(err)
		return nil, err
	}

	s.received++
	s.text.WriteString(delta.Text)
	s.index = delta.Index
	if delta.MetaInfo != nil {
		s.meta = delta.MetaInfo
	}
	return delta, nil
}

func (s *Stream) resolve() error {
	s.done = true
	final := &Result{
		Text:     s.text.String(),
		Index:    s.index,
		MetaInfo: s.meta,
	}
	if s.finish != nil {
		f, err := s.finish(final)
		if err != nil {
			s.err = err
			s.closeOnce()
			return err
		}
		final = f
	}
	s.final = final
	s.closeOnce()
	return nil
}

func (s *Stream) fail(err error) {
	s.done = true
	s.err = err
	s.closeOnce()
}

func (s *Stream) closeOnce() {
	if s.close != nil {
		c := s.close
		s.close = nil
		_ = c()
	}
}

// Received is the number of deltas returned so far.
func (s *Stream) Received() int {
	return s.received
}

// Final drains the remaining deltas and returns the final result.
func (s *Stream) Final() (*Result, error) {
	for !s.done {
		if _, err := s.Recv(); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.final, nil
}

// Close abandons the stream.
func (s *Stream) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	s.err = errors.New("stream closed")
	if s.close != nil {
		c := s.close
		s.close = nil
		return c()
	}
	return nil
}
