package llm

import (
	"context"
	"io"
	"sync"
)

type fragment struct {
	text string
	err  error
}

// chanStream adapts a provider's push-style producer to the pull-style
// ReplyStream. The producer runs in its own goroutine and stops when the
// stream is closed.
type chanStream struct {
	ch     chan fragment
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

// newChanStream starts produce with a child of parent that Close cancels.
// produce must return once ctx is done; emit reports false when it should
// stop.
func newChanStream(parent context.Context, produce func(ctx context.Context, emit func(string) bool) error) *chanStream {
	ctx, cancel := context.WithCancel(parent)
	s := &chanStream{
		ch:     make(chan fragment, 16),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		defer close(s.ch)
		emit := func(text string) bool {
			if text == "" {
				return true
			}
			select {
			case s.ch <- fragment{text: text}:
				return true
			case <-ctx.Done():
				return false
			}
		}
		err := produce(ctx, emit)
		if err == nil {
			err = io.EOF
		}
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		select {
		case s.ch <- fragment{err: err}:
		case <-ctx.Done():
		}
	}()
	return s
}

func (s *chanStream) Next(ctx context.Context) (string, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			return "", io.EOF
		}
		return f.text, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
