// Ordered push-based event streams with a single terminal signal
// Used both for underlying runner output and for the instrumented output stream
package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrStreamClosed is returned by Publish after the stream has been terminated.
var ErrStreamClosed = errors.New("stream closed")

// Stream is the read side of an ordered event sequence.
//
// Events is closed after the terminal signal. Once it is closed, Err reports nil if the
// stream completed or the error it failed with.
type Stream struct {
	events chan Event
	done   chan struct{}
	err    error
}

// Publisher is the write side of a Stream. Publish may be called from multiple goroutines;
// the terminal signal (Complete or Fail) is delivered once and later calls are ignored.
type Publisher struct {
	s    *Stream
	mu   sync.RWMutex
	once sync.Once
}

// NewStream creates a stream whose events channel has the given buffer size.
func NewStream(buffer int) (*Stream, *Publisher) {
	s := &Stream{
		events: make(chan Event, max(buffer, 0)),
		done:   make(chan struct{}),
	}
	return s, &Publisher{s: s}
}

// Events returns the channel events are delivered on.
func (s *Stream) Events() <-chan Event { return s.events }

// Done is closed when the terminal signal has been delivered.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err returns the terminal error. It is only meaningful once Events is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Publish delivers ev, blocking until the consumer accepts it or ctx is done.
func (p *Publisher) Publish(ctx context.Context, ev Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	select {
	case <-p.s.done:
		return ErrStreamClosed
	default:
	}
	select {
	case p.s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete terminates the stream successfully.
func (p *Publisher) Complete() { p.terminate(nil) }

// Fail terminates the stream with err. A nil err is treated as completion.
func (p *Publisher) Fail(err error) { p.terminate(err) }

func (p *Publisher) terminate(err error) {
	p.once.Do(func() {
		// Wait for in-flight Publish calls so the events channel is not closed under them.
		p.mu.Lock()
		defer p.mu.Unlock()
		p.s.err = err
		close(p.s.done)
		close(p.s.events)
	})
}

// Collect reads every event from s until it terminates or ctx is done.
func Collect(ctx context.Context, s *Stream) ([]Event, error) {
	var out []Event
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out, s.Err()
			}
			out = append(out, ev)
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
