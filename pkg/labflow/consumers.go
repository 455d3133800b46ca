package labflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelClosed is returned when a channel sink or consumer is written to
// after being closed.
var ErrChannelClosed = errors.New("labflow: channel closed")

// SampleFunc handles one live sample.
type SampleFunc func(Sample) error

// SampleBatchFunc handles an ordered batch dequeued from a recorder.
type SampleBatchFunc func([]Sample) error

// NewCallbackConsumer adapts fn into a Consumer. An error from fn detaches
// the consumer from the session.
func NewCallbackConsumer(name string, fn SampleFunc) Consumer {
	if name == "" {
		name = "callback"
	}
	return &callbackConsumer{name: name, fn: fn}
}

// NewChannelConsumer exposes live samples via a channel; it returns the
// consumer, the read-only channel, and a close function that the caller
// should invoke during shutdown. A reader that falls behind blocks only its
// own subscription.
func NewChannelConsumer(name string, buffer int) (Consumer, <-chan Sample, func()) {
	if name == "" {
		name = "channel"
	}
	c := &channelConsumer{name: name, out: newOutlet[Sample](buffer)}
	return c, c.out.ch, c.out.close
}

// NewCallbackSink adapts fn into a recorder Sink so callers can persist
// batches without defining structs.
func NewCallbackSink(name string, fn SampleBatchFunc) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes recorded batches via a channel.
func NewChannelSink(name string, buffer int) (Sink, <-chan []Sample, func()) {
	if name == "" {
		name = "channel"
	}
	s := &channelSink{name: name, out: newOutlet[[]Sample](buffer)}
	return s, s.out.ch, s.out.close
}

type callbackConsumer struct {
	name string
	fn   SampleFunc
}

func (c *callbackConsumer) Name() string { return c.name }

func (c *callbackConsumer) Consume(_ context.Context, s *Sample) error {
	if c.fn == nil {
		return fmt.Errorf("callback consumer %q: nil handler", c.name)
	}
	return c.fn(*s)
}

type channelConsumer struct {
	name string
	out  *outlet[Sample]
}

func (c *channelConsumer) Name() string { return c.name }

func (c *channelConsumer) Consume(ctx context.Context, s *Sample) error {
	return c.out.send(ctx, *s)
}

// Flush closes the channel once the session drained, so range loops end.
func (c *channelConsumer) Flush(context.Context) error {
	c.out.close()
	return nil
}

type callbackSink struct {
	name string
	fn   SampleBatchFunc
}

func (s *callbackSink) WriteBatch(samples []*Sample) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if len(samples) == 0 {
		return nil
	}
	return s.fn(copyBatch(samples))
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name string
	out  *outlet[[]Sample]
}

func (s *channelSink) WriteBatch(samples []*Sample) error {
	if len(samples) == 0 {
		return nil
	}
	return s.out.send(context.Background(), copyBatch(samples))
}

func (s *channelSink) Name() string { return s.name }

// outlet is a channel that may be closed by the reader while a writer is
// blocked sending on it.
type outlet[T any] struct {
	mu     sync.RWMutex
	ch     chan T
	closed chan struct{}
	once   sync.Once
}

func newOutlet[T any](buffer int) *outlet[T] {
	return &outlet[T]{ch: make(chan T, max(buffer, 0)), closed: make(chan struct{})}
}

func (o *outlet[T]) send(ctx context.Context, v T) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	select {
	case <-o.closed:
		return ErrChannelClosed
	default:
	}
	select {
	case <-o.closed:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case o.ch <- v:
		return nil
	}
}

func (o *outlet[T]) close() {
	o.once.Do(func() {
		close(o.closed)
		// wait for blocked senders to notice
		o.mu.Lock()
		close(o.ch)
		o.mu.Unlock()
	})
}

func copyBatch(samples []*Sample) []Sample {
	out := make([]Sample, len(samples))
	for i, s := range samples {
		out[i] = *s
	}
	return out
}
