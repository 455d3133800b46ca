package bus

import (
	"context"
	"fmt"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
)

// Consumer processes samples from its own subscription. Returning an error
// detaches the consumer; other subscribers are unaffected.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, s *domain.Sample) error
}

// Flusher is implemented by consumers that hold buffered state. Flush runs
// once after the subscription ends, also when the consumer failed.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Attach subscribes c and runs it on its own goroutine. A panic inside c is
// recovered and treated like an error.
func (b *Bus) Attach(ctx context.Context, c Consumer, capacity int, policy Policy, opts ...SubOption) *Subscription {
	opts = append([]SubOption{WithName(c.Name())}, opts...)
	sub := b.Subscribe(capacity, policy, opts...)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for smp := range sub.C() {
			if err := consumeSafely(ctx, c, smp); err != nil {
				sub.setErr(err)
				b.log.Error(err, "consumer detached", "consumer", c.Name())
				b.Unsubscribe(sub)
				for range sub.C() {
				}
				break
			}
		}
		if f, ok := c.(Flusher); ok {
			if err := f.Flush(context.WithoutCancel(ctx)); err != nil {
				b.log.Error(err, "consumer flush failed", "consumer", c.Name())
				if sub.Err() == nil {
					sub.setErr(err)
				}
			}
		}
	}()
	return sub
}

func consumeSafely(ctx context.Context, c Consumer, s *domain.Sample) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer %s panicked: %v", c.Name(), r)
		}
	}()
	return c.Consume(ctx, s)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc struct {
	ID string
	Fn func(ctx context.Context, s *domain.Sample) error
}

func (f ConsumerFunc) Name() string { return f.ID }

func (f ConsumerFunc) Consume(ctx context.Context, s *domain.Sample) error { return f.Fn(ctx, s) }
