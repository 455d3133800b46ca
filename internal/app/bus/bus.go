// Package bus fans samples out to independent subscribers. Publishing never
// blocks: every subscriber owns a bounded backlog and a drop policy, and a
// slow subscriber only ever loses its own samples.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// Policy decides what happens when a subscriber falls behind.
type Policy string

const (
	// DropOldest evicts the oldest backlog entry to admit the new sample.
	DropOldest Policy = "drop_oldest"
	// DropNewest rejects the new sample while the backlog is full.
	DropNewest Policy = "drop_newest"
	// Block makes the delivery goroutine wait up to the block timeout for the
	// consumer before dropping. A full backlog rejects new samples.
	Block Policy = "block"
)

const (
	DefaultCapacity     = 1024
	DefaultBlockTimeout = 250 * time.Millisecond
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case DropOldest, DropNewest, Block:
		return p, nil
	case "":
		return DropOldest, nil
	}
	return "", fmt.Errorf("unknown drop policy %q", s)
}

type Bus struct {
	mu     sync.Mutex // serializes registry writers
	subs   atomic.Pointer[[]*Subscription]
	nextID atomic.Uint64
	closed atomic.Bool

	published  atomic.Uint64
	afterClose atomic.Uint64
	dropped    atomic.Uint64

	blockTimeout time.Duration
	obs          ports.Observability
	log          logr.Logger

	wg sync.WaitGroup
}

type Option func(*Bus)

func WithObservability(obs ports.Observability) Option {
	return func(b *Bus) {
		if obs != nil {
			b.obs = obs
		}
	}
}

func WithLogger(l logr.Logger) Option {
	return func(b *Bus) { b.log = l }
}

// WithBlockTimeout sets the default wait of Block subscriptions.
func WithBlockTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.blockTimeout = d
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		blockTimeout: DefaultBlockTimeout,
		obs:          ports.NopObservability{},
		log:          logr.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	empty := []*Subscription{}
	b.subs.Store(&empty)
	return b
}

// Publish hands s to every subscriber. It never blocks and never fails;
// samples published after Close are counted and ignored.
func (b *Bus) Publish(s *domain.Sample) {
	if s == nil {
		return
	}
	if b.closed.Load() {
		b.afterClose.Add(1)
		return
	}
	b.published.Add(1)
	b.obs.IncCounter(ports.MetricSamplesPublished, 1)
	for _, sub := range *b.subs.Load() {
		sub.offer(s)
	}
}

// Subscribe registers a new subscriber. Subscribing to a closed bus returns a
// subscription whose channel is already closed.
func (b *Bus) Subscribe(capacity int, policy Policy, opts ...SubOption) *Subscription {
	sub := newSubscription(b, b.nextID.Add(1), capacity, policy)
	for _, opt := range opts {
		if opt != nil {
			opt(sub)
		}
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		sub.closeInput()
		b.wg.Add(1)
		go sub.deliver()
		return sub
	}
	cur := *b.subs.Load()
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, sub)
	b.subs.Store(&next)
	b.wg.Add(1)
	b.mu.Unlock()

	go sub.deliver()
	b.log.V(1).Info("subscriber added", "subscriber", sub.name, "policy", string(sub.policy), "capacity", sub.capacity)
	return sub
}

// Unsubscribe removes sub and closes its channel without draining the
// backlog.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.remove(sub)
	sub.abort()
}

func (b *Bus) remove(sub *Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := *b.subs.Load()
	next := make([]*Subscription, 0, len(cur))
	found := false
	for _, s := range cur {
		if s == sub {
			found = true
			continue
		}
		next = append(next, s)
	}
	if found {
		b.subs.Store(&next)
	}
	return found
}

// Close stops accepting samples. Each subscription delivers its remaining
// backlog and then closes its channel; Wait blocks until that happened.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed.Swap(true) {
		b.mu.Unlock()
		return
	}
	subs := *b.subs.Load()
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeInput()
	}
	b.log.V(1).Info("bus closed", "subscribers", len(subs), "published", b.published.Load())
}

// Wait blocks until every subscription channel is closed and every attached
// consumer returned, or ctx is done.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) Closed() bool { return b.closed.Load() }

type Stats struct {
	Published         uint64     `json:"published"`
	Dropped           uint64     `json:"dropped"`
	PublishedOnClosed uint64     `json:"published_after_close"`
	Subscribers       []SubStats `json:"subscribers"`
}

func (b *Bus) Stats() Stats {
	subs := *b.subs.Load()
	st := Stats{
		Published:         b.published.Load(),
		Dropped:           b.dropped.Load(),
		PublishedOnClosed: b.afterClose.Load(),
		Subscribers:       make([]SubStats, 0, len(subs)),
	}
	for _, s := range subs {
		st.Subscribers = append(st.Subscribers, s.Stats())
	}
	return st
}

func (b *Bus) countDrop(sub *Subscription) {
	b.dropped.Add(1)
	b.obs.IncCounter(ports.MetricSamplesDropped, 1)
}

var _ ports.SamplePublisher = (*Bus)(nil)
