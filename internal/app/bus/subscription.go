package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
)

// Subscription is one consumer's view of the bus. Samples arrive on C() in
// publish order per instrument.
type Subscription struct {
	bus          *Bus
	id           uint64
	name         string
	policy       Policy
	capacity     int
	blockTimeout time.Duration

	mu     sync.Mutex
	ring   []*domain.Sample
	head   int
	size   int
	inputs bool

	notify    chan struct{}
	out       chan *domain.Sample
	done      chan struct{}
	abortOnce sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64

	errMu sync.Mutex
	err   error
}

type SubOption func(*Subscription)

func WithName(name string) SubOption {
	return func(s *Subscription) {
		if name != "" {
			s.name = name
		}
	}
}

// WithSubBlockTimeout overrides the bus default for a Block subscription.
func WithSubBlockTimeout(d time.Duration) SubOption {
	return func(s *Subscription) {
		if d > 0 {
			s.blockTimeout = d
		}
	}
}

func newSubscription(b *Bus, id uint64, capacity int, policy Policy) *Subscription {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if policy == "" {
		policy = DropOldest
	}
	return &Subscription{
		bus:          b,
		id:           id,
		name:         fmt.Sprintf("sub-%d", id),
		policy:       policy,
		capacity:     capacity,
		blockTimeout: b.blockTimeout,
		ring:         make([]*domain.Sample, capacity),
		inputs:       true,
		notify:       make(chan struct{}, 1),
		out:          make(chan *domain.Sample),
		done:         make(chan struct{}),
	}
}

// C delivers samples until the subscription ends.
func (s *Subscription) C() <-chan *domain.Sample { return s.out }

func (s *Subscription) Name() string   { return s.name }
func (s *Subscription) Policy() Policy { return s.policy }

// Err is the error that detached an attached consumer, if any.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

type SubStats struct {
	Name      string `json:"name"`
	Policy    Policy `json:"policy"`
	Capacity  int    `json:"capacity"`
	Backlog   int    `json:"backlog"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func (s *Subscription) Stats() SubStats {
	s.mu.Lock()
	backlog := s.size
	s.mu.Unlock()
	return SubStats{
		Name:      s.name,
		Policy:    s.policy,
		Capacity:  s.capacity,
		Backlog:   backlog,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// offer appends smp to the backlog, applying the drop policy when full.
func (s *Subscription) offer(smp *domain.Sample) {
	evicted := false
	s.mu.Lock()
	if !s.inputs {
		s.mu.Unlock()
		return
	}
	if s.size == s.capacity {
		if s.policy != DropOldest {
			s.mu.Unlock()
			s.drop()
			return
		}
		s.ring[s.head] = nil
		s.head = (s.head + 1) % s.capacity
		s.size--
		evicted = true
	}
	s.ring[(s.head+s.size)%s.capacity] = smp
	s.size++
	s.mu.Unlock()

	if evicted {
		s.drop()
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) drop() {
	s.dropped.Add(1)
	s.bus.countDrop(s)
}

// next pops the oldest backlog entry, waiting for one if needed. It reports
// false once input is closed and the backlog is empty, or on abort.
func (s *Subscription) next() (*domain.Sample, bool) {
	for {
		s.mu.Lock()
		if s.size > 0 {
			smp := s.ring[s.head]
			s.ring[s.head] = nil
			s.head = (s.head + 1) % s.capacity
			s.size--
			s.mu.Unlock()
			return smp, true
		}
		open := s.inputs
		s.mu.Unlock()
		if !open {
			return nil, false
		}
		select {
		case <-s.notify:
		case <-s.done:
			return nil, false
		}
	}
}

func (s *Subscription) deliver() {
	defer s.bus.wg.Done()
	defer close(s.out)

	var timer *time.Timer
	for {
		smp, ok := s.next()
		if !ok {
			return
		}
		if s.policy != Block {
			select {
			case s.out <- smp:
				s.delivered.Add(1)
			case <-s.done:
				return
			}
			continue
		}

		if timer == nil {
			timer = time.NewTimer(s.blockTimeout)
		} else {
			timer.Reset(s.blockTimeout)
		}
		select {
		case s.out <- smp:
			s.delivered.Add(1)
			timer.Stop()
		case <-timer.C:
			s.drop()
		case <-s.done:
			return
		}
	}
}

// closeInput stops accepting samples; the backlog still drains.
func (s *Subscription) closeInput() {
	s.mu.Lock()
	s.inputs = false
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// abort ends delivery immediately and discards the backlog.
func (s *Subscription) abort() {
	s.closeInput()
	s.abortOnce.Do(func() { close(s.done) })
}
