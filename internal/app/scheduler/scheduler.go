// Package scheduler runs one acquisition loop per instrument. A loop never
// starts a measurement before the previous one finished and never starts two
// measurements closer together than the instrument's integration allows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

type State string

const (
	StateIdle        State = "idle"
	StateConfiguring State = "configuring"
	StateMeasuring   State = "measuring"
	StatePublishing  State = "publishing"
	StateStopped     State = "stopped"
	StateFaulted     State = "faulted"
)

const (
	DefaultRetryBudget    = 3
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultCadence        = time.Second
)

type Config struct {
	// Cadence is the requested interval between measurement starts. The
	// effective interval is never shorter than the driver's MinCycle.
	Cadence time.Duration
	// RetryBudget is the number of consecutive failed measurements tolerated
	// before the instrument faults.
	RetryBudget    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) ApplyDefaults() {
	if c.RetryBudget <= 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = DefaultMaxBackoff
		if c.MaxBackoff < c.InitialBackoff {
			c.MaxBackoff = c.InitialBackoff
		}
	}
}

// FaultHandler is told once when an instrument faults.
type FaultHandler func(id string, err error)

type Scheduler struct {
	drv     ports.Driver
	pub     ports.SamplePublisher
	cfg     Config
	obs     ports.Observability
	log     logr.Logger
	onFault FaultHandler

	mu         sync.Mutex
	state      State
	lastErr    error
	failures   int
	seq        uint64
	sweep      uint64
	samples    uint64
	retries    uint64
	discarded  uint64
	lastSample time.Time

	// start of the latest Measure call, owned by the loop goroutine
	attempt time.Time

	started   bool
	stopLoop  context.CancelFunc
	cancelIO  context.CancelFunc
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

type Option func(*Scheduler)

func WithObservability(obs ports.Observability) Option {
	return func(s *Scheduler) {
		if obs != nil {
			s.obs = obs
		}
	}
}

func WithLogger(l logr.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithFaultHandler(fn FaultHandler) Option {
	return func(s *Scheduler) { s.onFault = fn }
}

// WithStartSeq continues numbering after seq and sweep, so an instrument
// that is restarted under the same id never repeats a sequence number.
func WithStartSeq(seq, sweep uint64) Option {
	return func(s *Scheduler) { s.seq, s.sweep = seq, sweep }
}

func New(drv ports.Driver, pub ports.SamplePublisher, cfg Config, opts ...Option) *Scheduler {
	cfg.ApplyDefaults()
	s := &Scheduler{
		drv:   drv,
		pub:   pub,
		cfg:   cfg,
		obs:   ports.NopObservability{},
		log:   logr.Discard(),
		state: StateIdle,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.log = s.log.WithValues("instrument", drv.ID())
	return s
}

func (s *Scheduler) ID() string { return s.drv.ID() }

// Interval is the effective time between two measurement starts.
func (s *Scheduler) Interval() time.Duration {
	interval := s.cfg.Cadence
	if mc := s.drv.MinCycle(); mc > interval {
		interval = mc
	}
	if interval <= 0 {
		interval = DefaultCadence
	}
	return interval
}

// IntegrationTime is the per-bin dwell time for integrating instruments and
// zero otherwise.
func (s *Scheduler) IntegrationTime() time.Duration {
	if in, ok := s.drv.(ports.Integrator); ok {
		return in.IntegrationTime()
	}
	return 0
}

// Configure pushes the instrument configuration. A rejected configuration
// faults the scheduler and is never retried.
func (s *Scheduler) Configure(ctx context.Context) error {
	s.setState(StateConfiguring)
	if err := s.drv.Configure(ctx); err != nil {
		err = fmt.Errorf("configure %s: %w", s.drv.ID(), err)
		s.fault(err)
		return err
	}
	s.setState(StateIdle)
	s.log.Info("instrument configured", "interval", s.Interval(), "integration", s.IntegrationTime())
	return nil
}

// Start launches the acquisition loop. Cancelling ctx has the same effect as
// Stop without grace for the loop, but in-flight I/O is only cut by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler %s already started", s.drv.ID())
	}
	if s.state == StateFaulted {
		return fmt.Errorf("scheduler %s: %w", s.drv.ID(), s.lastErr)
	}
	loopCtx, stopLoop := context.WithCancel(ctx)
	ioCtx, cancelIO := context.WithCancel(context.WithoutCancel(ctx))
	s.stopLoop, s.cancelIO = stopLoop, cancelIO
	s.started = true
	go s.loop(loopCtx, ioCtx)
	return nil
}

// Run configures the instrument and acquires until ctx is done or the
// instrument faults. It returns the fault, or nil after a clean stop.
func (s *Scheduler) Run(ctx context.Context, grace time.Duration) error {
	if err := s.Configure(ctx); err != nil {
		s.closeDriver()
		return err
	}
	if err := s.Start(ctx); err != nil {
		s.closeDriver()
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.done:
	}
	if err := s.Stop(grace); err != nil {
		s.log.Error(err, "close instrument")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFaulted {
		return s.lastErr
	}
	return nil
}

// Stop ends acquisition. A measurement in flight may complete and publish
// within grace; after that its I/O is cancelled. The driver and its
// transport are closed before Stop returns.
func (s *Scheduler) Stop(grace time.Duration) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if started {
		s.stopOnce.Do(s.stopLoop)
		t := time.NewTimer(grace)
		select {
		case <-s.done:
		case <-t.C:
			s.log.Info("grace period expired, cancelling measurement", "grace", grace)
			s.cancelIO()
			// closing the transport unblocks a driver stuck in a read
			s.closeDriver()
			<-s.done
		}
		t.Stop()
		s.cancelIO()
	}

	s.mu.Lock()
	if s.state != StateFaulted {
		s.state = StateStopped
	}
	s.mu.Unlock()
	return s.closeDriver()
}

// Done is closed when the acquisition loop exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) closeDriver() error {
	s.closeOnce.Do(func() { s.closeErr = s.drv.Close() })
	return s.closeErr
}

func (s *Scheduler) loop(loopCtx, ioCtx context.Context) {
	defer close(s.done)

	interval := s.Interval()
	timer := time.NewTimer(0)
	defer timer.Stop()

	var prevStart time.Time
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-timer.C:
		}
		if loopCtx.Err() != nil {
			return
		}

		start := time.Now()
		// the next start is measured from this start, not from when the
		// measurement finished
		next := start.Add(interval)

		readings, err := s.measure(ioCtx)
		if err != nil {
			if ioCtx.Err() != nil {
				return
			}
			if fatal(err) {
				s.fault(err)
				// a faulted instrument gives up its transport right away
				if cerr := s.closeDriver(); cerr != nil {
					s.log.Error(cerr, "close instrument")
				}
				return
			}
			s.log.Info("measurement discarded", "kind", domain.ErrorKind(err), "error", err.Error())
		} else {
			s.publish(readings)
			if mc := s.drv.MinCycle(); mc > 0 && !prevStart.IsZero() {
				s.obs.ObserveLatency(ports.MetricIntegrationRatio, mc.Seconds()/start.Sub(prevStart).Seconds())
			}
			prevStart = start
		}

		if mc := s.drv.MinCycle(); mc > 0 {
			if floor := s.attempt.Add(mc); floor.After(next) {
				next = floor
			}
		}
		s.setState(StateIdle)
		timer.Reset(max(time.Until(next), 0))
	}
}

// measure runs one measurement, retrying timeouts within the retry budget.
func (s *Scheduler) measure(ctx context.Context) ([]domain.Reading, error) {
	s.setState(StateMeasuring)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.InitialBackoff
	bo.MaxInterval = s.cfg.MaxBackoff

	op := func() ([]domain.Reading, error) {
		t0 := time.Now()
		s.attempt = t0
		readings, err := s.drv.Measure(ctx)
		s.obs.ObserveLatency(ports.MetricMeasureLatency, time.Since(t0).Seconds())
		if err == nil {
			s.mu.Lock()
			s.failures = 0
			s.mu.Unlock()
			return readings, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}

		s.mu.Lock()
		s.failures++
		failures := s.failures
		s.lastErr = err
		s.mu.Unlock()

		switch {
		case errors.Is(err, domain.ErrTransportDisconnected):
			return nil, backoff.Permanent(err)
		case failures > s.cfg.RetryBudget:
			return nil, backoff.Permanent(fmt.Errorf("%w after %d consecutive failures: %w",
				domain.ErrRetryBudgetExceeded, failures, err))
		case domain.Transient(err):
			s.mu.Lock()
			s.retries++
			s.mu.Unlock()
			s.obs.IncCounter(ports.MetricRetries, 1)
			s.log.V(1).Info("measurement timed out, retrying", "failures", failures, "error", err.Error())
			return nil, err
		}

		s.mu.Lock()
		s.discarded++
		s.mu.Unlock()
		if errors.Is(err, domain.ErrStaleRead) {
			s.obs.IncCounter(ports.MetricStaleReads, 1)
		} else {
			s.obs.IncCounter(ports.MetricMalformed, 1)
		}
		return nil, backoff.Permanent(err)
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(&cycleBackOff{BackOff: bo, minCycle: s.drv.MinCycle(), attempt: &s.attempt}),
		backoff.WithMaxTries(uint(s.cfg.RetryBudget)+1),
	)
}

// cycleBackOff holds a retry back until minCycle has passed since the
// previous attempt started.
type cycleBackOff struct {
	backoff.BackOff
	minCycle time.Duration
	attempt  *time.Time
}

func (b *cycleBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop || b.minCycle <= 0 {
		return d
	}
	return max(d, b.minCycle-time.Since(*b.attempt))
}

func (s *Scheduler) publish(readings []domain.Reading) {
	s.setState(StatePublishing)
	now := time.Now()

	s.mu.Lock()
	s.sweep++
	sweep := s.sweep
	samples := make([]*domain.Sample, len(readings))
	for i, r := range readings {
		s.seq++
		samples[i] = &domain.Sample{
			InstrumentID: s.drv.ID(),
			Kind:         s.drv.Kind(),
			Timestamp:    now,
			Seq:          s.seq,
			Sweep:        sweep,
			Channel:      r.Channel,
			Value:        r.Value,
			Frequency:    r.Frequency,
			Unit:         r.Unit,
		}
	}
	s.samples += uint64(len(samples))
	s.lastSample = now
	s.mu.Unlock()

	for _, smp := range samples {
		s.pub.Publish(smp)
	}
}

func (s *Scheduler) fault(err error) {
	s.mu.Lock()
	if s.state == StateFaulted {
		s.mu.Unlock()
		return
	}
	s.state = StateFaulted
	s.lastErr = err
	s.mu.Unlock()

	s.obs.IncCounter(ports.MetricFaults, 1)
	s.obs.LogCritical("instrument faulted", err,
		ports.Field{Key: "instrument", Value: s.drv.ID()},
		ports.Field{Key: "kind", Value: domain.ErrorKind(err)})
	if s.onFault != nil {
		s.onFault(s.drv.ID(), err)
	}
}

func (s *Scheduler) setState(st State) {
	s.mu.Lock()
	if s.state != StateFaulted && s.state != StateStopped {
		s.state = st
	}
	s.mu.Unlock()
}

// fatal reports errors that end acquisition for the instrument.
func fatal(err error) bool {
	return errors.Is(err, domain.ErrTransportDisconnected) ||
		errors.Is(err, domain.ErrRetryBudgetExceeded) ||
		errors.Is(err, domain.ErrConfigRejected)
}

type Status struct {
	ID          string        `json:"id"`
	Kind        domain.Kind   `json:"kind"`
	State       State         `json:"state"`
	Interval    time.Duration `json:"interval_ns"`
	Integration time.Duration `json:"integration_ns,omitempty"`
	Failures    int           `json:"consecutive_failures"`
	Samples     uint64        `json:"samples"`
	Seq         uint64        `json:"seq"`
	Sweeps      uint64        `json:"sweeps"`
	Retries     uint64        `json:"retries"`
	Discarded   uint64        `json:"discarded"`
	LastSample  time.Time     `json:"last_sample,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		ID:          s.drv.ID(),
		Kind:        s.drv.Kind(),
		State:       s.state,
		Interval:    s.Interval(),
		Integration: s.IntegrationTime(),
		Failures:    s.failures,
		Samples:     s.samples,
		Seq:         s.seq,
		Sweeps:      s.sweep,
		Retries:     s.retries,
		Discarded:   s.discarded,
		LastSample:  s.lastSample,
		ErrorKind:   domain.ErrorKind(s.lastErr),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}
