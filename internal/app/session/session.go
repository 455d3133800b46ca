// Package session coordinates the instruments of one acquisition run: it
// opens and configures them, runs a scheduler per instrument on a shared
// sample bus and tears everything down in order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/JustinD-T/Quantum-Subradience/internal/app/bus"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/config"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/scheduler"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFaulted  State = "faulted"
)

const DefaultStopGrace = 5 * time.Second

var (
	ErrNotRunning          = errors.New("session is not running")
	ErrDuplicateInstrument = errors.New("duplicate instrument id")
	ErrUnknownInstrument   = errors.New("unknown instrument")
)

// Coordinator creates sessions. It holds no session state itself, so any
// number of sessions can run side by side.
type Coordinator struct {
	open    ports.TransportOpener
	factory DriverFactory
	obs     ports.Observability
	log     logr.Logger
	busOpts []bus.Option
	grace   time.Duration
	name    string

	consumers []attachment
}

type attachment struct {
	consumer bus.Consumer
	capacity int
	policy   bus.Policy
}

type Option func(*Coordinator)

func WithTransportOpener(open ports.TransportOpener) Option {
	return func(c *Coordinator) { c.open = open }
}

func WithDriverFactory(f DriverFactory) Option {
	return func(c *Coordinator) {
		if f != nil {
			c.factory = f
		}
	}
}

func WithObservability(obs ports.Observability) Option {
	return func(c *Coordinator) {
		if obs != nil {
			c.obs = obs
		}
	}
}

func WithLogger(l logr.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithBusOptions(opts ...bus.Option) Option {
	return func(c *Coordinator) { c.busOpts = append(c.busOpts, opts...) }
}

// WithStopGrace bounds how long a measurement in flight may take to finish
// once a session or instrument is stopped.
func WithStopGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithConsumer attaches c to every session before its instruments start,
// so c sees the first sample.
func WithConsumer(c bus.Consumer, capacity int, policy bus.Policy) Option {
	return func(co *Coordinator) {
		if c != nil {
			co.consumers = append(co.consumers, attachment{consumer: c, capacity: capacity, policy: policy})
		}
	}
}

func WithName(name string) Option {
	return func(c *Coordinator) {
		if name != "" {
			c.name = name
		}
	}
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		factory: NewDriver,
		obs:     ports.NopObservability{},
		log:     logr.Discard(),
		grace:   DefaultStopGrace,
		name:    "labflow",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// StartSession opens and configures every instrument concurrently and
// starts acquisition once all of them are ready. If any instrument fails,
// everything opened so far is closed and the error is returned.
func (c *Coordinator) StartSession(ctx context.Context, instruments []config.InstrumentConfig) (*Session, error) {
	seen := make(map[string]bool, len(instruments))
	for _, in := range instruments {
		if seen[in.ID] {
			return nil, fmt.Errorf("%w %q", ErrDuplicateInstrument, in.ID)
		}
		seen[in.ID] = true
	}

	s := c.newSession(ctx)
	for _, a := range c.consumers {
		s.Attach(context.WithoutCancel(ctx), a.consumer, a.capacity, a.policy)
	}

	scheds := make([]*scheduler.Scheduler, len(instruments))
	g, gctx := errgroup.WithContext(ctx)
	for i, in := range instruments {
		g.Go(func() error {
			sc, err := s.prepare(gctx, in)
			scheds[i] = sc
			return err
		})
	}
	if err := g.Wait(); err != nil {
		for _, sc := range scheds {
			if sc != nil {
				_ = sc.Stop(0)
			}
		}
		s.cancel()
		s.bus.Close()
		s.setState(StateStopped)
		return nil, err
	}

	s.mu.Lock()
	s.state = StateRunning
	for i, sc := range scheds {
		s.instruments[sc.ID()] = &member{cfg: instruments[i], sched: sc}
		if err := sc.Start(s.runCtx); err != nil {
			s.log.Error(err, "start scheduler")
		}
	}
	s.mu.Unlock()
	s.reportActive()

	s.log.Info("session started", "instruments", len(instruments))
	return s, nil
}

// StopSession is Session.Stop.
func (c *Coordinator) StopSession(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	return s.Stop(ctx)
}

func (c *Coordinator) newSession(ctx context.Context) *Session {
	id := uuid.NewString()
	log := c.log.WithValues("session", id)
	busOpts := append([]bus.Option{bus.WithObservability(c.obs), bus.WithLogger(log)}, c.busOpts...)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &Session{
		id:          id,
		name:        c.name,
		coord:       c,
		log:         log,
		bus:         bus.New(busOpts...),
		runCtx:      runCtx,
		cancel:      cancel,
		state:       StateIdle,
		started:     time.Now(),
		instruments: make(map[string]*member),
		marks:       make(map[string]seqMark),
	}
}

type member struct {
	cfg   config.InstrumentConfig
	sched *scheduler.Scheduler
}

type seqMark struct{ seq, sweep uint64 }

// Session is a running set of instruments publishing to one bus.
type Session struct {
	id      string
	name    string
	coord   *Coordinator
	log     logr.Logger
	bus     *bus.Bus
	runCtx  context.Context
	cancel  context.CancelFunc
	started time.Time

	mu          sync.Mutex
	state       State
	instruments map[string]*member
	faults      map[string]error
	// numbering reached by removed instruments, so a re-added id carries on
	marks       map[string]seqMark
	stopOnce    sync.Once
	stopErr     error
}

func (s *Session) ID() string    { return s.id }
func (s *Session) Name() string  { return s.name }
func (s *Session) Bus() *bus.Bus { return s.bus }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Attach runs c on its own bus subscription until the session stops.
func (s *Session) Attach(ctx context.Context, c bus.Consumer, capacity int, policy bus.Policy, opts ...bus.SubOption) *bus.Subscription {
	return s.bus.Attach(ctx, c, capacity, policy, opts...)
}

// Instruments lists the ids of the session's instruments, faulted ones
// included.
func (s *Session) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.instruments))
	for id := range s.instruments {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// prepare builds and configures the scheduler for one instrument. On error
// the driver is already closed.
func (s *Session) prepare(ctx context.Context, in config.InstrumentConfig) (*scheduler.Scheduler, error) {
	in.ApplyDefaults()
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("instrument %s: %w", in.ID, err)
	}

	log := s.log.WithValues("instrument", in.ID, "kind", in.Kind)
	drv, err := s.coord.factory(ctx, in, s.coord.open, log)
	if err != nil {
		return nil, fmt.Errorf("instrument %s: %w", in.ID, err)
	}

	s.mu.Lock()
	mark := s.marks[in.ID]
	s.mu.Unlock()

	sc := scheduler.New(drv, s.bus, scheduler.Config{
		Cadence:        in.Cadence,
		RetryBudget:    in.Retry.Budget,
		InitialBackoff: in.Retry.InitialBackoff,
		MaxBackoff:     in.Retry.MaxBackoff,
	},
		scheduler.WithObservability(s.coord.obs),
		scheduler.WithLogger(s.log),
		scheduler.WithFaultHandler(s.onFault),
		scheduler.WithStartSeq(mark.seq, mark.sweep),
	)
	if err := sc.Configure(ctx); err != nil {
		_ = sc.Stop(0)
		return nil, err
	}
	return sc, nil
}

// onFault records a faulted instrument. The other instruments keep running.
func (s *Session) onFault(id string, err error) {
	s.mu.Lock()
	if m, ok := s.instruments[id]; !ok || m.sched == nil {
		// configure failures are reported by StartSession/AddInstrument
		s.mu.Unlock()
		return
	}
	if s.faults == nil {
		s.faults = make(map[string]error)
	}
	s.faults[id] = err
	if s.state == StateRunning {
		s.state = StateFaulted
	}
	s.mu.Unlock()

	s.log.Error(err, "instrument faulted", "instrument", id)
	s.reportActive()
}

// AddInstrument configures and starts one more instrument on a running
// session. A rejected configuration is returned and nothing is added.
func (s *Session) AddInstrument(ctx context.Context, in config.InstrumentConfig) error {
	s.mu.Lock()
	if !s.acceptingLocked() {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if _, ok := s.instruments[in.ID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w %q", ErrDuplicateInstrument, in.ID)
	}
	// reserve the id while configuring
	s.instruments[in.ID] = &member{cfg: in}
	s.mu.Unlock()

	sc, err := s.prepare(ctx, in)

	s.mu.Lock()
	if err == nil && !s.acceptingLocked() {
		err = ErrNotRunning
		_ = sc.Stop(0)
	}
	if err != nil {
		delete(s.instruments, in.ID)
		s.mu.Unlock()
		return err
	}
	s.instruments[in.ID] = &member{cfg: in, sched: sc}
	err = sc.Start(s.runCtx)
	s.mu.Unlock()

	s.reportActive()
	s.log.Info("instrument added", "instrument", in.ID)
	return err
}

// RemoveInstrument stops one instrument, letting a measurement in flight
// finish within the stop grace, and releases its transport.
func (s *Session) RemoveInstrument(ctx context.Context, id string) error {
	s.mu.Lock()
	m, ok := s.instruments[id]
	if !ok || m.sched == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w %q", ErrUnknownInstrument, id)
	}
	// the id stays reserved until the scheduler has stopped numbering
	s.instruments[id] = &member{cfg: m.cfg}
	delete(s.faults, id)
	if s.state == StateFaulted && len(s.faults) == 0 {
		s.state = StateRunning
	}
	s.mu.Unlock()

	err := m.sched.Stop(s.grace(ctx))

	st := m.sched.Status()
	s.mu.Lock()
	s.marks[id] = seqMark{seq: st.Seq, sweep: st.Sweeps}
	delete(s.instruments, id)
	s.mu.Unlock()
	s.reportActive()
	s.log.Info("instrument removed", "instrument", id)
	return err
}

// Reconcile applies a configuration diff: removed and changed instruments
// are stopped, changed and added ones started.
func (s *Session) Reconcile(ctx context.Context, diff config.InstrumentDiff) error {
	var errs []error
	for _, id := range diff.Removed {
		errs = append(errs, s.RemoveInstrument(ctx, id))
	}
	for _, in := range diff.Changed {
		errs = append(errs, s.RemoveInstrument(ctx, in.ID))
	}
	start := append(append([]config.InstrumentConfig(nil), diff.Changed...), diff.Added...)
	for _, in := range start {
		errs = append(errs, s.AddInstrument(ctx, in))
	}
	return errors.Join(errs...)
}

// Stop drains the session. Schedulers finish or abort their measurement
// within the grace period and release their transports, then the bus is
// closed so subscribers receive everything published before the stop.
// Stop waits for attached consumers until ctx is done.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *Session) stop(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateStopping
	members := make([]*member, 0, len(s.instruments))
	for _, m := range s.instruments {
		if m.sched != nil {
			members = append(members, m)
		}
	}
	s.mu.Unlock()

	grace := s.grace(ctx)
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, m := range members {
		g.Go(func() error {
			if err := m.sched.Stop(grace); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", m.cfg.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	s.cancel()

	s.bus.Close()
	if err := s.bus.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for consumers: %w", err))
	}

	s.setState(StateStopped)
	s.reportActive()
	st := s.bus.Stats()
	s.log.Info("session stopped", "published", st.Published, "dropped", st.Dropped)
	return errors.Join(errs...)
}

// grace is the coordinator's stop grace, shortened to fit ctx's deadline.
func (s *Session) grace(ctx context.Context) time.Duration {
	g := s.coord.grace
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < g {
			g = max(left, 0)
		}
	}
	return g
}

func (s *Session) acceptingLocked() bool {
	return s.state == StateRunning || s.state == StateFaulted
}

func (s *Session) reportActive() {
	s.mu.Lock()
	active := 0
	if s.acceptingLocked() {
		for id, m := range s.instruments {
			if _, faulted := s.faults[id]; m.sched != nil && !faulted {
				active++
			}
		}
	}
	s.mu.Unlock()
	s.coord.obs.SetGauge(ports.MetricActiveInstruments, float64(active))
}
