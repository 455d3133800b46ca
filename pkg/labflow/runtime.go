package labflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/natsbridge"
	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/observability"
	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/queue"
	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/sink"
	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/wal"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/bus"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/config"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/live"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/pipeline"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/session"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type consumerSpec struct {
	consumer Consumer
	capacity int
	policy   BusPolicy
}

type runtimeOverrides struct {
	observability Observability
	registry      *prometheus.Registry
	logger        *logr.Logger
	opener        TransportOpener
	factory       session.DriverFactory
	transformer   Transformer
	sinks         []Sink
	consumers     []consumerSpec
}

// WithObservability plugs in a custom observability backend instead of the
// Prometheus one.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithRegistry registers the runtime metrics on reg instead of a private
// registry.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

func WithLogger(l logr.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = &l
	}
}

// WithTransportOpener replaces how transport descriptors are opened, e.g.
// to route instruments to simulators.
func WithTransportOpener(open TransportOpener) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.opener = open
	}
}

// WithDriverFactory replaces how drivers are built from instrument
// configuration, e.g. to wrap the stock drivers. NewDriver is the default.
func WithDriverFactory(f DriverFactory) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.factory = f
	}
}

// WithTransformer replaces the default tagging transformer used by every
// recorder.
func WithTransformer(t Transformer) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.transformer = t
	}
}

// WithSink records every sample to s through its own WAL, in addition to
// the sinks in the configuration.
func WithSink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) {
		if s != nil {
			o.sinks = append(o.sinks, s)
		}
	}
}

// WithConsumer attaches c to the session bus. A zero capacity or empty
// policy falls back to the bus configuration.
func WithConsumer(c Consumer, capacity int, policy BusPolicy) RuntimeOption {
	return func(o *runtimeOverrides) {
		if c != nil {
			o.consumers = append(o.consumers, consumerSpec{consumer: c, capacity: capacity, policy: policy})
		}
	}
}

// Runtime runs one acquisition session from a Config: instruments publish
// to the bus, recorders persist through WAL-backed sinks, and the optional
// NATS bridge and live server fan samples out.
type Runtime struct {
	cfg       *Config
	obs       ports.Observability
	registry  *prometheus.Registry
	log       logr.Logger
	opener    ports.TransportOpener
	factory   session.DriverFactory
	tr        ports.Transformer
	sinks     []ports.Sink
	consumers []consumerSpec

	mu        sync.Mutex
	sess      *session.Session
	recorders []*pipeline.Recorder
	bridge    *natsbridge.Bridge
	db        *sql.DB
	cancel    context.CancelFunc
	bg        sync.WaitGroup
}

// NewRuntime defaults and validates cfg and prepares the default adapters.
// Nothing is opened until Start.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	rt := &Runtime{
		cfg:       cfg,
		log:       logr.Discard(),
		opener:    overrides.opener,
		factory:   overrides.factory,
		tr:        overrides.transformer,
		sinks:     overrides.sinks,
		consumers: overrides.consumers,
		registry:  overrides.registry,
	}
	if overrides.logger != nil {
		rt.log = *overrides.logger
	}
	if rt.registry == nil {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	rt.obs = overrides.observability
	if rt.obs == nil {
		rt.obs = observability.NewPromObs(rt.log, rt.registry)
	}
	if rt.tr == nil {
		rt.tr = pipeline.NewTagger(1, instrumentUnits(cfg.Instruments))
	}
	return rt, nil
}

// Registry is the registry the runtime's metrics are served from.
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Session returns the running session, or nil before Start.
func (r *Runtime) Session() *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess
}

// Health reports the session health. Before Start the report is unhealthy.
func (r *Runtime) Health() HealthReport {
	if s := r.Session(); s != nil {
		return s.Health()
	}
	return HealthReport{Name: r.cfg.Session.Name, State: session.StateIdle, Status: session.StatusUnhealthy, Message: "not started", Timestamp: time.Now()}
}

// Start opens the recorders, starts the session and launches the HTTP
// servers. It returns once every instrument is configured and acquiring.
func (r *Runtime) Start(ctx context.Context) (err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		return fmt.Errorf("runtime already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	defer func() {
		if err != nil {
			cancel()
			r.closeOutputs(context.WithoutCancel(ctx))
		}
	}()

	coordOpts := []session.Option{
		session.WithTransportOpener(r.opener),
		session.WithDriverFactory(r.factory),
		session.WithObservability(r.obs),
		session.WithLogger(r.log),
		session.WithStopGrace(r.cfg.Session.StopGrace),
		session.WithName(r.cfg.Session.Name),
		session.WithBusOptions(bus.WithBlockTimeout(r.cfg.Bus.BlockTimeout)),
	}

	recorders, err := r.openRecorders(runCtx)
	if err != nil {
		return err
	}
	for _, rec := range recorders {
		// recorders must not lose samples to a slow sink
		coordOpts = append(coordOpts, session.WithConsumer(rec, r.capacity(0), bus.Block))
	}

	if r.cfg.NATS.URL != "" {
		r.bridge, err = natsbridge.Dial(r.cfg.NATS.URL, r.cfg.NATS.SubjectPrefix, "labflow-"+r.cfg.Session.Name, r.log)
		if err != nil {
			return err
		}
		coordOpts = append(coordOpts, session.WithConsumer(r.bridge, r.capacity(0), r.policy("")))
	}
	for _, c := range r.consumers {
		coordOpts = append(coordOpts, session.WithConsumer(c.consumer, r.capacity(c.capacity), r.policy(c.policy)))
	}

	sess, err := session.NewCoordinator(coordOpts...).StartSession(ctx, r.cfg.Instruments)
	if err != nil {
		return err
	}
	r.sess = sess

	for _, addr := range r.serverAddrs() {
		srv := live.New(live.Config{
			Addr:      addr,
			Path:      r.cfg.Live.Path,
			MaxRateHz: r.cfg.Live.MaxRateHz,
			Buffer:    r.cfg.Live.Buffer,
		}, sess.Bus(),
			live.WithHealth(func() (any, bool) {
				h := sess.Health()
				return h, h.Status != session.StatusUnhealthy
			}),
			live.WithGatherer(r.registry),
			live.WithLogger(r.log),
		)
		r.bg.Add(1)
		go func() {
			defer r.bg.Done()
			if err := srv.Serve(runCtx); err != nil {
				r.log.Error(err, "http server exited", "addr", addr)
			}
		}()
	}

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.recordResourceGauges(runCtx, time.Second)
	}()

	r.log.Info("runtime started", "session", sess.ID(), "instruments", len(r.cfg.Instruments), "recorders", len(r.recorders))
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled. Faulted
// instruments do not end the run; they show up in Health. Upon return the
// session has been drained.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Session.StopGrace+5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops the session, waits for every consumer to drain and closes
// the recorders, the NATS connection and the database.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sess := r.sess
	cancel := r.cancel
	r.mu.Unlock()

	var errs []error
	if sess != nil {
		errs = append(errs, sess.Stop(ctx))
	}
	if cancel != nil {
		cancel()
	}
	r.bg.Wait()

	r.mu.Lock()
	errs = append(errs, r.closeOutputs(ctx))
	r.mu.Unlock()
	return errors.Join(errs...)
}

// Reload applies the instrument changes of next to the running session.
// Other sections only take effect after a restart.
func (r *Runtime) Reload(ctx context.Context, next *Config) error {
	r.mu.Lock()
	sess := r.sess
	prev := r.cfg.Instruments
	r.mu.Unlock()
	if sess == nil {
		return fmt.Errorf("runtime not started")
	}

	diff := config.Diff(prev, next.Instruments)
	if diff.Empty() {
		return nil
	}
	r.log.Info("reconciling instruments", "added", len(diff.Added), "removed", len(diff.Removed), "changed", len(diff.Changed))
	err := sess.Reconcile(ctx, diff)

	r.mu.Lock()
	r.cfg.Instruments = next.Instruments
	r.mu.Unlock()
	return err
}

// Watch reloads the instruments whenever the file at path changes, until
// ctx is done.
func (r *Runtime) Watch(ctx context.Context, path string) error {
	return config.Watch(ctx, path, r.log, func(next *Config) {
		if err := r.Reload(ctx, next); err != nil {
			r.log.Error(err, "reload failed")
		}
	})
}

func (r *Runtime) openRecorders(ctx context.Context) ([]*pipeline.Recorder, error) {
	sinks := append([]ports.Sink(nil), r.sinks...)
	rc := r.cfg.Recorder
	if rc.CSV.Dir != "" {
		csvSink, err := sink.NewCSVSink(rc.CSV.Dir, csvHeader(r.cfg))
		if err != nil {
			return nil, err
		}
		r.log.Info("recording to csv", "path", csvSink.Path())
		sinks = append(sinks, csvSink)
	}
	if rc.Timescale.ConnString != "" {
		db, err := sql.Open("postgres", rc.Timescale.ConnString)
		if err != nil {
			return nil, err
		}
		r.db = db
		sinks = append(sinks, sink.NewTimescaleSink(db, rc.Timescale.Table))
	}

	for _, snk := range sinks {
		w, err := wal.NewFileWAL(filepath.Join(rc.WAL.Dir, snk.Name()))
		if err != nil {
			return nil, err
		}
		rec, err := pipeline.NewRecorder(snk.Name(), w, queue.NewMemQueue(rc.Policy.MaxQueueLen), snk, rc.Policy,
			pipeline.WithTransformer(r.tr),
			pipeline.WithObservability(r.obs),
		)
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		r.recorders = append(r.recorders, rec)
		if err := rec.Start(ctx); err != nil {
			return nil, err
		}
	}
	return r.recorders, nil
}

func (r *Runtime) closeOutputs(ctx context.Context) error {
	var errs []error
	for _, rec := range r.recorders {
		errs = append(errs, rec.Close(ctx))
	}
	r.recorders = nil
	if r.bridge != nil {
		errs = append(errs, r.bridge.Close())
		r.bridge = nil
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

func (r *Runtime) recordResourceGauges(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			var walBytes, queued float64
			for _, rec := range r.recorders {
				st := rec.Stats()
				walBytes += float64(st.WALBytes)
				queued += float64(st.Queued)
			}
			r.mu.Unlock()
			r.obs.SetGauge(ports.MetricWALSize, walBytes)
			r.obs.SetGauge(ports.MetricQueueLength, queued)
		}
	}
}

func (r *Runtime) capacity(c int) int {
	if c > 0 {
		return c
	}
	if r.cfg.Bus.Buffer > 0 {
		return r.cfg.Bus.Buffer
	}
	return bus.DefaultCapacity
}

func (r *Runtime) policy(p BusPolicy) BusPolicy {
	if p != "" {
		return p
	}
	if parsed, err := bus.ParsePolicy(r.cfg.Bus.Policy); err == nil {
		return parsed
	}
	return bus.DropOldest
}

func (r *Runtime) serverAddrs() []string {
	var addrs []string
	for _, a := range []string{r.cfg.Live.Addr, r.cfg.Metrics.Addr} {
		if a != "" && (len(addrs) == 0 || addrs[0] != a) {
			addrs = append(addrs, a)
		}
	}
	return addrs
}

func instrumentUnits(instruments []InstrumentConfig) map[string]string {
	units := make(map[string]string)
	for _, in := range instruments {
		if in.Kind == domain.KindSpectrumAnalyzer {
			units[in.ID] = "dBm"
		}
	}
	return units
}

// csvHeader describes the session at the top of a CSV log.
func csvHeader(cfg *Config) []string {
	lines := []string{
		fmt.Sprintf("labflow session %q started %s", cfg.Session.Name, time.Now().UTC().Format(time.RFC3339)),
	}
	for _, in := range cfg.Instruments {
		line := fmt.Sprintf("instrument %s kind=%s transport=%s cadence=%s retry_budget=%d",
			in.ID, in.Kind, in.Transport, in.Cadence, in.Retry.Budget)
		if in.Kind == domain.KindSpectrumAnalyzer {
			line += fmt.Sprintf(" center_hz=%g span_hz=%g points=%d sweep_time=%s detector=%s integration=%s",
				in.Sweep.Center, in.Sweep.Span, in.Sweep.Points, in.Sweep.SweepTime, in.Sweep.Detector, in.Sweep.IntegrationTime())
		}
		lines = append(lines, line)
	}
	return lines
}
