package instrument

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/scpi"
)

const (
	defaultQueryTimeout = 2 * time.Second
	defaultOverhead     = 500 * time.Millisecond
	defaultPoll         = 10 * time.Millisecond

	// read-back sweep time may differ from the request by instrument rounding
	sweepTimeTolerance = 0.01

	esrOperationComplete = 1
)

// SpectrumAnalyzer drives a SCPI swept spectrum analyzer in single sweep
// mode. Every trace it returns was produced by a sweep it started itself.
type SpectrumAnalyzer struct {
	id       string
	t        ports.Transport
	sweep    domain.SweepConfig
	cmds     scpi.Commands
	timeout  time.Duration
	overhead time.Duration
	poll     time.Duration
	format   scpi.TraceFormat
	log      logr.Logger

	axis      []float64
	binary    bool
	lastTrace []byte
}

type SpectrumOption func(*SpectrumAnalyzer)

// WithCommands overrides parts of the default SCPI dialect.
func WithCommands(c scpi.Commands) SpectrumOption {
	return func(a *SpectrumAnalyzer) { a.cmds = a.cmds.WithOverrides(c) }
}

// WithQueryTimeout bounds every single query.
func WithQueryTimeout(d time.Duration) SpectrumOption {
	return func(a *SpectrumAnalyzer) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithCompletionOverhead is added to the sweep time when waiting for a sweep
// to report completion.
func WithCompletionOverhead(d time.Duration) SpectrumOption {
	return func(a *SpectrumAnalyzer) {
		if d > 0 {
			a.overhead = d
		}
	}
}

// WithoutSweepCounter is for analyzers that cannot report a sweep count.
// Freshness then relies on the completion bit and on the trace differing from
// the previous one.
func WithoutSweepCounter() SpectrumOption {
	return func(a *SpectrumAnalyzer) { a.cmds.SweepCount = "" }
}

func WithPollInterval(d time.Duration) SpectrumOption {
	return func(a *SpectrumAnalyzer) {
		if d > 0 {
			a.poll = d
		}
	}
}

// WithTraceFormat selects the trace transfer format. REAL,32 blocks are the
// default; transports that cannot frame blocks fall back to ASCII.
func WithTraceFormat(f scpi.TraceFormat) SpectrumOption {
	return func(a *SpectrumAnalyzer) {
		if f.Valid() {
			a.format = f
		}
	}
}

func WithSpectrumLogger(l logr.Logger) SpectrumOption {
	return func(a *SpectrumAnalyzer) { a.log = l }
}

func NewSpectrumAnalyzer(id string, t ports.Transport, sweep domain.SweepConfig, opts ...SpectrumOption) (*SpectrumAnalyzer, error) {
	sweep.ApplyDefaults()
	if err := sweep.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", id, err, domain.ErrConfigRejected)
	}
	a := &SpectrumAnalyzer{
		id:       id,
		t:        t,
		sweep:    sweep,
		cmds:     scpi.Default(),
		timeout:  defaultQueryTimeout,
		overhead: defaultOverhead,
		poll:     defaultPoll,
		format:   scpi.TraceReal32,
		log:      logr.Discard(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

func (a *SpectrumAnalyzer) ID() string        { return a.id }
func (a *SpectrumAnalyzer) Kind() domain.Kind { return domain.KindSpectrumAnalyzer }

// MinCycle is the sweep time: a new sweep cannot start before the previous
// one has integrated every bin.
func (a *SpectrumAnalyzer) MinCycle() time.Duration { return a.sweep.SweepTime }

func (a *SpectrumAnalyzer) IntegrationTime() time.Duration { return a.sweep.IntegrationTime() }

// Axis is the frequency of every trace point, valid after Configure.
func (a *SpectrumAnalyzer) Axis() []float64 { return append([]float64(nil), a.axis...) }

// Configure applies the sweep settings and verifies the instrument accepted
// them.
func (a *SpectrumAnalyzer) Configure(ctx context.Context) error {
	detector := a.cmds.DetectorMax
	if a.sweep.Detector == domain.DetectorAverage {
		detector = a.cmds.DetectorAverage
	}
	setup := []string{
		a.cmds.Clear,
		a.cmds.ContinuousOff,
		fmt.Sprintf(a.cmds.Center, a.sweep.Center),
		fmt.Sprintf(a.cmds.Span, a.sweep.Span),
		fmt.Sprintf(a.cmds.Points, a.sweep.Points),
		fmt.Sprintf(a.cmds.SweepTime, a.sweep.SweepTime.Seconds()),
		fmt.Sprintf(a.cmds.Detector, detector),
	}
	_, framed := a.t.(ports.BlockQuerier)
	a.binary = a.format == scpi.TraceReal32 && framed && a.cmds.BinaryFormat != ""
	if a.binary {
		setup = append(setup, a.cmds.BinaryFormat, a.cmds.ByteOrder)
	} else {
		if a.format == scpi.TraceReal32 {
			a.log.V(1).Info("transport cannot frame binary blocks, reading ASCII traces", "instrument", a.id)
		}
		setup = append(setup, a.cmds.DataFormat)
	}
	for _, cmd := range setup {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cmd == "" {
			continue
		}
		if err := a.t.Send([]byte(cmd)); err != nil {
			return fmt.Errorf("%s configure: %w", a.id, err)
		}
	}

	reply, err := a.t.Query([]byte(a.cmds.ErrorQuery), a.timeout)
	if err != nil {
		return fmt.Errorf("%s configure: %w", a.id, err)
	}
	code, msg, err := scpi.ParseError(reply)
	if err != nil {
		return a.rejected("error queue unreadable: %v", err)
	}
	if code != 0 {
		return a.rejected("instrument error %d %q", code, msg)
	}

	points, err := a.queryInt(a.cmds.PointsQuery)
	if err != nil {
		return err
	}
	if int(points) != a.sweep.Points {
		return a.rejected("points read back as %d, requested %d", points, a.sweep.Points)
	}
	st, err := a.queryFloat(a.cmds.SweepTimeQuery)
	if err != nil {
		return err
	}
	want := a.sweep.SweepTime.Seconds()
	if math.Abs(st-want) > want*sweepTimeTolerance {
		return a.rejected("sweep time read back as %gs, requested %gs", st, want)
	}

	start, err := a.queryFloat(a.cmds.StartQuery)
	if err != nil {
		return err
	}
	stop, err := a.queryFloat(a.cmds.StopQuery)
	if err != nil {
		return err
	}
	a.axis = frequencyAxis(start, stop, a.sweep.Points)
	a.lastTrace = nil

	a.log.V(1).Info("analyzer configured",
		"instrument", a.id, "start_hz", start, "stop_hz", stop,
		"points", a.sweep.Points, "sweep_time", a.sweep.SweepTime)
	return nil
}

func (a *SpectrumAnalyzer) Measure(ctx context.Context) ([]domain.Reading, error) {
	return a.TakeMeasurement(ctx)
}

// TakeMeasurement starts one sweep, waits for the instrument to report its
// completion and reads the resulting trace.
func (a *SpectrumAnalyzer) TakeMeasurement(ctx context.Context) ([]domain.Reading, error) {
	if a.axis == nil {
		return nil, fmt.Errorf("%s: measure before configure: %w", a.id, domain.ErrConfigRejected)
	}

	counting := a.cmds.SweepCount != ""
	var before int64
	if counting {
		var err error
		if before, err = a.queryInt(a.cmds.SweepCount); err != nil {
			return nil, err
		}
	}

	for _, cmd := range []string{a.cmds.Clear, a.cmds.Initiate, a.cmds.OperationDone} {
		if err := a.t.Send([]byte(cmd)); err != nil {
			return nil, fmt.Errorf("%s: %w", a.id, err)
		}
	}
	if err := a.awaitCompletion(ctx); err != nil {
		return nil, err
	}

	if counting {
		after, err := a.queryInt(a.cmds.SweepCount)
		if err != nil {
			return nil, err
		}
		if after <= before {
			return nil, fmt.Errorf("%s: sweep counter stayed at %d: %w", a.id, after, domain.ErrStaleRead)
		}
	}

	raw, values, err := a.readTrace()
	if err != nil {
		return nil, err
	}
	if len(values) != a.sweep.Points {
		return nil, fmt.Errorf("%s: trace has %d points, expected %d: %w",
			a.id, len(values), a.sweep.Points, domain.ErrMalformedResponse)
	}
	if !counting && a.lastTrace != nil && bytes.Equal(raw, a.lastTrace) {
		return nil, fmt.Errorf("%s: trace identical to the previous sweep: %w", a.id, domain.ErrStaleRead)
	}
	a.lastTrace = append(a.lastTrace[:0], raw...)

	readings := make([]domain.Reading, len(values))
	for i, v := range values {
		readings[i] = domain.Reading{Channel: i, Value: v, Frequency: a.axis[i], Unit: "dBm"}
	}
	return readings, nil
}

// awaitCompletion polls the event status register until the operation
// complete bit is set. The sweep cannot finish before SweepTime, so the
// first poll is deferred until then.
func (a *SpectrumAnalyzer) awaitCompletion(ctx context.Context) error {
	started := time.Now()
	deadline := started.Add(a.sweep.SweepTime + a.overhead)
	wait := a.sweep.SweepTime
	for {
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		esr, err := a.queryInt(a.cmds.EventStatus)
		if err != nil {
			return err
		}
		if esr&esrOperationComplete != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s: sweep not complete after %s: %w",
				a.id, time.Since(started).Round(time.Millisecond), domain.ErrStaleRead)
		}
		wait = a.poll
	}
}

// readTrace queries the trace in the configured format. An analyzer that
// answers a binary request with ASCII is still understood.
func (a *SpectrumAnalyzer) readTrace() ([]byte, []float64, error) {
	var (
		raw []byte
		err error
	)
	if bq, ok := a.t.(ports.BlockQuerier); ok && a.binary {
		raw, err = bq.QueryBlock([]byte(a.cmds.Trace), a.traceTimeout())
	} else {
		raw, err = a.t.Query([]byte(a.cmds.Trace), a.traceTimeout())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s trace: %w", a.id, err)
	}

	var values []float64
	if a.binary && len(raw) > 0 && raw[0] == '#' {
		var payload []byte
		if payload, err = scpi.ParseBlock(raw); err == nil {
			values, err = scpi.DecodeReal32(payload, a.byteOrder())
		}
	} else {
		values, err = scpi.ParseTrace(raw)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %v: %w", a.id, err, domain.ErrMalformedResponse)
	}
	return raw, values, nil
}

func (a *SpectrumAnalyzer) byteOrder() binary.ByteOrder {
	if a.cmds.ByteOrder != "" {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// traceTimeout allows for the ASCII transfer of large traces.
func (a *SpectrumAnalyzer) traceTimeout() time.Duration {
	return a.timeout + time.Duration(a.sweep.Points)*20*time.Microsecond
}

func (a *SpectrumAnalyzer) Close() error { return a.t.Close() }

func (a *SpectrumAnalyzer) queryInt(cmd string) (int64, error) {
	reply, err := a.t.Query([]byte(cmd), a.timeout)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", a.id, err)
	}
	v, err := scpi.ParseInt(reply)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", a.id, err, domain.ErrMalformedResponse)
	}
	return v, nil
}

func (a *SpectrumAnalyzer) queryFloat(cmd string) (float64, error) {
	reply, err := a.t.Query([]byte(cmd), a.timeout)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", a.id, err)
	}
	v, err := scpi.ParseFloat(reply)
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", a.id, err, domain.ErrMalformedResponse)
	}
	return v, nil
}

func (a *SpectrumAnalyzer) rejected(format string, args ...any) error {
	return fmt.Errorf("%s: %s: %w", a.id, fmt.Sprintf(format, args...), domain.ErrConfigRejected)
}

// frequencyAxis spaces n points evenly over [start, stop].
func frequencyAxis(start, stop float64, n int) []float64 {
	axis := make([]float64, n)
	if n == 1 {
		axis[0] = start
		return axis
	}
	step := (stop - start) / float64(n-1)
	for i := range axis {
		axis[i] = start + float64(i)*step
	}
	return axis
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var (
	_ ports.Driver     = (*SpectrumAnalyzer)(nil)
	_ ports.Integrator = (*SpectrumAnalyzer)(nil)
)
