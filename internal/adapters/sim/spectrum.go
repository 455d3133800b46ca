package sim

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/scpi"
)

type SpectrumOptions struct {
	Commands scpi.Commands
	// TimeScale stretches or shrinks the simulated sweep duration. Zero
	// means real time.
	TimeScale float64
	// MaxPoints above which SWE:POIN is rejected with -222. Default 40001.
	MaxPoints int
	// ReadbackPoints, when set, is reported by the points query regardless
	// of what was configured.
	ReadbackPoints int
	NoiseFloor     float64
	// ASCIIOnly ignores binary format requests, like older analyzers do.
	ASCIIOnly bool
}

// SpectrumAnalyzer simulates a single-trace SCPI spectrum analyzer with a
// single sweep mode, an event status register and a sweep counter.
type SpectrumAnalyzer struct {
	mu   sync.Mutex
	opts SpectrumOptions
	cmds scpi.Commands

	center, span float64
	points       int
	sweepTime    time.Duration
	detector     string
	real32       bool
	swapped      bool

	errs      []string
	esr       int
	opcArmed  bool
	sweeping  bool
	started   time.Time
	count     int64
	current   Fault
	connected bool
	log       []string

	faults faultQueue
}

func NewSpectrumAnalyzer(opts SpectrumOptions) *SpectrumAnalyzer {
	if opts.Commands == (scpi.Commands{}) {
		opts.Commands = scpi.Default()
	}
	if opts.TimeScale <= 0 {
		opts.TimeScale = 1
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 40001
	}
	if opts.NoiseFloor == 0 {
		opts.NoiseFloor = -90
	}
	return &SpectrumAnalyzer{
		opts:      opts,
		cmds:      opts.Commands,
		center:    1e9,
		span:      1e6,
		points:    1001,
		sweepTime: 100 * time.Millisecond,
		detector:  opts.Commands.DetectorMax,
		connected: true,
	}
}

// Inject queues faults; each Initiate consumes one.
func (a *SpectrumAnalyzer) Inject(f ...Fault) { a.faults.push(f...) }

// Sweeps is the number of completed sweeps.
func (a *SpectrumAnalyzer) Sweeps() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advanceLocked(time.Now())
	return a.count
}

// Log returns every command received so far.
func (a *SpectrumAnalyzer) Log() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.log...)
}

func (a *SpectrumAnalyzer) Send(cmd []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return disconnectedErr("sim spectrum")
	}
	a.log = append(a.log, string(cmd))
	a.execLocked(string(cmd))
	return nil
}

// QueryBlock is Query; the simulator never splits a reply.
func (a *SpectrumAnalyzer) QueryBlock(cmd []byte, timeout time.Duration) ([]byte, error) {
	return a.Query(cmd, timeout)
}

func (a *SpectrumAnalyzer) Query(cmd []byte, timeout time.Duration) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, disconnectedErr("sim spectrum")
	}
	a.log = append(a.log, string(cmd))
	now := time.Now()
	a.advanceLocked(now)

	header, _ := split(string(cmd))
	c := a.cmds
	switch {
	case is(header, c.Identify):
		return []byte("labflow,SIM-SA,0001,1.0"), nil
	case is(header, c.ErrorQuery):
		if len(a.errs) == 0 {
			return []byte(`+0,"No error"`), nil
		}
		e := a.errs[0]
		a.errs = a.errs[1:]
		return []byte(e), nil
	case is(header, c.PointsQuery):
		n := a.points
		if a.opts.ReadbackPoints > 0 {
			n = a.opts.ReadbackPoints
		}
		return []byte(strconv.Itoa(n)), nil
	case is(header, c.SweepTimeQuery):
		return []byte(strconv.FormatFloat(a.sweepTime.Seconds(), 'E', 9, 64)), nil
	case is(header, c.StartQuery):
		return []byte(strconv.FormatFloat(a.center-a.span/2, 'E', 9, 64)), nil
	case is(header, c.StopQuery):
		return []byte(strconv.FormatFloat(a.center+a.span/2, 'E', 9, 64)), nil
	case is(header, c.EventStatus):
		v := a.esr
		a.esr = 0
		return []byte(strconv.Itoa(v)), nil
	case is(header, c.SweepCount):
		return []byte(strconv.FormatInt(a.count, 10)), nil
	case is(header, c.Trace):
		f := a.current
		a.current = FaultNone
		switch f {
		case FaultTimeout:
			return nil, timeoutErr("sim spectrum", cmd)
		case FaultMalformed:
			return []byte("ERR"), nil
		case FaultDisconnect:
			a.connected = false
			return nil, disconnectedErr("sim spectrum")
		}
		return a.traceLocked(), nil
	}
	a.errs = append(a.errs, `-113,"Undefined header"`)
	return nil, timeoutErr("sim spectrum", cmd)
}

func (a *SpectrumAnalyzer) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *SpectrumAnalyzer) Close() error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

func (a *SpectrumAnalyzer) execLocked(cmd string) {
	header, arg := split(cmd)
	c := a.cmds
	switch {
	case is(header, c.Clear):
		a.esr = 0
		a.errs = nil
	case is(header, c.ContinuousOff):
	case is(header, c.ByteOrder):
		a.swapped = strings.HasPrefix(strings.ToUpper(arg), "SWAP")
	case is(header, c.DataFormat), is(header, c.BinaryFormat):
		a.real32 = !a.opts.ASCIIOnly && strings.HasPrefix(strings.ToUpper(arg), "REAL")
	case is(header, c.Center):
		a.center = a.parseFloat(arg)
	case is(header, c.Span):
		a.span = a.parseFloat(arg)
	case is(header, c.Points):
		n := int(a.parseFloat(arg))
		if n < 1 || n > a.opts.MaxPoints {
			a.errs = append(a.errs, `-222,"Data out of range"`)
			return
		}
		a.points = n
	case is(header, c.SweepTime):
		a.sweepTime = time.Duration(a.parseFloat(arg) * float64(time.Second))
	case is(header, c.Detector):
		if arg != c.DetectorMax && arg != c.DetectorAverage {
			a.errs = append(a.errs, `-224,"Illegal parameter value"`)
			return
		}
		a.detector = arg
	case is(header, c.Initiate):
		a.current = a.faults.pop()
		a.sweeping = true
		a.opcArmed = false
		a.started = time.Now()
	case is(header, c.OperationDone):
		if a.sweeping {
			a.opcArmed = true
		} else {
			a.esr |= 1
		}
	default:
		a.errs = append(a.errs, `-113,"Undefined header"`)
	}
}

// advanceLocked completes the running sweep once its duration has passed.
func (a *SpectrumAnalyzer) advanceLocked(now time.Time) {
	if !a.sweeping || a.current == FaultStale {
		return
	}
	dur := time.Duration(float64(a.sweepTime) * a.opts.TimeScale)
	if now.Sub(a.started) < dur {
		return
	}
	a.sweeping = false
	a.count++
	if a.opcArmed {
		a.esr |= 1
		a.opcArmed = false
	}
}

// traceLocked renders the trace in the selected data format. Instruments
// transfer blocks big-endian unless the byte order is swapped.
func (a *SpectrumAnalyzer) traceLocked() []byte {
	values := make([]float64, a.points)
	for i := range values {
		values[i] = a.opts.NoiseFloor + 2*math.Sin(float64(i)*0.37+float64(a.count))
		if i == a.points/2 {
			values[i] += 30
		}
	}
	if a.real32 {
		var order binary.ByteOrder = binary.BigEndian
		if a.swapped {
			order = binary.LittleEndian
		}
		return scpi.EncodeBlock(scpi.EncodeReal32(values, order))
	}

	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', 3, 64))
	}
	return []byte(b.String())
}

func (a *SpectrumAnalyzer) parseFloat(arg string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
	if err != nil {
		a.errs = append(a.errs, fmt.Sprintf(`-104,"Data type error %s"`, arg))
	}
	return v
}

func split(cmd string) (string, string) {
	cmd = strings.TrimSpace(cmd)
	header, arg, _ := strings.Cut(cmd, " ")
	return header, strings.TrimSpace(arg)
}

func is(header, template string) bool {
	return template != "" && strings.EqualFold(header, scpi.Keyword(template))
}

var (
	_ ports.Transport    = (*SpectrumAnalyzer)(nil)
	_ ports.BlockQuerier = (*SpectrumAnalyzer)(nil)
)
