package sim

import (
	"sync"
	"time"

	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/tpg"
)

type TPGOptions struct {
	Address  int
	Pressure float64
	Unit     int
}

// TPG simulates a Pfeiffer single gauge controller answering read telegrams.
type TPG struct {
	mu        sync.Mutex
	addr      int
	pressure  float64
	unit      int
	reads     int
	connected bool

	faults faultQueue
}

func NewTPG(opts TPGOptions) *TPG {
	if opts.Address == 0 {
		opts.Address = 1
	}
	if opts.Pressure == 0 {
		opts.Pressure = 1.5e-3
	}
	return &TPG{addr: opts.Address, pressure: opts.Pressure, unit: opts.Unit, connected: true}
}

// Inject queues faults; each pressure read consumes one.
func (g *TPG) Inject(f ...Fault) { g.faults.push(f...) }

func (g *TPG) SetPressure(p float64) {
	g.mu.Lock()
	g.pressure = p
	g.mu.Unlock()
}

// Reads counts answered pressure requests.
func (g *TPG) Reads() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads
}

func (g *TPG) Send(cmd []byte) error {
	_, err := g.Query(cmd, 0)
	return err
}

func (g *TPG) Query(cmd []byte, timeout time.Duration) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return nil, disconnectedErr("sim tpg")
	}

	req, err := tpg.Decode(string(cmd))
	if err != nil || req.Address != g.addr {
		// the gauge stays silent on garbage and foreign addresses
		return nil, timeoutErr("sim tpg", cmd)
	}

	reply := tpg.Telegram{Address: g.addr, Action: tpg.ActionReply, Param: req.Param}
	if req.Action == tpg.ActionWrite {
		reply.Data = g.writeLocked(req)
		return []byte(reply.Encode()), nil
	}
	switch req.Param {
	case tpg.ParamPressure:
		switch g.faults.pop() {
		case FaultTimeout:
			return nil, timeoutErr("sim tpg", cmd)
		case FaultMalformed:
			return []byte("ERR"), nil
		case FaultDisconnect:
			g.connected = false
			return nil, disconnectedErr("sim tpg")
		}
		g.reads++
		reply.Data = tpg.EncodeExpoNew(g.pressure)
	case tpg.ParamUnit:
		reply.Data = tpg.EncodeShortInt(g.unit)
	default:
		reply.Data = tpg.ErrNoDef
	}
	return []byte(reply.Encode()), nil
}

// writeLocked applies a write telegram and returns the echoed payload.
func (g *TPG) writeLocked(req tpg.Telegram) string {
	if req.Param != tpg.ParamUnit {
		return tpg.ErrNoDef
	}
	code, err := tpg.DecodeShortInt(req.Data)
	if _, ok := tpg.Units[code]; err != nil || !ok {
		return tpg.ErrRange
	}
	g.unit = code
	return req.Data
}

// Unit is the selected unit code.
func (g *TPG) Unit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unit
}

func (g *TPG) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

func (g *TPG) Close() error {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	return nil
}

var _ ports.Transport = (*TPG)(nil)
