package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/soypat/cereal"

	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/sim"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

const (
	defaultBaud        = 9600
	defaultReadTimeout = 100 * time.Millisecond
	defaultDialTimeout = 5 * time.Second
)

// Descriptor is a parsed transport URL such as
// "serial:///dev/ttyUSB0?baud=9600&term=cr".
type Descriptor struct {
	Scheme string
	Target string
	Query  url.Values
}

func ParseDescriptor(raw string) (Descriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Descriptor{}, fmt.Errorf("transport descriptor %q: %w", raw, err)
	}
	d := Descriptor{Scheme: strings.ToLower(u.Scheme), Query: u.Query()}
	switch d.Scheme {
	case "serial", "prologix":
		d.Target = u.Path
	case "tcp", "sim":
		d.Target = u.Host
	default:
		return Descriptor{}, fmt.Errorf("transport descriptor %q: unsupported scheme %q", raw, u.Scheme)
	}
	if d.Target == "" {
		return Descriptor{}, fmt.Errorf("transport descriptor %q: missing device or host", raw)
	}
	return d, nil
}

func (d Descriptor) intParam(key string, def int) (int, error) {
	v := d.Query.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %s=%q: %w", key, v, err)
	}
	return n, nil
}

func (d Descriptor) durationParam(key string, def time.Duration) (time.Duration, error) {
	v := d.Query.Get(key)
	if v == "" {
		return def, nil
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parameter %s=%q: %w", key, v, err)
	}
	return dur, nil
}

func (d Descriptor) terminators(def string) ([]byte, byte, error) {
	term := d.Query.Get("term")
	if term == "" {
		term = def
	}
	switch strings.ToLower(term) {
	case "lf":
		return []byte("\n"), '\n', nil
	case "cr":
		return []byte("\r"), '\r', nil
	case "crlf":
		return []byte("\r\n"), '\n', nil
	default:
		return nil, 0, fmt.Errorf("unknown terminator %q (want lf, cr or crlf)", term)
	}
}

// Open acquires the transport described by raw. The caller owns the result
// and must Close it.
func Open(ctx context.Context, raw string) (ports.Transport, error) {
	d, err := ParseDescriptor(raw)
	if err != nil {
		return nil, err
	}
	switch d.Scheme {
	case "serial":
		return openSerial(d)
	case "prologix":
		return openPrologix(d)
	case "tcp":
		return openTCP(ctx, d)
	case "sim":
		return openSim(d)
	}
	return nil, fmt.Errorf("transport %q: unsupported", raw)
}

// With opens the transport, runs fn and always releases the transport.
func With(ctx context.Context, open ports.TransportOpener, raw string, fn func(ports.Transport) error) (err error) {
	if open == nil {
		open = Open
	}
	t, err := open(ctx, raw)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := t.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return fn(t)
}

func openSerialPort(d Descriptor, defBaud int) (io.ReadWriteCloser, error) {
	baud, err := d.intParam("baud", defBaud)
	if err != nil {
		return nil, err
	}
	readTimeout, err := d.durationParam("read_timeout", defaultReadTimeout)
	if err != nil {
		return nil, err
	}
	var impl cereal.Tarm
	port, err := impl.OpenPort(d.Target, cereal.Mode{
		BaudRate:    baud,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %v: %w", d.Target, err, domain.ErrTransportDisconnected)
	}
	return port, nil
}

func openSerial(d Descriptor) (ports.Transport, error) {
	wt, rt, err := d.terminators("cr")
	if err != nil {
		return nil, err
	}
	port, err := openSerialPort(d, defaultBaud)
	if err != nil {
		return nil, err
	}
	return NewLineTransport("serial "+d.Target, port, WithTerminators(wt, rt)), nil
}

func openPrologix(d Descriptor) (ports.Transport, error) {
	addr, err := d.intParam("addr", -1)
	if err != nil {
		return nil, err
	}
	if addr < 0 || addr > 30 {
		return nil, fmt.Errorf("prologix %s: gpib addr must be 0-30, got %d", d.Target, addr)
	}
	port, err := openSerialPort(d, 115200)
	if err != nil {
		return nil, err
	}
	t, err := NewGPIBTransport(fmt.Sprintf("gpib%d@%s", addr, d.Target), port, addr, d.Query.Get("clear") == "1")
	if err != nil {
		port.Close()
		return nil, err
	}
	return t, nil
}

func openTCP(ctx context.Context, d Descriptor) (ports.Transport, error) {
	wt, rt, err := d.terminators("lf")
	if err != nil {
		return nil, err
	}
	dialTimeout, err := d.durationParam("dial_timeout", defaultDialTimeout)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %v: %w", d.Target, err, domain.ErrTransportDisconnected)
	}
	return NewLineTransport("tcp "+d.Target, conn, WithTerminators(wt, rt)), nil
}

func openSim(d Descriptor) (ports.Transport, error) {
	switch d.Target {
	case "spectrum":
		return sim.NewSpectrumAnalyzer(sim.SpectrumOptions{}), nil
	case "tpg":
		return sim.NewTPG(sim.TPGOptions{}), nil
	}
	return nil, fmt.Errorf("sim: unknown instrument %q", d.Target)
}

var _ ports.TransportOpener = Open
