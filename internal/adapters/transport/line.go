package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
	"github.com/JustinD-T/Quantum-Subradience/internal/protocol/scpi"
)

const (
	readChunk  = 4096
	idlePause  = 2 * time.Millisecond
	drainLimit = 250 * time.Millisecond
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// LineTransport speaks a terminated line protocol over any byte stream:
// serial ports, raw SCPI sockets and Prologix adapters alike.
type LineTransport struct {
	mu        sync.Mutex
	name      string
	rw        io.ReadWriteCloser
	writeTerm []byte
	readTerm  byte
	chunk     []byte
	resync    bool
	connected atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// LineOption customizes a LineTransport.
type LineOption func(*LineTransport)

// WithTerminators sets the bytes appended to commands and the byte that ends
// a reply.
func WithTerminators(write []byte, read byte) LineOption {
	return func(t *LineTransport) {
		t.writeTerm = append([]byte(nil), write...)
		t.readTerm = read
	}
}

// NewLineTransport takes ownership of rw and closes it on Close.
func NewLineTransport(name string, rw io.ReadWriteCloser, opts ...LineOption) *LineTransport {
	t := &LineTransport{
		name:      name,
		rw:        rw,
		writeTerm: []byte("\n"),
		readTerm:  '\n',
		chunk:     make([]byte, readChunk),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	t.connected.Store(true)
	return t
}

func (t *LineTransport) Send(cmd []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeLocked(cmd)
}

func (t *LineTransport) Query(cmd []byte, timeout time.Duration) ([]byte, error) {
	return t.query(cmd, timeout, t.line)
}

// QueryBlock reads an IEEE 488.2 definite-length block and the terminator
// that follows it. A reply that is not a block is read up to the
// terminator, as Query does.
func (t *LineTransport) QueryBlock(cmd []byte, timeout time.Duration) ([]byte, error) {
	return t.query(cmd, timeout, t.block)
}

// frameFunc reports whether buf holds a complete reply and returns it.
type frameFunc func(buf []byte) ([]byte, bool, error)

func (t *LineTransport) line(buf []byte) ([]byte, bool, error) {
	if i := bytes.IndexByte(buf, t.readTerm); i >= 0 {
		return bytes.TrimRight(buf[:i], "\r\n"), true, nil
	}
	return nil, false, nil
}

func (t *LineTransport) block(buf []byte) ([]byte, bool, error) {
	if len(buf) > 0 && buf[0] != '#' {
		return t.line(buf)
	}
	n, err := scpi.BlockLength(buf)
	if err != nil || n == 0 || len(buf) <= n {
		return nil, false, err
	}
	return buf[:n], true, nil
}

func (t *LineTransport) query(cmd []byte, timeout time.Duration, frame frameFunc) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.resync {
		// A previous query timed out; its late reply must not be taken as
		// the answer to this one.
		t.drainLocked()
		t.resync = false
	}
	if err := t.writeLocked(cmd); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := t.rw.(readDeadliner); ok {
		_ = d.SetReadDeadline(deadline)
		defer d.SetReadDeadline(time.Time{})
	}

	var buf []byte
	for {
		reply, ok, err := frame(buf)
		if err != nil {
			t.resync = true
			return nil, fmt.Errorf("%s: query %q: %v: %w", t.name, cmd, err, domain.ErrMalformedResponse)
		}
		if ok {
			return reply, nil
		}
		if !time.Now().Before(deadline) {
			t.resync = true
			return nil, fmt.Errorf("%s: query %q after %s: %w", t.name, cmd, timeout, domain.ErrTransportTimeout)
		}

		n, err := t.rw.Read(t.chunk)
		buf = append(buf, t.chunk[:n]...)
		switch {
		case err == nil:
			if n == 0 {
				time.Sleep(idlePause)
			}
		case errors.Is(err, io.EOF), isTimeout(err):
			// serial drivers report an expired read timeout as EOF
			if n == 0 {
				time.Sleep(idlePause)
			}
		default:
			return nil, t.disconnectLocked(err)
		}
	}
}

func (t *LineTransport) IsConnected() bool { return t.connected.Load() }

func (t *LineTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		t.closeErr = t.rw.Close()
	})
	return t.closeErr
}

func (t *LineTransport) writeLocked(cmd []byte) error {
	if !t.connected.Load() {
		return fmt.Errorf("%s: %w", t.name, domain.ErrTransportDisconnected)
	}
	msg := make([]byte, 0, len(cmd)+len(t.writeTerm))
	msg = append(msg, cmd...)
	msg = append(msg, t.writeTerm...)
	if _, err := t.rw.Write(msg); err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%s: write %q: %w", t.name, cmd, domain.ErrTransportTimeout)
		}
		return t.disconnectLocked(err)
	}
	return nil
}

// drainLocked discards whatever the instrument still had in flight.
func (t *LineTransport) drainLocked() {
	deadline := time.Now().Add(drainLimit)
	if d, ok := t.rw.(readDeadliner); ok {
		_ = d.SetReadDeadline(deadline)
		defer d.SetReadDeadline(time.Time{})
	}
	for time.Now().Before(deadline) {
		n, err := t.rw.Read(t.chunk)
		if n == 0 || err != nil {
			return
		}
	}
}

func (t *LineTransport) disconnectLocked(err error) error {
	t.connected.Store(false)
	return fmt.Errorf("%s: %v: %w", t.name, err, domain.ErrTransportDisconnected)
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

var (
	_ ports.Transport    = (*LineTransport)(nil)
	_ ports.BlockQuerier = (*LineTransport)(nil)
)
