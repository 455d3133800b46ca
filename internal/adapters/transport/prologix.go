package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotmc/prologix"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

// gpibController is the subset of *prologix.Controller labflow needs.
type gpibController interface {
	Command(cmd string) error
	Query(cmd string) (string, error)
}

// GPIBTransport talks to one GPIB instrument through a Prologix
// USB/Ethernet-to-GPIB controller.
type GPIBTransport struct {
	mu        sync.Mutex
	name      string
	ctrl      gpibController
	port      io.Closer
	connected atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewGPIBTransport opens a Prologix controller on port for the instrument at
// the given primary GPIB address.
func NewGPIBTransport(name string, port io.ReadWriteCloser, addr int, clear bool) (*GPIBTransport, error) {
	ctrl, err := prologix.NewController(port, addr, clear)
	if err != nil {
		return nil, fmt.Errorf("prologix controller addr=%d: %w", addr, err)
	}
	return newGPIBTransport(name, &prologixController{ctrl: ctrl}, port), nil
}

func newGPIBTransport(name string, ctrl gpibController, port io.Closer) *GPIBTransport {
	t := &GPIBTransport{name: name, ctrl: ctrl, port: port}
	t.connected.Store(true)
	return t
}

func (t *GPIBTransport) Send(cmd []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected.Load() {
		return fmt.Errorf("%s: %w", t.name, domain.ErrTransportDisconnected)
	}
	if err := t.ctrl.Command(string(cmd)); err != nil {
		return t.classify(err, cmd)
	}
	return nil
}

// Query runs the exchange on its own goroutine so the caller's timeout is
// honored even if the adapter blocks. The lock stays held until the adapter
// returns, so a late reply is consumed by the abandoned exchange instead of
// the next query.
func (t *GPIBTransport) Query(cmd []byte, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	if !t.connected.Load() {
		t.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", t.name, domain.ErrTransportDisconnected)
	}

	type result struct {
		reply string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer t.mu.Unlock()
		reply, err := t.ctrl.Query(string(cmd))
		done <- result{reply, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		reply := strings.TrimRight(r.reply, "\r\n")
		if r.err != nil && !(errors.Is(r.err, io.EOF) && reply != "") {
			return nil, t.classify(r.err, cmd)
		}
		return []byte(reply), nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: query %q after %s: %w", t.name, cmd, timeout, domain.ErrTransportTimeout)
	}
}

func (t *GPIBTransport) IsConnected() bool { return t.connected.Load() }

func (t *GPIBTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		if t.port != nil {
			t.closeErr = t.port.Close()
		}
	})
	return t.closeErr
}

func (t *GPIBTransport) classify(err error, cmd []byte) error {
	if errors.Is(err, io.EOF) || isTimeout(err) {
		return fmt.Errorf("%s: %q: %w", t.name, cmd, domain.ErrTransportTimeout)
	}
	t.connected.Store(false)
	return fmt.Errorf("%s: %q: %v: %w", t.name, cmd, err, domain.ErrTransportDisconnected)
}

type prologixController struct {
	ctrl *prologix.Controller
}

func (p *prologixController) Command(cmd string) error { return p.ctrl.Command(cmd) }

func (p *prologixController) Query(cmd string) (string, error) { return p.ctrl.Query(cmd) }

var _ ports.Transport = (*GPIBTransport)(nil)
