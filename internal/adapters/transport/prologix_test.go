package transport

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
)

type fakeController struct {
	mu       sync.Mutex
	commands []string
	query    func(cmd string) (string, error)
}

func (f *fakeController) Command(cmd string) error {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Query(cmd string) (string, error) { return f.query(cmd) }

type nopCloser struct{ closed int }

func (n *nopCloser) Close() error {
	n.closed++
	return nil
}

func TestGPIBTransportQueryAndSend(t *testing.T) {
	ctrl := &fakeController{query: func(cmd string) (string, error) {
		return "+1.0E+09\n", nil
	}}
	port := &nopCloser{}
	tr := newGPIBTransport("gpib18", ctrl, port)

	require.NoError(t, tr.Send([]byte("INIT:IMM")))
	reply, err := tr.Query([]byte("FREQ:CENT?"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "+1.0E+09", string(reply))
	assert.Equal(t, []string{"INIT:IMM"}, ctrl.commands)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, port.closed)
	_, err = tr.Query([]byte("*IDN?"), time.Second)
	assert.True(t, errors.Is(err, domain.ErrTransportDisconnected))
}

func TestGPIBTransportTimeoutHoldsLineUntilAdapterReturns(t *testing.T) {
	release := make(chan struct{})
	var order []string
	var mu sync.Mutex
	ctrl := &fakeController{query: func(cmd string) (string, error) {
		if cmd == "TRAC:DATA? TRACE1" {
			<-release
		}
		mu.Lock()
		order = append(order, cmd)
		mu.Unlock()
		return cmd + " reply", nil
	}}
	tr := newGPIBTransport("gpib18", ctrl, nil)

	_, err := tr.Query([]byte("TRAC:DATA? TRACE1"), 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransportTimeout))

	done := make(chan []byte)
	go func() {
		reply, _ := tr.Query([]byte("*ESR?"), time.Second)
		done <- reply
	}()

	select {
	case <-done:
		t.Fatal("second query ran while the abandoned exchange still owned the bus")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	assert.Equal(t, "*ESR? reply", string(<-done))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"TRAC:DATA? TRACE1", "*ESR?"}, order)
}

func TestGPIBTransportClassifiesErrors(t *testing.T) {
	var next error
	ctrl := &fakeController{query: func(string) (string, error) { return "", next }}
	tr := newGPIBTransport("gpib18", ctrl, nil)

	next = io.EOF
	_, err := tr.Query([]byte("*ESR?"), time.Second)
	assert.True(t, errors.Is(err, domain.ErrTransportTimeout))
	assert.True(t, tr.IsConnected())

	next = errors.New("input/output error")
	_, err = tr.Query([]byte("*ESR?"), time.Second)
	assert.True(t, errors.Is(err, domain.ErrTransportDisconnected))
	assert.False(t, tr.IsConnected())
}
