package transport

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
)

// serveLines answers each received line with handler(line) on the far end
// of a pipe.
func serveLines(t *testing.T, handler func(line string) (string, time.Duration)) *LineTransport {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			reply, delay := handler(strings.TrimSpace(line))
			if reply == "" {
				continue
			}
			time.Sleep(delay)
			if _, err := server.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}()
	tr := NewLineTransport("pipe", client)
	t.Cleanup(func() {
		tr.Close()
		server.Close()
	})
	return tr
}

func TestLineTransportQuery(t *testing.T) {
	tr := serveLines(t, func(line string) (string, time.Duration) {
		if line == "*IDN?" {
			return "SIM,SA,1,1.0\r", 0
		}
		return "", 0
	})

	require.NoError(t, tr.Send([]byte("*CLS")))
	reply, err := tr.Query([]byte("*IDN?"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "SIM,SA,1,1.0", string(reply))
	assert.True(t, tr.IsConnected())
}

func TestLineTransportTimeoutDoesNotLeakLateReply(t *testing.T) {
	tr := serveLines(t, func(line string) (string, time.Duration) {
		switch line {
		case "SLOW?":
			return "late", 80 * time.Millisecond
		case "FAST?":
			return "fast", 0
		}
		return "", 0
	})

	_, err := tr.Query([]byte("SLOW?"), 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransportTimeout))
	assert.True(t, tr.IsConnected(), "a timeout must not drop the link")

	reply, err := tr.Query([]byte("FAST?"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fast", string(reply))
}

type brokenPort struct{ closed int }

func (b *brokenPort) Read([]byte) (int, error)    { return 0, errors.New("device unplugged") }
func (b *brokenPort) Write(p []byte) (int, error) { return len(p), nil }
func (b *brokenPort) Close() error {
	b.closed++
	return nil
}

func TestLineTransportReadErrorDisconnects(t *testing.T) {
	port := &brokenPort{}
	tr := NewLineTransport("broken", port)

	_, err := tr.Query([]byte("*IDN?"), time.Second)
	assert.True(t, errors.Is(err, domain.ErrTransportDisconnected))
	assert.False(t, tr.IsConnected())

	err = tr.Send([]byte("*CLS"))
	assert.True(t, errors.Is(err, domain.ErrTransportDisconnected))

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.Equal(t, 1, port.closed)
}

func TestLineTransportCustomTerminators(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	tr := NewLineTransport("cr", client, WithTerminators([]byte("\r"), '\r'))
	defer tr.Close()

	go func() {
		r := bufio.NewReader(server)
		if _, err := r.ReadString('\r'); err != nil {
			return
		}
		server.Write([]byte("001074006150017038\r"))
	}()

	reply, err := tr.Query([]byte("0010740" + "02=?106"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "001074006150017038", string(reply))
}

func TestLineTransportQueryBlock(t *testing.T) {
	tr := serveLines(t, func(line string) (string, time.Duration) {
		switch line {
		case "TRAC?":
			// the payload carries the read terminator twice
			return "#18ab\ncd\nef", 0
		case "ASC?":
			return "-90.5,-91", 0
		case "*IDN?":
			return "SIM,SA,1,1.0", 0
		}
		return "", 0
	})

	reply, err := tr.QueryBlock([]byte("TRAC?"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "#18ab\ncd\nef", string(reply))

	// the terminator after the block is consumed with it
	reply, err = tr.Query([]byte("*IDN?"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "SIM,SA,1,1.0", string(reply))

	reply, err = tr.QueryBlock([]byte("ASC?"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "-90.5,-91", string(reply), "a reply that is not a block is read as a line")
}

func TestLineTransportQueryBlockRejectsBadHeader(t *testing.T) {
	tr := serveLines(t, func(line string) (string, time.Duration) {
		if line == "TRAC?" {
			return "#0abc", 0
		}
		return "ok", 0
	})

	_, err := tr.QueryBlock([]byte("TRAC?"), time.Second)
	assert.ErrorIs(t, err, domain.ErrMalformedResponse)
	assert.True(t, tr.IsConnected())
}
