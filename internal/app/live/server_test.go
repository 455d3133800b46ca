package live

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/adapters/observability"
	"github.com/JustinD-T/Quantum-Subradience/internal/app/bus"
	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamDeliversFilteredSamples(t *testing.T) {
	b := bus.New()
	s := New(Config{MaxRateHz: 1000}, b)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv, "?instrument=tpg")
	waitClients(t, s, 1)

	b.Publish(&domain.Sample{InstrumentID: "sa", Seq: 1, Value: -80})
	b.Publish(&domain.Sample{InstrumentID: "tpg", Seq: 1, Value: 1.5e-3, Unit: "mbar"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got domain.Sample
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "tpg", got.InstrumentID)
	assert.Equal(t, "mbar", got.Unit)

	// closing the bus ends the stream with a normal close
	b.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	waitClients(t, s, 0)
}

func TestStreamIsRateLimited(t *testing.T) {
	b := bus.New()
	s := New(Config{MaxRateHz: 5}, b)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, s, 1)

	for i := 1; i <= 100; i++ {
		b.Publish(&domain.Sample{InstrumentID: "sa", Seq: uint64(i)})
	}

	received := 0
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		received++
	}
	assert.GreaterOrEqual(t, received, 1)
	assert.LessOrEqual(t, received, 10, "burst is bounded by the rate")
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	obs := observability.NewPromObs(logr.Discard(), reg)
	obs.IncCounter(ports.MetricSamplesPublished, 3)

	var up atomic.Bool
	up.Store(true)
	b := bus.New()
	s := New(Config{}, b,
		WithGatherer(reg),
		WithHealth(func() (any, bool) { return map[string]string{"status": "degraded"}, up.Load() }),
	)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "degraded")

	up.Store(false)
	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), ports.MetricSamplesPublished+" 3")

	b.Publish(&domain.Sample{InstrumentID: "sa"})
	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	var st bus.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, uint64(1), st.Published)
}
