package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	labflow "github.com/JustinD-T/Quantum-Subradience"
)

func TestScanMetrics(t *testing.T) {
	body := `# HELP labflow_samples_published_total Samples accepted by the sample bus.
# TYPE labflow_samples_published_total counter
labflow_samples_published_total 1234
labflow_wal_size_bytes 4.096e+03
labflow_samples_published_total_extra 9
`
	got, err := scanMetrics(strings.NewReader(body), snapshotMetrics)
	require.NoError(t, err)
	assert.Equal(t, 1234.0, got["labflow_samples_published_total"])
	assert.Equal(t, 4096.0, got["labflow_wal_size_bytes"])
	assert.NotContains(t, got, "labflow_queue_length", "absent metrics are not reported")
}

func TestPrintHealth(t *testing.T) {
	var buf bytes.Buffer
	printHealth(&buf, labflow.HealthReport{
		SessionID: "abc",
		Name:      "bench",
		State:     "faulted",
		Status:    "degraded",
		Instruments: []labflow.InstrumentStatus{
			{ID: "tpg", State: "running", Samples: 10},
		},
		Faulted: []labflow.FaultedInstrument{
			{ID: "sa", ErrorKind: "TransportTimeout", Error: "query timed out"},
		},
	})
	out := buf.String()
	for _, want := range []string{"session bench (abc) faulted: degraded", "tpg", "samples=10", "fault sa: TransportTimeout"} {
		assert.Contains(t, out, want)
	}
}
