package scpi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithOverrides(t *testing.T) {
	c := Default().WithOverrides(Commands{Trace: "TRAC? TRACE1", SweepCount: "", ByteOrder: "FORM:BORD NORM"})
	assert.Equal(t, "TRAC? TRACE1", c.Trace)
	assert.Equal(t, Default().SweepCount, c.SweepCount, "empty override keeps the default")
	assert.Equal(t, "FORM:BORD NORM", c.ByteOrder)
	assert.Equal(t, "FORM REAL,32", c.BinaryFormat)
}

func TestKeyword(t *testing.T) {
	cases := map[string]string{
		"FREQ:CENT %g":      "FREQ:CENT",
		"*CLS":              "*CLS",
		"TRAC:DATA? TRACE1": "TRAC:DATA?",
		"FORM REAL,32":      "FORM",
		"FORM:BORD SWAP":    "FORM:BORD",
	}
	for in, want := range cases {
		assert.Equal(t, want, Keyword(in), in)
	}
}

func TestParseReplies(t *testing.T) {
	v, err := ParseFloat([]byte("+2.500000000E+00\n"))
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	n, err := ParseInt([]byte("+1.001E+03"))
	require.NoError(t, err)
	assert.EqualValues(t, 1001, n)

	n, err = ParseInt([]byte("+7"))
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)

	code, msg, err := ParseError([]byte(`-222,"Data out of range"`))
	require.NoError(t, err)
	assert.Equal(t, -222, code)
	assert.Equal(t, "Data out of range", msg)

	code, _, err = ParseError([]byte(`+0,"No error"`))
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestParseTrace(t *testing.T) {
	v, err := ParseTrace([]byte("-90.5, -88.25,-91"))
	require.NoError(t, err)
	assert.Equal(t, []float64{-90.5, -88.25, -91}, v)

	_, err = ParseTrace([]byte("ERR"))
	assert.Error(t, err)
	_, err = ParseTrace(nil)
	assert.Error(t, err, "empty trace")
}

func TestParseTraceRejectsNonFinite(t *testing.T) {
	for _, reply := range []string{"-90,NaN,-91", "-90,+Inf", "-Inf"} {
		_, err := ParseTrace([]byte(reply))
		assert.Error(t, err, reply)
	}
}
