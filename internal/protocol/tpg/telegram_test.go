package tpg

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRequestEncoding(t *testing.T) {
	body := "001" + "0" + "740" + "02" + "=?"
	assert.Equal(t, fmt.Sprintf("%s%03d", body, Checksum(body)), ReadRequest(1, ParamPressure).Encode())
}

func TestWriteRequestEncoding(t *testing.T) {
	body := "001" + "1" + "049" + "06" + "000001"
	got := WriteRequest(1, ParamUnit, EncodeShortInt(1)).Encode()
	assert.Equal(t, fmt.Sprintf("%s%03d", body, Checksum(body)), got)

	req, err := Decode(got)
	require.NoError(t, err)
	assert.Equal(t, byte(ActionWrite), req.Action)
	assert.Equal(t, ParamUnit, req.Param)
}

func TestUnitCode(t *testing.T) {
	for name, want := range map[string]int{"mbar": 0, "torr": 1, "Torr": 1, "HPA": 2} {
		code, ok := UnitCode(name)
		require.True(t, ok, name)
		assert.Equal(t, want, code, name)
	}
	_, ok := UnitCode("psi")
	assert.False(t, ok)
}

func TestDecodeRoundTrip(t *testing.T) {
	in := Telegram{Address: 1, Action: ActionReply, Param: ParamPressure, Data: "150017"}
	out, err := Decode(in.Encode() + "\r")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsBadChecksum(t *testing.T) {
	raw := Telegram{Address: 1, Action: ActionReply, Param: ParamPressure, Data: "150017"}.Encode()
	corrupt := raw[:len(raw)-1] + "9"
	if raw == corrupt {
		corrupt = raw[:len(raw)-1] + "8"
	}
	_, err := Decode(corrupt)
	assert.ErrorIs(t, err, ErrBadTelegram)
	_, err = Decode("ERR")
	assert.ErrorIs(t, err, ErrBadTelegram, "short telegram")
}

func TestExpoNew(t *testing.T) {
	v, err := DecodeExpoNew("150017")
	require.NoError(t, err)
	assert.InDelta(t, 1.5e-3, v, 1e-12)

	v, err = DecodeExpoNew("999920")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v), "over-range decodes to NaN")

	for _, p := range []float64{1.5e-3, 2.34e-7, 1000, 9.999e-9} {
		got, err := DecodeExpoNew(EncodeExpoNew(p))
		require.NoError(t, err, p)
		assert.InEpsilon(t, p, got, 1e-3)
	}

	_, err = DecodeExpoNew("12ab17")
	assert.Error(t, err)
}

func TestDeviceError(t *testing.T) {
	for _, in := range []string{"NO_DEF", "_RANGE", "_LOGIC", "NO DEF"} {
		_, ok := DeviceError(in)
		assert.True(t, ok, in)
	}
	_, ok := DeviceError("150017")
	assert.False(t, ok, "pressure payload reported as device error")
}
