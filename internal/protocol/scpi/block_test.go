package scpi

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockLength(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"#", 0},
		{"#2", 0},
		{"#21", 0},
		{"#18abcdefgh", 11},
		{"#212", 16},
		{"#3100", 105},
	}
	for _, c := range cases {
		n, err := BlockLength([]byte(c.in))
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, n, c.in)
	}

	for _, bad := range []string{"-90.5,-91", "#0abc", "#2x4"} {
		_, err := BlockLength([]byte(bad))
		assert.ErrorIs(t, err, ErrBadBlock, bad)
	}
}

func TestParseBlock(t *testing.T) {
	payload, err := ParseBlock([]byte("#14abcd\n"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), payload)

	_, err = ParseBlock([]byte("#18abc"))
	assert.ErrorIs(t, err, ErrBadBlock, "truncated")

	payload, err = ParseBlock(EncodeBlock(make([]byte, 1234)))
	require.NoError(t, err)
	assert.Len(t, payload, 1234)
}

func TestReal32RoundTrip(t *testing.T) {
	values := []float64{-90.5, -88.25, -61}
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		raw := EncodeBlock(EncodeReal32(values, order))
		payload, err := ParseBlock(raw)
		require.NoError(t, err)
		got, err := DecodeReal32(payload, order)
		require.NoError(t, err)
		assert.Equal(t, values, got)
	}
}

func TestDecodeReal32(t *testing.T) {
	// -90.5 as little-endian float32
	got, err := DecodeReal32([]byte{0x00, 0x00, 0xb5, 0xc2}, binary.LittleEndian)
	require.NoError(t, err)
	assert.Equal(t, []float64{-90.5}, got)

	_, err = DecodeReal32([]byte{1, 2, 3}, binary.LittleEndian)
	assert.ErrorIs(t, err, ErrBadBlock)

	nan := EncodeReal32([]float64{-90, math.NaN()}, binary.LittleEndian)
	_, err = DecodeReal32(nan, binary.LittleEndian)
	assert.Error(t, err)
	inf := EncodeReal32([]float64{math.Inf(1)}, binary.LittleEndian)
	_, err = DecodeReal32(inf, binary.LittleEndian)
	assert.Error(t, err)
}
