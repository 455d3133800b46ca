package scpi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// TraceFormat selects how traces are transferred.
type TraceFormat string

const (
	// TraceReal32 transfers 32-bit floats in an IEEE 488.2 definite-length
	// block.
	TraceReal32 TraceFormat = "real32"
	TraceASCII  TraceFormat = "ascii"
)

func (f TraceFormat) Valid() bool { return f == TraceReal32 || f == TraceASCII }

var ErrBadBlock = errors.New("bad block")

// BlockLength reports the full length of the definite-length block at the
// start of buf, header included, so a reader knows how many bytes to wait
// for. It returns 0 while the header itself is still incomplete.
func BlockLength(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if buf[0] != '#' {
		return 0, fmt.Errorf("%w: no block header in %q", ErrBadBlock, head(buf))
	}
	if len(buf) < 2 {
		return 0, nil
	}
	digits := int(buf[1] - '0')
	if digits < 1 || digits > 9 {
		// #0 indefinite-length blocks are not accepted: their end cannot be
		// told from the data
		return 0, fmt.Errorf("%w: length digits %q", ErrBadBlock, buf[1])
	}
	if len(buf) < 2+digits {
		return 0, nil
	}
	n := 0
	for _, c := range buf[2 : 2+digits] {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: length field %q", ErrBadBlock, buf[2:2+digits])
		}
		n = n*10 + int(c-'0')
	}
	return 2 + digits + n, nil
}

// ParseBlock returns the payload of a definite-length block such as
// "#18<8 bytes>". Bytes after the block, usually the terminator, are ignored.
func ParseBlock(reply []byte) ([]byte, error) {
	total, err := BlockLength(reply)
	if err != nil {
		return nil, err
	}
	if total == 0 || len(reply) < total {
		return nil, fmt.Errorf("%w: truncated, have %d bytes", ErrBadBlock, len(reply))
	}
	digits := int(reply[1] - '0')
	return reply[2+digits : total], nil
}

// EncodeBlock wraps payload in a definite-length block header.
func EncodeBlock(payload []byte) []byte {
	size := strconv.Itoa(len(payload))
	out := make([]byte, 0, 2+len(size)+len(payload))
	out = append(out, '#', byte('0'+len(size)))
	out = append(out, size...)
	return append(out, payload...)
}

// DecodeReal32 decodes a REAL,32 trace payload.
func DecodeReal32(payload []byte, order binary.ByteOrder) ([]float64, error) {
	if len(payload)%4 != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of REAL,32 points", ErrBadBlock, len(payload))
	}
	out := make([]float64, len(payload)/4)
	for i := range out {
		v := float64(math.Float32frombits(order.Uint32(payload[4*i:])))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("trace point %d is %v", i, v)
		}
		out[i] = v
	}
	return out, nil
}

// EncodeReal32 is the inverse of DecodeReal32.
func EncodeReal32(values []float64, order binary.ByteOrder) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		order.PutUint32(out[4*i:], math.Float32bits(float32(v)))
	}
	return out
}

func head(b []byte) []byte {
	if len(b) > 16 {
		return b[:16]
	}
	return b
}
