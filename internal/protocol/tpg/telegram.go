// Package tpg encodes and decodes Pfeiffer TPG/OmniControl telegrams.
//
// A read request is <addr:3><action:1><param:3><len:2><data><checksum:3>\r
// with action 0 and data "=?". Writes carry action 1 and the new value, and
// the gauge echoes them. Replies carry action 1 and the value.
package tpg

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	ActionRead  = '0'
	ActionReply = '1'
	ActionWrite = '1'

	ParamUnit     = 49
	ParamPressure = 740

	Terminator = '\r'
)

// Device error payloads.
const (
	ErrNoDef = "NO_DEF"
	ErrRange = "_RANGE"
	ErrLogic = "_LOGIC"
)

var ErrBadTelegram = errors.New("bad telegram")

// Units selectable through ParamUnit.
var Units = map[int]string{
	0: "mbar",
	1: "Torr",
	2: "hPa",
}

type Telegram struct {
	Address int
	Action  byte
	Param   int
	Data    string
}

// Checksum is the byte sum of body modulo 256.
func Checksum(body string) int {
	sum := 0
	for i := 0; i < len(body); i++ {
		sum += int(body[i])
	}
	return sum % 256
}

func (t Telegram) Body() string {
	return fmt.Sprintf("%03d%c%03d%02d%s", t.Address, t.Action, t.Param, len(t.Data), t.Data)
}

// Encode returns the full wire form without the terminator.
func (t Telegram) Encode() string {
	body := t.Body()
	return fmt.Sprintf("%s%03d", body, Checksum(body))
}

func ReadRequest(addr, param int) Telegram {
	return Telegram{Address: addr, Action: ActionRead, Param: param, Data: "=?"}
}

func WriteRequest(addr, param int, data string) Telegram {
	return Telegram{Address: addr, Action: ActionWrite, Param: param, Data: data}
}

// UnitCode looks up the ParamUnit code of a unit name, ignoring case.
func UnitCode(name string) (int, bool) {
	for code, n := range Units {
		if strings.EqualFold(n, name) {
			return code, true
		}
	}
	return 0, false
}

// Decode parses one telegram and verifies its length field and checksum.
func Decode(raw string) (Telegram, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if len(raw) < 12 {
		return Telegram{}, fmt.Errorf("%w: too short %q", ErrBadTelegram, raw)
	}
	body, sum := raw[:len(raw)-3], raw[len(raw)-3:]
	want, err := strconv.Atoi(sum)
	if err != nil || want != Checksum(body) {
		return Telegram{}, fmt.Errorf("%w: checksum mismatch in %q", ErrBadTelegram, raw)
	}
	addr, err1 := strconv.Atoi(body[0:3])
	param, err2 := strconv.Atoi(body[4:7])
	n, err3 := strconv.Atoi(body[7:9])
	if err := errors.Join(err1, err2, err3); err != nil {
		return Telegram{}, fmt.Errorf("%w: %q: %v", ErrBadTelegram, raw, err)
	}
	data := body[9:]
	if len(data) != n {
		return Telegram{}, fmt.Errorf("%w: length %d, payload %q", ErrBadTelegram, n, data)
	}
	return Telegram{Address: addr, Action: body[3], Param: param, Data: data}, nil
}

// DeviceError reports the error payload a gauge returns for a bad request.
func DeviceError(data string) (string, bool) {
	switch strings.TrimSpace(data) {
	case ErrNoDef, "NO DEF":
		return ErrNoDef, true
	case ErrRange, "RANGE":
		return ErrRange, true
	case ErrLogic, "LOGIC":
		return ErrLogic, true
	}
	return "", false
}

// DecodeExpoNew decodes the u_expo_new format mmmmee, value mmmm/1000 * 10^(ee-20).
// A mantissa of 9999 marks an over-range reading and decodes to NaN.
func DecodeExpoNew(data string) (float64, error) {
	if len(data) != 6 {
		return 0, fmt.Errorf("%w: u_expo_new %q", ErrBadTelegram, data)
	}
	m, err := strconv.Atoi(data[:4])
	if err != nil {
		return 0, fmt.Errorf("%w: mantissa %q", ErrBadTelegram, data)
	}
	e, err := strconv.Atoi(data[4:])
	if err != nil {
		return 0, fmt.Errorf("%w: exponent %q", ErrBadTelegram, data)
	}
	if m == 9999 {
		return math.NaN(), nil
	}
	return float64(m) / 1000 * math.Pow10(e-20), nil
}

// EncodeExpoNew is the inverse of DecodeExpoNew for 1e-20 <= v < 1e79.
func EncodeExpoNew(v float64) string {
	if math.IsNaN(v) || v <= 0 {
		return "999999"
	}
	e := int(math.Floor(math.Log10(v)))
	m := int(math.Round(v / math.Pow10(e) * 1000))
	if m >= 10000 {
		m /= 10
		e++
	}
	return fmt.Sprintf("%04d%02d", m, e+20)
}

// DecodeShortInt decodes the u_short_int format, six decimal digits.
func DecodeShortInt(data string) (int, error) {
	if len(data) != 6 {
		return 0, fmt.Errorf("%w: u_short_int %q", ErrBadTelegram, data)
	}
	v, err := strconv.Atoi(data)
	if err != nil {
		return 0, fmt.Errorf("%w: u_short_int %q", ErrBadTelegram, data)
	}
	return v, nil
}

func EncodeShortInt(v int) string {
	return fmt.Sprintf("%06d", v)
}
