// Package scpi holds the command vocabulary of SCPI spectrum analyzers and
// helpers for parsing their ASCII replies and binary trace blocks.
package scpi

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Commands maps the operations labflow needs onto one analyzer model's SCPI
// dialect. Templates use fmt verbs for their argument. An empty SweepCount
// disables the sweep counter freshness check. ByteOrder selects swapped,
// little-endian block transfers; without it blocks are read big-endian.
type Commands struct {
	Identify       string `yaml:"identify"`
	Clear          string `yaml:"clear"`
	ContinuousOff  string `yaml:"continuous_off"`
	Center         string `yaml:"set_center"`
	Span           string `yaml:"set_span"`
	Points         string `yaml:"set_points"`
	SweepTime      string `yaml:"set_sweep_time"`
	Detector       string `yaml:"set_detector"`
	DataFormat     string `yaml:"set_data_format"`
	BinaryFormat   string `yaml:"set_binary_format"`
	ByteOrder      string `yaml:"set_byte_order"`
	ErrorQuery     string `yaml:"error_query"`
	PointsQuery    string `yaml:"query_points"`
	SweepTimeQuery string `yaml:"query_sweep_time"`
	StartQuery     string `yaml:"query_frequency_start"`
	StopQuery      string `yaml:"query_frequency_stop"`
	Initiate       string `yaml:"initiate"`
	OperationDone  string `yaml:"operation_complete"`
	EventStatus    string `yaml:"event_status_query"`
	SweepCount     string `yaml:"query_sweep_count"`
	Trace          string `yaml:"query_trace_data"`

	DetectorMax     string `yaml:"detector_max"`
	DetectorAverage string `yaml:"detector_average"`
}

// Default is a Keysight/R&S style analyzer.
func Default() Commands {
	return Commands{
		Identify:        "*IDN?",
		Clear:           "*CLS",
		ContinuousOff:   "INIT:CONT OFF",
		Center:          "FREQ:CENT %g",
		Span:            "FREQ:SPAN %g",
		Points:          "SWE:POIN %d",
		SweepTime:       "SWE:TIME %g",
		Detector:        "DET %s",
		DataFormat:      "FORM ASC",
		BinaryFormat:    "FORM REAL,32",
		ByteOrder:       "FORM:BORD SWAP",
		ErrorQuery:      "SYST:ERR?",
		PointsQuery:     "SWE:POIN?",
		SweepTimeQuery:  "SWE:TIME?",
		StartQuery:      "FREQ:STAR?",
		StopQuery:       "FREQ:STOP?",
		Initiate:        "INIT:IMM",
		OperationDone:   "*OPC",
		EventStatus:     "*ESR?",
		SweepCount:      "SWE:COUN:CURR?",
		Trace:           "TRAC:DATA? TRACE1",
		DetectorMax:     "POS",
		DetectorAverage: "AVER",
	}
}

// WithOverrides returns c with every non-empty field of o applied.
func (c Commands) WithOverrides(o Commands) Commands {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Identify, o.Identify)
	set(&c.Clear, o.Clear)
	set(&c.ContinuousOff, o.ContinuousOff)
	set(&c.Center, o.Center)
	set(&c.Span, o.Span)
	set(&c.Points, o.Points)
	set(&c.SweepTime, o.SweepTime)
	set(&c.Detector, o.Detector)
	set(&c.DataFormat, o.DataFormat)
	set(&c.BinaryFormat, o.BinaryFormat)
	set(&c.ByteOrder, o.ByteOrder)
	set(&c.ErrorQuery, o.ErrorQuery)
	set(&c.PointsQuery, o.PointsQuery)
	set(&c.SweepTimeQuery, o.SweepTimeQuery)
	set(&c.StartQuery, o.StartQuery)
	set(&c.StopQuery, o.StopQuery)
	set(&c.Initiate, o.Initiate)
	set(&c.OperationDone, o.OperationDone)
	set(&c.EventStatus, o.EventStatus)
	set(&c.SweepCount, o.SweepCount)
	set(&c.Trace, o.Trace)
	set(&c.DetectorMax, o.DetectorMax)
	set(&c.DetectorAverage, o.DetectorAverage)
	return c
}

// Keyword is the command header of a template, e.g. "FREQ:CENT" for
// "FREQ:CENT %g".
func Keyword(template string) string {
	if i := strings.IndexAny(template, " %"); i >= 0 {
		return strings.TrimSpace(template[:i])
	}
	return template
}

// ParseFloat parses a numeric reply such as "+2.500000000E+00".
func ParseFloat(reply []byte) (float64, error) {
	s := strings.TrimSpace(string(reply))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("numeric reply %q: %w", s, err)
	}
	return v, nil
}

// ParseInt parses an integer reply. Analyzers often answer integers in
// floating point notation.
func ParseInt(reply []byte) (int64, error) {
	s := strings.TrimSpace(string(reply))
	if v, err := strconv.ParseInt(strings.TrimPrefix(s, "+"), 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("integer reply %q: %w", s, err)
	}
	return int64(f), nil
}

// ParseError splits a SYST:ERR? reply like `-222,"Data out of range"`.
// Code 0 means the error queue is empty.
func ParseError(reply []byte) (int, string, error) {
	s := strings.TrimSpace(string(reply))
	code, msg, _ := strings.Cut(s, ",")
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(code), "+"))
	if err != nil {
		return 0, "", fmt.Errorf("error reply %q: %w", s, err)
	}
	return n, strings.Trim(strings.TrimSpace(msg), `"`), nil
}

// ParseTrace parses a comma separated ASCII trace. NaN and infinite points
// are rejected.
func ParseTrace(reply []byte) ([]float64, error) {
	s := strings.TrimSpace(string(reply))
	if s == "" {
		return nil, fmt.Errorf("empty trace")
	}
	fields := strings.Split(s, ",")
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("trace point %d %q: %w", i, f, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("trace point %d is %v", i, v)
		}
		out[i] = v
	}
	return out, nil
}
