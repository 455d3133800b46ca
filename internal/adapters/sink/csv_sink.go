package sink

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

var csvColumns = []string{"instrument_id", "timestamp", "seq", "sweep", "channel", "frequency_hz", "value", "unit"}

// fsync after this many batches; every batch is still flushed to the OS.
const csvSyncEvery = 50

// CSVSink appends samples as ordered records to an experiment log. The file
// starts with a block of "# " comment lines describing the session.
type CSVSink struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	buf     *bufio.Writer
	w       *csv.Writer
	batches int
}

// NewCSVSink creates dir if needed and opens a new timestamped log in it.
func NewCSVSink(dir string, header []string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("ExperimentLog_%s.csv", time.Now().Format("20060102-150405.000"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	buf := bufio.NewWriter(f)
	for _, line := range header {
		if _, err := fmt.Fprintf(buf, "# %s\n", line); err != nil {
			f.Close()
			return nil, err
		}
	}
	w := csv.NewWriter(buf)
	if err := w.Write(csvColumns); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	if err := buf.Flush(); err != nil {
		f.Close()
		return nil, err
	}

	return &CSVSink{path: path, file: f, buf: buf, w: w}, nil
}

func (c *CSVSink) Name() string { return "csv" }

func (c *CSVSink) Path() string { return c.path }

func (c *CSVSink) WriteBatch(samples []*domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return fmt.Errorf("csv sink %s: closed", c.path)
	}

	for _, s := range samples {
		rec := []string{
			s.InstrumentID,
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatUint(s.Seq, 10),
			strconv.FormatUint(s.Sweep, 10),
			strconv.Itoa(s.Channel),
			strconv.FormatFloat(s.Frequency, 'f', -1, 64),
			strconv.FormatFloat(s.Value, 'g', -1, 64),
			s.Unit,
		}
		if err := c.w.Write(rec); err != nil {
			return err
		}
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	if err := c.buf.Flush(); err != nil {
		return err
	}

	c.batches++
	if c.batches%csvSyncEvery == 0 {
		return c.file.Sync()
	}
	return nil
}

func (c *CSVSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file == nil {
		return nil
	}
	c.w.Flush()
	err := c.buf.Flush()
	if serr := c.file.Sync(); err == nil {
		err = serr
	}
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	c.file = nil
	return err
}

var _ ports.Sink = (*CSVSink)(nil)
