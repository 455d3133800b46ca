package sink

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
	"github.com/JustinD-T/Quantum-Subradience/internal/ports"
)

const timescaleColumns = 9

// TimescaleSink writes samples to a Postgres/TimescaleDB hypertable. Replays
// from the WAL are idempotent through the (instrument_id, ts, seq) key.
type TimescaleSink struct {
	db        *sql.DB
	tableName string
}

func NewTimescaleSink(db *sql.DB, table string) *TimescaleSink {
	return &TimescaleSink{db: db, tableName: table}
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

func (t *TimescaleSink) WriteBatch(samples []*domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.tableName)
	b.WriteString(" (instrument_id, ts, seq, sweep, channel, value, freq_hz, unit, transform_ver) VALUES ")

	args := make([]any, 0, len(samples)*timescaleColumns)
	for i, s := range samples {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 1; c <= timescaleColumns; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+c)
		}
		b.WriteString(")")

		args = append(args,
			s.InstrumentID,
			s.Timestamp,
			s.Seq,
			s.Sweep,
			s.Channel,
			s.Value,
			s.Frequency,
			s.Unit,
			s.TransformVer,
		)
	}

	b.WriteString(" ON CONFLICT (instrument_id, ts, seq) DO NOTHING")

	if _, err := t.db.Exec(b.String(), args...); err != nil {
		return fmt.Errorf("timescale insert %d samples: %w", len(samples), err)
	}
	return nil
}

var _ ports.Sink = (*TimescaleSink)(nil)
