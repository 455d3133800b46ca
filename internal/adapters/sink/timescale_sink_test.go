package sink

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JustinD-T/Quantum-Subradience/internal/domain"
)

func TestTimescaleSinkWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewTimescaleSink(db, "samples")
	ts := time.Now()

	samples := []*domain.Sample{
		{
			InstrumentID: "sa",
			Timestamp:    ts,
			Seq:          7,
			Sweep:        2,
			Channel:      3,
			Value:        -80.25,
			Frequency:    2.45e9,
			Unit:         "dBm",
			TransformVer: 1,
		},
	}

	expectedQuery := regexp.QuoteMeta("INSERT INTO samples (instrument_id, ts, seq, sweep, channel, value, freq_hz, unit, transform_ver) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) ON CONFLICT (instrument_id, ts, seq) DO NOTHING")
	mock.ExpectExec(expectedQuery).
		WithArgs("sa", ts, uint64(7), uint64(2), 3, -80.25, 2.45e9, "dBm", uint16(1)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, sink.WriteBatch(samples))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleSinkWriteBatchMultipleRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewTimescaleSink(db, "lab")
	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9),($10,$11,$12,$13,$14,$15,$16,$17,$18) ON CONFLICT")).
		WillReturnError(errors.New("connection reset"))

	assert.Error(t, sink.WriteBatch([]*domain.Sample{{InstrumentID: "a"}, {InstrumentID: "b"}}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleSinkWriteBatchNoSamples(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewTimescaleSink(db, "samples")
	assert.NoError(t, sink.WriteBatch(nil), "empty batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTimescaleSinkName(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "timescaledb", NewTimescaleSink(db, "samples").Name())
}
