// Package database holds the two storage adapters of the reporting
// daemon: the TimescaleDB repository the pulse-counter samples are read
// from, and the SQLite ledger that tracks the state of every report
// request.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tdm-edge/energyreport/internal/models"
)

// ErrSourceUnavailable wraps connection and query failures against the
// telemetry store. A tick that hits it is aborted and retried later
// without any ledger mutation.
var ErrSourceUnavailable = errors.New("telemetry store unavailable")

// SampleRepository is the read-only view over the external time-series
// store. Samples are written by a separate collector; this service only
// queries them.
type SampleRepository interface {
	// QueryWindow returns the counter samples for a measurement within
	// [start, end), ordered by time ascending.
	QueryWindow(ctx context.Context, measurement string, start, end time.Time) ([]models.CounterSample, error)

	// AnchorBefore returns the last sample strictly before t, or nil if
	// the series has no data before t.
	AnchorBefore(ctx context.Context, measurement string, t time.Time) (*models.CounterSample, error)

	// Close releases the underlying connection pool.
	Close() error
}

// PostgresSampleRepo implements SampleRepository against a TimescaleDB
// hypertable of (time, measurement, value) rows.
type PostgresSampleRepo struct {
	db *sql.DB
}

// NewPostgresSampleRepo opens a connection pool and verifies
// connectivity before returning.
func NewPostgresSampleRepo(connStr string) (*PostgresSampleRepo, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	return &PostgresSampleRepo{db: db}, nil
}

func (s *PostgresSampleRepo) QueryWindow(
	ctx context.Context,
	measurement string,
	start, end time.Time,
) ([]models.CounterSample, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT time, value
        FROM counter_samples
        WHERE measurement = $1 AND time >= $2 AND time < $3
        ORDER BY time ASC
    `, measurement, start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer rows.Close()

	var samples []models.CounterSample
	for rows.Next() {
		var s models.CounterSample
		if err := rows.Scan(&s.Time, &s.Value); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	return samples, nil
}

func (s *PostgresSampleRepo) AnchorBefore(
	ctx context.Context,
	measurement string,
	t time.Time,
) (*models.CounterSample, error) {
	var sample models.CounterSample
	err := s.db.QueryRowContext(ctx, `
        SELECT time, value
        FROM counter_samples
        WHERE measurement = $1 AND time < $2
        ORDER BY time DESC
        LIMIT 1
    `, measurement, t).Scan(&sample.Time, &sample.Value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	return &sample, nil
}

func (s *PostgresSampleRepo) Close() error {
	return s.db.Close()
}

// Compile-time interface implementation check
var _ SampleRepository = (*PostgresSampleRepo)(nil)
