package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tdm-edge/energyreport/internal/models"
)

// RequestLedger is the durable record of report requests, one row per
// reporting interval. It is the single source of truth for crash
// recovery and deduplication: the scheduler carries no state of its
// own.
type RequestLedger interface {
	// NextDueInterval returns the earliest interval that has not been
	// SENT and whose end is at or before now, or nil if the caller is
	// current. After downtime it returns the backlog one interval at a
	// time, oldest first.
	NextDueInterval(ctx context.Context, now time.Time) (*models.Interval, error)

	// EnsureRecord is an idempotent get-or-create for the given
	// interval. Concurrent callers observe a single row; uniqueness is
	// enforced by the storage layer.
	EnsureRecord(ctx context.Context, iv models.Interval) (*models.ReportRequest, error)

	// RecordComputed persists the computed energy value and moves the
	// record to COMPUTED. Once committed, the value is never recomputed.
	RecordComputed(ctx context.Context, iv models.Interval, energyKWh float64) error

	// RecordOutcome records a send attempt: SENT on success, FAILED
	// otherwise. Either way attempts is incremented and last_attempt_at
	// set. A SENT record is never downgraded.
	RecordOutcome(ctx context.Context, iv models.Interval, success bool) error

	// QueryRange returns the records whose intervals fall within
	// [start, end), ordered by interval start.
	QueryRange(ctx context.Context, start, end time.Time) ([]models.ReportRequest, error)

	// Close releases the underlying database handle.
	Close() error
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS report_requests (
    interval_start  INTEGER PRIMARY KEY,
    interval_end    INTEGER NOT NULL,
    energy_kwh      REAL,
    status          TEXT NOT NULL DEFAULT 'PENDING',
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_attempt_at INTEGER
);
`

// SQLiteLedger implements RequestLedger on a local SQLite database.
// Every mutation is committed before the call returns, so a crash at
// any point leaves a state the scheduler can resume from.
type SQLiteLedger struct {
	db       *sql.DB
	interval time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// OpenLedger opens (creating if necessary) the ledger database at path.
// interval is the fixed reporting interval length used to derive due
// intervals from wall-clock time.
func OpenLedger(path string, interval time.Duration) (*SQLiteLedger, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	// modernc's driver does not support concurrent writers on one pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure ledger schema: %w", err)
	}

	return &SQLiteLedger{db: db, interval: interval, now: time.Now}, nil
}

func (l *SQLiteLedger) NextDueInterval(ctx context.Context, now time.Time) (*models.Interval, error) {
	// Oldest recorded interval that is still unfinished and already
	// closed. FAILED and PENDING rows block advancement so they are
	// retried before anything newer is attempted.
	var startSec, endSec int64
	err := l.db.QueryRowContext(ctx, `
        SELECT interval_start, interval_end
        FROM report_requests
        WHERE status != 'SENT' AND interval_end <= ?
        ORDER BY interval_start ASC
        LIMIT 1
    `, now.Unix()).Scan(&startSec, &endSec)
	switch {
	case err == nil:
		iv := intervalFromUnix(startSec, endSec)
		return &iv, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("query due interval: %w", err)
	}

	// No unfinished rows: the next candidate follows the newest record.
	var maxEnd sql.NullInt64
	if err := l.db.QueryRowContext(ctx,
		`SELECT MAX(interval_end) FROM report_requests`,
	).Scan(&maxEnd); err != nil {
		return nil, fmt.Errorf("query ledger head: %w", err)
	}

	var candidate models.Interval
	if maxEnd.Valid {
		start := time.Unix(maxEnd.Int64, 0).UTC()
		candidate = models.Interval{Start: start, End: start.Add(l.interval)}
	} else {
		// Empty ledger: start with the interval immediately preceding
		// now. Older history is deliberately not backfilled.
		current := models.IntervalContaining(now.UTC(), l.interval)
		candidate = models.Interval{Start: current.Start.Add(-l.interval), End: current.Start}
	}

	if candidate.End.After(now) {
		return nil, nil
	}
	return &candidate, nil
}

func (l *SQLiteLedger) EnsureRecord(ctx context.Context, iv models.Interval) (*models.ReportRequest, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ensure record: %w", err)
	}
	defer tx.Rollback() // rollback if not committed

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO report_requests (interval_start, interval_end, status)
        VALUES (?, ?, 'PENDING')
        ON CONFLICT(interval_start) DO NOTHING
    `, iv.Start.Unix(), iv.End.Unix()); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx, `
        SELECT interval_start, interval_end, energy_kwh, status, attempts, last_attempt_at
        FROM report_requests
        WHERE interval_start = ?
    `, iv.Start.Unix()))
	if err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit ensure record: %w", err)
	}
	return rec, nil
}

func (l *SQLiteLedger) RecordComputed(ctx context.Context, iv models.Interval, energyKWh float64) error {
	res, err := l.db.ExecContext(ctx, `
        UPDATE report_requests
        SET energy_kwh = ?, status = 'COMPUTED'
        WHERE interval_start = ? AND status IN ('PENDING', 'FAILED')
    `, energyKWh, iv.Start.Unix())
	if err != nil {
		return fmt.Errorf("record computed: %w", err)
	}
	return requireRow(res, iv)
}

func (l *SQLiteLedger) RecordOutcome(ctx context.Context, iv models.Interval, success bool) error {
	status := models.StatusFailed
	if success {
		status = models.StatusSent
	}

	res, err := l.db.ExecContext(ctx, `
        UPDATE report_requests
        SET status = ?, attempts = attempts + 1, last_attempt_at = ?
        WHERE interval_start = ? AND status != 'SENT'
    `, string(status), l.now().Unix(), iv.Start.Unix())
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return requireRow(res, iv)
}

func (l *SQLiteLedger) QueryRange(ctx context.Context, start, end time.Time) ([]models.ReportRequest, error) {
	rows, err := l.db.QueryContext(ctx, `
        SELECT interval_start, interval_end, energy_kwh, status, attempts, last_attempt_at
        FROM report_requests
        WHERE interval_start >= ? AND interval_end <= ?
        ORDER BY interval_start ASC
    `, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var records []models.ReportRequest
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return records, nil
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ReportRequest, error) {
	var (
		startSec, endSec int64
		energy           sql.NullFloat64
		status           string
		attempts         int
		lastAttempt      sql.NullInt64
	)
	if err := row.Scan(&startSec, &endSec, &energy, &status, &attempts, &lastAttempt); err != nil {
		return nil, err
	}

	rec := &models.ReportRequest{
		Interval: intervalFromUnix(startSec, endSec),
		Status:   models.RequestStatus(status),
		Attempts: attempts,
	}
	if energy.Valid {
		v := energy.Float64
		rec.EnergyKWh = &v
	}
	if lastAttempt.Valid {
		t := time.Unix(lastAttempt.Int64, 0).UTC()
		rec.LastAttemptAt = &t
	}
	return rec, nil
}

func requireRow(res sql.Result, iv models.Interval) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no updatable record for interval starting %s", iv.Start.UTC().Format(time.RFC3339))
	}
	return nil
}

func intervalFromUnix(startSec, endSec int64) models.Interval {
	return models.Interval{
		Start: time.Unix(startSec, 0).UTC(),
		End:   time.Unix(endSec, 0).UTC(),
	}
}

// Compile-time interface implementation check
var _ RequestLedger = (*SQLiteLedger)(nil)
