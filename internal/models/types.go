package models

import "time"

// CounterSample is a single cumulative pulse-counter reading.
// The counter is monotonically increasing but may reset to zero,
// e.g. when the metering device reboots.
type CounterSample struct {
	Time  time.Time `json:"time"`
	Value uint64    `json:"value"`
}

// Interval is a half-open reporting window [Start, End).
// Intervals are aligned to the configured length, so boundaries depend
// only on wall-clock time, never on when the scheduler happened to run.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IntervalContaining returns the aligned interval of the given length
// that contains t.
func IntervalContaining(t time.Time, length time.Duration) Interval {
	start := t.Truncate(length)
	return Interval{Start: start, End: start.Add(length)}
}

// Next returns the interval immediately following iv.
func (iv Interval) Next() Interval {
	return Interval{Start: iv.End, End: iv.End.Add(iv.Duration())}
}

// Contains reports whether t falls within [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Duration returns the interval length.
func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// RequestStatus is the processing state of a reporting interval.
type RequestStatus string

const (
	// StatusPending: the interval exists in the ledger but no energy
	// value has been computed for it yet.
	StatusPending RequestStatus = "PENDING"
	// StatusComputed: the energy value is persisted but the report
	// request has not succeeded yet.
	StatusComputed RequestStatus = "COMPUTED"
	// StatusSent is terminal: the report request succeeded and the
	// interval is never recomputed or resent.
	StatusSent RequestStatus = "SENT"
	// StatusFailed: the last attempt failed; the interval is retried on
	// a subsequent tick.
	StatusFailed RequestStatus = "FAILED"
)

// ReportRequest is one ledger row: the full processing state of a
// single reporting interval.
type ReportRequest struct {
	Interval      Interval      `json:"interval"`
	EnergyKWh     *float64      `json:"energy_kwh,omitempty"`
	Status        RequestStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
}
