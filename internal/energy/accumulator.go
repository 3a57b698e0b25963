// Package energy converts cumulative pulse-counter samples into energy
// consumption figures.
package energy

import (
	"errors"
	"fmt"

	"github.com/tdm-edge/energyreport/internal/models"
)

var (
	// ErrInsufficientData means no usable sample fell inside the
	// interval. The interval is deferred, not zero-filled.
	ErrInsufficientData = errors.New("insufficient counter data")

	// ErrImplausibleReading means the computed figure fails the sanity
	// ceiling and needs operator attention rather than silent acceptance.
	ErrImplausibleReading = errors.New("implausible energy reading")
)

// Accumulator turns pulse deltas into kWh using a fixed calibration
// factor and rejects readings above a maximum average power draw.
type Accumulator struct {
	pulsesPerKWh  float64
	maxPowerWatts float64
}

// NewAccumulator builds an Accumulator. maxPowerWatts <= 0 disables the
// plausibility check.
func NewAccumulator(pulsesPerKWh, maxPowerWatts float64) *Accumulator {
	return &Accumulator{
		pulsesPerKWh:  pulsesPerKWh,
		maxPowerWatts: maxPowerWatts,
	}
}

// Compute returns the energy consumed during iv in kWh.
//
// samples are the counter readings inside [iv.Start, iv.End), ordered
// by time; anchor is the last reading strictly before iv.Start, or nil
// if the series starts inside the interval. Samples outside the
// interval are ignored.
//
// A value decrease between consecutive readings is treated as a single
// counter reset, and the post-reset value is counted as consumption
// accumulated since zero. Multiple resets between two readings are
// indistinguishable from one and are undercounted; finer sampling is
// the only remedy.
func (a *Accumulator) Compute(iv models.Interval, anchor *models.CounterSample, samples []models.CounterSample) (float64, error) {
	inWindow := samples[:0:0]
	for _, s := range samples {
		if iv.Contains(s.Time) {
			inWindow = append(inWindow, s)
		}
	}

	if len(inWindow) == 0 {
		return 0, fmt.Errorf("%w: no samples in [%s, %s)", ErrInsufficientData,
			iv.Start.UTC().Format("2006-01-02T15:04:05Z"), iv.End.UTC().Format("2006-01-02T15:04:05Z"))
	}

	prev := inWindow[0]
	rest := inWindow[1:]
	if anchor != nil {
		prev = *anchor
		rest = inWindow
	}

	var pulses uint64
	for _, cur := range rest {
		if cur.Value >= prev.Value {
			pulses += cur.Value - prev.Value
		} else {
			// Counter reset: the reading restarted from zero.
			pulses += cur.Value
		}
		prev = cur
	}

	kwh := float64(pulses) / a.pulsesPerKWh

	if a.maxPowerWatts > 0 {
		avgWatts := kwh * 1000 / iv.Duration().Hours()
		if avgWatts > a.maxPowerWatts {
			return 0, fmt.Errorf("%w: %.1f kWh over %s implies %.0f W average draw (ceiling %.0f W)",
				ErrImplausibleReading, kwh, iv.Duration(), avgWatts, a.maxPowerWatts)
		}
	}

	return kwh, nil
}
