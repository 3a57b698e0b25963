// Package scheduler drives the periodic reporting cycle. All progress
// state lives in the request ledger; the scheduler itself is stateless
// and resumes correctly after a crash purely from ledger contents.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tdm-edge/energyreport/internal/database"
	"github.com/tdm-edge/energyreport/internal/energy"
	"github.com/tdm-edge/energyreport/internal/models"
	"github.com/tdm-edge/energyreport/internal/report"
)

// Options carries the configuration the scheduler consumes. It is
// resolved by the caller; the scheduler does no config parsing.
type Options struct {
	Measurement string
	// Interval is the fixed reporting interval length.
	Interval time.Duration
	// Schedule is the cron expression for the tick cadence.
	Schedule string
	// MaxBacklog caps how many due intervals one tick may process.
	MaxBacklog int
	// TickTimeout bounds a whole tick, including catch-up.
	TickTimeout time.Duration
}

// Scheduler runs the per-tick state machine over the ledger.
type Scheduler struct {
	opts    Options
	ledger  database.RequestLedger
	samples database.SampleRepository
	acc     *energy.Accumulator
	req     report.Requester
	logger  *logrus.Logger
	cron    *cron.Cron

	// running guards against overlapping ticks: a tick that fires while
	// the previous one is still in flight is skipped, not queued.
	running atomic.Bool

	now func() time.Time
}

func New(
	opts Options,
	ledger database.RequestLedger,
	samples database.SampleRepository,
	acc *energy.Accumulator,
	req report.Requester,
	logger *logrus.Logger,
) *Scheduler {
	return &Scheduler{
		opts:    opts,
		ledger:  ledger,
		samples: samples,
		acc:     acc,
		req:     req,
		logger:  logger,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start registers the tick on the cron schedule and starts it.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.opts.Schedule, s.tick)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.opts.Schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop stops the cron timer. An in-flight tick finishes on its own.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("Previous tick still running, skipping")
		ticksSkipped.Inc()
		return
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.TickTimeout)
	defer cancel()

	start := time.Now()
	if err := s.RunCycle(ctx, s.now()); err != nil {
		// Tick failures are logged and absorbed; the next tick retries.
		s.logger.WithError(err).Error("Reporting cycle failed")
	}
	tickDuration.Observe(time.Since(start).Seconds())
}

// RunCycle processes due intervals oldest-first until the caller is
// current, an interval fails, or the backlog cap is reached. It is the
// tick body, exported so tests and one-shot runs can drive it directly.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) error {
	for processed := 0; processed < s.opts.MaxBacklog; processed++ {
		iv, err := s.ledger.NextDueInterval(ctx, now)
		if err != nil {
			return fmt.Errorf("determine due interval: %w", err)
		}
		if iv == nil {
			return nil
		}

		advance, err := s.processInterval(ctx, *iv)
		if err != nil {
			return err
		}
		if !advance {
			return nil
		}
	}

	iv, err := s.ledger.NextDueInterval(ctx, now)
	switch {
	case err != nil:
		s.logger.WithError(err).Error("Backlog recheck failed")
	case iv != nil:
		backlogCapped.Inc()
		s.logger.WithField("max_backlog", s.opts.MaxBacklog).
			Warn("Backlog cap reached, remaining intervals deferred to next tick")
	}
	return nil
}

// processInterval runs one interval through the state machine.
// advance is true when the interval reached SENT and the cycle may move
// on to the next due interval within the same tick.
func (s *Scheduler) processInterval(ctx context.Context, iv models.Interval) (advance bool, err error) {
	log := s.logger.WithFields(logrus.Fields{
		"interval_start": iv.Start.UTC().Format(time.RFC3339),
		"interval_end":   iv.End.UTC().Format(time.RFC3339),
	})

	rec, err := s.ledger.EnsureRecord(ctx, iv)
	if err != nil {
		return false, fmt.Errorf("ensure record: %w", err)
	}

	if rec.Status == models.StatusSent {
		log.Debug("Interval already sent, skipping")
		return true, nil
	}

	energyKWh := rec.EnergyKWh
	if energyKWh == nil {
		// PENDING, or FAILED without a persisted value (a prior
		// implausible reading). Records with a persisted value are
		// never recomputed.
		value, ok, err := s.compute(ctx, iv, log)
		if err != nil || !ok {
			return false, err
		}
		energyKWh = &value
	}

	return s.send(ctx, iv, *energyKWh, log)
}

// compute queries the sample window and persists the computed value.
// ok is false when the interval was deferred or recorded FAILED without
// a value; err is non-nil only for faults that abort the whole tick.
func (s *Scheduler) compute(ctx context.Context, iv models.Interval, log *logrus.Entry) (value float64, ok bool, err error) {
	anchor, err := s.samples.AnchorBefore(ctx, s.opts.Measurement, iv.Start)
	if err != nil {
		return 0, false, fmt.Errorf("query anchor: %w", err)
	}
	samples, err := s.samples.QueryWindow(ctx, s.opts.Measurement, iv.Start, iv.End)
	if err != nil {
		return 0, false, fmt.Errorf("query samples: %w", err)
	}

	value, err = s.acc.Compute(iv, anchor, samples)
	switch {
	case errors.Is(err, energy.ErrInsufficientData):
		// Deferred: no ledger mutation, retried next tick.
		intervalsDeferred.Inc()
		log.WithError(err).Info("Interval deferred, waiting for samples")
		return 0, false, nil
	case errors.Is(err, energy.ErrImplausibleReading):
		implausibleReadings.Inc()
		log.WithError(err).Warn("Implausible reading, recording failure")
		if err := s.ledger.RecordOutcome(ctx, iv, false); err != nil {
			return 0, false, fmt.Errorf("record implausible outcome: %w", err)
		}
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("compute energy: %w", err)
	}

	if err := s.ledger.RecordComputed(ctx, iv, value); err != nil {
		return 0, false, fmt.Errorf("record computed: %w", err)
	}
	log.WithField("energy_kwh", value).Info("Energy computed")
	return value, true, nil
}

func (s *Scheduler) send(ctx context.Context, iv models.Interval, energyKWh float64, log *logrus.Entry) (advance bool, err error) {
	if err := s.req.Send(ctx, iv, energyKWh); err != nil {
		reportsFailed.Inc()
		log.WithError(err).Warn("Report request failed")
		if err := s.ledger.RecordOutcome(ctx, iv, false); err != nil {
			return false, fmt.Errorf("record failed outcome: %w", err)
		}
		return false, nil
	}

	if err := s.ledger.RecordOutcome(ctx, iv, true); err != nil {
		// The remote side accepted the request but the outcome is not
		// durable; surfacing the error leaves the record un-SENT and a
		// duplicate request possible on retry. Idempotency on the
		// remote side relies on the interval bounds in the payload.
		return false, fmt.Errorf("record sent outcome: %w", err)
	}

	reportsSent.Inc()
	log.WithField("energy_kwh", energyKWh).Info("Report request sent")
	return true, nil
}
