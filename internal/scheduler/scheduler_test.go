package scheduler

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdm-edge/energyreport/internal/database"
	"github.com/tdm-edge/energyreport/internal/energy"
	"github.com/tdm-edge/energyreport/internal/models"
	"github.com/tdm-edge/energyreport/internal/report"
)

var day0 = time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC)

func dayInterval(n int) models.Interval {
	start := day0.AddDate(0, 0, n)
	return models.Interval{Start: start, End: start.AddDate(0, 0, 1)}
}

// fakeSamples serves a synthetic counter: an anchor one hour before
// each window and one in-window sample 100 pulses higher.
type fakeSamples struct {
	queryCalls int
	empty      bool
	err        error
}

func (f *fakeSamples) QueryWindow(ctx context.Context, measurement string, start, end time.Time) ([]models.CounterSample, error) {
	f.queryCalls++
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return nil, nil
	}
	return []models.CounterSample{
		{Time: start.Add(time.Hour), Value: 1100},
	}, nil
}

func (f *fakeSamples) AnchorBefore(ctx context.Context, measurement string, t time.Time) (*models.CounterSample, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.empty {
		return nil, nil
	}
	return &models.CounterSample{Time: t.Add(-time.Hour), Value: 1000}, nil
}

func (f *fakeSamples) Close() error { return nil }

type sentReport struct {
	interval models.Interval
	kwh      float64
}

type fakeRequester struct {
	sent []sentReport
	err  error
}

func (f *fakeRequester) Send(ctx context.Context, iv models.Interval, kwh float64) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentReport{interval: iv, kwh: kwh})
	return nil
}

func newTestScheduler(t *testing.T, samples *fakeSamples, requester report.Requester, maxBacklog int) (*Scheduler, *database.SQLiteLedger) {
	t.Helper()

	ledger, err := database.OpenLedger(filepath.Join(t.TempDir(), "reporting.db"), 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	s := New(Options{
		Measurement: "emontx3",
		Interval:    24 * time.Hour,
		Schedule:    "*/5 * * * *",
		MaxBacklog:  maxBacklog,
		TickTimeout: time.Minute,
	}, ledger, samples, energy.NewAccumulator(1000, 15000), requester, logger)

	return s, ledger
}

func TestCycleHappyPath(t *testing.T) {
	samples := &fakeSamples{}
	requester := &fakeRequester{}
	s, ledger := newTestScheduler(t, samples, requester, 10)
	ctx := context.Background()

	now := day0.AddDate(0, 0, 1).Add(time.Hour)
	require.NoError(t, s.RunCycle(ctx, now))

	// 100 pulses at 1000 pulses/kWh.
	require.Len(t, requester.sent, 1)
	assert.Equal(t, dayInterval(0), requester.sent[0].interval)
	assert.InDelta(t, 0.1, requester.sent[0].kwh, 1e-9)

	rec, err := ledger.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.EnergyKWh)
	assert.InDelta(t, 0.1, *rec.EnergyKWh, 1e-9)
}

func TestCycleIdempotentForSentInterval(t *testing.T) {
	samples := &fakeSamples{}
	requester := &fakeRequester{}
	s, _ := newTestScheduler(t, samples, requester, 10)
	ctx := context.Background()

	now := day0.AddDate(0, 0, 1).Add(time.Hour)
	require.NoError(t, s.RunCycle(ctx, now))
	require.Len(t, requester.sent, 1)
	queriesAfterFirst := samples.queryCalls

	// Re-running the cycle must neither recompute nor resend.
	require.NoError(t, s.RunCycle(ctx, now))
	assert.Len(t, requester.sent, 1)
	assert.Equal(t, queriesAfterFirst, samples.queryCalls)
}

func TestCycleResumesFromComputedWithoutRecomputation(t *testing.T) {
	samples := &fakeSamples{}
	requester := &fakeRequester{}
	s, ledger := newTestScheduler(t, samples, requester, 10)
	ctx := context.Background()

	// A previous process run crashed after computing but before
	// sending.
	_, err := ledger.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, err)
	require.NoError(t, ledger.RecordComputed(ctx, dayInterval(0), 0.5))

	now := day0.AddDate(0, 0, 1).Add(time.Hour)
	require.NoError(t, s.RunCycle(ctx, now))

	assert.Zero(t, samples.queryCalls, "persisted value must not be recomputed")
	require.Len(t, requester.sent, 1)
	assert.InDelta(t, 0.5, requester.sent[0].kwh, 1e-9)

	rec, err := ledger.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, rec.Status)
}

func TestCycleCatchesUpBacklogInOrder(t *testing.T) {
	samples := &fakeSamples{}
	requester := &fakeRequester{}
	s, ledger := newTestScheduler(t, samples, requester, 10)
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		_, err := ledger.EnsureRecord(ctx, dayInterval(n))
		require.NoError(t, err)
	}

	now := day0.AddDate(0, 0, 5).Add(time.Hour)
	require.NoError(t, s.RunCycle(ctx, now))

	require.Len(t, requester.sent, 5)
	for n := 0; n < 5; n++ {
		assert.Equal(t, dayInterval(n), requester.sent[n].interval, "send %d out of order", n)
	}
}

func TestCycleHonorsBacklogCap(t *testing.T) {
	samples := &fakeSamples{}
	requester := &fakeRequester{}
	s, ledger := newTestScheduler(t, samples, requester, 3)
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		_, err := ledger.EnsureRecord(ctx, dayInterval(n))
		require.NoError(t, err)
	}

	now := day0.AddDate(0, 0, 5).Add(time.Hour)
	require.NoError(t, s.RunCycle(ctx, now))
	assert.Len(t, requester.sent, 3)

	// The next tick continues where the cap stopped.
	require.NoError(t, s.RunCycle(ctx, now))
	assert.Len(t, requester.sent, 5)
}

func TestCycleDefersOnInsufficientData(t *testing.T) {
	samples := &fakeSamples{empty: true}
	requester := &fakeRequester{}
	s, ledger := newTestScheduler(t, samples, requester, 10)
	ctx := context.Background()

	now := day0.AddDate(0, 0, 1).Add(time.Hour)
	require.NoError(t, s.RunCycle(ctx, now))
	require.NoError(t, s.RunCycle(ctx, now))

	assert.Empty(t, requester.sent)

	// The record stays PENDING across ticks: deferral never mutates
	// ledger status.
	rec, err := ledger.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Zero(t, rec.Attempts)
	assert.Nil(t, rec.EnergyKWh)
}

func TestCycleAbortsOnSourceUnavailable(t *testing.T) {
	samples := &fakeSamples{err: database.ErrSourceUnavailable}
	requester := &fakeRequester{}
	s, ledger := newTestScheduler(t, samples, requester, 10)
	ctx := context.Background()

	now := day0.AddDate(0, 0, 1).Add(time.Hour)
	err := s.RunCycle(ctx, now)
	require.Error(t, err)
	assert.ErrorIs(t, err, database.ErrSourceUnavailable)

	// Tick aborted with no ledger mutation beyond record creation.
	rec, lerr := ledger.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, lerr)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Empty(t, requester.sent)
}

func TestCycleRecordsImplausibleReadingAsFailed(t *testing.T) {
	samples := &fakeSamples{}
	requester := &fakeRequester{}
	s, ledger := newTestScheduler(t, samples, requester, 10)
	ctx := context.Background()

	// 0.1 pulses/kWh turns the 100-pulse window into 1000 kWh/day
	// (~42 kW average), well over the 15 kW ceiling.
	s.acc = energy.NewAccumulator(0.1, 15000)

	now := day0.AddDate(0, 0, 1).Add(time.Hour)
	require.NoError(t, s.RunCycle(ctx, now))

	assert.Empty(t, requester.sent)
	rec, err := ledger.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	assert.Nil(t, rec.EnergyKWh)
}

func TestCycleRetriesFailedSendWithoutRecomputation(t *testing.T) {
	samples := &fakeSamples{}
	requester := &fakeRequester{err: report.ErrRequestFailed}
	s, ledger := newTestScheduler(t, samples, requester, 10)
	ctx := context.Background()

	now := day0.AddDate(0, 0, 1).Add(time.Hour)
	require.NoError(t, s.RunCycle(ctx, now))

	rec, err := ledger.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.EnergyKWh)
	queriesAfterFailure := samples.queryCalls

	// Next tick: the service recovered.
	requester.err = nil
	require.NoError(t, s.RunCycle(ctx, now))

	assert.Equal(t, queriesAfterFailure, samples.queryCalls, "retry must reuse the persisted value")
	require.Len(t, requester.sent, 1)
	assert.InDelta(t, 0.1, requester.sent[0].kwh, 1e-9)

	rec, err = ledger.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSent, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
}

// blockingRequester parks Send until released so a cycle can be held
// in flight.
type blockingRequester struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRequester) Send(ctx context.Context, iv models.Interval, kwh float64) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return nil
}

func TestTickSkipsWhilePreviousTickRunning(t *testing.T) {
	blocker := &blockingRequester{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	s, _ := newTestScheduler(t, &fakeSamples{}, blocker, 10)
	s.now = func() time.Time { return day0.AddDate(0, 0, 1).Add(time.Hour) }

	skippedBefore := testutil.ToFloat64(ticksSkipped)

	done := make(chan struct{})
	go func() {
		s.tick()
		close(done)
	}()
	<-blocker.entered

	// Fires while the first tick is blocked mid-send: it must return
	// immediately instead of running a second cycle.
	s.tick()
	assert.Equal(t, skippedBefore+1, testutil.ToFloat64(ticksSkipped))

	close(blocker.release)
	<-done
	assert.Equal(t, skippedBefore+1, testutil.ToFloat64(ticksSkipped))
}

// flakyLedger fails every due-interval lookup after the first.
type flakyLedger struct {
	database.RequestLedger
	calls int
}

func (f *flakyLedger) NextDueInterval(ctx context.Context, now time.Time) (*models.Interval, error) {
	f.calls++
	if f.calls > 1 {
		return nil, errors.New("ledger unavailable")
	}
	return f.RequestLedger.NextDueInterval(ctx, now)
}

func TestCycleLogsFailedBacklogRecheck(t *testing.T) {
	base, err := database.OpenLedger(filepath.Join(t.TempDir(), "reporting.db"), 24*time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { base.Close() })

	ctx := context.Background()
	_, err = base.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, err)

	logger, hook := logrustest.NewNullLogger()
	s := New(Options{
		Measurement: "emontx3",
		Interval:    24 * time.Hour,
		Schedule:    "*/5 * * * *",
		MaxBacklog:  1,
		TickTimeout: time.Minute,
	}, &flakyLedger{RequestLedger: base}, &fakeSamples{}, energy.NewAccumulator(1000, 15000), &fakeRequester{}, logger)

	require.NoError(t, s.RunCycle(ctx, day0.AddDate(0, 0, 1).Add(time.Hour)))

	// The failed post-cap recheck surfaces in the log instead of being
	// dropped.
	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestCycleStopsCatchUpAtFirstFailure(t *testing.T) {
	samples := &fakeSamples{}
	requester := &fakeRequester{err: errors.New("boom")}
	s, ledger := newTestScheduler(t, samples, requester, 10)
	ctx := context.Background()

	for n := 0; n < 3; n++ {
		_, err := ledger.EnsureRecord(ctx, dayInterval(n))
		require.NoError(t, err)
	}

	now := day0.AddDate(0, 0, 3).Add(time.Hour)
	require.NoError(t, s.RunCycle(ctx, now))

	// Only the oldest interval was attempted; the rest wait for the
	// next tick rather than being attempted out of order.
	rec0, err := ledger.EnsureRecord(ctx, dayInterval(0))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec0.Status)
	assert.Equal(t, 1, rec0.Attempts)

	rec1, err := ledger.EnsureRecord(ctx, dayInterval(1))
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec1.Status)
	assert.Zero(t, rec1.Attempts)
}
