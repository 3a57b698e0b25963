package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	reportsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "energyreport_reports_sent_total",
		Help: "Report requests accepted by the remote service.",
	})
	reportsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "energyreport_reports_failed_total",
		Help: "Report request attempts that failed.",
	})
	intervalsDeferred = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "energyreport_intervals_deferred_total",
		Help: "Intervals deferred for lack of counter samples.",
	})
	implausibleReadings = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "energyreport_implausible_readings_total",
		Help: "Computed readings rejected by the plausibility ceiling.",
	})
	ticksSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "energyreport_ticks_skipped_total",
		Help: "Ticks skipped because the previous tick was still running.",
	})
	backlogCapped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "energyreport_backlog_capped_total",
		Help: "Ticks that hit the per-tick backlog cap.",
	})
	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "energyreport_tick_duration_seconds",
		Help:    "Duration of reporting ticks.",
		Buckets: prometheus.DefBuckets,
	})
)

// Metrics returns the scheduler collectors for registration by the
// caller.
func Metrics() []prometheus.Collector {
	return []prometheus.Collector{
		reportsSent,
		reportsFailed,
		intervalsDeferred,
		implausibleReadings,
		ticksSkipped,
		backlogCapped,
		tickDuration,
	}
}
