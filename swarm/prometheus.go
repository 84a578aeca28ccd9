package swarm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	prometheus.MustRegister(
		PromSweepDurationMilliseconds,
		PromReapedPeers,
		PromRecomputes,
	)
}

var (
	// PromSweepDurationMilliseconds is a histogram used by the Reaper to
	// record the durations of execution time required for removing stale
	// peers.
	PromSweepDurationMilliseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ratiotracker_reaper_sweep_duration_milliseconds",
		Help:    "The time it takes to delete stale peers",
		Buckets: prometheus.ExponentialBuckets(9.375, 2, 10),
	})

	// PromReapedPeers counts peers deleted by the Reaper.
	PromReapedPeers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratiotracker_reaper_deleted_peers_total",
		Help: "The number of stale peers deleted",
	})

	// PromRecomputes counts swarm recomputations by outcome.
	PromRecomputes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ratiotracker_swarm_recomputes_total",
		Help: "The number of swarm counter recomputations",
	}, []string{"result"})
)

func recordSweepDuration(duration time.Duration) {
	PromSweepDurationMilliseconds.Observe(float64(duration.Nanoseconds()) / float64(time.Millisecond))
}
