package storage

import "github.com/prometheus/client_golang/prometheus"

func init() {
	// Register the metrics.
	prometheus.MustRegister(
		PromTorrentsCount,
		PromPeersCount,
		PromSeedersCount,
		PromLeechersCount,
		PromConflictRetries,
	)
}

var (
	// PromTorrentsCount is a gauge used to hold the current total amount of
	// torrents known to a store.
	PromTorrentsCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ratiotracker_storage_torrents_count",
		Help: "The number of torrents tracked",
	})

	// PromPeersCount is a gauge used to hold the current total amount of
	// peer rows held by a store.
	PromPeersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ratiotracker_storage_peers_count",
		Help: "The number of peers stored",
	})

	// PromSeedersCount is a gauge used to hold the sum of the cached seeder
	// counters of all torrents.
	PromSeedersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ratiotracker_storage_seeders_count",
		Help: "The number of seeders tracked",
	})

	// PromLeechersCount is a gauge used to hold the sum of the cached leecher
	// counters of all torrents.
	PromLeechersCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ratiotracker_storage_leechers_count",
		Help: "The number of leechers tracked",
	})

	// PromConflictRetries counts units of work run again after losing a
	// peer insert race.
	PromConflictRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ratiotracker_storage_conflict_retries_total",
		Help: "The number of units of work retried after a conflicting insert",
	})
)

// Stats is a snapshot of the store-wide gauges.
type Stats struct {
	Torrents int64
	Peers    int64
	Seeders  int64
	Leechers int64
}

// Report publishes s to the storage gauges.
func (s Stats) Report() {
	PromTorrentsCount.Set(float64(s.Torrents))
	PromPeersCount.Set(float64(s.Peers))
	PromSeedersCount.Set(float64(s.Seeders))
	PromLeechersCount.Set(float64(s.Leechers))
}
