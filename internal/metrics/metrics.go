// Package metrics defines the tracker's prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bf1942_tracker_build_info",
		Help: "Build information of the tracker",
	}, []string{"version", "commit", "date"})

	ProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bf1942_tracker_probes_total",
		Help: "Total number of completed server probes",
	}, []string{"result"})

	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bf1942_tracker_probe_duration_seconds",
		Help:    "Wall time of a single server probe including port fallback",
		Buckets: prometheus.DefBuckets,
	})

	QueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bf1942_tracker_poll_queue_length",
		Help: "Number of entries currently in the poll queue",
	})

	KnownServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bf1942_tracker_known_servers",
		Help: "Number of server addresses ever seen this process lifetime",
	})

	ParkedServers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bf1942_tracker_parked_servers",
		Help: "Number of known servers currently withheld from polling by exclusions",
	})

	MasterListFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bf1942_tracker_master_list_fetch_total",
		Help: "Total number of master list fetch attempts",
	}, []string{"status"})

	DiscoveredServersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bf1942_tracker_discovered_servers_total",
		Help: "Total number of new server addresses discovered from the master list",
	})

	SnapshotsInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bf1942_tracker_snapshots_inserted_total",
		Help: "Total number of server snapshots inserted",
	})

	SnapshotsDedupedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bf1942_tracker_snapshots_deduped_total",
		Help: "Total number of snapshot inserts skipped because data was unchanged",
	})

	SessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bf1942_tracker_player_sessions_opened_total",
		Help: "Total number of player sessions opened",
	})

	SessionsClosedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bf1942_tracker_player_sessions_closed_total",
		Help: "Total number of player sessions closed",
	})

	ExclusionRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bf1942_tracker_exclusion_refresh_total",
		Help: "Total number of exclusion cache refresh attempts",
	}, []string{"status"})

	StatsViewRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bf1942_tracker_stats_view_refresh_total",
		Help: "Total number of materialized view refresh attempts",
	}, []string{"status"})
)
