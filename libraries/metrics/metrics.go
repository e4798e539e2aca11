package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpdatesApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldsync_updates_applied_total",
			Help: "Total number of update records applied to the mirror",
		},
		[]string{"source", "kind"},
	)

	SnapshotChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worldsync_snapshot_chunks_total",
			Help: "Total number of snapshot chunks consumed",
		},
	)

	BackfillChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worldsync_backfill_chunks_total",
			Help: "Total number of backfill range chunks fetched",
		},
	)

	LedgerQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worldsync_ledger_queries_total",
			Help: "Total number of ledger log range queries",
		},
		[]string{"outcome"},
	)

	StreamSubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worldsync_stream_subscribes_total",
			Help: "Total number of push feed subscriptions opened",
		},
	)

	LastSyncedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worldsync_last_synced_block",
			Help: "Highest block number the mirror reflects",
		},
	)

	MirrorEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worldsync_mirror_entries",
			Help: "Number of component value entries in the mirror",
		},
	)
)
