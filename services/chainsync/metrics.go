package chainsync

import (
	"sync"

	"github.com/bsv-blockchain/blocksync/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusChainSyncPackets          *prometheus.CounterVec
	prometheusChainSyncPeerFaults       *prometheus.CounterVec
	prometheusChainSyncStateTransitions *prometheus.CounterVec
	prometheusChainSyncBlocksImported   prometheus.Counter
	prometheusChainSyncReorgs           prometheus.Counter
	prometheusChainSyncForksRejected    prometheus.Counter
	prometheusChainSyncPropagated       *prometheus.CounterVec
	prometheusChainSyncTransactions     prometheus.Counter
	prometheusChainSyncPeers            prometheus.Gauge
	prometheusChainSyncInFlight         prometheus.Gauge
	prometheusChainSyncImportBatch      prometheus.Histogram
	prometheusChainSyncAncestorSearch   prometheus.Histogram
)

var (
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusChainSyncPackets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "packets_received",
			Help:      "Number of packets received, by packet type",
		},
		[]string{"packet"},
	)

	prometheusChainSyncPeerFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "peer_faults",
			Help:      "Number of penalties applied to peers, by reason",
		},
		[]string{"reason"},
	)

	prometheusChainSyncStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "state_transitions",
			Help:      "Number of sync state machine transitions, by destination state",
		},
		[]string{"state"},
	)

	prometheusChainSyncBlocksImported = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "blocks_imported",
			Help:      "Number of blocks handed to the ledger",
		},
	)

	prometheusChainSyncReorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "reorgs",
			Help:      "Number of chain reorganisations",
		},
	)

	prometheusChainSyncForksRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "forks_rejected",
			Help:      "Number of downloaded forks dropped for not being heavier than the local chain",
		},
	)

	prometheusChainSyncPropagated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "blocks_propagated",
			Help:      "Number of block announcements sent, by kind",
		},
		[]string{"kind"},
	)

	prometheusChainSyncTransactions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "transactions_ignored",
			Help:      "Number of gossiped transactions received and ignored",
		},
	)

	prometheusChainSyncPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "peers",
			Help:      "Number of peers known to the sync engine",
		},
	)

	prometheusChainSyncInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "requests_in_flight",
			Help:      "Number of header and body requests in flight",
		},
	)

	prometheusChainSyncImportBatch = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "import_batch",
			Help:      "Histogram of ledger import batches",
			Buckets:   util.MetricsBucketsMilliLongSeconds,
		},
	)

	prometheusChainSyncAncestorSearch = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "blocksync",
			Subsystem: "chainsync",
			Name:      "ancestor_search",
			Help:      "Histogram of common ancestor searches",
			Buckets:   util.MetricsBucketsMilliLongSeconds,
		},
	)
}
