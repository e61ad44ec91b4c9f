package p2p

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	prometheusP2PPacketsSent     *prometheus.CounterVec
	prometheusP2PPacketsReceived *prometheus.CounterVec
	prometheusP2PPacketsDropped  *prometheus.CounterVec
	prometheusP2PBytesSent       prometheus.Counter
	prometheusP2PBytesReceived   prometheus.Counter
	prometheusP2PPeers           prometheus.Gauge
	prometheusP2PDialFailures    prometheus.Counter
)

var (
	prometheusMetricsInitOnce sync.Once
)

func initPrometheusMetrics() {
	prometheusMetricsInitOnce.Do(_initPrometheusMetrics)
}

func _initPrometheusMetrics() {
	prometheusP2PPacketsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "p2p",
			Name:      "packets_sent",
			Help:      "Number of packets written to peer streams, by packet type",
		},
		[]string{"packet"},
	)

	prometheusP2PPacketsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "p2p",
			Name:      "packets_received",
			Help:      "Number of packets read from peer streams, by packet type",
		},
		[]string{"packet"},
	)

	prometheusP2PPacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "p2p",
			Name:      "packets_dropped",
			Help:      "Number of packets dropped by the transport, by reason",
		},
		[]string{"reason"},
	)

	prometheusP2PBytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "p2p",
			Name:      "bytes_sent",
			Help:      "Number of bytes written to peer streams",
		},
	)

	prometheusP2PBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "p2p",
			Name:      "bytes_received",
			Help:      "Number of bytes read from peer streams",
		},
	)

	prometheusP2PPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "blocksync",
			Subsystem: "p2p",
			Name:      "peers",
			Help:      "Number of peers with an open session",
		},
	)

	prometheusP2PDialFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "p2p",
			Name:      "dial_failures",
			Help:      "Number of static peer dials that failed after every retry",
		},
	)
}
