// Package settings loads blocksync configuration from gocore's settings.conf / settings_local.conf
// and the environment.
package settings

import (
	"net/url"
	"time"
)

func NewSettings() *Settings {
	return &Settings{
		ClientName:   getString("clientName", "blocksync"),
		DataFolder:   getString("dataFolder", "data"),
		LogLevel:     getString("logLevel", "INFO"),
		LoggerType:   getString("logger", "zerolog"),
		ProfilerAddr: getString("profilerAddr", ""),
		Sync: SyncSettings{
			NetworkID:            getUint64("sync_networkId", 1),
			ProtocolVersion:      getUint32("sync_protocolVersion", 63),
			MinProtocolVersion:   getUint32("sync_minProtocolVersion", 62),
			MaxHeadersPerRequest: getInt("sync_maxHeadersPerRequest", 128),
			MaxBodiesPerRequest:  getInt("sync_maxBodiesPerRequest", 64),
			MaxInFlightRanges:    getInt("sync_maxInFlightRanges", 8),
			HeaderWindowSize:     getInt("sync_headerWindowSize", 1024),
			MaxForkAncestry:      getUint64("sync_maxForkAncestry", 90000),
			RequestTimeout:       getDuration("sync_requestTimeout", 10*time.Second),
			TickInterval:         getDuration("sync_tickInterval", time.Second),
			MaxTargetStalls:      getInt("sync_maxTargetStalls", 3),
			MaxServeHeaders:      getInt("sync_maxServeHeaders", 512),
			MaxServeBodies:       getInt("sync_maxServeBodies", 256),
			PropagationPolicy:    getString("sync_propagationPolicy", "sqrt"),
			PropagationMinFull:   getInt("sync_propagationMinFull", 1),
			MaxKnownBlocks:       getInt("sync_maxKnownBlocks", 1024),
			KnownBlocksTTL:       getDuration("sync_knownBlocksTTL", 10*time.Minute),
		},
		P2P: P2PSettings{
			ListenAddresses:  getMultiString("p2p_listenAddresses", "|", []string{"0.0.0.0"}),
			Port:             getInt("p2p_port", 9905),
			PrivateKey:       getString("p2p_privateKey", ""),
			StaticPeers:      getMultiString("p2p_staticPeers", "|", nil),
			ProtocolID:       getString("p2p_protocolId", "/blocksync/eth/63"),
			BanThreshold:     getInt("p2p_banThreshold", 100),
			BanDuration:      getDuration("p2p_banDuration", 24*time.Hour),
			InboundRateLimit: getFloat64("p2p_inboundRateLimit", 200),
			InboundBurst:     getInt("p2p_inboundBurst", 400),
			MaxPacketSize:    getInt("p2p_maxPacketSize", 16*1024*1024),
			SendQueueSize:    getInt("p2p_sendQueueSize", 256),
			DialRetries:      getInt("p2p_dialRetries", 5),
		},
		Ledger: LedgerSettings{
			StoreURL:             getURL("ledger_store", "sqlite:///ledger"),
			PostgresMaxIdleConns: getInt("ledger_postgresMaxIdleConns", 10),
			PostgresMaxOpenConns: getInt("ledger_postgresMaxOpenConns", 80),
		},
		Status: StatusSettings{
			HTTPListenAddress: getString("status_httpListenAddress", ":8099"),
		},
	}
}

// NewTestSettings returns fixed settings that do not depend on any settings.conf, for tests and simulations.
func NewTestSettings() *Settings {
	return &Settings{
		ClientName: "blocksync-test",
		DataFolder: "data",
		LogLevel:   "INFO",
		LoggerType: "zerolog",
		Sync: SyncSettings{
			NetworkID:            1,
			ProtocolVersion:      63,
			MinProtocolVersion:   62,
			MaxHeadersPerRequest: 128,
			MaxBodiesPerRequest:  64,
			MaxInFlightRanges:    8,
			HeaderWindowSize:     512,
			MaxForkAncestry:      90000,
			RequestTimeout:       10 * time.Second,
			TickInterval:         time.Second,
			MaxTargetStalls:      3,
			MaxServeHeaders:      512,
			MaxServeBodies:       256,
			PropagationPolicy:    "sqrt",
			PropagationMinFull:   1,
			MaxKnownBlocks:       1024,
			KnownBlocksTTL:       10 * time.Minute,
		},
		P2P: P2PSettings{
			ListenAddresses:  []string{"127.0.0.1"},
			Port:             0,
			ProtocolID:       "/blocksync/eth/63",
			BanThreshold:     100,
			BanDuration:      24 * time.Hour,
			InboundRateLimit: 1000,
			InboundBurst:     1000,
			MaxPacketSize:    16 * 1024 * 1024,
			SendQueueSize:    256,
			DialRetries:      1,
		},
		Ledger: LedgerSettings{
			StoreURL:             &url.URL{Scheme: "memory"},
			PostgresMaxIdleConns: 2,
			PostgresMaxOpenConns: 4,
		},
		Status: StatusSettings{
			HTTPListenAddress: "127.0.0.1:0",
		},
	}
}
