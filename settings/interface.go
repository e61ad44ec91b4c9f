package settings

import (
	"net/url"
	"time"
)

type Settings struct {
	ClientName   string
	DataFolder   string
	LogLevel     string
	LoggerType   string
	ProfilerAddr string
	Sync         SyncSettings
	P2P          P2PSettings
	Ledger       LedgerSettings
	Status       StatusSettings
}

type SyncSettings struct {
	NetworkID          uint64
	ProtocolVersion    uint32
	MinProtocolVersion uint32

	// download scheduling
	MaxHeadersPerRequest int
	MaxBodiesPerRequest  int
	MaxInFlightRanges    int
	HeaderWindowSize     int
	MaxForkAncestry      uint64
	RequestTimeout       time.Duration
	TickInterval         time.Duration
	MaxTargetStalls      int

	// serving
	MaxServeHeaders int
	MaxServeBodies  int

	// propagation
	PropagationPolicy  string
	PropagationMinFull int
	MaxKnownBlocks     int
	KnownBlocksTTL     time.Duration
}

type P2PSettings struct {
	ListenAddresses  []string
	Port             int
	PrivateKey       string
	StaticPeers      []string
	ProtocolID       string
	BanThreshold     int
	BanDuration      time.Duration
	InboundRateLimit float64
	InboundBurst     int
	MaxPacketSize    int
	SendQueueSize    int
	DialRetries      int
}

type LedgerSettings struct {
	StoreURL             *url.URL
	PostgresMaxIdleConns int
	PostgresMaxOpenConns int
}

type StatusSettings struct {
	HTTPListenAddress string
}
