package config

import "time"

// Agent harvest defaults
const (
	DefaultHarvestPeriod     = 10 * time.Second
	DefaultFinalHarvestWait  = 2 * time.Second
	DefaultRequestTimeout    = 10 * time.Second
	DefaultMaxRetryDelay     = 5 * time.Minute
	DefaultEndpoint          = "http://localhost:8080"
	DefaultGzipThreshold     = 4 * 1024 // bodies smaller than this go out uncompressed
	DefaultMaxBucketsPerType = 10000
)

// Transport limits
const (
	// MaxBeaconBytes mirrors the browser sendBeacon quota.
	MaxBeaconBytes = 64 * 1024

	// MaxStackTraceBytes caps the stack text attached to the first occurrence of an error.
	MaxStackTraceBytes = 65530
)

// Collector defaults and limits
const (
	DefaultCollectorAddr   = ":8080"
	DefaultDataDir         = "./data/tinyrum"
	DefaultMaxMemoryMB     = 32
	DefaultMaxStorageGB    = 1
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultRateLimitPerSec = 5
	DefaultRateLimitBurst  = 10
	DefaultRetryAfter      = 30 * time.Second
	MaxBucketsPerRequest   = 5000
	MaxRequestBytes        = 10 << 20
	DefaultListLimit       = 500
	CollectorWriteTimeout  = 5 * time.Second
	CollectorQueryTimeout  = 10 * time.Second
	ServerReadTimeout      = 10 * time.Second
	ServerWriteTimeout     = 10 * time.Second
	ShutdownTimeout        = 30 * time.Second
)

// Collector background tasks
const (
	RetentionInterval  = 1 * time.Hour
	BadgerGCInterval   = 10 * time.Minute
	BadgerDiscardRatio = 0.5
	StorageCheckCache  = 10 * time.Second
)

// Collector circuit breaker
const (
	BreakerFailureThreshold = 5
	BreakerOpenTimeout      = 30 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// BlockHeader is the collector directive that permanently stops a feature for the session.
const BlockHeader = "X-Tinyrum-Block"
