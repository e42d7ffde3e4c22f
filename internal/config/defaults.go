package config

import "time"

// Default tunables for sessions, locks, streaming, and workers.
const (
	// Client sessions.
	DefaultSessionTimeoutS = 600 // 10 minutes of inactivity
	SessionSweepInterval   = 30 * time.Second
	MinSessionTimeoutS     = 1

	// Lock arbiter.
	DefaultLockTimeoutS   = 300 // refreshed on activity; 0 = never expires
	LockReaperInterval    = 10 * time.Second
	LockEventRingCapacity = 100
	MaxLockQueueDepth     = 32

	// Session workers.
	WorkerQueueCapacity     = 256
	WorkerDegradedAfter     = 2 // consecutive transport errors
	WorkerCooldown          = 5 * time.Second
	DefaultOperationTimeout = 10 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
	TelemetryCacheStaleAge  = 10 * time.Second

	// Stream multiplexer.
	SubscriberQueueDepth  = 64
	ResumeGraceWindow     = 30 * time.Second
	MinStreamIntervalMs   = 10
	MaxStreamIntervalMs   = 3600000
	DefaultStreamInterval = 1000 // ms

	// Alarm engine.
	AlarmSampleInterval = 1 * time.Second
	AlarmEventRingSize  = 1000

	// Gateway.
	DefaultListenAddr    = ":8080"
	MaxRequestBodyBytes  = 1 << 20 // 1 MB
	WebSocketPingPeriod  = 15 * time.Second
	WebSocketIdleTimeout = 60 * time.Second
	ShutdownTimeout      = 30 * time.Second

	// Metrics.
	UsageEventBufferSize = 256
)
