package constants

import "time"

const (
	// One 60 Hz frame. Batches ride the render cadence of the web view.
	DefaultFlushInterval = 16 * time.Millisecond

	DefaultMaxBatchSize = 100
	DefaultMaxQueueSize = 1000
)

const (
	DefaultFailureThreshold = 5
	DefaultTimeoutPeriod    = 60 * time.Second
	DefaultHalfOpenMaxCalls = 3
	DefaultResetTimeout     = 30 * time.Second
)

const (
	// Rolling window capacity shared by the codec averages, the breaker
	// response-time history, and the monitor sample ring.
	RollingWindowSize = 100

	// Reliability rates are computed over the most recent samples only.
	ReliabilityWindowSize = 10
)

const (
	TransportBreakerName = "bridge-transport"
)

const (
	ShutdownTimeout = 5 * time.Second
)
