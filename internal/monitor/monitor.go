// Package monitor aggregates telemetry from the codec, batcher and circuit
// breakers into a consolidated snapshot, a 0-100 health score, and
// threshold-based alerts. It is strictly passive: events are pushed in or
// pulled through narrow metric interfaces, and it holds copies only, never
// references into other components' state.
package monitor

import (
	"math"
	"sort"
	"sync"
	"time"

	"isometry/internal/batching"
	"isometry/internal/breaker"
	"isometry/internal/codec"
	"isometry/internal/config"
	"isometry/internal/constants"
	"isometry/internal/logger"
	"isometry/pkg/metrics"
)

// BatcherMetricsSource is the capability the monitor needs from a batcher.
type BatcherMetricsSource interface {
	Metrics() batching.Metrics
	MaxQueueSize() int
}

// CodecMetricsSource is the capability the monitor needs from a codec.
type CodecMetricsSource interface {
	Metrics() codec.Metrics
}

// BreakerMetricsSource is the capability the monitor needs from the breaker
// registry.
type BreakerMetricsSource interface {
	AggregateMetrics() map[string]breaker.Metrics
	Health() breaker.RegistryHealth
}

// Sample is one entry in the rolling window.
type Sample struct {
	Timestamp        time.Time `json:"timestamp"`
	LatencyMs        float64   `json:"latency_ms"`
	CompressionRatio float64   `json:"compression_ratio"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	QueueSize        int       `json:"queue_size"`
	PayloadSize      int       `json:"payload_size"`
}

// OperationEvent describes one bridge operation for RecordOperation. Zero
// fields are treated as absent.
type OperationEvent struct {
	Name             string
	Latency          time.Duration
	Success          bool
	Failure          bool
	PayloadSize      int
	CompressionRatio float64
	QueueSize        int
}

// SerializationStats is the last codec report pushed into the monitor.
type SerializationStats struct {
	OriginalSize     int           `json:"original_size"`
	CompressedSize   int           `json:"compressed_size"`
	CompressionRatio float64       `json:"compression_ratio"`
	Elapsed          time.Duration `json:"elapsed"`
}

// PaginationStats captures grid/table paging behaviour reported by the
// presentation layer.
type PaginationStats struct {
	Pages          int           `json:"pages"`
	RecordsPerPage int           `json:"records_per_page"`
	ResponseTime   time.Duration `json:"response_time"`
	CacheHitRate   float64       `json:"cache_hit_rate"`
}

// CircuitStats is the last circuit report pushed into the monitor.
type CircuitStats struct {
	State            string    `json:"state"`
	Failures         int64     `json:"failures"`
	Successes        int64     `json:"successes"`
	StateTransitions int64     `json:"state_transitions"`
	LastFailureTime  time.Time `json:"last_failure_time"`
}

// Snapshot is the consolidated, JSON-representable view for the dashboard.
type Snapshot struct {
	BatchLatency    LatencyStats       `json:"batch_latency"`
	BatchEfficiency EfficiencyStats    `json:"batch_efficiency"`
	Serialization   SerializationStats `json:"serialization"`
	Reliability     ReliabilityStats   `json:"reliability"`
	Pagination      PaginationStats    `json:"pagination"`
	HealthScore     int                `json:"health_score"`
	AlertCount      int                `json:"alert_count"`
	Timestamp       time.Time          `json:"timestamp"`
}

type LatencyStats struct {
	CurrentMs float64 `json:"current_ms"`
	AverageMs float64 `json:"average_ms"`
	P95Ms     float64 `json:"p95_ms"`
}

type EfficiencyStats struct {
	QueueSize        int     `json:"queue_size"`
	QueueLimit       int     `json:"queue_limit"`
	AverageBatchSize float64 `json:"average_batch_size"`
	BatchesSent      int64   `json:"batches_sent"`
	Backpressured    bool    `json:"backpressured"`
	DroppedCount     int64   `json:"dropped_count"`
}

type ReliabilityStats struct {
	FailureRate      float64   `json:"failure_rate"`
	SuccessRate      float64   `json:"success_rate"`
	CircuitState     string    `json:"circuit_state"`
	StateTransitions int64     `json:"state_transitions"`
	LastFailureTime  time.Time `json:"last_failure_time"`
}

// Trends holds parallel time-ordered arrays for dashboard charting.
type Trends struct {
	Timestamps        []time.Time `json:"timestamps"`
	LatenciesMs       []float64   `json:"latencies_ms"`
	CompressionRatios []float64   `json:"compression_ratios"`
	FailureRates      []float64   `json:"failure_rates"`
}

// Monitor owns its sample ring and alert map exclusively; every mutation
// happens under one mutex, so readers never observe a half-updated snapshot.
type Monitor struct {
	cfg config.MonitorConfig
	log logger.Logger

	mu         sync.Mutex
	samples    []Sample
	next       int
	full       bool
	queueLimit int

	lastBatcher batching.Metrics
	lastSerial  SerializationStats
	lastPaging  PaginationStats
	lastCircuit CircuitStats
	snapshot    Snapshot
	alerts      map[string]*Alert
}

func New(cfg config.MonitorConfig, log logger.Logger) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = constants.RollingWindowSize
	}
	if cfg.Thresholds == (config.ThresholdsConfig{}) {
		cfg.Thresholds = config.DefaultThresholds()
	}
	if log == nil {
		log = logger.NopLogger()
	}

	return &Monitor{
		cfg:     cfg,
		log:     log,
		samples: make([]Sample, cfg.WindowSize),
		alerts:  make(map[string]*Alert),
	}
}

// RecordOperation appends one sample to the rolling window, recomputes the
// snapshot and re-evaluates the alert thresholds as a single atomic step.
func (m *Monitor) RecordOperation(ev OperationEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample := Sample{
		Timestamp:        time.Now(),
		LatencyMs:        float64(ev.Latency.Microseconds()) / 1000.0,
		CompressionRatio: ev.CompressionRatio,
		QueueSize:        ev.QueueSize,
		PayloadSize:      ev.PayloadSize,
	}
	if ev.Success {
		sample.SuccessCount = 1
	}
	if ev.Failure {
		sample.FailureCount = 1
	}

	m.samples[m.next] = sample
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.full = true
	}

	m.recomputeLocked()
	m.checkAlertsLocked()
}

// RecordSerialization stores the latest codec report.
func (m *Monitor) RecordSerialization(before, after int, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := SerializationStats{
		OriginalSize:   before,
		CompressedSize: after,
		Elapsed:        elapsed,
	}
	if after > 0 {
		stats.CompressionRatio = float64(before) / float64(after)
	}
	m.lastSerial = stats
	m.recomputeLocked()
}

// RecordPagination stores the latest paging report from the grid layer.
func (m *Monitor) RecordPagination(pages, recordsPerPage int, responseTime time.Duration, cacheHitRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPaging = PaginationStats{
		Pages:          pages,
		RecordsPerPage: recordsPerPage,
		ResponseTime:   responseTime,
		CacheHitRate:   cacheHitRate,
	}
	m.recomputeLocked()
}

// RecordCircuitState stores the latest circuit report.
func (m *Monitor) RecordCircuitState(state string, failures, successes, transitions int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastCircuit = CircuitStats{
		State:            state,
		Failures:         failures,
		Successes:        successes,
		StateTransitions: transitions,
	}
	m.recomputeLocked()
}

// UpdateComponentMetrics pulls current metrics from the three components
// through their typed accessors. Nil sources are skipped.
func (m *Monitor) UpdateComponentMetrics(b BatcherMetricsSource, c CodecMetricsSource, r BreakerMetricsSource) {
	var batcherMetrics *batching.Metrics
	var queueLimit int
	if b != nil {
		bm := b.Metrics()
		batcherMetrics = &bm
		queueLimit = b.MaxQueueSize()
	}

	var codecMetrics *codec.Metrics
	if c != nil {
		cm := c.Metrics()
		codecMetrics = &cm
	}

	var circuit *CircuitStats
	if r != nil {
		circuit = rollUpBreakers(r.AggregateMetrics())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if batcherMetrics != nil {
		m.lastBatcher = *batcherMetrics
		m.queueLimit = queueLimit
	}
	if codecMetrics != nil && codecMetrics.AverageCompressionRatio > 0 {
		m.lastSerial.CompressionRatio = codecMetrics.AverageCompressionRatio
	}
	if circuit != nil {
		m.lastCircuit = *circuit
	}

	m.recomputeLocked()
	m.checkAlertsLocked()
}

func rollUpBreakers(all map[string]breaker.Metrics) *CircuitStats {
	if len(all) == 0 {
		return nil
	}

	stats := &CircuitStats{State: breaker.StateClosed.String()}
	for _, bm := range all {
		stats.Failures += int64(bm.FailureCount)
		stats.Successes += bm.SuccessCount
		stats.StateTransitions += bm.StateTransitions
		if bm.LastFailureTime.After(stats.LastFailureTime) {
			stats.LastFailureTime = bm.LastFailureTime
		}
		// The most degraded breaker speaks for the roll-up.
		switch bm.State {
		case breaker.StateOpen.String():
			stats.State = bm.State
		case breaker.StateHalfOpen.String():
			if stats.State != breaker.StateOpen.String() {
				stats.State = bm.State
			}
		}
	}
	return stats
}

// Snapshot returns a copy of the consolidated view.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Trends returns parallel arrays for samples within the trailing window.
// Pure query: no mutation.
func (m *Monitor) Trends(window time.Duration) Trends {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-window)
	trends := Trends{}
	for _, s := range m.orderedSamplesLocked() {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		trends.Timestamps = append(trends.Timestamps, s.Timestamp)
		trends.LatenciesMs = append(trends.LatenciesMs, s.LatencyMs)
		trends.CompressionRatios = append(trends.CompressionRatios, s.CompressionRatio)
		trends.FailureRates = append(trends.FailureRates, float64(s.FailureCount))
	}
	return trends
}

// orderedSamplesLocked returns retained samples oldest first.
func (m *Monitor) orderedSamplesLocked() []Sample {
	if !m.full {
		return m.samples[:m.next]
	}
	out := make([]Sample, 0, len(m.samples))
	out = append(out, m.samples[m.next:]...)
	out = append(out, m.samples[:m.next]...)
	return out
}

func (m *Monitor) recomputeLocked() {
	samples := m.orderedSamplesLocked()

	snap := Snapshot{
		Serialization: m.lastSerial,
		Pagination:    m.lastPaging,
		Timestamp:     time.Now(),
	}

	snap.BatchEfficiency = EfficiencyStats{
		QueueSize:        m.lastBatcher.QueueSize,
		QueueLimit:       m.queueLimit,
		AverageBatchSize: m.lastBatcher.AverageBatchSize,
		BatchesSent:      m.lastBatcher.BatchesSent,
		Backpressured:    m.lastBatcher.Backpressured,
		DroppedCount:     m.lastBatcher.DroppedCount,
	}

	// Latency statistics consider non-zero samples only; zero means the
	// event carried no latency measurement.
	var nonZero []float64
	for _, s := range samples {
		if s.LatencyMs > 0 {
			nonZero = append(nonZero, s.LatencyMs)
		}
	}
	if n := len(samples); n > 0 {
		snap.BatchLatency.CurrentMs = samples[n-1].LatencyMs
	}
	if len(nonZero) > 0 {
		var sum float64
		for _, v := range nonZero {
			sum += v
		}
		snap.BatchLatency.AverageMs = sum / float64(len(nonZero))
		snap.BatchLatency.P95Ms = percentile95(nonZero)
	}

	// Reliability looks at the most recent samples only, so a long quiet
	// stretch cannot mask a fresh failure burst.
	failures, successes := 0, 0
	start := len(samples) - constants.ReliabilityWindowSize
	if start < 0 {
		start = 0
	}
	for _, s := range samples[start:] {
		failures += s.FailureCount
		successes += s.SuccessCount
	}
	snap.Reliability = ReliabilityStats{
		CircuitState:     m.lastCircuit.State,
		StateTransitions: m.lastCircuit.StateTransitions,
		LastFailureTime:  m.lastCircuit.LastFailureTime,
	}
	if total := failures + successes; total > 0 {
		snap.Reliability.FailureRate = float64(failures) / float64(total)
		snap.Reliability.SuccessRate = float64(successes) / float64(total)
	}

	snap.HealthScore = m.healthScoreLocked(snap)
	snap.AlertCount = len(m.alerts)

	m.snapshot = snap
	metrics.MonitorHealthScore.Set(float64(snap.HealthScore))
}

// healthScoreLocked derives the 0-100 score: penalties for latency over one
// frame, failures, poor compression, and a crowded queue.
func (m *Monitor) healthScoreLocked(snap Snapshot) int {
	score := 100.0

	if latency := snap.BatchLatency.CurrentMs; latency > 16 {
		score -= math.Min(30, (latency-16)*2)
	}

	failurePct := snap.Reliability.FailureRate * 100
	score -= math.Min(40, failurePct*4)

	if savings := savingsPercent(snap.Serialization.CompressionRatio); savings >= 0 && savings < 40 {
		score -= math.Min(20, (40-savings)*0.5)
	}

	if usage := queueUsagePercent(snap.BatchEfficiency); usage > 70 {
		score -= math.Min(10, (usage-70)*0.3)
	}

	if score < 0 {
		score = 0
	}
	return int(math.Round(score))
}

// savingsPercent converts the codec's original/compressed ratio into the
// percentage of bytes saved. Negative means no data yet.
func savingsPercent(ratio float64) float64 {
	if ratio <= 0 {
		return -1
	}
	return (1 - 1/ratio) * 100
}

func queueUsagePercent(eff EfficiencyStats) float64 {
	if eff.QueueLimit <= 0 {
		return 0
	}
	return float64(eff.QueueSize) / float64(eff.QueueLimit) * 100
}

// percentile95 returns the value at rank ceil(0.95*n) of the sorted input,
// 1-indexed and clamped to a valid index.
func percentile95(values []float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := int(math.Ceil(0.95 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
