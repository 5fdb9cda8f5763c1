// Package batching accumulates outgoing bridge calls and flushes them as
// FIFO batches, either when a time window closes or when a batch fills.
// A bounded queue with drop-oldest backpressure keeps memory flat when the
// transport cannot keep up.
package batching

import (
	"context"
	"sync"
	"time"

	"isometry/internal/logger"
	"isometry/pkg/errors"
	"isometry/pkg/metrics"
)

// SendFunc delivers one extracted batch across the bridge. The batcher only
// interprets pass/fail; it never retries.
type SendFunc func(ctx context.Context, batch []*Message) error

type Config struct {
	MaxBatchSize        int
	MaxQueueSize        int
	FlushInterval       time.Duration
	BackpressureEnabled bool
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:        100,
		MaxQueueSize:        1000,
		FlushInterval:       16 * time.Millisecond,
		BackpressureEnabled: true,
	}
}

// Metrics is a point-in-time snapshot of the batcher's counters.
type Metrics struct {
	QueueSize         int       `json:"queue_size"`
	BatchesSent       int64     `json:"batches_sent"`
	MessagesProcessed int64     `json:"messages_processed"`
	AverageBatchSize  float64   `json:"average_batch_size"`
	LastFlushTime     time.Time `json:"last_flush_time"`
	Backpressured     bool      `json:"backpressured"`
	DroppedCount      int64     `json:"dropped_count"`
}

// Batcher owns its pending queue exclusively; all mutation happens under one
// mutex, so there is a single logical writer at a time.
type Batcher struct {
	name string
	cfg  Config
	send SendFunc
	log  logger.Logger

	mu            sync.Mutex
	queue         []*Message
	timer         *time.Timer
	inFlight      bool
	closed        bool
	backpressured bool

	batchesSent       int64
	messagesProcessed int64
	droppedCount      int64
	lastFlushTime     time.Time
}

func New(name string, cfg Config, send SendFunc, log logger.Logger) *Batcher {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if log == nil {
		log = logger.NopLogger()
	}

	return &Batcher{
		name: name,
		cfg:  cfg,
		send: send,
		log:  log,
	}
}

// Enqueue queues msg for the next flush and returns its handle. The handle
// is always resolved eventually: Sent, Failed, Dropped, Overflow or
// Cancelled. When the queue is full and backpressure is on, the oldest tenth
// of the queue is dropped to make room for future arrivals and msg itself is
// rejected with Overflow.
func (b *Batcher) Enqueue(ctx context.Context, msg *Message) *Handle {
	b.mu.Lock()

	if b.closed {
		b.mu.Unlock()
		msg.handle.resolve(Resolution{
			Outcome: OutcomeCancelled,
			Err:     errors.ErrMessageCancelled.WithDetail("message_id", msg.ID),
		})
		return msg.handle
	}

	if b.cfg.BackpressureEnabled && len(b.queue) >= b.cfg.MaxQueueSize {
		evictCount := b.cfg.MaxQueueSize / 10
		if evictCount < 1 {
			evictCount = 1
		}
		if evictCount > len(b.queue) {
			evictCount = len(b.queue)
		}

		evicted := b.queue[:evictCount]
		b.queue = append(b.queue[:0:0], b.queue[evictCount:]...)
		b.backpressured = true
		b.droppedCount += int64(evictCount)
		queueSize := len(b.queue)
		b.mu.Unlock()

		for _, m := range evicted {
			m.handle.resolve(Resolution{
				Outcome: OutcomeDropped,
				Err:     errors.ErrMessageDropped.WithDetail("message_id", m.ID),
			})
		}
		msg.handle.resolve(Resolution{
			Outcome: OutcomeOverflow,
			Err:     errors.ErrQueueOverflow.WithDetail("message_id", msg.ID),
		})

		metrics.BatcherQueueSize.WithLabelValues(b.name).Set(float64(queueSize))
		metrics.BatcherMessagesTotal.WithLabelValues(b.name, string(OutcomeDropped)).Add(float64(evictCount))
		metrics.BatcherMessagesTotal.WithLabelValues(b.name, string(OutcomeOverflow)).Inc()
		metrics.BatcherBackpressure.WithLabelValues(b.name).Set(1)

		b.log.WarnwCtx(ctx, "Queue overflow, shedding oldest messages",
			"batcher", b.name,
			"evicted", evictCount,
			"queue_size", queueSize,
		)

		return msg.handle
	}

	msg.EnqueueTime = time.Now()
	b.queue = append(b.queue, msg)
	queueFull := len(b.queue) >= b.cfg.MaxBatchSize

	if b.timer == nil && !queueFull {
		b.scheduleTimerLocked()
	}
	metrics.BatcherQueueSize.WithLabelValues(b.name).Set(float64(len(b.queue)))
	b.mu.Unlock()

	// Hitting a full batch flushes before the caller regains control; the
	// timer only covers partially filled windows.
	if queueFull {
		b.Flush(ctx)
	}

	return msg.handle
}

// Flush extracts up to MaxBatchSize messages from the head of the queue and
// hands them to the send function. At most one flush is in flight at a time;
// a concurrent call returns immediately and the remainder is picked up once
// the current send completes.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	b.stopTimerLocked()

	if b.inFlight || len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}

	n := b.cfg.MaxBatchSize
	if n > len(b.queue) {
		n = len(b.queue)
	}
	batch := b.queue[:n:n]
	b.queue = append(b.queue[:0:0], b.queue[n:]...)
	b.inFlight = true
	metrics.BatcherQueueSize.WithLabelValues(b.name).Set(float64(len(b.queue)))
	b.mu.Unlock()

	// A batch mixes messages from many callers, so the send must not inherit
	// any single caller's cancellation. Clear and Shutdown are the only ways
	// to abandon queued work; context values survive for logging.
	sendCtx := context.WithoutCancel(ctx)

	start := time.Now()
	err := b.send(sendCtx, batch)
	elapsed := time.Since(start)

	b.mu.Lock()
	b.inFlight = false
	b.lastFlushTime = time.Now()
	if err == nil {
		b.batchesSent++
		b.messagesProcessed += int64(n)
		b.backpressured = false
	}
	if len(b.queue) > 0 && !b.closed && b.timer == nil {
		b.scheduleTimerLocked()
	}
	b.mu.Unlock()

	metrics.BatcherFlushDuration.WithLabelValues(b.name).Observe(float64(elapsed.Microseconds()) / 1000.0)

	if err != nil {
		sendErr := errors.Wrap(err, errors.ErrBatchSendFailed).WithDetail("batch_size", n)
		for _, m := range batch {
			m.handle.resolve(Resolution{Outcome: OutcomeFailed, Err: sendErr})
		}
		metrics.BatcherBatchesSentTotal.WithLabelValues(b.name, "error").Inc()
		metrics.BatcherMessagesTotal.WithLabelValues(b.name, string(OutcomeFailed)).Add(float64(n))
		b.log.ErrorwCtx(ctx, "Batch send failed",
			"batcher", b.name,
			"batch_size", n,
			"elapsed", elapsed,
			"error", err,
		)
		return
	}

	for _, m := range batch {
		m.handle.resolve(Resolution{Outcome: OutcomeSent})
	}
	metrics.BatcherBatchesSentTotal.WithLabelValues(b.name, "success").Inc()
	metrics.BatcherMessagesTotal.WithLabelValues(b.name, string(OutcomeSent)).Add(float64(n))
	metrics.BatcherBackpressure.WithLabelValues(b.name).Set(0)
}

// Clear cancels the pending timer and rejects every queued message.
func (b *Batcher) Clear() {
	b.mu.Lock()
	b.stopTimerLocked()
	pending := b.queue
	b.queue = nil
	b.backpressured = false
	b.mu.Unlock()

	for _, m := range pending {
		m.handle.resolve(Resolution{
			Outcome: OutcomeCancelled,
			Err:     errors.ErrMessageCancelled.WithDetail("message_id", m.ID),
		})
	}

	metrics.BatcherQueueSize.WithLabelValues(b.name).Set(0)
	metrics.BatcherBackpressure.WithLabelValues(b.name).Set(0)
	if len(pending) > 0 {
		metrics.BatcherMessagesTotal.WithLabelValues(b.name, string(OutcomeCancelled)).Add(float64(len(pending)))
	}
}

// Shutdown flushes whatever is queued, then clears the rest and stops the
// batcher for good.
func (b *Batcher) Shutdown(ctx context.Context) {
	b.mu.Lock()
	hasPending := len(b.queue) > 0
	b.mu.Unlock()

	if hasPending {
		b.Flush(ctx)
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.Clear()
}

func (b *Batcher) QueueSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// IsActive reports whether a flush timer is armed, a send is in flight, or
// messages are waiting.
func (b *Batcher) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timer != nil || b.inFlight || len(b.queue) > 0
}

func (b *Batcher) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{
		QueueSize:         len(b.queue),
		BatchesSent:       b.batchesSent,
		MessagesProcessed: b.messagesProcessed,
		LastFlushTime:     b.lastFlushTime,
		Backpressured:     b.backpressured,
		DroppedCount:      b.droppedCount,
	}
	if b.batchesSent > 0 {
		m.AverageBatchSize = float64(b.messagesProcessed) / float64(b.batchesSent)
	}
	return m
}

// MaxQueueSize exposes the configured queue bound for capacity reporting.
func (b *Batcher) MaxQueueSize() int {
	return b.cfg.MaxQueueSize
}

func (b *Batcher) scheduleTimerLocked() {
	var t *time.Timer
	t = time.AfterFunc(b.cfg.FlushInterval, func() {
		b.mu.Lock()
		// A fired timer that lost a Stop race must not clear a newer timer
		// armed in its place.
		if b.timer != t {
			b.mu.Unlock()
			return
		}
		b.timer = nil
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.Flush(context.Background())
		}
	})
	b.timer = t
}

func (b *Batcher) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
