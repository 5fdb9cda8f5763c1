package batching

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isometry/internal/logger"
	apperrors "isometry/pkg/errors"
)

// captureSend records every batch it receives.
type captureSend struct {
	mu      sync.Mutex
	batches [][]*Message
	err     error
	delay   time.Duration
}

func (s *captureSend) fn(ctx context.Context, batch []*Message) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]*Message, len(batch))
	copy(copied, batch)
	s.batches = append(s.batches, copied)
	return s.err
}

func (s *captureSend) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *captureSend) batch(i int) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[i]
}

func testConfig() Config {
	return Config{
		MaxBatchSize:        3,
		MaxQueueSize:        10,
		FlushInterval:       time.Hour, // tests trigger flushes explicitly unless stated
		BackpressureEnabled: true,
	}
}

func TestAutoFlushOnFullBatch(t *testing.T) {
	send := &captureSend{}
	b := New("test", testConfig(), send.fn, logger.NopLogger())
	ctx := context.Background()

	h1 := b.Enqueue(ctx, NewMessage("grid", "update", nil))
	h2 := b.Enqueue(ctx, NewMessage("grid", "update", nil))
	require.Equal(t, 0, send.calls())

	h3 := b.Enqueue(ctx, NewMessage("grid", "update", nil))

	// The third enqueue fills the batch and flushes before returning.
	require.Equal(t, 1, send.calls())
	assert.Len(t, send.batch(0), 3)
	assert.Equal(t, 0, b.QueueSize())

	for _, h := range []*Handle{h1, h2, h3} {
		r, err := h.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSent, r.Outcome)
		assert.NoError(t, r.Err)
	}
}

func TestFIFOOrderWithinBatch(t *testing.T) {
	send := &captureSend{}
	b := New("test", testConfig(), send.fn, logger.NopLogger())
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		msg := NewMessage("notebook", fmt.Sprintf("op-%d", i), nil)
		ids = append(ids, msg.ID)
		b.Enqueue(ctx, msg)
	}

	require.Equal(t, 1, send.calls())
	batch := send.batch(0)
	require.Len(t, batch, 3)
	for i, m := range batch {
		assert.Equal(t, ids[i], m.ID)
	}
}

func TestTimerFlush(t *testing.T) {
	cfg := testConfig()
	cfg.FlushInterval = 20 * time.Millisecond
	send := &captureSend{}
	b := New("test", cfg, send.fn, logger.NopLogger())
	ctx := context.Background()

	h := b.Enqueue(ctx, NewMessage("grid", "update", nil))
	assert.Equal(t, 0, send.calls())
	assert.True(t, b.IsActive())

	r, err := h.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, r.Outcome)
	assert.Equal(t, 1, send.calls())
	assert.Len(t, send.batch(0), 1)
}

func TestQueueOverflowShedsOldest(t *testing.T) {
	send := &captureSend{}
	cfg := Config{
		MaxBatchSize:        100, // larger than the queue so nothing auto-flushes
		MaxQueueSize:        10,
		FlushInterval:       time.Hour,
		BackpressureEnabled: true,
	}
	b := New("test", cfg, send.fn, logger.NopLogger())
	ctx := context.Background()

	handles := make([]*Handle, 0, 10)
	for i := 0; i < 10; i++ {
		handles = append(handles, b.Enqueue(ctx, NewMessage("grid", "update", nil)))
	}
	require.Equal(t, 10, b.QueueSize())

	overflowed := b.Enqueue(ctx, NewMessage("grid", "update", nil))

	// maxQueueSize/10 = 1 oldest message dropped; the new one rejected.
	r, err := handles[0].Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDropped, r.Outcome)
	assert.True(t, apperrors.HasCode(r.Err, apperrors.ErrMessageDropped))

	r, err = overflowed.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOverflow, r.Outcome)
	assert.True(t, apperrors.HasCode(r.Err, apperrors.ErrQueueOverflow))

	assert.Equal(t, 9, b.QueueSize())
	assert.LessOrEqual(t, b.QueueSize(), cfg.MaxQueueSize)
	assert.True(t, b.Metrics().Backpressured)
	assert.Equal(t, int64(1), b.Metrics().DroppedCount)

	// The transport was never invoked for the shed messages.
	assert.Equal(t, 0, send.calls())
}

func TestBackpressureDisabledGrowsQueue(t *testing.T) {
	send := &captureSend{}
	cfg := Config{
		MaxBatchSize:        100,
		MaxQueueSize:        5,
		FlushInterval:       time.Hour,
		BackpressureEnabled: false,
	}
	b := New("test", cfg, send.fn, logger.NopLogger())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		b.Enqueue(ctx, NewMessage("grid", "update", nil))
	}
	assert.Equal(t, 8, b.QueueSize())
	assert.False(t, b.Metrics().Backpressured)
}

func TestBatchSendFailureFansOut(t *testing.T) {
	send := &captureSend{err: fmt.Errorf("pipe closed")}
	b := New("test", testConfig(), send.fn, logger.NopLogger())
	ctx := context.Background()

	h1 := b.Enqueue(ctx, NewMessage("grid", "update", nil))
	h2 := b.Enqueue(ctx, NewMessage("grid", "update", nil))
	b.Flush(ctx)

	for _, h := range []*Handle{h1, h2} {
		r, err := h.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailed, r.Outcome)
		require.Error(t, r.Err)
		assert.True(t, apperrors.HasCode(r.Err, apperrors.ErrBatchSendFailed))
	}

	// Failures do not count as processed and are never retried.
	m := b.Metrics()
	assert.Equal(t, int64(0), m.BatchesSent)
	assert.Equal(t, int64(0), m.MessagesProcessed)
	assert.Equal(t, 1, send.calls())
}

func TestFlushEmptyQueueNoOps(t *testing.T) {
	send := &captureSend{}
	b := New("test", testConfig(), send.fn, logger.NopLogger())

	b.Flush(context.Background())
	assert.Equal(t, 0, send.calls())
}

func TestFlushExtractsAtMostMaxBatchSize(t *testing.T) {
	send := &captureSend{}
	cfg := testConfig()
	cfg.MaxBatchSize = 2
	b := New("test", cfg, send.fn, logger.NopLogger())
	ctx := context.Background()

	// Two enqueues fill a batch and flush synchronously; the third waits.
	b.Enqueue(ctx, NewMessage("grid", "a", nil))
	b.Enqueue(ctx, NewMessage("grid", "b", nil))
	b.Enqueue(ctx, NewMessage("grid", "c", nil))

	require.Equal(t, 1, send.calls())
	assert.Len(t, send.batch(0), 2)
	assert.Equal(t, 1, b.QueueSize())

	b.Flush(ctx)
	require.Equal(t, 2, send.calls())
	assert.Len(t, send.batch(1), 1)
}

func TestClearCancelsPending(t *testing.T) {
	send := &captureSend{}
	b := New("test", testConfig(), send.fn, logger.NopLogger())
	ctx := context.Background()

	h1 := b.Enqueue(ctx, NewMessage("grid", "update", nil))
	h2 := b.Enqueue(ctx, NewMessage("grid", "update", nil))

	b.Clear()

	for _, h := range []*Handle{h1, h2} {
		r, err := h.Await(ctx)
		require.NoError(t, err)
		assert.Equal(t, OutcomeCancelled, r.Outcome)
		assert.True(t, apperrors.HasCode(r.Err, apperrors.ErrMessageCancelled))
	}
	assert.Equal(t, 0, b.QueueSize())
	assert.False(t, b.IsActive())
	assert.Equal(t, 0, send.calls())
}

func TestShutdownFlushesThenClears(t *testing.T) {
	send := &captureSend{}
	b := New("test", testConfig(), send.fn, logger.NopLogger())
	ctx := context.Background()

	h := b.Enqueue(ctx, NewMessage("grid", "update", nil))

	b.Shutdown(ctx)

	r, err := h.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, r.Outcome)
	assert.Equal(t, 1, send.calls())

	// Enqueue after shutdown resolves immediately as cancelled.
	late := b.Enqueue(ctx, NewMessage("grid", "update", nil))
	r, err = late.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, r.Outcome)
}

func TestMetricsAverageBatchSize(t *testing.T) {
	send := &captureSend{}
	cfg := testConfig()
	cfg.MaxBatchSize = 2
	b := New("test", cfg, send.fn, logger.NopLogger())
	ctx := context.Background()

	b.Enqueue(ctx, NewMessage("grid", "a", nil))
	b.Enqueue(ctx, NewMessage("grid", "b", nil))
	b.Enqueue(ctx, NewMessage("grid", "c", nil))
	b.Flush(ctx)

	m := b.Metrics()
	assert.Equal(t, int64(2), m.BatchesSent)
	assert.Equal(t, int64(3), m.MessagesProcessed)
	assert.InDelta(t, 1.5, m.AverageBatchSize, 0.0001)
	assert.False(t, m.LastFlushTime.IsZero())
}

func TestHandleResolvedExactlyOnce(t *testing.T) {
	h := newHandle()
	h.resolve(Resolution{Outcome: OutcomeSent})
	h.resolve(Resolution{Outcome: OutcomeFailed}) // ignored

	r, err := h.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, r.Outcome)
}

func TestAwaitRespectsContext(t *testing.T) {
	h := newHandle()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := h.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallerCancelDoesNotAbortBatchSend(t *testing.T) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sendCtxErr error
	send := func(ctx context.Context, batch []*Message) error {
		// One enqueuer tears its context down while the send is running.
		cancel()
		<-cancelCtx.Done()
		sendCtxErr = ctx.Err()
		return ctx.Err()
	}

	cfg := testConfig()
	cfg.MaxBatchSize = 2
	b := New("test", cfg, send, logger.NopLogger())

	h1 := b.Enqueue(context.Background(), NewMessage("grid", "update", nil))
	h2 := b.Enqueue(cancelCtx, NewMessage("grid", "update", nil)) // fills the batch

	r1, err := h1.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, r1.Outcome)

	r2, err := h2.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSent, r2.Outcome)

	assert.NoError(t, sendCtxErr)
}

func TestStaleTimerDoesNotClobberReplacement(t *testing.T) {
	send := &captureSend{}
	cfg := testConfig()
	cfg.FlushInterval = time.Millisecond
	b := New("test", cfg, send.fn, logger.NopLogger())

	b.mu.Lock()
	b.queue = append(b.queue, NewMessage("grid", "update", nil))
	b.scheduleTimerLocked()
	// Simulate the fired callback losing a Stop+reschedule race: a newer
	// timer replaces it before the callback runs.
	replacement := time.AfterFunc(time.Hour, func() {})
	b.timer = replacement
	b.mu.Unlock()
	defer replacement.Stop()

	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, 0, send.calls())
	b.mu.Lock()
	assert.Same(t, replacement, b.timer)
	b.mu.Unlock()
}
