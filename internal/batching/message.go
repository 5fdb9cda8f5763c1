package batching

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state of a message's transport-level lifecycle.
// Application-level responses are matched to message IDs by the caller, out
// of band.
type Outcome string

const (
	// OutcomeSent means the batch carrying the message crossed the bridge.
	OutcomeSent Outcome = "sent"
	// OutcomeDropped means the message was evicted under backpressure.
	OutcomeDropped Outcome = "dropped"
	// OutcomeOverflow means the message was rejected because the queue was full.
	OutcomeOverflow Outcome = "overflow"
	// OutcomeFailed means the transport rejected the whole batch.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled means the batcher was cleared before the message flushed.
	OutcomeCancelled Outcome = "cancelled"
)

// Resolution is what a waiting caller receives for its message.
type Resolution struct {
	Outcome Outcome
	Err     error
}

// Handle is a one-shot completion slot. It is resolved exactly once on every
// exit path; later resolutions are ignored.
type Handle struct {
	ch   chan Resolution
	once sync.Once
}

func newHandle() *Handle {
	return &Handle{ch: make(chan Resolution, 1)}
}

func (h *Handle) resolve(r Resolution) {
	h.once.Do(func() {
		h.ch <- r
	})
}

// Await blocks until the message reaches a terminal outcome or ctx expires.
func (h *Handle) Await(ctx context.Context) (Resolution, error) {
	select {
	case r := <-h.ch:
		return r, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

// Param is a single named argument. Params keep their insertion order so the
// encoded payload is stable for a given call.
type Param struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Message is one bridge call queued for batching.
type Message struct {
	ID          string    `json:"id"`
	Handler     string    `json:"handler"`
	Method      string    `json:"method"`
	Params      []Param   `json:"params"`
	EnqueueTime time.Time `json:"enqueue_time"`

	handle *Handle
}

// NewMessage builds a message with a fresh ID and an unresolved handle.
func NewMessage(handler, method string, params []Param) *Message {
	return &Message{
		ID:      uuid.NewString(),
		Handler: handler,
		Method:  method,
		Params:  params,
		handle:  newHandle(),
	}
}

// Handle returns the message's completion slot.
func (m *Message) Handle() *Handle {
	return m.handle
}
