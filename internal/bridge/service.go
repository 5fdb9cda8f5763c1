// Package bridge composes the codec, batcher, breaker registry and monitor
// into one call path: enqueue, batch, encode, send through a protected
// transport, report. The transport itself is injected so the same service
// runs against a native IPC channel, a websocket or a test double.
package bridge

import (
	"context"
	"time"

	"isometry/internal/batching"
	"isometry/internal/breaker"
	"isometry/internal/codec"
	"isometry/internal/config"
	"isometry/internal/constants"
	"isometry/internal/logger"
	"isometry/internal/monitor"
	"isometry/pkg/errors"
	"isometry/pkg/logging"
	"isometry/pkg/retry"
)

// Transport delivers one encoded batch to the far side of the bridge.
type Transport interface {
	Send(ctx context.Context, payload []byte) error
}

// TransportFunc adapts a plain function to the Transport interface.
type TransportFunc func(ctx context.Context, payload []byte) error

func (f TransportFunc) Send(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Service is the bridge facade. All exported methods are safe for concurrent
// use; the composed components carry their own locking.
type Service struct {
	cfg       *config.Config
	log       logger.Logger
	transport Transport

	codec    *codec.Codec
	breakers *breaker.Registry
	monitor  *monitor.Monitor
	batcher  *batching.Batcher
}

func NewService(cfg *config.Config, log logger.Logger, transport Transport) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NopLogger()
	}

	s := &Service{
		cfg:       cfg,
		log:       log,
		transport: transport,
	}

	s.codec = codec.New(codec.Options{
		ValidateInput:  cfg.Codec.ValidateInput,
		ValidateOutput: cfg.Codec.ValidateOutput,
	}, log)

	s.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		TimeoutPeriod:    cfg.CircuitBreaker.TimeoutPeriod,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
	}, log)

	s.monitor = monitor.New(cfg.Monitor, log)

	s.batcher = batching.New("bridge", batching.Config{
		MaxBatchSize:        cfg.Batcher.MaxBatchSize,
		MaxQueueSize:        cfg.Batcher.MaxQueueSize,
		FlushInterval:       cfg.Batcher.FlushInterval,
		BackpressureEnabled: cfg.Batcher.BackpressureEnabled,
	}, s.sendBatch, log)

	return s
}

// Call queues one bridge invocation and blocks until it reaches a terminal
// outcome or ctx expires. A non-Sent outcome carries the coded error that
// explains it.
func (s *Service) Call(ctx context.Context, handler, method string, params []batching.Param) (batching.Resolution, error) {
	if handler == "" || method == "" {
		return batching.Resolution{}, errors.ErrValidation.
			WithDetail("message", "handler and method are required")
	}

	msg := batching.NewMessage(handler, method, params)
	ctx = logging.WithMessageID(ctx, msg.ID)
	ctx = logging.WithHandler(ctx, handler)

	handle := s.batcher.Enqueue(ctx, msg)
	return handle.Await(ctx)
}

// CallWithRetry re-enqueues the call with exponential backoff when its batch
// fails or the message is shed under backpressure. Cancellation and
// validation failures are final. The returned error covers only Call's own
// failure modes; a retried-out message still reports through the resolution.
func (s *Service) CallWithRetry(ctx context.Context, handler, method string, params []batching.Param, policy retry.Policy) (batching.Resolution, error) {
	var last batching.Resolution
	var callErr error

	retry.RetryWithCallback(ctx, policy, func() error {
		res, err := s.Call(ctx, handler, method, params)
		if err != nil {
			callErr = err
			return retry.NewFatalError(err)
		}

		last = res
		switch res.Outcome {
		case batching.OutcomeSent:
			return nil
		case batching.OutcomeCancelled:
			return retry.NewFatalError(res.Err)
		default:
			return res.Err
		}
	}, func(attempt int, err error, nextDelay time.Duration) {
		s.log.WarnwCtx(ctx, "Retrying bridge call",
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})

	if callErr != nil {
		return batching.Resolution{}, callErr
	}
	return last, nil
}

// sendBatch is the batcher's SendFunc: encode the whole batch once, push it
// through the transport breaker, and feed the monitor from both steps.
func (s *Service) sendBatch(ctx context.Context, batch []*batching.Message) error {
	payload, err := s.codec.Encode(envelope(batch))
	if err != nil {
		s.monitor.RecordOperation(monitor.OperationEvent{
			Name:    "bridge.flush",
			Failure: true,
		})
		return err
	}
	s.monitor.RecordSerialization(payload.OriginalSize, payload.CompressedSize, payload.Elapsed)

	res := s.breakers.Execute(ctx, constants.TransportBreakerName, func(ctx context.Context) (interface{}, error) {
		return nil, s.transport.Send(ctx, payload.Bytes)
	})

	s.monitor.RecordOperation(monitor.OperationEvent{
		Name:             "bridge.flush",
		Latency:          res.Duration,
		Success:          res.Success,
		Failure:          !res.Success,
		PayloadSize:      payload.CompressedSize,
		CompressionRatio: payload.CompressionRatio,
		QueueSize:        s.batcher.QueueSize(),
	})
	if cb, ok := s.breakers.Get(constants.TransportBreakerName); ok {
		bm := cb.Metrics()
		s.monitor.RecordCircuitState(bm.State, int64(bm.FailureCount), bm.SuccessCount, bm.StateTransitions)
	}

	return res.Err
}

// envelope turns a batch into the codec's value model. Params collapse to a
// map per call; their values are already plain data.
func envelope(batch []*batching.Message) []interface{} {
	calls := make([]interface{}, len(batch))
	for i, m := range batch {
		params := make(map[string]interface{}, len(m.Params))
		for _, p := range m.Params {
			params[p.Key] = p.Value
		}
		calls[i] = map[string]interface{}{
			"id":      m.ID,
			"handler": m.Handler,
			"method":  m.Method,
			"params":  params,
		}
	}
	return calls
}

// Flush forces a batch out ahead of the timer.
func (s *Service) Flush(ctx context.Context) {
	s.batcher.Flush(ctx)
}

// RefreshMonitor pulls current component metrics into the monitor so a
// snapshot reflects this instant, not just the last flush.
func (s *Service) RefreshMonitor() {
	s.monitor.UpdateComponentMetrics(s.batcher, s.codec, s.breakers)
}

// Shutdown flushes pending messages and stops the batcher.
func (s *Service) Shutdown(ctx context.Context) {
	s.log.Infow("Bridge shutting down", "queue_size", s.batcher.QueueSize())
	s.batcher.Shutdown(ctx)
}

func (s *Service) Batcher() *batching.Batcher { return s.batcher }

func (s *Service) Codec() *codec.Codec { return s.codec }

func (s *Service) Breakers() *breaker.Registry { return s.breakers }

func (s *Service) Monitor() *monitor.Monitor { return s.monitor }

// HealthSnapshot is a cheap liveness summary for the health endpoint.
type HealthSnapshot struct {
	Status      string    `json:"status"`
	HealthScore int       `json:"health_score"`
	QueueSize   int       `json:"queue_size"`
	Breakers    string    `json:"breakers"`
	Timestamp   time.Time `json:"timestamp"`
}

// Health rolls the breaker registry status and the monitor score into one
// report. The service counts as degraded below a score of 70 and unhealthy
// below 40.
func (s *Service) Health() HealthSnapshot {
	s.RefreshMonitor()
	snap := s.monitor.Snapshot()
	registry := s.breakers.Health()

	status := breaker.HealthHealthy
	switch {
	case registry.Status == breaker.HealthUnhealthy || snap.HealthScore < 40:
		status = breaker.HealthUnhealthy
	case registry.Status == breaker.HealthDegraded || snap.HealthScore < 70:
		status = breaker.HealthDegraded
	}

	return HealthSnapshot{
		Status:      string(status),
		HealthScore: snap.HealthScore,
		QueueSize:   s.batcher.QueueSize(),
		Breakers:    string(registry.Status),
		Timestamp:   time.Now(),
	}
}
