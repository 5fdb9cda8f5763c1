// Package codec implements the compact binary serialization used on the
// bridge between the host runtime and the web view, with performance
// accounting for every encode and decode.
//
// Values are the JSON-representable kinds the presentation layers exchange:
// nil, bool, int64, float64, string, []byte, time.Time, []interface{} and
// map[string]interface{}. The reported original size is the canonical JSON
// encoding of the same value, so the compression ratio measures what the
// binary format buys over sending JSON across the bridge.
package codec

import (
	"encoding/json"
	"sync"
	"time"

	"isometry/internal/constants"
	"isometry/internal/logger"
	"isometry/pkg/errors"
	"isometry/pkg/metrics"
)

// Options toggles the optional validation passes.
type Options struct {
	ValidateInput  bool
	ValidateOutput bool
}

func DefaultOptions() Options {
	return Options{
		ValidateInput:  true,
		ValidateOutput: true,
	}
}

// Payload is the result of a successful Encode.
type Payload struct {
	Bytes            []byte        `json:"-"`
	OriginalSize     int           `json:"original_size"`
	CompressedSize   int           `json:"compressed_size"`
	CompressionRatio float64       `json:"compression_ratio"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Decoded is the result of a successful Decode.
type Decoded struct {
	Value    interface{}   `json:"value"`
	Elapsed  time.Duration `json:"elapsed"`
	ByteSize int           `json:"byte_size"`
}

// Codec encodes and decodes bridge payloads. Safe for concurrent use; the
// metric counters are guarded by a single mutex so every mutation has one
// writer at a time.
type Codec struct {
	opts Options
	log  logger.Logger

	mu    sync.Mutex
	stats stats
}

func New(opts Options, log logger.Logger) *Codec {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Codec{
		opts: opts,
		log:  log,
	}
}

// Encode serializes v to the binary bridge format.
func (c *Codec) Encode(v interface{}) (Payload, error) {
	if c.opts.ValidateInput && v == nil {
		c.recordError()
		return Payload{}, errors.ErrValidation.WithDetail("message", "cannot encode nil value")
	}

	start := time.Now()

	reference, err := json.Marshal(v)
	if err != nil {
		c.recordError()
		metrics.CodecEncodedTotal.WithLabelValues("encode", "error").Inc()
		return Payload{}, errors.Wrap(err, errors.ErrEncoding)
	}

	e := newEncoder()
	if err := e.encodeValue(v); err != nil {
		c.recordError()
		metrics.CodecEncodedTotal.WithLabelValues("encode", "error").Inc()
		return Payload{}, err
	}

	elapsed := time.Since(start)
	bytes := e.bytes()

	p := Payload{
		Bytes:          bytes,
		OriginalSize:   len(reference),
		CompressedSize: len(bytes),
		Elapsed:        elapsed,
	}
	if p.CompressedSize > 0 {
		p.CompressionRatio = float64(p.OriginalSize) / float64(p.CompressedSize)
	}

	c.recordEncode(p)

	metrics.CodecEncodedTotal.WithLabelValues("encode", "success").Inc()
	metrics.CodecDuration.WithLabelValues("encode").Observe(float64(elapsed.Microseconds()) / 1000.0)
	metrics.CodecPayloadSize.WithLabelValues("binary").Observe(float64(p.CompressedSize))
	metrics.CodecPayloadSize.WithLabelValues("json").Observe(float64(p.OriginalSize))
	if saved := p.OriginalSize - p.CompressedSize; saved > 0 {
		metrics.CodecBytesSavedTotal.Add(float64(saved))
	}

	return p, nil
}

// Decode deserializes a binary bridge payload back into its value.
func (c *Codec) Decode(data []byte) (Decoded, error) {
	start := time.Now()

	d := newDecoder(data)
	value, err := d.decodeValue()
	if err != nil {
		c.recordError()
		metrics.CodecEncodedTotal.WithLabelValues("decode", "error").Inc()
		return Decoded{}, err
	}
	if d.remaining() > 0 {
		c.recordError()
		metrics.CodecEncodedTotal.WithLabelValues("decode", "error").Inc()
		return Decoded{}, errors.ErrDecoding.WithDetail("message", "trailing bytes after value")
	}

	elapsed := time.Since(start)

	// A nil decoded value is legal on the wire; with output validation on
	// it is worth a log line but never an error.
	if c.opts.ValidateOutput && value == nil {
		c.log.Debugw("Decoded nil value", "byte_size", len(data))
	}

	c.recordDecode(elapsed)

	metrics.CodecEncodedTotal.WithLabelValues("decode", "success").Inc()
	metrics.CodecDuration.WithLabelValues("decode").Observe(float64(elapsed.Microseconds()) / 1000.0)

	return Decoded{
		Value:    value,
		Elapsed:  elapsed,
		ByteSize: len(data),
	}, nil
}

// stats is the codec's mutable metric state. All fields are guarded by
// Codec.mu.
type stats struct {
	totalEncoded    int64
	totalDecoded    int64
	totalBytesSaved int64
	errorCount      int64

	encodeTimes       ring
	decodeTimes       ring
	compressionRatios ring
}

// Metrics is an immutable snapshot of the codec's counters.
type Metrics struct {
	TotalEncoded            int64   `json:"total_encoded"`
	TotalDecoded            int64   `json:"total_decoded"`
	TotalBytesSaved         int64   `json:"total_bytes_saved"`
	ErrorCount              int64   `json:"error_count"`
	AverageEncodeTimeMs     float64 `json:"average_encode_time_ms"`
	AverageDecodeTimeMs     float64 `json:"average_decode_time_ms"`
	AverageCompressionRatio float64 `json:"average_compression_ratio"`
}

func (c *Codec) recordEncode(p Payload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.totalEncoded++
	c.stats.totalBytesSaved += int64(p.OriginalSize - p.CompressedSize)
	c.stats.encodeTimes.push(float64(p.Elapsed.Microseconds()) / 1000.0)
	c.stats.compressionRatios.push(p.CompressionRatio)
}

func (c *Codec) recordDecode(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.totalDecoded++
	c.stats.decodeTimes.push(float64(elapsed.Microseconds()) / 1000.0)
}

func (c *Codec) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.errorCount++
}

// Metrics returns a copy of the current counters and rolling averages.
func (c *Codec) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Metrics{
		TotalEncoded:            c.stats.totalEncoded,
		TotalDecoded:            c.stats.totalDecoded,
		TotalBytesSaved:         c.stats.totalBytesSaved,
		ErrorCount:              c.stats.errorCount,
		AverageEncodeTimeMs:     c.stats.encodeTimes.average(),
		AverageDecodeTimeMs:     c.stats.decodeTimes.average(),
		AverageCompressionRatio: c.stats.compressionRatios.average(),
	}
}

// ResetMetrics clears all counters and rolling windows in one step.
func (c *Codec) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats = stats{}
}

// ring is a fixed-capacity sample window; pushing past capacity evicts the
// oldest sample.
type ring struct {
	samples []float64
	next    int
	full    bool
}

func (r *ring) push(v float64) {
	if r.samples == nil {
		r.samples = make([]float64, constants.RollingWindowSize)
	}
	r.samples[r.next] = v
	r.next = (r.next + 1) % len(r.samples)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) size() int {
	if r.full {
		return len(r.samples)
	}
	return r.next
}

func (r *ring) average() float64 {
	n := r.size()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += r.samples[i]
	}
	return sum / float64(n)
}
