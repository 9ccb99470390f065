package runtime

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/drblury/protobus/internal/runtime/jsoncodec"
	"github.com/drblury/protobus/routing"
	"github.com/drblury/protobus/transport"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// UnprocessableMessageError marks an envelope a handler can never process.
// The poison queue middleware forwards such envelopes instead of retrying them.
type UnprocessableMessageError struct {
	MessageID string
	Err       error
}

func (e *UnprocessableMessageError) Error() string {
	return "unprocessable message " + e.MessageID + ": " + e.Err.Error()
}

func (e *UnprocessableMessageError) Unwrap() error {
	return e.Err
}

// Unprocessable wraps err so the envelope is not retried.
func Unprocessable(env transport.Envelope, err error) error {
	return &UnprocessableMessageError{MessageID: env.ID, Err: err}
}

// HandlerStats accumulates processing statistics for one handler.
type HandlerStats struct {
	mu sync.Mutex `json:"-"`

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`

	latencyWindow    *latencyWindow    `json:"-"`
	throughputWindow *throughputWindow `json:"-"`
	resourceSampler  *resourceTracker  `json:"-"`
}

// HandlerInfo describes a registered handler.
type HandlerInfo struct {
	Name        string              `json:"name"`
	MessageType routing.MessageType `json:"message_type"`
	Stats       *HandlerStats       `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Unprocessable uint64 `json:"unprocessable"`
	Transport     uint64 `json:"transport"`
	Downstream    uint64 `json:"downstream"`
	Other         uint64 `json:"other"`
	LastError     string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

type ErrorCategory string

const (
	ErrorCategoryNone          ErrorCategory = "none"
	ErrorCategoryUnprocessable ErrorCategory = "unprocessable"
	ErrorCategoryTransport     ErrorCategory = "transport"
	ErrorCategoryDownstream    ErrorCategory = "downstream"
	ErrorCategoryOther         ErrorCategory = "other"
)

// ErrorClassifier buckets handler errors for HandlerStats.
type ErrorClassifier func(error) ErrorCategory

func newHandlerStats(sampler *resourceTracker) *HandlerStats {
	return &HandlerStats{
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
		resourceSampler:  sampler,
	}
}

func (h *HandlerStats) onMessageStart() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.InFlight++
	if h.InFlight > h.MaxInFlight {
		h.MaxInFlight = h.InFlight
	}
}

func (h *HandlerStats) onMessageFinish(duration time.Duration, err error, classifier ErrorClassifier) {
	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	category := classifier(err)
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.InFlight = max(h.InFlight, 1) - 1
	h.MessagesProcessed++
	if err != nil {
		h.MessagesFailed++
	}
	h.TotalProcessingTime += int64(duration)
	h.LastProcessedAt = now.UTC()

	h.latencyWindow.Add(duration)
	h.Latency = h.latencyWindow.Snapshot()

	window := h.throughputWindow.AddAndSnapshot(now)
	h.Throughput = ThroughputMetrics{
		CurrentRPS:       window.CurrentRPS,
		WindowSeconds:    window.WindowSeconds,
		MessagesInWindow: uint64(window.Count),
		TotalMessages:    h.MessagesProcessed,
	}

	h.Errors.Record(category, err)
	if h.resourceSampler != nil {
		h.Resource = h.resourceSampler.Snapshot()
	}
}

// Snapshot returns a detached copy safe to read without locking.
func (h *HandlerStats) Snapshot() *HandlerStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &HandlerStats{
		MessagesProcessed:   h.MessagesProcessed,
		MessagesFailed:      h.MessagesFailed,
		TotalProcessingTime: h.TotalProcessingTime,
		LastProcessedAt:     h.LastProcessedAt,
		InFlight:            h.InFlight,
		MaxInFlight:         h.MaxInFlight,
		Latency:             h.Latency,
		Throughput:          h.Throughput,
		Errors:              h.Errors,
		Resource:            h.Resource,
	}
}

func (h *HandlerStats) MarshalJSON() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	type Alias HandlerStats
	return jsoncodec.Marshal((*Alias)(h))
}

// Record counts err under category. A nil error with no category is ignored.
func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	if err == nil && category == ErrorCategoryNone {
		return
	}
	counters := map[ErrorCategory]*uint64{
		ErrorCategoryUnprocessable: &e.Unprocessable,
		ErrorCategoryTransport:     &e.Transport,
		ErrorCategoryDownstream:    &e.Downstream,
	}
	if c, ok := counters[category]; ok {
		*c++
	} else {
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

// latencyWindow is a fixed-size ring of the most recent handler latencies.
type latencyWindow struct {
	ring []time.Duration
	head int
	full bool
	last time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{ring: make([]time.Duration, 0, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || cap(lw.ring) == 0 {
		return
	}
	lw.last = d
	if !lw.full {
		lw.ring = append(lw.ring, d)
		lw.full = len(lw.ring) == cap(lw.ring)
		return
	}
	lw.ring[lw.head] = d
	lw.head = (lw.head + 1) % len(lw.ring)
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	if lw == nil {
		return LatencyMetrics{}
	}
	out := LatencyMetrics{LastNs: int64(lw.last), SampleSize: len(lw.ring)}
	if len(lw.ring) == 0 {
		return out
	}
	sorted := slices.Clone(lw.ring)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	out.AverageNs = int64(sum) / int64(len(sorted))
	out.P50Ns = int64(nearestRank(sorted, 50))
	out.P95Ns = int64(nearestRank(sorted, 95))
	out.P99Ns = int64(nearestRank(sorted, 99))
	return out
}

// nearestRank returns the pth percentile of an ascending slice.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	return sorted[min(max(rank, 1), len(sorted))-1]
}

// throughputWindow counts completions inside a trailing horizon.
type throughputWindow struct {
	horizon time.Duration
	stamps  []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.stamps = append(tw.stamps, now)
	cutoff := now.Add(-tw.horizon)
	if keep := slices.IndexFunc(tw.stamps, func(ts time.Time) bool { return !ts.Before(cutoff) }); keep > 0 {
		tw.stamps = slices.Delete(tw.stamps, 0, keep)
	}

	span := max(now.Sub(tw.stamps[0]), time.Nanosecond)
	return throughputSnapshot{
		Count:         len(tw.stamps),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.stamps)) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var unprocessable *UnprocessableMessageError
	if errors.As(err, &unprocessable) {
		return ErrorCategoryUnprocessable
	}
	if errors.Is(err, transport.ErrNoTransport) || errors.Is(err, transport.ErrNotActive) {
		return ErrorCategoryTransport
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryDownstream
	}
	return ErrorCategoryOther
}
