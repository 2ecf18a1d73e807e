package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ClientMetrics tracks the client's processing performance.
type ClientMetrics struct {
	// Latency histograms
	SignalLatency *LatencyHistogram // feed message -> executor verdict
	OrderLatency  *LatencyHistogram // order placement round trips
	CheckLatency  *LatencyHistogram // full monitor sweeps

	signalsProcessed uint64
	ordersExecuted   uint64
	exitsExecuted    uint64
	errorsCount      uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with a sliding window. Stats are
// computed lazily and cached until the next sample arrives.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewClientMetrics creates a metrics instance.
func NewClientMetrics() *ClientMetrics {
	return &ClientMetrics{
		SignalLatency: NewLatencyHistogram(1000),
		OrderLatency:  NewLatencyHistogram(1000),
		CheckLatency:  NewLatencyHistogram(1000),
		started:       time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementSignals counts a processed feed signal.
func (m *ClientMetrics) IncrementSignals() {
	atomic.AddUint64(&m.signalsProcessed, 1)
}

// IncrementOrders counts an executed entry order.
func (m *ClientMetrics) IncrementOrders() {
	atomic.AddUint64(&m.ordersExecuted, 1)
}

// IncrementExits counts an executed exit.
func (m *ClientMetrics) IncrementExits() {
	atomic.AddUint64(&m.exitsExecuted, 1)
}

// IncrementErrors counts an operational error.
func (m *ClientMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// MetricsSnapshot is a point-in-time view for the status surface.
type MetricsSnapshot struct {
	SignalLatency    LatencyStats  `json:"signal_latency"`
	OrderLatency     LatencyStats  `json:"order_latency"`
	CheckLatency     LatencyStats  `json:"check_latency"`
	SignalsProcessed uint64        `json:"signals_processed"`
	OrdersExecuted   uint64        `json:"orders_executed"`
	ExitsExecuted    uint64        `json:"exits_executed"`
	ErrorsCount      uint64        `json:"errors_count"`
	Uptime           time.Duration `json:"uptime"`
	GoroutineCount   int           `json:"goroutine_count"`
	HeapAlloc        uint64        `json:"heap_alloc_bytes"`
	Timestamp        time.Time     `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *ClientMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		SignalLatency:    m.SignalLatency.Stats(),
		OrderLatency:     m.OrderLatency.Stats(),
		CheckLatency:     m.CheckLatency.Stats(),
		SignalsProcessed: atomic.LoadUint64(&m.signalsProcessed),
		OrdersExecuted:   atomic.LoadUint64(&m.ordersExecuted),
		ExitsExecuted:    atomic.LoadUint64(&m.exitsExecuted),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		Uptime:           time.Since(m.started),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
