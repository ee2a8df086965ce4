package xencons

import (
	"math"
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks request and connection statistics for a console
type Metrics struct {
	// Request counters
	ReadOps  atomic.Uint64 // Completed read requests
	WriteOps atomic.Uint64 // Completed write requests

	// Byte counters
	ReadBytes  atomic.Uint64 // Bytes delivered to readers
	WriteBytes atomic.Uint64 // Bytes accepted from writers

	// Error counters
	ReadErrors    atomic.Uint64 // Failed read requests
	WriteErrors   atomic.Uint64 // Failed write requests
	Cancellations atomic.Uint64 // Requests completed as cancelled

	// Connection
	Transitions atomic.Uint64 // State machine steps taken
	StateErrors atomic.Uint64 // SetState calls that failed
	Ejects      atomic.Uint64 // Eject requests raised

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative request latency in nanoseconds
	OpCount        atomic.Uint64 // Total requests (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of requests with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Console lifecycle
	StartTime atomic.Int64 // Console creation timestamp (UnixNano)
	StopTime  atomic.Int64 // Console destruction timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRead records a completed read request
func (m *Metrics) RecordRead(bytes uint64, latencyNs uint64, success bool) {
	m.ReadOps.Add(1)
	if success {
		m.ReadBytes.Add(bytes)
	} else {
		m.ReadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordWrite records a completed write request
func (m *Metrics) RecordWrite(bytes uint64, latencyNs uint64, success bool) {
	m.WriteOps.Add(1)
	if success {
		m.WriteBytes.Add(bytes)
	} else {
		m.WriteErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCancel records a request completed as cancelled
func (m *Metrics) RecordCancel() {
	m.Cancellations.Add(1)
}

// RecordTransition records one state machine step
func (m *Metrics) RecordTransition() {
	m.Transitions.Add(1)
}

// RecordStateError records a failed SetState
func (m *Metrics) RecordStateError() {
	m.StateErrors.Add(1)
}

// RecordEject records an eject request
func (m *Metrics) RecordEject() {
	m.Ejects.Add(1)
}

// recordLatency records request latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the console as destroyed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	ReadOps  uint64 `json:"read_ops"`
	WriteOps uint64 `json:"write_ops"`

	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`

	ReadErrors    uint64 `json:"read_errors"`
	WriteErrors   uint64 `json:"write_errors"`
	Cancellations uint64 `json:"cancellations"`

	Transitions uint64 `json:"transitions"`
	StateErrors uint64 `json:"state_errors"`
	Ejects      uint64 `json:"ejects"`

	AvgLatencyNs uint64 `json:"avg_latency_ns"`
	UptimeNs     uint64 `json:"uptime_ns"`

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns uint64 `json:"latency_p50_ns"`
	LatencyP99Ns uint64 `json:"latency_p99_ns"`

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64 `json:"latency_histogram"`

	// Computed statistics
	ReadBandwidth  float64 `json:"read_bandwidth"` // Bytes per second
	WriteBandwidth float64 `json:"write_bandwidth"`
	TotalOps       uint64  `json:"total_ops"`
	TotalBytes     uint64  `json:"total_bytes"`
	ErrorRate      float64 `json:"error_rate"` // Percentage of failed requests
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ReadOps:       m.ReadOps.Load(),
		WriteOps:      m.WriteOps.Load(),
		ReadBytes:     m.ReadBytes.Load(),
		WriteBytes:    m.WriteBytes.Load(),
		ReadErrors:    m.ReadErrors.Load(),
		WriteErrors:   m.WriteErrors.Load(),
		Cancellations: m.Cancellations.Load(),
		Transitions:   m.Transitions.Load(),
		StateErrors:   m.StateErrors.Load(),
		Ejects:        m.Ejects.Load(),
	}

	snap.TotalOps = snap.ReadOps + snap.WriteOps
	snap.TotalBytes = snap.ReadBytes + snap.WriteBytes

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.ReadBandwidth = float64(snap.ReadBytes) / uptimeSeconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / uptimeSeconds
	}

	totalErrors := snap.ReadErrors + snap.WriteErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	// The rank is at least one, or an empty leading bucket would match
	targetCount := uint64(math.Ceil(float64(totalOps) * percentile))
	if targetCount < 1 {
		targetCount = 1
	}

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Slower than every bucket
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.ReadOps.Store(0)
	m.WriteOps.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.ReadErrors.Store(0)
	m.WriteErrors.Store(0)
	m.Cancellations.Store(0)
	m.Transitions.Store(0)
	m.StateErrors.Store(0)
	m.Ejects.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveRead is called for each completed read request
	ObserveRead(bytes uint64, latencyNs uint64, success bool)

	// ObserveWrite is called for each completed write request
	ObserveWrite(bytes uint64, latencyNs uint64, success bool)

	// ObserveCancel is called for each cancelled request
	ObserveCancel()

	// ObserveTransition is called for each state machine step
	ObserveTransition(from, to string)

	// ObserveStateError is called when SetState fails
	ObserveStateError(err error)

	// ObserveEject is called when an eject is requested
	ObserveEject(path string)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool) {}
func (NoOpObserver) ObserveCancel()                    {}
func (NoOpObserver) ObserveTransition(string, string)  {}
func (NoOpObserver) ObserveStateError(error)           {}
func (NoOpObserver) ObserveEject(string)               {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveCancel() {
	o.metrics.RecordCancel()
}

func (o *MetricsObserver) ObserveTransition(string, string) {
	o.metrics.RecordTransition()
}

func (o *MetricsObserver) ObserveStateError(error) {
	o.metrics.RecordStateError()
}

func (o *MetricsObserver) ObserveEject(string) {
	o.metrics.RecordEject()
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
