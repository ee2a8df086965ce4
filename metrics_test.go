package xencons

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.TotalOps)

	m.RecordRead(16, 1_000_000, true)  // 1ms
	m.RecordWrite(64, 2_000_000, true) // 2ms
	m.RecordRead(0, 500_000, false)
	m.RecordCancel()

	snap = m.Snapshot()
	assert.Equal(t, uint64(2), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.WriteOps)
	assert.Equal(t, uint64(16), snap.ReadBytes, "only successful reads count bytes")
	assert.Equal(t, uint64(64), snap.WriteBytes)
	assert.Equal(t, uint64(1), snap.ReadErrors)
	assert.Equal(t, uint64(0), snap.WriteErrors)
	assert.Equal(t, uint64(1), snap.Cancellations)
	assert.Equal(t, uint64(80), snap.TotalBytes)
	assert.InDelta(t, 100.0/3.0, snap.ErrorRate, 0.1)
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordRead(1, 1_000_000, true)
	m.RecordWrite(1, 2_000_000, true)

	snap := m.Snapshot()
	assert.Equal(t, uint64(1_500_000), snap.AvgLatencyNs)

	// Both requests fall under the 10ms bucket and neither under 1ms
	assert.Equal(t, uint64(0), snap.LatencyHistogram[2])
	assert.Equal(t, uint64(1), snap.LatencyHistogram[3])
	assert.Equal(t, uint64(2), snap.LatencyHistogram[4])
	assert.NotZero(t, snap.LatencyP50Ns)
	assert.LessOrEqual(t, snap.LatencyP50Ns, snap.LatencyP99Ns)
}

func TestMetricsPercentileBeyondBuckets(t *testing.T) {
	m := NewMetrics()
	m.RecordWrite(1, 20_000_000_000, true)
	assert.Equal(t, LatencyBuckets[numLatencyBuckets-1], m.calculatePercentile(0.5))
}

func TestMetricsPercentileSingleSample(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(1, 10_000, true)
	assert.Equal(t, uint64(10_000), m.calculatePercentile(0.5))
	assert.Equal(t, uint64(10_000), m.calculatePercentile(0.99))
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	assert.GreaterOrEqual(t, snap.UptimeNs, uint64(10*time.Millisecond))

	m.Stop()
	stopped := m.Snapshot().UptimeNs
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, stopped, m.Snapshot().UptimeNs, "uptime freezes once stopped")
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordRead(10, 1000, true)
	m.RecordTransition()
	m.RecordStateError()
	m.RecordEject()
	m.Stop()

	m.Reset()
	snap := m.Snapshot()
	assert.Equal(t, uint64(0), snap.TotalOps)
	assert.Equal(t, uint64(0), snap.Transitions)
	assert.Equal(t, uint64(0), snap.StateErrors)
	assert.Equal(t, uint64(0), snap.Ejects)
	assert.Equal(t, [numLatencyBuckets]uint64{}, snap.LatencyHistogram)
	assert.Equal(t, int64(0), m.StopTime.Load())
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()
	var obs Observer = NewMetricsObserver(m)

	obs.ObserveRead(3, 100, true)
	obs.ObserveWrite(5, 100, false)
	obs.ObserveCancel()
	obs.ObserveTransition("UNKNOWN", "PREPARED")
	obs.ObserveStateError(errors.New("x"))
	obs.ObserveEject("device/console/0")

	snap := m.Snapshot()
	assert.Equal(t, uint64(1), snap.ReadOps)
	assert.Equal(t, uint64(1), snap.WriteErrors)
	assert.Equal(t, uint64(1), snap.Cancellations)
	assert.Equal(t, uint64(1), snap.Transitions)
	assert.Equal(t, uint64(1), snap.StateErrors)
	assert.Equal(t, uint64(1), snap.Ejects)

	// The no-op observer accepts everything
	var noop Observer = NoOpObserver{}
	noop.ObserveRead(1, 1, true)
	noop.ObserveTransition("a", "b")
}

func BenchmarkMetricsRecordWrite(b *testing.B) {
	m := NewMetrics()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.RecordWrite(64, 5_000, true)
		}
	})
}
