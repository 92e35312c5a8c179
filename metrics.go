package cunqa

import (
	"math/bits"
	"sync"
	"time"
)

// latencyBuckets is how many geometric buckets the histogram keeps:
// bucket 0 holds sub-millisecond tasks, bucket i holds latencies in
// [2^(i-1), 2^i) milliseconds, and the last bucket absorbs the tail.
const latencyBuckets = 24

/*
Metrics tracks what a QPU actually did with its lifetime: tasks
executed, tasks refused, replies dropped, and a compact latency
histogram of the compute loop. Latencies land in power-of-two
millisecond buckets, which is all the resolution a shutdown log line
needs and costs a fixed array instead of a sketch.
*/
type Metrics struct {
	mu sync.RWMutex

	TasksExecuted  int64
	TasksFailed    int64
	DroppedReplies int64
	TotalTaskTime  time.Duration

	buckets [latencyBuckets]int64
}

func newMetrics() *Metrics {
	return &Metrics{}
}

// RecordTask folds one compute-loop pass into the histogram.
func (m *Metrics) RecordTask(latency time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TasksExecuted++
	if !ok {
		m.TasksFailed++
	}
	m.TotalTaskTime += latency
	m.buckets[bucketFor(latency)]++
}

// RecordDroppedReply notes a reply swallowed because the submitter was
// gone by the time the result came back.
func (m *Metrics) RecordDroppedReply() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DroppedReplies++
}

// bucketFor places a latency in its histogram bucket.
func bucketFor(latency time.Duration) int {
	ms := latency.Milliseconds()
	if ms < 1 {
		return 0
	}
	idx := bits.Len64(uint64(ms))
	if idx >= latencyBuckets {
		idx = latencyBuckets - 1
	}
	return idx
}

// bucketCeilingMs is a bucket's upper latency bound in milliseconds.
func bucketCeilingMs(idx int) int64 {
	return 1 << uint(idx)
}

// AverageTaskLatency is the mean over every recorded task.
func (m *Metrics) AverageTaskLatency() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.averageLocked()
}

func (m *Metrics) averageLocked() time.Duration {
	if m.TasksExecuted == 0 {
		return 0
	}
	return m.TotalTaskTime / time.Duration(m.TasksExecuted)
}

/*
Percentile estimates the latency a share p of tasks finished under by
walking the histogram until the rank is covered and reporting that
bucket's ceiling. The estimate errs high by at most one bucket width,
which is fine for the order-of-magnitude answer this is asked for.
*/
func (m *Metrics) Percentile(p float64) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.percentileLocked(p)
}

func (m *Metrics) percentileLocked(p float64) time.Duration {
	var total int64
	for _, n := range m.buckets {
		total += n
	}
	if total == 0 {
		return 0
	}

	rank := int64(p * float64(total))
	if rank < 1 {
		rank = 1
	}
	var seen int64
	for idx, n := range m.buckets {
		seen += n
		if seen >= rank {
			return time.Duration(bucketCeilingMs(idx)) * time.Millisecond
		}
	}
	return time.Duration(bucketCeilingMs(latencyBuckets-1)) * time.Millisecond
}

// ExportMetrics snapshots the counters for logging at shutdown.
func (m *Metrics) ExportMetrics() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"tasks_executed":  m.TasksExecuted,
		"tasks_failed":    m.TasksFailed,
		"dropped_replies": m.DroppedReplies,
		"avg_latency":     m.averageLocked().Milliseconds(),
		"p95_latency":     m.percentileLocked(0.95).Milliseconds(),
		"p99_latency":     m.percentileLocked(0.99).Milliseconds(),
	}
}
