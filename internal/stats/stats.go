package stats

import (
	"sync/atomic"
)

// Stats holds the aggregated counters of a single load-generation run
type Stats struct {
	Requests uint64
	Success  uint64
	Fail     uint64
	Bytes    uint64

	// Latency is measured from the scheduled send time (microseconds)
	Latency *SafeHistogram

	// Queue wait is important for lag detection
	QueueWait *SafeHistogram
}

func NewStats() *Stats {
	return &Stats{
		Latency:   NewSafeHistogram(),
		QueueWait: NewSafeHistogram(),
	}
}

func (s *Stats) AddRequest(success bool, bytes int64, latencyUs, queueWaitUs int64) {
	atomic.AddUint64(&s.Requests, 1)
	if success {
		atomic.AddUint64(&s.Success, 1)
	} else {
		atomic.AddUint64(&s.Fail, 1)
	}
	if bytes > 0 {
		atomic.AddUint64(&s.Bytes, uint64(bytes))
	}

	s.Latency.RecordValue(latencyUs)
	s.QueueWait.RecordValue(queueWaitUs)
}

func (s *Stats) ErrorRate() float64 {
	reqs := atomic.LoadUint64(&s.Requests)
	if reqs == 0 {
		return 0
	}
	fails := atomic.LoadUint64(&s.Fail)
	return (float64(fails) / float64(reqs)) * 100
}

// LatencyMs returns the latency at quantile q (0-100) in milliseconds
func (s *Stats) LatencyMs(q float64) float64 {
	return float64(s.Latency.ValueAtQuantile(q)) / 1000.0
}

// QueueWaitAvgMs returns average queue wait in milliseconds
func (s *Stats) QueueWaitAvgMs() float64 {
	return s.QueueWait.Mean() / 1000.0
}
