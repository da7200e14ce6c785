package processor

import (
	"sync/atomic"
	"time"

	"github.com/nimasrn/campaign-pipeline/internal/pipeline"
)

type ServiceMetrics struct {
	totalProcessed  int64
	totalFailed     int64
	totalSent       int64
	totalSkipped    int64
	totalDead       int64
	totalRetried    int64
	totalDuplicate  int64
	totalBusy       int64
	totalDurationNs int64
	lastResetNs     int64
}

func NewServiceMetrics() *ServiceMetrics {
	return &ServiceMetrics{
		lastResetNs: time.Now().UnixNano(),
	}
}

// RecordOutcome counts a handled job. Infrastructure errors count as failed,
// everything else as processed.
func (m *ServiceMetrics) RecordOutcome(kind pipeline.OutcomeKind, duration time.Duration) {
	switch kind {
	case pipeline.OutcomeSent:
		atomic.AddInt64(&m.totalSent, 1)
	case pipeline.OutcomeSkipped:
		atomic.AddInt64(&m.totalSkipped, 1)
	case pipeline.OutcomeDead:
		atomic.AddInt64(&m.totalDead, 1)
	case pipeline.OutcomeRetry:
		atomic.AddInt64(&m.totalRetried, 1)
	case pipeline.OutcomeDuplicate:
		atomic.AddInt64(&m.totalDuplicate, 1)
	case pipeline.OutcomeBusy:
		atomic.AddInt64(&m.totalBusy, 1)
	case pipeline.OutcomeError:
		m.RecordFailure()
		return
	}
	atomic.AddInt64(&m.totalProcessed, 1)
	atomic.AddInt64(&m.totalDurationNs, int64(duration))
}

func (m *ServiceMetrics) RecordFailure() {
	atomic.AddInt64(&m.totalFailed, 1)
}

func (m *ServiceMetrics) GetStats() map[string]interface{} {
	processed := atomic.LoadInt64(&m.totalProcessed)
	durationNs := atomic.LoadInt64(&m.totalDurationNs)
	lastResetNs := atomic.LoadInt64(&m.lastResetNs)

	elapsed := time.Since(time.Unix(0, lastResetNs)).Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(processed) / elapsed
	}

	avgDuration := time.Duration(0)
	if processed > 0 {
		avgDuration = time.Duration(durationNs / processed)
	}

	return map[string]interface{}{
		"total_processed": processed,
		"total_failed":    atomic.LoadInt64(&m.totalFailed),
		"sent":            atomic.LoadInt64(&m.totalSent),
		"skipped":         atomic.LoadInt64(&m.totalSkipped),
		"dead":            atomic.LoadInt64(&m.totalDead),
		"retried":         atomic.LoadInt64(&m.totalRetried),
		"duplicate":       atomic.LoadInt64(&m.totalDuplicate),
		"busy":            atomic.LoadInt64(&m.totalBusy),
		"rate_per_second": rate,
		"avg_duration_ms": avgDuration.Milliseconds(),
		"uptime_seconds":  elapsed,
	}
}

func (m *ServiceMetrics) Reset() {
	for _, v := range []*int64{
		&m.totalProcessed, &m.totalFailed, &m.totalSent, &m.totalSkipped,
		&m.totalDead, &m.totalRetried, &m.totalDuplicate, &m.totalBusy, &m.totalDurationNs,
	} {
		atomic.StoreInt64(v, 0)
	}
	atomic.StoreInt64(&m.lastResetNs, time.Now().UnixNano())
}
