package outbox

import (
	"sync"
	"time"

	"github.com/clowbot/clowbot/go/internal/models"
)

// MetricsCollector defines the interface for collecting dispatcher metrics
type MetricsCollector interface {
	RecordRowProcessed(kind string, status models.OutboxStatus, duration time.Duration)
	RecordBatchProcessed(summary DispatchSummary, duration time.Duration)
	RecordSendAttempt(kind string, success, retryable bool)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordRowProcessed(string, models.OutboxStatus, time.Duration) {}
func (NoOpMetricsCollector) RecordBatchProcessed(DispatchSummary, time.Duration)           {}
func (NoOpMetricsCollector) RecordSendAttempt(string, bool, bool)                          {}

// CounterMetrics keeps in-process totals, exported by the health handler in
// Prometheus text format.
type CounterMetrics struct {
	mu             sync.Mutex
	rowsByStatus   map[models.OutboxStatus]uint64
	sendAttempts   map[string]uint64
	sendFailures   map[string]uint64
	retryable      uint64
	batches        uint64
	lastBatchAt    time.Time
	lastBatchTook  time.Duration
	lastBatchCount int
}

func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{
		rowsByStatus: map[models.OutboxStatus]uint64{},
		sendAttempts: map[string]uint64{},
		sendFailures: map[string]uint64{},
	}
}

func (m *CounterMetrics) RecordRowProcessed(_ string, status models.OutboxStatus, _ time.Duration) {
	m.mu.Lock()
	m.rowsByStatus[status]++
	m.mu.Unlock()
}

func (m *CounterMetrics) RecordBatchProcessed(summary DispatchSummary, duration time.Duration) {
	m.mu.Lock()
	m.batches++
	m.lastBatchAt = time.Now()
	m.lastBatchTook = duration
	m.lastBatchCount = summary.Processed()
	m.mu.Unlock()
}

func (m *CounterMetrics) RecordSendAttempt(kind string, success, retryable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendAttempts[kind]++
	if !success {
		m.sendFailures[kind]++
		if retryable {
			m.retryable++
		}
	}
}

// MetricsSnapshot is a point-in-time copy of CounterMetrics.
type MetricsSnapshot struct {
	RowsByStatus   map[models.OutboxStatus]uint64
	SendAttempts   map[string]uint64
	SendFailures   map[string]uint64
	Retryable      uint64
	Batches        uint64
	LastBatchAt    time.Time
	LastBatchTook  time.Duration
	LastBatchCount int
}

func (m *CounterMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := MetricsSnapshot{
		RowsByStatus:   make(map[models.OutboxStatus]uint64, len(m.rowsByStatus)),
		SendAttempts:   make(map[string]uint64, len(m.sendAttempts)),
		SendFailures:   make(map[string]uint64, len(m.sendFailures)),
		Retryable:      m.retryable,
		Batches:        m.batches,
		LastBatchAt:    m.lastBatchAt,
		LastBatchTook:  m.lastBatchTook,
		LastBatchCount: m.lastBatchCount,
	}
	for k, v := range m.rowsByStatus {
		s.RowsByStatus[k] = v
	}
	for k, v := range m.sendAttempts {
		s.SendAttempts[k] = v
	}
	for k, v := range m.sendFailures {
		s.SendFailures[k] = v
	}
	return s
}
