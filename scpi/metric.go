package scpi

import (
	"sync/atomic"
)

// EngineMetrics contains atomic metrics for a protocol engine.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type EngineMetrics struct {
	// SendCount indicates the number of action commands written.
	SendCount atomic.Uint64
	// QueryCount indicates the number of query exchanges completed.
	QueryCount atomic.Uint64
	// TimeoutCount indicates the number of read timeouts.
	TimeoutCount atomic.Uint64
	// AbandonedCount indicates the number of exchanges abandoned with a
	// response line still owed by the instrument.
	AbandonedCount atomic.Uint64
	// StaleLineCount indicates the number of stale response lines drained.
	StaleLineCount atomic.Uint64

	// BytesWritten indicates the number of bytes written, terminators included.
	BytesWritten atomic.Uint64
	// BytesRead indicates the number of response bytes read, terminators included.
	BytesRead atomic.Uint64
}

func (m *EngineMetrics) incSendCount() {
	m.SendCount.Add(1)
}

func (m *EngineMetrics) incQueryCount() {
	m.QueryCount.Add(1)
}

func (m *EngineMetrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}

func (m *EngineMetrics) incAbandonedCount() {
	m.AbandonedCount.Add(1)
}

func (m *EngineMetrics) incStaleLineCount() {
	m.StaleLineCount.Add(1)
}

func (m *EngineMetrics) addBytesWritten(n int) {
	m.BytesWritten.Add(uint64(n))
}

func (m *EngineMetrics) addBytesRead(n int) {
	m.BytesRead.Add(uint64(n))
}
