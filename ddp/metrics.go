package ddp

import (
	"sync/atomic"
	"time"
)

// Metrics tracks frame statistics for one client. Counters are updated
// atomically and may be read while the client is running.
type Metrics struct {
	ConnectedAt    time.Time
	FramesSent     int64
	FramesReceived int64
	FramesDropped  int64
	DecodeErrors   int64
}

// MetricsSnapshot is a point in time copy of Metrics.
type MetricsSnapshot struct {
	ConnectedAt    time.Time
	FramesSent     int64
	FramesReceived int64
	FramesDropped  int64
	DecodeErrors   int64
}

// IncrementSent atomically increments the sent counter
func (m *Metrics) IncrementSent() int64 {
	return atomic.AddInt64(&m.FramesSent, 1)
}

// IncrementReceived atomically increments the received counter
func (m *Metrics) IncrementReceived() int64 {
	return atomic.AddInt64(&m.FramesReceived, 1)
}

// IncrementDropped atomically increments the dropped counter
func (m *Metrics) IncrementDropped() int64 {
	return atomic.AddInt64(&m.FramesDropped, 1)
}

// IncrementDecodeErrors atomically increments the decode error counter
func (m *Metrics) IncrementDecodeErrors() int64 {
	return atomic.AddInt64(&m.DecodeErrors, 1)
}

// Snapshot reads every counter. ConnectedAt is only written under the
// client's lock, so callers outside the client should go through
// Client.Metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		ConnectedAt:    m.ConnectedAt,
		FramesSent:     atomic.LoadInt64(&m.FramesSent),
		FramesReceived: atomic.LoadInt64(&m.FramesReceived),
		FramesDropped:  atomic.LoadInt64(&m.FramesDropped),
		DecodeErrors:   atomic.LoadInt64(&m.DecodeErrors),
	}
}
