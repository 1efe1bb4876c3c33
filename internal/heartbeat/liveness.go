package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/gpufabric/internal/device"
)

// LivenessMonitor tracks the last-seen time per worker as durably recorded
// heartbeats arrive, and periodically scans for workers silent longer than
// the staleness window, publishing a WorkerStale event for each. This is
// the pipeline-side safety net described in §4.4: it catches a worker that
// crashed without the socket itself ever erroring. The broker sets no read
// deadline on worker connections, so such a worker is not noticed elsewhere.
type LivenessMonitor struct {
	mu       sync.Mutex
	lastSeen map[device.WorkerId]time.Time
	window   time.Duration

	logger      *slog.Logger
	subscribers []chan device.WorkerId
}

// NewLivenessMonitor creates a monitor with the given staleness window
// (default 15s = 3 * the 5s nominal heartbeat interval, per spec §3/§4.4).
func NewLivenessMonitor(window time.Duration) *LivenessMonitor {
	if window <= 0 {
		window = 15 * time.Second
	}
	return &LivenessMonitor{
		lastSeen: make(map[device.WorkerId]time.Time),
		window:   window,
		logger:   slog.Default().With("component", "heartbeat_liveness"),
	}
}

// Touch records that workerID was seen at seenAt; call this from a
// Processor's onWritten hook once a record is durably stored.
func (m *LivenessMonitor) Touch(workerID device.WorkerId, seenAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seenAt.After(m.lastSeen[workerID]) {
		m.lastSeen[workerID] = seenAt
	}
}

// Subscribe returns a channel that receives one WorkerId per stale worker
// detected. The channel is buffered with capacity 16; once it is full, a
// slow subscriber misses events rather than stalling scans.
func (m *LivenessMonitor) Subscribe() <-chan device.WorkerId {
	ch := make(chan device.WorkerId, 16)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Run scans every interval until ctx is cancelled.
func (m *LivenessMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.scan(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (m *LivenessMonitor) scan(now time.Time) {
	m.mu.Lock()
	var stale []device.WorkerId
	for id, seen := range m.lastSeen {
		if now.Sub(seen) > m.window {
			stale = append(stale, id)
			delete(m.lastSeen, id)
		}
	}
	subs := append([]chan device.WorkerId(nil), m.subscribers...)
	m.mu.Unlock()

	for _, id := range stale {
		m.logger.Warn("worker stale, publishing WorkerStale", "worker_id", id.String())
		for _, ch := range subs {
			select {
			case ch <- id:
			default:
			}
		}
	}
}
