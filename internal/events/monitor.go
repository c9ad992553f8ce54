package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MonitorConfig tunes sink health tracking.
type MonitorConfig struct {
	// PingInterval is how often the sink is probed.
	PingInterval time.Duration
	// FailureThreshold is how many consecutive failures mark the sink
	// unhealthy.
	FailureThreshold int
	// BufferCapacity is how many events the ring holds while unhealthy.
	// Older events are evicted first when it overflows.
	BufferCapacity int
	// OnReconnect fires after the sink recovers and the buffer drains.
	OnReconnect func()
}

// Monitor wraps a Sink with connection health tracking. While the sink
// is unhealthy, batches are buffered in a bounded ring and drained in
// order on recovery. Monitor itself implements Sink, so it slots
// between the emitter and the real delivery channel.
type Monitor struct {
	sink   Sink
	cfg    MonitorConfig
	logger *slog.Logger

	mu        sync.Mutex
	unhealthy bool
	failures  int
	ring      []Event
	start     int
	count     int

	stop chan struct{}
	done chan struct{}
}

// NewMonitor wraps sink with health tracking. Call Start to begin
// probing.
func NewMonitor(sink Sink, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 5 * time.Second
	}
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.BufferCapacity < 1 {
		cfg.BufferCapacity = 1000
	}
	return &Monitor{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		ring:   make([]Event, cfg.BufferCapacity),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the background ping loop.
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.probe()
			}
		}
	}()
}

// Stop halts the ping loop.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	<-m.done
}

// PublishBatch delivers the batch, or buffers it while unhealthy.
func (m *Monitor) PublishBatch(ctx context.Context, batch []Event) error {
	m.mu.Lock()
	if m.unhealthy {
		m.buffer(batch)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.sink.PublishBatch(ctx, batch); err != nil {
		m.mu.Lock()
		m.failures++
		if m.failures >= m.cfg.FailureThreshold {
			m.markUnhealthyLocked()
		}
		m.buffer(batch)
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
	return nil
}

// Ping probes the wrapped sink.
func (m *Monitor) Ping(ctx context.Context) error {
	return m.sink.Ping(ctx)
}

// Close stops the monitor and closes the wrapped sink. Buffered events
// that never drained are discarded.
func (m *Monitor) Close() error {
	m.Stop()
	return m.sink.Close()
}

// Healthy reports the current connection state.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unhealthy
}

// BufferedCount reports how many events are waiting for recovery.
func (m *Monitor) BufferedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// probe runs one health check cycle.
func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PingInterval)
	err := m.sink.Ping(ctx)
	cancel()

	m.mu.Lock()
	if err != nil {
		m.failures++
		if !m.unhealthy && m.failures >= m.cfg.FailureThreshold {
			m.markUnhealthyLocked()
		}
		m.mu.Unlock()
		return
	}

	m.failures = 0
	if !m.unhealthy {
		m.mu.Unlock()
		return
	}

	// Recovered. Drain the ring in order before accepting live traffic.
	buffered := m.drainLocked()
	m.unhealthy = false
	m.mu.Unlock()

	if len(buffered) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PingInterval)
		err := m.sink.PublishBatch(ctx, buffered)
		cancel()
		if err != nil {
			m.logger.Error("drain after reconnect failed", "events", len(buffered), "error", err)
			m.mu.Lock()
			m.markUnhealthyLocked()
			m.buffer(buffered)
			m.mu.Unlock()
			return
		}
	}

	m.logger.Info("event sink recovered", "drained", len(buffered))
	if m.cfg.OnReconnect != nil {
		m.cfg.OnReconnect()
	}
}

func (m *Monitor) markUnhealthyLocked() {
	if !m.unhealthy {
		m.unhealthy = true
		m.logger.Warn("event sink unhealthy, buffering",
			"failures", m.failures, "capacity", m.cfg.BufferCapacity)
	}
}

// buffer appends events to the ring, evicting the oldest on overflow.
func (m *Monitor) buffer(batch []Event) {
	for _, e := range batch {
		if m.count == len(m.ring) {
			m.start = (m.start + 1) % len(m.ring)
			m.count--
		}
		m.ring[(m.start+m.count)%len(m.ring)] = e
		m.count++
	}
}

// drainLocked removes and returns all buffered events in order.
func (m *Monitor) drainLocked() []Event {
	if m.count == 0 {
		return nil
	}
	out := make([]Event, 0, m.count)
	for i := 0; i < m.count; i++ {
		out = append(out, m.ring[(m.start+i)%len(m.ring)])
	}
	m.start = 0
	m.count = 0
	return out
}
