package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// EmitterConfig tunes validation-passed event delivery.
type EmitterConfig struct {
	// RatePerSecond and RatePerMinute bound the global emission rate.
	// Zero disables the corresponding bucket.
	RatePerSecond int
	RatePerMinute int
	// BatchSize is the max events per delivered batch.
	BatchSize int
	// BatchMaxAge is how long a partial batch may wait before delivery.
	BatchMaxAge time.Duration
}

// Emitter is the pipeline's write side of the event bus: it validates,
// rate-limits, and batches events before handing them to a sink. Safe
// for concurrent use.
type Emitter struct {
	sink   Sink
	cfg    EmitterConfig
	logger *slog.Logger

	secLimiter *rate.Limiter
	minLimiter *rate.Limiter

	mu     sync.Mutex
	batch  []Event
	timer  *time.Timer
	closed bool

	invalidCount atomic.Int64
	droppedCount atomic.Int64
}

// NewEmitter creates an emitter delivering to sink.
func NewEmitter(sink Sink, cfg EmitterConfig, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchMaxAge <= 0 {
		cfg.BatchMaxAge = 250 * time.Millisecond
	}
	e := &Emitter{sink: sink, cfg: cfg, logger: logger}
	if cfg.RatePerSecond > 0 {
		e.secLimiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond)
	}
	if cfg.RatePerMinute > 0 {
		e.minLimiter = rate.NewLimiter(rate.Limit(cfg.RatePerMinute)/60, cfg.RatePerMinute)
	}
	return e
}

// Emit validates and enqueues one event. Invalid events are counted and
// returned as errors, never delivered. Events over the rate quota are
// counted and dropped silently.
func (e *Emitter) Emit(event Event) error {
	if d, ok := event.Data.(LogMessage); ok && len(d.Message) > MaxLogMessageLen {
		event.Data = NewLogMessage(d.Level, d.Message)
	}

	if err := Validate(event); err != nil {
		e.invalidCount.Add(1)
		e.logger.Warn("rejected invalid event", "type", event.Type, "error", err)
		return err
	}

	if (e.secLimiter != nil && !e.secLimiter.Allow()) ||
		(e.minLimiter != nil && !e.minLimiter.Allow()) {
		e.droppedCount.Add(1)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}

	e.batch = append(e.batch, event)
	if len(e.batch) >= e.cfg.BatchSize {
		e.flushLocked()
		return nil
	}
	if len(e.batch) == 1 {
		e.timer = time.AfterFunc(e.cfg.BatchMaxAge, e.Flush)
	}
	return nil
}

// Flush delivers any pending partial batch immediately.
func (e *Emitter) Flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flushLocked()
}

func (e *Emitter) flushLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if len(e.batch) == 0 {
		return
	}
	batch := e.batch
	e.batch = nil
	if err := e.sink.PublishBatch(context.Background(), batch); err != nil {
		e.logger.Error("event batch delivery failed", "events", len(batch), "error", err)
	}
}

// Close flushes pending events and shuts down the sink.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.flushLocked()
	e.closed = true
	e.mu.Unlock()
	return e.sink.Close()
}

// InvalidCount reports how many events failed validation.
func (e *Emitter) InvalidCount() int64 { return e.invalidCount.Load() }

// DroppedCount reports how many events were dropped by rate limiting.
func (e *Emitter) DroppedCount() int64 { return e.droppedCount.Load() }

// Log emits a log_message event.
func (e *Emitter) Log(taskID, level, message string) {
	_ = e.Emit(NewEvent(EventLogMessage, taskID, NewLogMessage(level, message)))
}

// Phase emits a phase_update event.
func (e *Emitter) Phase(taskID string, update PhaseUpdate) {
	_ = e.Emit(NewEvent(EventPhaseUpdate, taskID, update))
}

// Progress emits a progress_update event.
func (e *Emitter) Progress(taskID string, processed, total int) {
	_ = e.Emit(NewEvent(EventProgressUpdate, taskID, NewProgressUpdate(processed, total)))
}

// Task emits a task_status event.
func (e *Emitter) Task(status TaskStatus) {
	_ = e.Emit(NewEvent(EventTaskStatus, status.TaskID, status))
}
