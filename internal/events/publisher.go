package events

import (
	"context"
	"sync"
)

// GlobalTaskID subscribes to events for all tasks.
const GlobalTaskID = "*"

// Publisher is the in-process subscription surface the web layer and
// tests consume.
type Publisher interface {
	// Publish sends an event to all subscribers of its task.
	Publish(event Event)
	// Subscribe returns a channel receiving events for the given task.
	// GlobalTaskID ("*") receives events for all tasks.
	Subscribe(taskID string) <-chan Event
	// Unsubscribe removes a subscription channel.
	Unsubscribe(taskID string, ch <-chan Event)
	// Close shuts down the publisher and all subscriptions.
	Close()
}

// MemoryPublisher is an in-memory Publisher. Delivery is non-blocking;
// subscribers with full buffers miss events rather than stalling the
// pipeline.
type MemoryPublisher struct {
	subscribers map[string][]chan Event
	mu          sync.RWMutex
	bufferSize  int
	closed      bool
}

// PublisherOption configures a MemoryPublisher.
type PublisherOption func(*MemoryPublisher)

// WithBufferSize sets the per-subscriber channel buffer size.
func WithBufferSize(size int) PublisherOption {
	return func(p *MemoryPublisher) {
		p.bufferSize = size
	}
}

// NewMemoryPublisher creates an in-memory publisher.
func NewMemoryPublisher(opts ...PublisherOption) *MemoryPublisher {
	p := &MemoryPublisher{
		subscribers: make(map[string][]chan Event),
		bufferSize:  100,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish sends an event to task-specific and global subscribers.
func (p *MemoryPublisher) Publish(event Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers[event.TaskID] {
		select {
		case ch <- event:
		default:
		}
	}

	if event.TaskID != GlobalTaskID {
		for _, ch := range p.subscribers[GlobalTaskID] {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

// Subscribe returns a channel receiving events for the given task.
func (p *MemoryPublisher) Subscribe(taskID string) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	ch := make(chan Event, p.bufferSize)
	p.subscribers[taskID] = append(p.subscribers[taskID], ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (p *MemoryPublisher) Unsubscribe(taskID string, ch <-chan Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	subs := p.subscribers[taskID]
	for i, sub := range subs {
		if sub == ch {
			p.subscribers[taskID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(p.subscribers[taskID]) == 0 {
		delete(p.subscribers, taskID)
	}
}

// Close shuts down the publisher and closes all subscription channels.
func (p *MemoryPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for taskID, subs := range p.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(p.subscribers, taskID)
	}
}

// SubscriberCount returns the number of subscribers for a task.
func (p *MemoryPublisher) SubscriberCount(taskID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subscribers[taskID])
}

// Sink is a delivery channel for validated event batches. The emitter
// writes batches; the monitor pings it to track connection health.
type Sink interface {
	PublishBatch(ctx context.Context, batch []Event) error
	Ping(ctx context.Context) error
	Close() error
}

// MemorySink adapts a Publisher into a Sink.
type MemorySink struct {
	pub Publisher
}

// NewMemorySink wraps a publisher as an always-healthy sink.
func NewMemorySink(pub Publisher) *MemorySink {
	return &MemorySink{pub: pub}
}

// PublishBatch fans the batch out to the publisher's subscribers.
func (s *MemorySink) PublishBatch(_ context.Context, batch []Event) error {
	for _, e := range batch {
		s.pub.Publish(e)
	}
	return nil
}

// Ping always succeeds.
func (s *MemorySink) Ping(context.Context) error { return nil }

// Close shuts down the wrapped publisher.
func (s *MemorySink) Close() error {
	s.pub.Close()
	return nil
}

// NopPublisher is a no-op Publisher for tests and disabled events.
type NopPublisher struct{}

// NewNopPublisher creates a no-op publisher.
func NewNopPublisher() *NopPublisher { return &NopPublisher{} }

// Publish does nothing.
func (p *NopPublisher) Publish(Event) {}

// Subscribe returns a closed channel.
func (p *NopPublisher) Subscribe(string) <-chan Event {
	ch := make(chan Event)
	close(ch)
	return ch
}

// Unsubscribe does nothing.
func (p *NopPublisher) Unsubscribe(string, <-chan Event) {}

// Close does nothing.
func (p *NopPublisher) Close() {}
