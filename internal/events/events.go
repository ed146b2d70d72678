// Package events provides the in-process event bus used by the ingest and
// encoding modules to announce lifecycle changes.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

// EventType represents the type of event
type EventType string

const (
	// Upload events
	EventUploadChunkReceived EventType = "upload.chunk.received"
	EventUploadCompleted     EventType = "upload.completed"

	// Encoding events
	EventJobQueued    EventType = "encoding.job.queued"
	EventJobStarted   EventType = "encoding.job.started"
	EventJobCompleted EventType = "encoding.job.completed"
	EventJobFailed    EventType = "encoding.job.failed"

	// Video events
	EventVideoCompleted EventType = "video.completed"
	EventVideoFailed    EventType = "video.failed"
	EventVideoDeleted   EventType = "video.deleted"

	// System events
	EventSystemStarted EventType = "system.started"
	EventSystemStopped EventType = "system.stopped"
)

// Event represents a system event
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewEvent creates a new event with an ID and timestamp assigned.
func NewEvent(eventType EventType, source, title, message string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Handler handles a published event.
type Handler func(event Event)

// EventBus defines the interface for the event bus system
type EventBus interface {
	// PublishAsync publishes an event without blocking the caller. Events
	// are dropped (and counted) when the buffer is full.
	PublishAsync(event Event) error

	// Subscribe registers a handler for the given event types. Subscribing
	// with no types receives everything.
	Subscribe(handler Handler, types ...EventType) string

	// Unsubscribe removes a subscription.
	Unsubscribe(id string)

	// Start starts the dispatch loop.
	Start(ctx context.Context) error

	// Stop drains and stops the bus.
	Stop(ctx context.Context) error
}

type subscription struct {
	id      string
	types   map[EventType]bool
	handler Handler
}

type eventBus struct {
	logger hclog.Logger

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	ch            chan Event
	running       bool
	dropped       int64
	wg            sync.WaitGroup
}

// NewEventBus creates a new event bus with the given buffer size.
func NewEventBus(logger hclog.Logger, bufferSize int) EventBus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &eventBus{
		logger:        logger.Named("events"),
		subscriptions: make(map[string]*subscription),
		ch:            make(chan Event, bufferSize),
	}
}

func (eb *eventBus) Start(ctx context.Context) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.running {
		return fmt.Errorf("event bus is already running")
	}
	eb.running = true

	eb.wg.Add(1)
	go eb.dispatch()

	eb.logger.Info("event bus started", "buffer_size", cap(eb.ch))
	return nil
}

func (eb *eventBus) Stop(ctx context.Context) error {
	eb.mu.Lock()
	if !eb.running {
		eb.mu.Unlock()
		return nil
	}
	eb.running = false
	// Closing under the write lock excludes publishers, who hold the read
	// lock from the running check through their send.
	close(eb.ch)
	eb.mu.Unlock()

	done := make(chan struct{})
	go func() {
		eb.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		eb.logger.Info("event bus stopped", "dropped", atomic.LoadInt64(&eb.dropped))
		return nil
	case <-ctx.Done():
		eb.logger.Warn("event bus stop timed out")
		return ctx.Err()
	}
}

func (eb *eventBus) PublishAsync(event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// The read lock is held across the send so Stop cannot close the
	// channel between the running check and the send. The send never
	// blocks, so the lock is held only briefly.
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if !eb.running {
		return fmt.Errorf("event bus is not running")
	}

	select {
	case eb.ch <- event:
		return nil
	default:
		atomic.AddInt64(&eb.dropped, 1)
		eb.logger.Warn("event buffer full, dropping event", "type", event.Type)
		return nil
	}
}

func (eb *eventBus) Subscribe(handler Handler, types ...EventType) string {
	sub := &subscription{
		id:      uuid.New().String(),
		types:   make(map[EventType]bool, len(types)),
		handler: handler,
	}
	for _, t := range types {
		sub.types[t] = true
	}

	eb.mu.Lock()
	eb.subscriptions[sub.id] = sub
	eb.mu.Unlock()
	return sub.id
}

func (eb *eventBus) Unsubscribe(id string) {
	eb.mu.Lock()
	delete(eb.subscriptions, id)
	eb.mu.Unlock()
}

func (eb *eventBus) dispatch() {
	defer eb.wg.Done()

	for event := range eb.ch {
		eb.mu.RLock()
		subs := make([]*subscription, 0, len(eb.subscriptions))
		for _, sub := range eb.subscriptions {
			if len(sub.types) == 0 || sub.types[event.Type] {
				subs = append(subs, sub)
			}
		}
		eb.mu.RUnlock()

		for _, sub := range subs {
			func() {
				defer func() {
					if r := recover(); r != nil {
						eb.logger.Error("event handler panicked", "type", event.Type, "panic", r)
					}
				}()
				sub.handler(event)
			}()
		}
	}
}
