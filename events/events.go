package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// AllEvents subscribes a handler to every event type.
const AllEvents = "*"

// Defaults for NewEventBus.
const (
	DefaultBufferSize     = 100
	DefaultHandlerTimeout = 5 * time.Second
)

// Event represents a workflow event.
type Event struct {
	Type   string                 // e.g. "state_changed", "pending_approval", "workflow_suspended"
	TaskID string                 // Task the event belongs to
	Data   map[string]interface{} // Additional event data
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus delivers events to subscribers on a single background goroutine,
// so the events of one task reach a handler in publish order.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscription
	nextID   uint64

	eventCh        chan Event
	handlerTimeout time.Duration
	logger         *slog.Logger
	errHandler     func(event Event, err error)

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size >= 0 {
			eb.eventCh = make(chan Event, size)
		}
	}
}

// WithErrorHandler replaces the logging of asynchronous handler errors.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used for handler errors.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// WithHandlerTimeout bounds a single handler call.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.handlerTimeout = d
		}
	}
}

// NewEventBus creates an EventBus and starts its delivery goroutine.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:       make(map[string][]subscription),
		eventCh:        make(chan Event, DefaultBufferSize),
		handlerTimeout: DefaultHandlerTimeout,
		logger:         slog.Default(),
	}
	for _, option := range options {
		option(eb)
	}
	if eb.errHandler == nil {
		eb.errHandler = eb.logError
	}

	eb.wg.Add(1)
	go eb.processEvents()
	return eb
}

// Subscribe registers handler for eventType, or for every type with
// AllEvents. The returned func removes the subscription.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.nextID++
	id := eb.nextID
	eb.handlers[eventType] = append(eb.handlers[eventType], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { eb.remove(eventType, id) })
	}
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) (unsubscribe func()) {
	return eb.Subscribe(eventType, EventHandlerFunc(fn))
}

func (eb *EventBus) remove(eventType string, id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i, sub := range subs {
		if sub.id != id {
			continue
		}
		// keep subscription order
		rest := make([]subscription, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(eb.handlers, eventType)
		} else {
			eb.handlers[eventType] = rest
		}
		return
	}
}

// HasSubscribers reports whether an event of eventType would reach a handler.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	return len(eb.handlersFor(eventType)) > 0
}

// handlersFor returns the type-specific handlers followed by the wildcard ones.
func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []EventHandler
	for _, sub := range eb.handlers[eventType] {
		out = append(out, sub.handler)
	}
	if eventType != AllEvents {
		for _, sub := range eb.handlers[AllEvents] {
			out = append(out, sub.handler)
		}
	}
	return out
}

// Publish queues an event for asynchronous delivery. It never blocks: a full
// buffer yields ErrChannelFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Hold the close lock until the send so Stop cannot close the channel underneath us.
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// Stop discards queued events, stops the delivery goroutine and waits for it.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		for _, err := range eb.deliver(context.Background(), eb.handlersFor(event.Type), event) {
			eb.errHandler(event, err)
		}
	}
}

// deliver calls each handler in subscription order.
func (eb *EventBus) deliver(ctx context.Context, handlers []EventHandler, event Event) []error {
	var errs []error
	for _, h := range handlers {
		if err := eb.call(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (eb *EventBus) call(ctx context.Context, h EventHandler, event Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, eb.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("error handling event",
		slog.String("event", event.Type),
		slog.String("task_id", event.TaskID),
		slog.Any("error", err))
}
