package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blockflow/blockflow/pkg/engine"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned by Publish when the async buffer has no room.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// EventSubscriber is a function that handles events.
type EventSubscriber func(event engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event engine.Event) bool

// EventPublisher fans engine events out to subscribers. Subscribers are
// called one event at a time in both sync and async mode, so they must not
// publish from inside the callback. Async mode also keeps publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	dropped     atomic.Uint64
	wg          sync.WaitGroup
	mu          sync.RWMutex
	deliverMu   sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.EnableAsync && cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event engine.Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.ctx.Err() != nil {
		return ErrPublisherStopped
	}

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return ErrPublisherStopped
		default:
			ep.dropped.Add(1)
			return ErrBufferFull
		}
	}

	ep.deliverEvent(event)
	return nil
}

// OnEvent implements engine.EventSink. Failed publishes show up in Dropped.
func (ep *EventPublisher) OnEvent(event engine.Event) {
	if err := ep.Publish(event); err != nil && !errors.Is(err, ErrBufferFull) {
		ep.dropped.Add(1)
	}
}

// Dropped returns the number of events that never reached subscribers.
func (ep *EventPublisher) Dropped() uint64 {
	return ep.dropped.Load()
}

// Subscribe adds a new event subscriber. A nil filter accepts everything.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// SubscribeSink subscribes an engine.EventSink.
func (ep *EventPublisher) SubscribeSink(sink engine.EventSink, filter EventFilter) {
	ep.Subscribe(sink.OnEvent, filter)
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer in order, flushing full batches right away
// and partial ones on every FlushInterval tick.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]engine.Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		ep.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}

		case <-ep.ctx.Done():
			// Deliver whatever is still queued before shutting down
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []engine.Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers. Deliveries from
// concurrent sync publishers are serialized.
func (ep *EventPublisher) deliverEvent(event engine.Event) {
	ep.mu.RLock()
	subscribers := ep.subscribers
	ep.mu.RUnlock()

	ep.deliverMu.Lock()
	defer ep.deliverMu.Unlock()

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits until queued ones are delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event engine.Event) bool {
		return event.RunID == runID
	}
}

// FilterByOrigin creates a filter that only allows failures of one origin.
func FilterByOrigin(origin engine.Origin) EventFilter {
	return func(event engine.Event) bool {
		return event.Origin == origin
	}
}

// FilterFailures allows only failure events.
func FilterFailures() EventFilter {
	return func(event engine.Event) bool {
		return event.Type.IsFailure()
	}
}

// AllOf combines filters; every one must accept the event.
func AllOf(filters ...EventFilter) EventFilter {
	return func(event engine.Event) bool {
		for _, f := range filters {
			if f != nil && !f(event) {
				return false
			}
		}
		return true
	}
}
