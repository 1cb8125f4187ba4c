// Package eventbus provides the in-process pub/sub hub for mayor. It
// supports both callback subscribers (invoked inline on every emit) and
// bounded stream subscribers (buffered channels with drop-oldest
// backpressure) so slow consumers never block the orchestration path.
package eventbus

import (
	"log"
	"sync"
	"time"

	"github.com/beadworks/mayor/internal/metrics"
)

// Event types published on the bus.
const (
	EventBoardUpdate   = "board:update"
	EventChatMessage   = "chat:message"
	EventChatStream    = "chat:stream"
	EventChatStreamEnd = "chat:stream:end"
	EventTaskCreated   = "task:created"
	EventTaskMoved     = "task:moved"
	EventTaskDeleted   = "task:deleted"
	EventTaskProgress  = "task:progress"
	EventAgentStatus   = "agent:status"
	EventLogsNew       = "logs:new"
	EventSystemHealth  = "system:health"
	EventWorkerOutput  = "claude:output"
	EventWorkerDone    = "claude:done"
	EventWorkerError   = "claude:error"
	EventKeepAlive     = "keepalive"
)

// streamCapacity is the fixed buffer size of every stream subscriber.
const streamCapacity = 100

// keepAliveInterval is how often idle streams receive a heartbeat event.
const keepAliveInterval = 15 * time.Second

// Event is the unit published on the bus.
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// NewEvent builds an event stamped with the current time in ISO-8601.
func NewEvent(eventType string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Callback is invoked synchronously for every published event. Callbacks
// must be fast; anything slow should use a Stream instead.
type Callback func(Event)

// Stream is a bounded subscriber. When its buffer is full the oldest
// buffered event is dropped to make room for the newest.
type Stream struct {
	bus    *Bus
	ch     chan Event
	types  map[string]bool // nil means all types
	closed bool
	mu     sync.Mutex
}

// subscription is a registered callback, optionally keyed to one type.
type subscription struct {
	eventType string // "" matches every type
	cb        Callback
}

// Bus fans events out to callbacks and streams.
type Bus struct {
	mu        sync.RWMutex
	callbacks map[int]subscription
	streams   map[*Stream]bool
	nextID    int

	dropped  uint64
	emitted  uint64
	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a bus and starts its keep-alive ticker.
func New() *Bus {
	b := &Bus{
		callbacks: make(map[int]subscription),
		streams:   make(map[*Stream]bool),
		stop:      make(chan struct{}),
	}
	go b.keepAliveLoop()
	return b
}

// Subscribe registers a callback for one event type ("" subscribes to
// every type) and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType string, cb Callback) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.callbacks[id] = subscription{eventType: eventType, cb: cb}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.callbacks, id)
		b.mu.Unlock()
	}
}

// SubscribeStream registers a bounded stream subscriber. If eventTypes is
// empty the stream receives every event.
func (b *Bus) SubscribeStream(eventTypes ...string) *Stream {
	s := &Stream{
		bus: b,
		ch:  make(chan Event, streamCapacity),
	}
	if len(eventTypes) > 0 {
		s.types = make(map[string]bool, len(eventTypes))
		for _, t := range eventTypes {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.streams[s] = true
	b.mu.Unlock()
	return s
}

// Emit publishes an event to all subscribers. Callback invocation happens
// outside the bus lock against a snapshot, so callbacks may publish or
// subscribe without deadlocking.
func (b *Bus) Emit(eventType string, data interface{}) {
	b.publish(NewEvent(eventType, data))
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	b.emitted++
	cbs := make([]subscription, 0, len(b.callbacks))
	for _, sub := range b.callbacks {
		cbs = append(cbs, sub)
	}
	streams := make([]*Stream, 0, len(b.streams))
	for s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, sub := range cbs {
		if sub.eventType == "" || sub.eventType == ev.Type {
			invoke(sub.cb, ev)
		}
	}
	for _, s := range streams {
		if s.wants(ev.Type) {
			if s.push(ev) {
				metrics.EventBusDropped.Inc()
				b.mu.Lock()
				b.dropped++
				b.mu.Unlock()
			}
		}
	}
}

// invoke runs a callback, recovering panics so one bad subscriber
// cannot take the emitter down.
func invoke(cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[EventBus] subscriber panic on %s: %v", ev.Type, r)
		}
	}()
	cb(ev)
}

// Stats returns counters for emitted events and drop-oldest evictions.
func (b *Bus) Stats() (emitted, dropped uint64, subscribers int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.emitted, b.dropped, len(b.callbacks) + len(b.streams)
}

// Close stops the keep-alive loop and closes every stream.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.stop)
	})

	b.mu.Lock()
	streams := make([]*Stream, 0, len(b.streams))
	for s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
}

// keepAliveLoop pushes a heartbeat to every stream on a fixed cadence so
// transports like SSE can detect dead connections.
func (b *Bus) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.publish(NewEvent(EventKeepAlive, nil))
		}
	}
}

func (s *Stream) wants(eventType string) bool {
	if s.types == nil {
		return true
	}
	if eventType == EventKeepAlive {
		return true
	}
	return s.types[eventType]
}

// push enqueues ev, evicting the oldest buffered event when full.
// It reports whether an eviction happened.
func (s *Stream) push(ev Event) (droppedOldest bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- ev:
			return droppedOldest
		default:
		}
		select {
		case old := <-s.ch:
			droppedOldest = true
			log.Printf("[EventBus] stream full, dropping oldest event type=%s", old.Type)
		default:
		}
	}
}

// Next blocks until an event arrives, the timeout elapses, or the stream is
// closed. ok is false on timeout or close.
func (s *Stream) Next(timeout time.Duration) (Event, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev, open := <-s.ch:
		if !open {
			return Event{}, false
		}
		return ev, true
	case <-timer.C:
		return Event{}, false
	}
}

// Chan exposes the stream's receive channel for select loops.
func (s *Stream) Chan() <-chan Event {
	return s.ch
}

// Close unsubscribes the stream and closes its channel. Safe to call twice.
func (s *Stream) Close() {
	s.bus.mu.Lock()
	delete(s.bus.streams, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
