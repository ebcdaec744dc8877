// Package bus implements the in-process event bus. Publish fans out to
// subscribers synchronously in publication order; subscriber failures
// never reach the publisher.
package bus

import (
	"fmt"
	"sync"
	"time"

	"llmos/internal/logging"
)

// Kind identifies an event topic.
type Kind string

const (
	TaskStarted    Kind = "TASK_STARTED"
	TaskCompleted  Kind = "TASK_COMPLETED"
	StepStarted    Kind = "STEP_STARTED"
	StepDone       Kind = "STEP_DONE"
	AgentActivity  Kind = "AGENT_ACTIVITY"
	BudgetExceeded Kind = "BUDGET_EXCEEDED"
)

// Event is a single bus message.
type Event struct {
	Kind      Kind
	RunID     string
	Goal      string
	Mode      string
	Agent     string
	Payload   map[string]interface{}
	Timestamp time.Time
}

// Handler receives published events. Handlers run in the publisher's
// goroutine, so they must be fast and must not block.
type Handler func(Event)

// Bus is a thread-safe in-memory pub/sub. The zero value is not usable;
// call New.
type Bus struct {
	mu          sync.RWMutex
	subscribers []*Subscription
	closed      bool
}

// Subscription is a handle for unregistering a handler.
type Subscription struct {
	bus     *Bus
	handler Handler
	kinds   map[Kind]bool // empty means all kinds
	once    sync.Once
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Subscribe registers a handler for the given kinds. No kinds means all
// events. Returns a Subscription; Close it to stop receiving.
func (b *Bus) Subscribe(handler Handler, kinds ...Kind) *Subscription {
	s := &Subscription{
		bus:     b,
		handler: handler,
		kinds:   make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return s
	}
	b.subscribers = append(b.subscribers, s)
	return s
}

// Publish delivers the event to matching subscribers in subscription
// order. Fire-and-forget: a panicking handler is logged and skipped.
// Stamps Timestamp if unset.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	logging.EventsDebug("publish %s run=%s mode=%s", evt.Kind, evt.RunID, evt.Mode)

	for _, s := range subs {
		if len(s.kinds) > 0 && !s.kinds[evt.Kind] {
			continue
		}
		deliver(s, evt)
	}
}

func deliver(s *Subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryEvents).Error("subscriber panic on %s: %v", evt.Kind, r)
		}
	}()
	s.handler(evt)
}

// Close removes the subscription. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, sub := range s.bus.subscribers {
			if sub == s {
				s.bus.subscribers = append(s.bus.subscribers[:i], s.bus.subscribers[i+1:]...)
				break
			}
		}
	})
}

// Close shuts the bus down. Subsequent Publish and Subscribe calls are
// no-ops. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subscribers = nil
}

// Collector accumulates events for inspection, mainly in tests.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

// NewCollector subscribes a fresh collector to the bus for the given kinds.
func NewCollector(b *Bus, kinds ...Kind) *Collector {
	c := &Collector{}
	b.Subscribe(c.record, kinds...)
	return c
}

func (c *Collector) record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

// Events returns a snapshot of everything collected so far.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Kinds returns just the kinds, in arrival order.
func (c *Collector) Kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Kind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

// String summarizes the collector contents for diagnostics.
func (c *Collector) String() string {
	return fmt.Sprintf("Collector(%d events)", len(c.Events()))
}
