package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is one entry of the build event stream.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source names the publishing component.
	Source string `json:"source"`

	BuildID  string `json:"build_id,omitempty"`
	Play     string `json:"play,omitempty"`
	Host     string `json:"host,omitempty"`
	Task     string `json:"task,omitempty"`
	Resource string `json:"resource,omitempty"`

	Message string `json:"message"`

	// Level is info, warning or error.
	Level string `json:"level"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event levels, lowest first.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// EventSubscriber handles events. In async mode subscribers are called one
// event at a time in publish order.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher fans events out to subscribers. A nil publisher and a
// disabled one accept and drop everything.
type EventPublisher struct {
	config EventsConfig
	queue  chan Event
	stop   chan struct{}
	done   chan struct{}

	mu      sync.RWMutex
	subs    map[uint64]subscription
	nextID  uint64
	filters []EventFilter

	stopOnce sync.Once
	dropped  atomic.Int64
}

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// NewEventPublisher creates a publisher. Async publishers start their
// delivery goroutine here.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	p := &EventPublisher{config: cfg, subs: make(map[uint64]subscription)}
	if !cfg.Enabled {
		return p, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("event buffer size must be positive, got: %d", cfg.BufferSize)
	}

	p.stop = make(chan struct{})
	if cfg.EnableAsync {
		p.queue = make(chan Event, cfg.BufferSize)
		p.done = make(chan struct{})
		go p.loop()
	}
	return p, nil
}

func (p *EventPublisher) active() bool { return p != nil && p.config.Enabled }

// Publish stamps event and hands it to every matching subscriber. In async
// mode a full buffer drops the event and reports it.
func (p *EventPublisher) Publish(event Event) error {
	if !p.active() {
		return nil
	}
	select {
	case <-p.stop:
		return ErrPublisherStopped
	default:
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if !p.admit(event) {
		return nil
	}

	if p.queue == nil {
		p.deliver(event)
		return nil
	}
	select {
	case p.queue <- event:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("event buffer full, %s dropped", event.Type)
	}
}

func (p *EventPublisher) admit(event Event) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, f := range p.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

// Subscribe registers fn for events accepted by filter, or for every event
// when filter is nil. The returned function removes the subscription.
func (p *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) (unsubscribe func()) {
	if p == nil {
		return func() {}
	}
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = subscription{fn: fn, filter: filter}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// AddFilter adds a filter every published event must pass.
func (p *EventPublisher) AddFilter(filter EventFilter) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, filter)
}

// Dropped returns how many events a full buffer has discarded.
func (p *EventPublisher) Dropped() int64 {
	if p == nil {
		return 0
	}
	return p.dropped.Load()
}

func (p *EventPublisher) loop() {
	defer close(p.done)
	for {
		select {
		case event := <-p.queue:
			p.deliver(event)
		case <-p.stop:
			for {
				select {
				case event := <-p.queue:
					p.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (p *EventPublisher) deliver(event Event) {
	p.mu.RLock()
	subs := make([]subscription, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.RUnlock()

	for _, s := range subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits until the buffered ones are
// delivered or ctx ends.
func (p *EventPublisher) Shutdown(ctx context.Context) error {
	if !p.active() {
		return nil
	}
	p.stopOnce.Do(func() { close(p.stop) })
	if p.done == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// FilterByLevel allows events of minLevel or higher.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event Event) bool {
		return levelRank[event.Level] >= floor
	}
}

// FilterByType allows events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterByBuild allows events of one build.
func FilterByBuild(buildID string) EventFilter {
	return func(event Event) bool {
		return event.BuildID == buildID
	}
}

// AnyOf allows events accepted by at least one of filters.
func AnyOf(filters ...EventFilter) EventFilter {
	return func(event Event) bool {
		for _, f := range filters {
			if f(event) {
				return true
			}
		}
		return false
	}
}
