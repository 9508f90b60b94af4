package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zeusync/syncmesh/internal/core/events"
	"github.com/zeusync/syncmesh/internal/core/observability/log"
)

var ErrBusClosed = errors.New("bus: closed")

// subscription implements Subscription for handlers and streams.
type subscription struct {
	id      string
	kind    events.Kind
	handler EventHandler
	stream  chan events.Event
	mu      sync.Mutex
	active  bool
	cancel  func()
}

func (s *subscription) ID() string        { return s.id }
func (s *subscription) Kind() events.Kind { return s.kind }

func (s *subscription) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *subscription) Cancel() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// inMemoryBus serializes deliveries through a queue drained by whichever
// publisher arrives first, which gives one total order to every subscriber.
type inMemoryBus struct {
	mu sync.RWMutex
	// handlers: kind -> subID -> subscription; kind "" holds all-kind handlers
	handlers  map[events.Kind]map[string]*subscription
	streams   map[string]*subscription
	metrics   EventBusMetrics
	observers map[EventBusObserver]struct{}
	closed    bool
	logger    log.Log

	qmu      sync.Mutex
	queue    []events.Event
	draining bool
}

// New creates a new EventBus instance.
func New(logger log.Log) EventBus {
	return &inMemoryBus{
		handlers:  make(map[events.Kind]map[string]*subscription),
		streams:   make(map[string]*subscription),
		observers: make(map[EventBusObserver]struct{}),
		logger:    logger.With(log.String("component", "event_bus")),
	}
}

func (b *inMemoryBus) Publish(event events.Event) {
	if event == nil {
		return
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	b.qmu.Lock()
	b.queue = append(b.queue, event)
	if b.draining {
		b.qmu.Unlock()
		return
	}
	b.draining = true
	b.qmu.Unlock()

	for {
		b.qmu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.qmu.Unlock()
			return
		}
		next := b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		b.deliver(next)
	}
}

func (b *inMemoryBus) Subscribe(kind events.Kind, handler EventHandler) (Subscription, error) {
	if kind == "" {
		return nil, errors.New("bus: empty event kind, use SubscribeAll")
	}
	return b.subscribe(kind, handler)
}

func (b *inMemoryBus) SubscribeAll(handler EventHandler) (Subscription, error) {
	return b.subscribe("", handler)
}

func (b *inMemoryBus) subscribe(kind events.Kind, handler EventHandler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[string]*subscription)
	}
	id := uuid.NewString()
	s := &subscription{id: id, kind: kind, handler: handler, active: true}
	s.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if mm, ok := b.handlers[kind]; ok {
			delete(mm, id)
		}
	}
	b.handlers[kind][id] = s
	return s, nil
}

func (b *inMemoryBus) Stream(buffer int) (<-chan events.Event, Subscription) {
	if buffer < 1 {
		buffer = 1
	}
	id := uuid.NewString()
	s := &subscription{id: id, stream: make(chan events.Event, buffer), active: true}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.active = false
		close(s.stream)
		return s.stream, s
	}
	s.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.streams[id]; ok {
			delete(b.streams, id)
			close(s.stream)
		}
	}
	b.streams[id] = s
	return s.stream, s
}

func (b *inMemoryBus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (b *inMemoryBus) AddObserver(obs EventBusObserver) {
	b.mu.Lock()
	b.observers[obs] = struct{}{}
	b.mu.Unlock()
}

func (b *inMemoryBus) RemoveObserver(obs EventBusObserver) {
	b.mu.Lock()
	delete(b.observers, obs)
	b.mu.Unlock()
}

func (b *inMemoryBus) GetMetrics() EventBusMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

func (b *inMemoryBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.streams {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
		close(s.stream)
	}
	b.streams = make(map[string]*subscription)
	for _, m := range b.handlers {
		for _, s := range m {
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
		}
	}
	b.handlers = make(map[events.Kind]map[string]*subscription)
	b.mu.Unlock()
}

func (b *inMemoryBus) deliver(event events.Event) {
	start := time.Now()
	kind := event.Kind()

	b.mu.RLock()
	var subs []*subscription
	for _, key := range []events.Kind{kind, ""} {
		for _, s := range b.handlers[key] {
			subs = append(subs, s)
		}
	}
	observers := make([]EventBusObserver, 0, len(b.observers))
	for obs := range b.observers {
		observers = append(observers, obs)
	}
	dropped := 0
	for _, s := range b.streams {
		select {
		case s.stream <- event:
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	if dropped > 0 {
		b.mu.Lock()
		b.metrics.DroppedSlowStreams += uint64(dropped)
		b.mu.Unlock()
		b.logger.Warn("Event dropped for slow stream consumers",
			log.String("kind", string(kind)),
			log.Int("streams", dropped))
	}

	for _, obs := range observers {
		obs.OnPublish(kind, event)
	}

	var all error
	for _, s := range subs {
		if !s.IsActive() {
			continue
		}
		if err := s.handler(event); err != nil {
			all = errors.Join(all, err)
		}
	}
	if all != nil {
		b.logger.Warn("Event handler failed", log.String("kind", string(kind)), log.Error(all))
	}

	if len(observers) > 0 {
		dur := time.Since(start).Microseconds()
		for _, obs := range observers {
			obs.OnDelivered(kind, len(subs), all, dur)
		}
	}

	b.mu.Lock()
	b.metrics.Published++
	b.metrics.DeliveredHandlers += uint64(len(subs))
	if all != nil {
		b.metrics.Errors++
	}
	var active uint64
	for _, m := range b.handlers {
		active += uint64(len(m))
	}
	b.metrics.SubscribersActive = active + uint64(len(b.streams))
	b.mu.Unlock()
}
