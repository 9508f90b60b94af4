package bus

import (
	"github.com/zeusync/syncmesh/internal/core/events"
)

// EventBus is the single ordered event stream of a coordination session.
//
// Key characteristics:
// - Total order: every subscriber observes events in the order Publish accepted them.
// - Kind-based fan-out: handlers subscribe by events.Kind, or to all kinds.
// - Reentrant: a handler may Publish; the event is queued behind the current one.
// - Streams: channel subscribers receive every event through a bounded buffer;
//   a full buffer drops the event for that subscriber and counts it.
// - Optional observability: counters are always kept; observers get per-delivery callbacks.
//
// All methods must be safe for concurrent use.
type EventBus interface {
	events.Sink

	// Subscribe registers a handler for one event kind.
	Subscribe(kind events.Kind, handler EventHandler) (Subscription, error)
	// SubscribeAll registers a handler for every kind.
	SubscribeAll(handler EventHandler) (Subscription, error)
	// Unsubscribe cancels the given Subscription. It is safe to call with nil; does nothing.
	Unsubscribe(Subscription) error

	// Stream returns a channel carrying every event published after the call.
	// The channel is closed by the returned Subscription's Cancel or by Close.
	Stream(buffer int) (<-chan events.Event, Subscription)

	// AddObserver registers an observer to receive metrics callbacks.
	AddObserver(obs EventBusObserver)
	// RemoveObserver unregisters a previously added observer.
	RemoveObserver(obs EventBusObserver)
	// GetMetrics returns a best-effort snapshot of accumulated metrics.
	GetMetrics() EventBusMetrics

	// Close cancels every subscription and closes all streams. Publish after
	// Close is a no-op.
	Close()
}

// EventHandler is invoked per delivered event. A returned error is counted
// and reported to observers; it never stops delivery to other handlers.
type EventHandler func(event events.Event) error

// Subscription represents a registered handler or stream.
type Subscription interface {
	ID() string
	// Kind is empty for all-kind subscriptions and streams.
	Kind() events.Kind
	IsActive() bool
	// Cancel de-registers the subscription. Multiple calls are safe.
	Cancel() error
}

// EventBusObserver is notified about deliveries and errors. Observers should return quickly.
type EventBusObserver interface {
	OnPublish(kind events.Kind, event events.Event)
	OnDelivered(kind events.Kind, handlers int, err error, durationMicros int64)
}

// EventBusMetrics is updated on every delivery, with or without observers.
type EventBusMetrics struct {
	Published          uint64
	DeliveredHandlers  uint64
	Errors             uint64
	DroppedSlowStreams uint64
	SubscribersActive  uint64
}
