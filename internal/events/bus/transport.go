// Package bus implements the Event Bus: the execution core's single
// cross-component communication primitive (spec component #1). Everything
// above this package — the Run Manager, the Action Log, the Scheduler, the
// SWARM orchestrator, the HTTP/SSE surface — talks to it only through the
// run-scoped envelope wrapper in internal/runevents; nothing outside this
// package or that wrapper ever reaches into subject strings directly.
//
// Two Transport implementations exist: LocalBus, an in-process pub/sub
// table for single-node deployments, and NATSBus, a thin wrapper around a
// real NATS connection for multi-process ones. Both satisfy the same
// Transport interface, so internal/events.Provide can hand either one to
// the rest of the daemon without it caring which was picked.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the wire representation of one message carried on the bus.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent stamps data with a fresh ID and a UTC timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered Event. An error is logged by the
// transport but never prevents delivery to the event's other subscribers.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live registration that can be torn down independently
// of the bus it came from.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Transport is the publish/subscribe contract both bus implementations
// satisfy. Subject strings use NATS-style dot-separated tokens with two
// wildcards: "*" matches exactly one token, ">" matches one or more
// trailing tokens.
type Transport interface {
	// Publish delivers event to every subscription whose subject pattern
	// matches subject. Implementations must deliver to each matching
	// regular subscription synchronously, in the order Publish was called,
	// so that callers observing ordered state (e.g. a run's event log)
	// never see handlers interleave out of publish order.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers handler against every future Publish whose
	// subject matches the given pattern.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// QueueSubscribe registers handler as one member of a named queue
	// group: for a given matching subject, exactly one member of the
	// group receives each event, round-robin, instead of every member.
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)

	// Request publishes event and blocks for a single reply delivered to
	// an implicit reply subject, or returns an error once timeout elapses.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	Close()
	IsConnected() bool
}
