// Package runevents implements the run-scoped event envelope layer
// described in sections 3 and 4.1 of the daemon's design: a process-wide
// publish/subscribe registry keyed by runId; plus a wildcard "all runs"
// channel consumed by the HTTP/SSE surface and the SWARM orchestrator.
//
// It sits on top of the generic bus.Transport (in-memory or NATS-backed)
// but keeps its own per-run sequence counters and "all runs" subscriber
// list in-process, since emission order and eventId assignment are
// per-run contracts that the underlying transport does not need to know
// about.
package runevents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/undoable/undoable/internal/events/bus"
)

// Type enumerates the envelope types exchanged across the execution core.
type Type string

const (
	TypeRunCreated        Type = "RUN_CREATED"
	TypeStatusChanged     Type = "STATUS_CHANGED"
	TypeToolCall          Type = "TOOL_CALL"
	TypeToolResult        Type = "TOOL_RESULT"
	TypeLLMToken          Type = "LLM_TOKEN"
	TypeApprovalRequested Type = "APPROVAL_REQUESTED"
	TypeApprovalResolved  Type = "APPROVAL_RESOLVED"
	TypeRunCompleted      Type = "RUN_COMPLETED"
	TypeRunFailed         Type = "RUN_FAILED"
	TypeWarning           Type = "WARNING"
)

// Envelope is the only cross-component communication primitive in the
// execution core (section 3, "Event envelope").
type Envelope struct {
	EventID   string                 `json:"eventId"`
	RunID     string                 `json:"runId"`
	Timestamp time.Time              `json:"timestamp"`
	Type      Type                   `json:"type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Actor     string                 `json:"actor,omitempty"`
}

// Handler receives one envelope. A handler that panics is recovered and
// never prevents delivery to other handlers.
type Handler func(ctx context.Context, env Envelope)

// Unsubscribe detaches a previously registered handler.
type Unsubscribe func()

// Bus is the run-scoped envelope layer. It is safe for concurrent use.
type Bus struct {
	transport bus.Transport

	mu       sync.Mutex
	seqByRun map[string]uint64

	allMu      sync.RWMutex
	allID      uint64
	allHandler map[uint64]Handler
}

// New wraps a Transport (in-memory or NATS) with the run-scoped envelope
// contract.
func New(transport bus.Transport) *Bus {
	return &Bus{
		transport:  transport,
		seqByRun:   make(map[string]uint64),
		allHandler: make(map[uint64]Handler),
	}
}

func subjectForRun(runID string) string {
	return fmt.Sprintf("runs.%s", runID)
}

// Emit timestamps the envelope, assigns a monotonically increasing eventId
// within the run, and fans it out to every onRun(runId) subscriber and
// every onAll subscriber. Handlers run synchronously in the caller's
// context (section 4.1); a handler panic is recovered and never allowed
// to propagate here, and emission itself never blocks on slow handlers
// beyond their own runtime.
func (b *Bus) Emit(ctx context.Context, runID string, typ Type, payload map[string]interface{}, actor string) Envelope {
	b.mu.Lock()
	b.seqByRun[runID]++
	seq := b.seqByRun[runID]
	b.mu.Unlock()

	env := Envelope{
		EventID:   fmt.Sprintf("%s-%d", runID, seq),
		RunID:     runID,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Payload:   payload,
		Actor:     actor,
	}

	b.dispatchAll(ctx, env)

	evt := bus.NewEvent(string(typ), "runevents", envelopeToData(env))
	evt.ID = env.EventID
	_ = b.transport.Publish(ctx, subjectForRun(runID), evt)

	return env
}

func envelopeToData(env Envelope) map[string]interface{} {
	return map[string]interface{}{
		"eventId":   env.EventID,
		"runId":     env.RunID,
		"timestamp": env.Timestamp,
		"type":      string(env.Type),
		"payload":   env.Payload,
		"actor":     env.Actor,
	}
}

func envelopeFromEvent(e *bus.Event) Envelope {
	env := Envelope{
		EventID:   e.ID,
		Type:      Type(e.Type),
		Timestamp: e.Timestamp,
	}
	data, ok := e.Data.(map[string]interface{})
	if !ok {
		return env
	}
	if runID, ok := data["runId"].(string); ok {
		env.RunID = runID
	}
	if actor, ok := data["actor"].(string); ok {
		env.Actor = actor
	}
	if payload, ok := data["payload"].(map[string]interface{}); ok {
		env.Payload = payload
	}
	return env
}

func (b *Bus) dispatchAll(ctx context.Context, env Envelope) {
	b.allMu.RLock()
	handlers := make([]Handler, 0, len(b.allHandler))
	for _, h := range b.allHandler {
		handlers = append(handlers, h)
	}
	b.allMu.RUnlock()

	for _, h := range handlers {
		callSafely(ctx, h, env)
	}
}

func callSafely(ctx context.Context, h Handler, env Envelope) {
	defer func() {
		_ = recover()
	}()
	h(ctx, env)
}

// OnRun subscribes to every envelope emitted for a single run.
func (b *Bus) OnRun(runID string, h Handler) (Unsubscribe, error) {
	sub, err := b.transport.Subscribe(subjectForRun(runID), func(ctx context.Context, e *bus.Event) error {
		callSafely(ctx, h, envelopeFromEvent(e))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to run %s: %w", runID, err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// OnAll subscribes to every envelope emitted for any run.
func (b *Bus) OnAll(h Handler) Unsubscribe {
	b.allMu.Lock()
	b.allID++
	id := b.allID
	b.allHandler[id] = h
	b.allMu.Unlock()

	return func() {
		b.allMu.Lock()
		delete(b.allHandler, id)
		b.allMu.Unlock()
	}
}

// NewID returns a fresh random identifier, used for runs, actions, jobs,
// nodes and subscriptions throughout the execution core.
func NewID() string {
	return uuid.NewString()
}
