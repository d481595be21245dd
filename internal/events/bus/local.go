package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/undoable/undoable/internal/common/logger"
)

// LocalBus is the in-process Transport used for single-node deployments
// and for every test in this repo: no network hop, no serialization, just
// a subject table guarded by a mutex.
type LocalBus struct {
	mu            sync.RWMutex
	subscriptions map[string][]*localSubscription
	queues        map[string]*queueGroup
	log           *logger.Logger
	closed        bool
}

// NewLocalBus constructs a ready-to-use LocalBus. A nil logger falls back
// to the process-wide default.
func NewLocalBus(log *logger.Logger) *LocalBus {
	if log == nil {
		log = logger.Default()
	}
	return &LocalBus{
		subscriptions: make(map[string][]*localSubscription),
		queues:        make(map[string]*queueGroup),
		log:           log,
	}
}

type localSubscription struct {
	bus     *LocalBus
	subject string
	tokens  []string
	handler Handler
	queue   string

	mu     sync.Mutex
	active bool
}

func (s *localSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	if s.queue != "" {
		if qg, ok := s.bus.queues[s.queue+":"+s.subject]; ok {
			qg.mu.Lock()
			for i, sub := range qg.members {
				if sub == s {
					qg.members = append(qg.members[:i], qg.members[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}
	return nil
}

func (s *localSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// queueGroup round-robins delivery of one subject across its members, so a
// load-balanced set of workers each sees a disjoint slice of the traffic.
type queueGroup struct {
	mu      sync.Mutex
	members []*localSubscription
	next    int
}

// Subscribe registers handler against subject (a literal subject or a
// pattern containing "*"/">" wildcards).
func (b *LocalBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

// QueueSubscribe registers handler as a member of queue for subject.
func (b *LocalBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *LocalBus) subscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus: closed")
	}

	sub := &localSubscription{
		bus:     b,
		subject: subject,
		tokens:  strings.Split(subject, "."),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	if queue != "" {
		key := queue + ":" + subject
		qg, ok := b.queues[key]
		if !ok {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.mu.Lock()
		qg.members = append(qg.members, sub)
		qg.mu.Unlock()
		b.log.Debug("queue subscribed", zap.String("subject", subject), zap.String("queue", queue))
	} else {
		b.log.Debug("subscribed", zap.String("subject", subject))
	}
	return sub, nil
}

// Publish delivers event to every matching subscriber synchronously and in
// the order callers invoke Publish — the spec requires handlers to observe
// events in publish order (section 4.1), which only holds if delivery never
// races across goroutines.
func (b *LocalBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus: closed")
	}

	subjectTokens := strings.Split(subject, ".")
	var direct []*localSubscription
	queueHits := make(map[string]*queueGroup)

	for pattern, subs := range b.subscriptions {
		if !subjectMatches(subjectTokens, strings.Split(pattern, ".")) {
			continue
		}
		for _, sub := range subs {
			if !sub.IsValid() {
				continue
			}
			if sub.queue == "" {
				direct = append(direct, sub)
				continue
			}
			queueHits[sub.queue+":"+pattern] = b.queues[sub.queue+":"+pattern]
		}
	}
	b.mu.RUnlock()

	for _, sub := range direct {
		b.invoke(ctx, sub, subject, event)
	}
	for _, qg := range queueHits {
		if sub := qg.nextMember(); sub != nil {
			b.invoke(ctx, sub, subject, event)
		}
	}

	b.log.Debug("published", zap.String("subject", subject), zap.String("eventId", event.ID))
	return nil
}

func (b *LocalBus) invoke(ctx context.Context, sub *localSubscription, subject string, event *Event) {
	if !sub.IsValid() {
		return
	}
	if err := sub.handler(ctx, event); err != nil {
		b.log.Error("event handler error", zap.String("subject", subject), zap.Error(err))
	}
}

// nextMember picks the next live member round-robin.
func (qg *queueGroup) nextMember() *localSubscription {
	qg.mu.Lock()
	defer qg.mu.Unlock()

	n := len(qg.members)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (qg.next + i) % n
		if qg.members[idx].IsValid() {
			qg.next = (idx + 1) % n
			return qg.members[idx]
		}
	}
	return nil
}

// subjectMatches implements NATS-style subject matching over pre-split
// tokens: "*" consumes exactly one token, ">" consumes every remaining
// token and must be the pattern's last one.
func subjectMatches(subject, pattern []string) bool {
	for i, tok := range pattern {
		if tok == ">" {
			return i < len(subject)
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(subject) == len(pattern)
}

// Request publishes event on subject and waits for a single reply on an
// implicit inbox subject, or times out.
func (b *LocalBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_inbox.%s", event.ID)
	replies := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		replies <- e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bus: reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	switch data := event.Data.(type) {
	case map[string]interface{}:
		if data == nil {
			data = make(map[string]interface{})
		}
		data["_reply"] = replySubject
		event.Data = data
	case nil:
		event.Data = map[string]interface{}{"_reply": replySubject}
	default:
		event.Data = map[string]interface{}{"data": data, "_reply": replySubject}
	}

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("bus: publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-replies:
		return reply, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("bus: request to %s timed out after %s", subject, timeout)
	}
}

// Close deactivates every subscription and marks the bus unusable.
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*localSubscription)
	b.queues = make(map[string]*queueGroup)
	b.log.Info("local bus closed")
}

// IsConnected always reports true until Close is called.
func (b *LocalBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
