package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewLocalBusIsConnected(t *testing.T) {
	b := NewLocalBus(nil)
	if !b.IsConnected() {
		t.Error("expected a fresh bus to report connected")
	}
}

func TestPublishDeliversToExactSubject(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("test.subject", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	event := NewEvent("test.type", "unit-test", map[string]interface{}{"key": "value"})
	if err := b.Publish(context.Background(), "test.subject", event); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("expected event id %s, got %s", event.ID, e.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("test.multi", func(ctx context.Context, e *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe %d failed: %v", i, err)
		}
		defer sub.Unsubscribe()
	}

	if err := b.Publish(context.Background(), "test.multi", NewEvent("t", "s", nil)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("expected 3 handler calls, got %d", got)
	}
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("test.unsub", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	b.Publish(context.Background(), "test.unsub", NewEvent("t", "s", nil))
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}
	b.Publish(context.Background(), "test.unsub", NewEvent("t", "s", nil))

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("expected 1 handler call, got %d", got)
	}
}

func TestSingleTokenWildcardMatchesOneToken(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("events.*.created", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish(context.Background(), "events.user.created", NewEvent("t", "s", nil))
	b.Publish(context.Background(), "events.order.created", NewEvent("t", "s", nil))
	// Missing the middle token entirely must not match "*".
	b.Publish(context.Background(), "events.created", NewEvent("t", "s", nil))

	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("expected 2 matches, got %d", got)
	}
}

func TestMultiTokenWildcardMatchesRemainingTokens(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("notifications.>", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish(context.Background(), "notifications.email", NewEvent("t", "s", nil))
	b.Publish(context.Background(), "notifications.email.sent", NewEvent("t", "s", nil))
	// ">" requires at least one trailing token.
	b.Publish(context.Background(), "notifications", NewEvent("t", "s", nil))

	if got := atomic.LoadInt32(&count); got != 2 {
		t.Errorf("expected 2 matches, got %d", got)
	}
}

func TestExactSubjectDoesNotMatchSiblings(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("events.user.created", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	b.Publish(context.Background(), "events.user.created", NewEvent("t", "s", nil))
	b.Publish(context.Background(), "events.user.updated", NewEvent("t", "s", nil))

	if got := atomic.LoadInt32(&count); got != 1 {
		t.Errorf("expected 1 match, got %d", got)
	}
}

func TestQueueSubscribeRoundRobinsAcrossMembers(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	var mu sync.Mutex
	calls := make([]int, 3)
	for i := 0; i < 3; i++ {
		idx := i
		sub, err := b.QueueSubscribe("test.queue", "workers", func(ctx context.Context, e *Event) error {
			mu.Lock()
			calls[idx]++
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("queue subscribe %d failed: %v", i, err)
		}
		defer sub.Unsubscribe()
	}

	for i := 0; i < 6; i++ {
		b.Publish(context.Background(), "test.queue", NewEvent("t", "s", nil))
	}

	mu.Lock()
	defer mu.Unlock()
	total := calls[0] + calls[1] + calls[2]
	if total != 6 {
		t.Fatalf("expected 6 total deliveries, got %d", total)
	}
	for i, c := range calls {
		if c != 2 {
			t.Errorf("expected member %d to receive 2 events round-robin, got %d", i, c)
		}
	}
}

// TestPublishPreservesOrder guards the spec's "handlers run synchronously in
// the publisher's context" requirement (section 4.1): if Publish ever
// dispatched regular subscribers on a goroutine again, this would flake.
func TestPublishPreservesOrder(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	const numEvents = 200
	var mu sync.Mutex
	order := make([]int, 0, numEvents)

	sub, err := b.Subscribe("test.ordering", func(ctx context.Context, e *Event) error {
		seq := e.Data.(map[string]interface{})["seq"].(int)
		// Make earlier events artificially slower so async dispatch would
		// let later ones overtake them.
		time.Sleep(time.Duration(numEvents-seq) * time.Microsecond)
		mu.Lock()
		order = append(order, seq)
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	for i := 0; i < numEvents; i++ {
		b.Publish(context.Background(), "test.ordering", NewEvent("t", "s", map[string]interface{}{"seq": i}))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != numEvents {
		t.Fatalf("expected %d events, got %d", numEvents, len(order))
	}
	for i, seq := range order {
		if seq != i {
			t.Fatalf("ordering violated at position %d: expected seq %d, got %d", i, i, seq)
		}
	}
}

func TestCloseRejectsFurtherPublishAndSubscribe(t *testing.T) {
	b := NewLocalBus(nil)
	b.Close()

	if b.IsConnected() {
		t.Error("expected bus to report disconnected after close")
	}
	if err := b.Publish(context.Background(), "test.subject", NewEvent("t", "s", nil)); err == nil {
		t.Error("expected publish to a closed bus to fail")
	}
	if _, err := b.Subscribe("test.subject", func(ctx context.Context, e *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on a closed bus to fail")
	}
}

func TestRequestReceivesReply(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	sub, err := b.Subscribe("service.echo", func(ctx context.Context, e *Event) error {
		data := e.Data.(map[string]interface{})
		reply := NewEvent("echo.response", "responder", map[string]interface{}{"echo": data["message"]})
		return b.Publish(ctx, data["_reply"].(string), reply)
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	request := NewEvent("echo.request", "requester", map[string]interface{}{"message": "hello"})
	reply, err := b.Request(context.Background(), "service.echo", request, 2*time.Second)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if got := reply.Data.(map[string]interface{})["echo"]; got != "hello" {
		t.Errorf("expected echo 'hello', got %v", got)
	}
}

func TestRequestTimesOutWithNoResponder(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	_, err := b.Request(context.Background(), "service.nonexistent", NewEvent("t", "s", nil), 50*time.Millisecond)
	if err == nil {
		t.Error("expected a timeout error")
	}
}
