package events

import (
	"context"
	"testing"
	"time"

	"orgrun/internal/domain"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()
	defer b.Close()
	ch1, cancel1 := b.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	b.Publish(context.Background(), domain.Event{Kind: domain.EventTaskComplete, Payload: []byte(`{"task_id":"t1"}`)})

	for _, ch := range []<-chan domain.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Kind != domain.EventTaskComplete {
				t.Fatalf("kind = %s", ev.Kind)
			}
			if ev.CreatedAt.IsZero() {
				t.Fatal("created_at not stamped")
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestHeartbeatDroppedWhenSubscriberFull(t *testing.T) {
	b := NewBus()
	defer b.Close()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	ctx := context.Background()
	b.Publish(ctx, domain.Event{Kind: domain.EventHeartbeat})
	done := make(chan struct{})
	go func() {
		// buffer is full, this must drop rather than block
		b.Publish(ctx, domain.Event{Kind: domain.EventHeartbeat})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat publish blocked on a full subscriber")
	}
	if got := len(ch); got != 1 {
		t.Fatalf("buffered events = %d, want 1", got)
	}
}

func TestTerminalPublishBlocksUntilDrained(t *testing.T) {
	b := NewBus()
	defer b.Close()
	ch, cancel := b.Subscribe(1)
	defer cancel()

	ctx := context.Background()
	b.Publish(ctx, domain.Event{Kind: domain.EventTaskComplete, Payload: []byte(`{"n":1}`)})

	delivered := make(chan struct{})
	go func() {
		b.Publish(ctx, domain.Event{Kind: domain.EventTaskComplete, Payload: []byte(`{"n":2}`)})
		close(delivered)
	}()

	select {
	case <-delivered:
		t.Fatal("terminal publish did not wait for the subscriber")
	case <-time.After(50 * time.Millisecond):
	}

	<-ch
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("terminal publish stuck after drain")
	}
	if ev := <-ch; string(ev.Payload) != `{"n":2}` {
		t.Fatalf("unexpected payload %s", ev.Payload)
	}
}

func TestTerminalPublishHonorsContext(t *testing.T) {
	b := NewBus()
	defer b.Close()
	_, cancelSub := b.Subscribe(1)
	defer cancelSub()

	ctx, cancel := context.WithCancel(context.Background())
	b.Publish(ctx, domain.Event{Kind: domain.EventTaskComplete})
	cancel()

	done := make(chan struct{})
	go func() {
		b.Publish(ctx, domain.Event{Kind: domain.EventTaskComplete})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish ignored canceled context")
	}
}

func TestCancelUnblocksStuckTerminalPublish(t *testing.T) {
	b := NewBus()
	defer b.Close()
	_, cancel := b.Subscribe(1)

	ctx := context.Background()
	b.Publish(ctx, domain.Event{Kind: domain.EventTaskComplete})

	published := make(chan struct{})
	go func() {
		// buffer full, subscriber never drains, context not cancelable
		b.Publish(ctx, domain.Event{Kind: domain.EventTaskComplete})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("terminal publish did not block on the full subscriber")
	case <-time.After(50 * time.Millisecond):
	}

	done := make(chan struct{})
	go func() {
		cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel deadlocked against the blocked publisher")
	}
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publisher still stuck after cancel")
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	b := NewBus()
	b.Close()
	ch, cancel := b.Subscribe(1)
	defer cancel()
	if _, open := <-ch; open {
		t.Fatal("channel from closed bus should be closed")
	}
	b.Publish(context.Background(), domain.Event{Kind: domain.EventHeartbeat})
}
