package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe(8, "ai.detection")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := b.Publish("ai.detection", "hello"); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case ev := <-sub.C():
		if ev.Topic != "ai.detection" {
			t.Fatalf("Topic = %q, want ai.detection", ev.Topic)
		}
		if ev.Data.(string) != "hello" {
			t.Fatalf("Data = %v, want hello", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscriberReceivesInPublishOrder(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe(128, "seq")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 100; i++ {
		if err := b.Publish("seq", i); err != nil {
			t.Fatalf("Publish(%d) error = %v", i, err)
		}
	}
	for i := 0; i < 100; i++ {
		ev := <-sub.C()
		if ev.Data.(int) != i {
			t.Fatalf("event %d = %v, want %d", i, ev.Data, i)
		}
	}
}

func TestFullQueueDropsOldest(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe(4, "seq")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		if err := b.Publish("seq", i); err != nil {
			t.Fatal(err)
		}
	}

	if got := sub.Dropped(); got != 4 {
		t.Fatalf("Dropped() = %d, want 4", got)
	}
	// The queue holds the newest four events, still in order.
	for want := 4; want < 8; want++ {
		ev := <-sub.C()
		if ev.Data.(int) != want {
			t.Fatalf("got %v, want %d", ev.Data, want)
		}
	}
}

func TestFanoutDeliversToAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	first, _ := b.Subscribe(4, "x")
	second, _ := b.Subscribe(4, "x")
	if err := b.Publish("x", 42); err != nil {
		t.Fatal(err)
	}
	if ev := <-first.C(); ev.Data.(int) != 42 {
		t.Fatalf("first got %v, want 42", ev.Data)
	}
	if ev := <-second.C(); ev.Data.(int) != 42 {
		t.Fatalf("second got %v, want 42", ev.Data)
	}
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b := New()
	defer b.Close()

	slow, _ := b.Subscribe(1, "x")
	fast, _ := b.Subscribe(16, "x")

	for i := 0; i < 10; i++ {
		if err := b.Publish("x", i); err != nil {
			t.Fatal(err)
		}
	}
	if got := slow.Dropped(); got != 9 {
		t.Fatalf("slow.Dropped() = %d, want 9", got)
	}
	if got := fast.Dropped(); got != 0 {
		t.Fatalf("fast.Dropped() = %d, want 0", got)
	}
	for i := 0; i < 10; i++ {
		ev := <-fast.C()
		if ev.Data.(int) != i {
			t.Fatalf("fast got %v, want %d", ev.Data, i)
		}
	}
}

func TestSubscribeMultipleTopics(t *testing.T) {
	b := New()
	defer b.Close()

	sub, err := b.Subscribe(8, "a", "b")
	if err != nil {
		t.Fatal(err)
	}
	b.Publish("a", 1)
	b.Publish("b", 2)
	b.Publish("c", 3) // nobody listens

	if ev := <-sub.C(); ev.Topic != "a" {
		t.Fatalf("first topic = %q, want a", ev.Topic)
	}
	if ev := <-sub.C(); ev.Topic != "b" {
		t.Fatalf("second topic = %q, want b", ev.Topic)
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	sub, _ := b.Subscribe(4, "x")
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if err := b.Publish("x", 1); err != nil {
		t.Fatalf("Publish() after unsubscribe error = %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestCloseClosesSubscribersAndRejectsPublish(t *testing.T) {
	b := New()
	sub, _ := b.Subscribe(4, "x")

	b.Close()
	b.Close() // idempotent

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after bus Close")
	}
	if err := b.Publish("x", 1); err != ErrClosed {
		t.Fatalf("Publish() after Close = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(4, "x"); err != ErrClosed {
		t.Fatalf("Subscribe() after Close = %v, want ErrClosed", err)
	}
}

func TestConcurrentPublishersDoNotBlock(t *testing.T) {
	b := New()
	defer b.Close()

	// Nobody drains this subscriber; publishers must still finish.
	if _, err := b.Subscribe(2, "x"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish("x", i)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publishers blocked on a full subscriber queue")
	}
}
