package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishDropsWhenFull(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskPosted})
	b.Publish(Event{Type: TaskEscalated}) // dropped

	e := <-ch
	if e.Type != TaskPosted || e.Time.IsZero() {
		t.Fatalf("unexpected event: %+v", e)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event: %+v", e)
	default:
	}
}

func TestUnsubscribeClosesAndStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()
	b.Publish(Event{Type: TaskPosted})
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
}

func TestRecentKeepsNewest(t *testing.T) {
	t.Parallel()
	r := NewRecent(2)
	for _, typ := range []string{"a", "b", "c"} {
		r.Add(Event{Type: typ})
	}
	got := r.List()
	if len(got) != 2 || got[0].Type != "b" || got[1].Type != "c" {
		t.Fatalf("List = %+v", got)
	}
}

func TestRecentFollow(t *testing.T) {
	t.Parallel()
	b := New()
	r := NewRecent(10)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Follow(ctx, b)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(r.List()) == 0 && time.Now().Before(deadline) {
		b.Publish(Event{Type: CycleCompleted})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
	if len(r.List()) == 0 {
		t.Fatal("Follow recorded nothing")
	}
}
