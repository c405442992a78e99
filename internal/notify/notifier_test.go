package notify

import (
	"sync"
	"testing"
	"time"
)

func received(s *Subscription) bool {
	select {
	case <-s.C():
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func TestPublish_WakesSubscribersOfKey(t *testing.T) {
	n := New()
	a := n.Subscribe("items")
	b := n.Subscribe("items")
	other := n.Subscribe("liked:u1")
	defer a.Close()
	defer b.Close()
	defer other.Close()

	n.Publish("items")

	if !received(a) || !received(b) {
		t.Error("items subscribers were not woken")
	}
	if received(other) {
		t.Error("liked:u1 subscriber should not be woken by items publish")
	}
}

func TestPublish_Coalesces(t *testing.T) {
	n := New()
	s := n.Subscribe("items")
	defer s.Close()

	for range 10 {
		n.Publish("items")
	}

	if !received(s) {
		t.Fatal("expected one wake-up")
	}
	if received(s) {
		t.Error("burst of publishes should coalesce into a single pending wake-up")
	}
}

func TestPublish_AfterDrainDeliversAgain(t *testing.T) {
	n := New()
	s := n.Subscribe("items")
	defer s.Close()

	n.Publish("items")
	if !received(s) {
		t.Fatal("first publish lost")
	}
	n.Publish("items")
	if !received(s) {
		t.Error("second publish after drain lost")
	}
}

func TestPublishPrefix(t *testing.T) {
	n := New()
	u1 := n.Subscribe("liked:u1")
	u2 := n.Subscribe("liked:u2")
	items := n.Subscribe("items")
	defer u1.Close()
	defer u2.Close()
	defer items.Close()

	n.PublishPrefix("liked:")

	if !received(u1) || !received(u2) {
		t.Error("liked subscribers were not woken")
	}
	if received(items) {
		t.Error("items subscriber should not match liked: prefix")
	}
}

func TestClose_Unregisters(t *testing.T) {
	n := New()
	s := n.Subscribe("items")
	if n.Subscribers("items") != 1 {
		t.Fatalf("Subscribers = %d, want 1", n.Subscribers("items"))
	}
	s.Close()
	s.Close() // idempotent
	if n.Subscribers("items") != 0 {
		t.Errorf("Subscribers after Close = %d, want 0", n.Subscribers("items"))
	}
	if _, ok := <-s.C(); ok {
		t.Error("channel should be closed")
	}
	n.Publish("items") // must not panic on closed channel
}

func TestConcurrentPublishAndClose(t *testing.T) {
	n := New()
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(2)
		s := n.Subscribe("items")
		go func() {
			defer wg.Done()
			n.Publish("items")
		}()
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}
