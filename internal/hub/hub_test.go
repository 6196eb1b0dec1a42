package hub

import (
	"testing"
	"time"

	"github.com/meshsink/meshsink/internal/decode"
)

func event(packetID uint32) Event {
	return Event{
		ReceivedAt: time.Unix(1700000000, 0),
		PacketID:   packetID,
		FromNodeID: 0x10,
		Kind:       decode.KindText,
	}
}

func TestSubscribeReceives(t *testing.T) {
	h := New()
	defer h.Close()

	sub := h.Subscribe()
	defer sub.Cancel()

	h.Publish(event(1))

	select {
	case got := <-sub.Events():
		if got.PacketID != 1 {
			t.Fatalf("packet id = %d", got.PacketID)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberLosesOldest(t *testing.T) {
	h := New(WithQueueSize(2))
	defer h.Close()

	sub := h.Subscribe()
	defer sub.Cancel()

	h.Publish(event(1))
	h.Publish(event(2))
	h.Publish(event(3)) // evicts 1

	if sub.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", sub.Dropped())
	}
	if h.Evicted() != 1 {
		t.Fatalf("evicted = %d, want 1", h.Evicted())
	}

	first := <-sub.Events()
	second := <-sub.Events()
	if first.PacketID != 2 || second.PacketID != 3 {
		t.Fatalf("kept (%d, %d), want newest two", first.PacketID, second.PacketID)
	}
}

func TestSlowSubscriberDoesNotAffectPeers(t *testing.T) {
	h := New(WithQueueSize(1))
	defer h.Close()

	slow := h.Subscribe()
	defer slow.Cancel()
	fast := h.Subscribe()
	defer fast.Cancel()

	h.Publish(event(1))
	// Drain the fast subscriber, leave the slow one full.
	<-fast.Events()

	h.Publish(event(2))

	select {
	case got := <-fast.Events():
		if got.PacketID != 2 {
			t.Fatalf("fast subscriber got %d", got.PacketID)
		}
	case <-time.After(time.Second):
		t.Fatal("fast subscriber starved by slow peer")
	}
	if slow.Dropped() != 1 {
		t.Fatalf("slow dropped = %d, want 1", slow.Dropped())
	}
}

func TestCancelClosesChannel(t *testing.T) {
	h := New()
	defer h.Close()

	sub := h.Subscribe()
	sub.Cancel()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed after cancel")
	}
	if h.Subscribers() != 0 {
		t.Fatalf("subscribers = %d", h.Subscribers())
	}

	// Publishing after cancel must not panic.
	h.Publish(event(1))
}

func TestCloseDetachesAll(t *testing.T) {
	h := New()
	a := h.Subscribe()
	b := h.Subscribe()

	h.Close()

	if _, ok := <-a.Events(); ok {
		t.Fatal("subscriber a still open")
	}
	if _, ok := <-b.Events(); ok {
		t.Fatal("subscriber b still open")
	}

	// Subscribing after close yields a closed subscription.
	c := h.Subscribe()
	if _, ok := <-c.Events(); ok {
		t.Fatal("post-close subscription should be closed")
	}
	h.Publish(event(1))
}
