package realtime

import (
	"strconv"
	"testing"

	"github.com/rs/zerolog"
)

func testHub() *Hub {
	return NewHub(zerolog.Nop())
}

func TestPublishReachesRoomOnly(t *testing.T) {
	h := testHub()
	inRoom := h.Subscribe("brd_1", "usr_a")
	otherRoom := h.Subscribe("brd_2", "usr_b")
	defer h.Unsubscribe(inRoom)
	defer h.Unsubscribe(otherRoom)

	h.Publish(Event{Type: EventCardCreated, BoardID: "brd_1", ActorID: "usr_a"})

	select {
	case got := <-inRoom.Events():
		if got.Type != EventCardCreated {
			t.Errorf("expected %s, got %s", EventCardCreated, got.Type)
		}
	default:
		t.Fatal("subscriber in room received nothing")
	}

	select {
	case got := <-otherRoom.Events():
		t.Fatalf("subscriber in other room received %v", got)
	default:
	}
}

func TestPublishExceptSkipsInitiator(t *testing.T) {
	h := testHub()
	initiator := h.Subscribe("brd_1", "usr_a")
	other := h.Subscribe("brd_1", "usr_b")
	defer h.Unsubscribe(initiator)
	defer h.Unsubscribe(other)

	h.PublishExcept(Event{Type: EventCardMoved, BoardID: "brd_1", ActorID: "usr_a"}, initiator)

	select {
	case got := <-initiator.Events():
		t.Fatalf("initiator received its own broadcast: %v", got)
	default:
	}

	select {
	case got := <-other.Events():
		if got.Type != EventCardMoved {
			t.Errorf("expected %s, got %s", EventCardMoved, got.Type)
		}
	default:
		t.Fatal("other subscriber received nothing")
	}
}

func TestEventsArriveInPublishOrder(t *testing.T) {
	h := testHub()
	sub := h.Subscribe("brd_1", "usr_a")
	defer h.Unsubscribe(sub)

	const n = 20
	for i := 0; i < n; i++ {
		h.Publish(Event{Type: EventCardUpdated, BoardID: "brd_1", Payload: strconv.Itoa(i)})
	}

	for i := 0; i < n; i++ {
		got := <-sub.Events()
		if got.Payload != strconv.Itoa(i) {
			t.Fatalf("event %d out of order: got payload %v", i, got.Payload)
		}
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := testHub()
	slow := h.Subscribe("brd_1", "usr_slow")
	healthy := h.Subscribe("brd_1", "usr_ok")
	defer h.Unsubscribe(healthy)

	// Never drain slow; overflow its buffer while keeping healthy drained.
	for i := 0; i < subscriberBuffer+1; i++ {
		h.Publish(Event{Type: EventCardUpdated, BoardID: "brd_1"})
		<-healthy.Events()
	}

	if h.RoomSize("brd_1") != 1 {
		t.Fatalf("expected slow subscriber to be dropped, room size %d", h.RoomSize("brd_1"))
	}

	// Dropped subscriber's stream is closed once drained.
	for i := 0; i < subscriberBuffer; i++ {
		<-slow.Events()
	}
	if _, open := <-slow.Events(); open {
		t.Error("expected dropped subscriber's event stream to be closed")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	h := testHub()
	sub := h.Subscribe("brd_1", "usr_a")

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	if h.RoomSize("brd_1") != 0 {
		t.Errorf("expected empty room, size %d", h.RoomSize("brd_1"))
	}
}

func TestEmptyRoomPublishIsNoop(t *testing.T) {
	h := testHub()
	h.Publish(Event{Type: EventCardDeleted, BoardID: "brd_nobody"})
}
