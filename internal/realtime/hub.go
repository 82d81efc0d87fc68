// Package realtime fans mutation events out to board-keyed rooms.
//
// Delivery is best-effort: the hub never blocks a publisher. Each
// subscriber owns a buffered channel; when the buffer fills the
// subscriber is dropped and must re-join, re-fetching the board snapshot
// to recover. Publishes to one room are serialized, so every surviving
// subscriber observes events in commit order.
package realtime

import (
	"sync"

	"github.com/rs/zerolog"

	"taskboard/api/internal/util"
)

// Event types mirror the mutation that produced them. Payloads carry the
// full post-mutation representation so clients never need a follow-up
// fetch.
const (
	EventListCreated    = "list:created"
	EventListUpdated    = "list:updated"
	EventListMoved      = "list:moved"
	EventListDeleted    = "list:deleted"
	EventCardCreated    = "card:created"
	EventCardUpdated    = "card:updated"
	EventCardMoved      = "card:moved"
	EventCardDeleted    = "card:deleted"
	EventCommentCreated = "comment:created"
	EventCommentDeleted = "comment:deleted"
	EventBoardUpdated   = "board:updated"
	EventBoardDeleted   = "board:deleted"
	EventMemberChanged  = "member:changed"
)

type Event struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId"`
	ActorID string `json:"actorId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Subscriber is one connection's membership in a board room.
type Subscriber struct {
	ID      string
	BoardID string
	UserID  string
	events  chan Event
	closed  bool
}

// Events is the stream the connection's write loop drains.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

const subscriberBuffer = 64

type Hub struct {
	mu     sync.Mutex
	rooms  map[string]map[*Subscriber]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe joins the board's room. The caller must eventually call
// Unsubscribe or the subscriber leaks.
func (h *Hub) Subscribe(boardID, userID string) *Subscriber {
	sub := &Subscriber{
		ID:      util.NewID("sub"),
		BoardID: boardID,
		UserID:  userID,
		events:  make(chan Event, subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[boardID]
	if !ok {
		room = make(map[*Subscriber]struct{})
		h.rooms[boardID] = room
	}
	room[sub] = struct{}{}
	return sub
}

// Unsubscribe leaves the room and closes the event stream.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

// Publish delivers the event to every subscriber in the event's room.
func (h *Hub) Publish(event Event) {
	h.PublishExcept(event, nil)
}

// PublishExcept delivers to every subscriber in the room except one,
// used for socket-initiated mutations where the initiator receives a
// direct ack instead of the broadcast.
func (h *Hub) PublishExcept(event Event, except *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.rooms[event.BoardID] {
		if sub == except {
			continue
		}
		select {
		case sub.events <- event:
		default:
			h.logger.Warn().
				Str("board_id", event.BoardID).
				Str("subscriber_id", sub.ID).
				Str("user_id", sub.UserID).
				Msg("dropping slow realtime subscriber")
			h.dropLocked(sub)
		}
	}
}

// RoomSize reports the number of subscribers in a board's room.
func (h *Hub) RoomSize(boardID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[boardID])
}

func (h *Hub) dropLocked(sub *Subscriber) {
	room, ok := h.rooms[sub.BoardID]
	if !ok {
		return
	}
	if _, ok := room[sub]; !ok {
		return
	}
	delete(room, sub)
	if len(room) == 0 {
		delete(h.rooms, sub.BoardID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
}
