package app

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
)

const (
	socketWriteWait = 10 * time.Second
	socketPongWait  = 60 * time.Second
	socketPingEvery = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// socketRequest is an inbound mutation frame. The requestId is echoed on
// the ack or error so the client can correlate.
type socketRequest struct {
	Action    string          `json:"action"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

type socketConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *socketConn) writeJSON(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return c.conn.WriteJSON(payload)
}

func (c *socketConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// handleBoardSocket upgrades the connection and joins the board's room.
// Inbound frames are mutations executed on behalf of the session; the
// initiator gets an ack (or error) frame and everyone else in the room
// gets the broadcast.
func (s *HTTPServer) handleBoardSocket(w http.ResponseWriter, r *http.Request, session Session) {
	boardID := mux.Vars(r)["boardID"]
	if _, err := s.service.requireRole(r.Context(), session, boardID, rbac.ActionRead); err != nil {
		s.respondError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("board_id", boardID).Msg("websocket upgrade failed")
		return
	}

	sub := s.service.Hub().Subscribe(boardID, session.UserID)
	sc := &socketConn{conn: conn}

	done := make(chan struct{})
	go s.socketWriteLoop(sc, sub, done)
	s.socketReadLoop(r.Context(), sc, sub, session, boardID)

	s.service.Hub().Unsubscribe(sub)
	close(done)
	_ = conn.Close()
}

func (s *HTTPServer) socketWriteLoop(sc *socketConn, sub *realtime.Subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(socketPingEvery)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				// Dropped by the hub; force the client to reconnect and
				// re-fetch the snapshot.
				_ = sc.writeJSON(map[string]any{"type": "stale", "boardId": sub.BoardID})
				sc.mu.Lock()
				_ = sc.conn.Close()
				sc.mu.Unlock()
				return
			}
			if err := sc.writeJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := sc.ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *HTTPServer) socketReadLoop(ctx context.Context, sc *socketConn, sub *realtime.Subscriber, session Session, boardID string) {
	conn := sc.conn
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	ctx = withOrigin(ctx, sub)
	for {
		var req socketRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		payload, err := s.dispatchSocketAction(ctx, session, boardID, req)
		if err != nil {
			_, code, message, _ := mapError(err)
			_ = sc.writeJSON(map[string]any{
				"type":      "error",
				"requestId": req.RequestID,
				"code":      code,
				"error":     message,
			})
			continue
		}
		_ = sc.writeJSON(map[string]any{
			"type":      "ack",
			"requestId": req.RequestID,
			"payload":   payload,
		})
	}
}

func (s *HTTPServer) dispatchSocketAction(ctx context.Context, session Session, boardID string, req socketRequest) (any, error) {
	switch req.Action {
	case "card:create":
		var body struct {
			ListID string `json:"listId"`
			CreateCardInput
		}
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return nil, errValidation("invalid payload", nil)
		}
		return s.service.CreateCard(ctx, session, body.ListID, body.CreateCardInput)
	case "card:update":
		var body struct {
			CardID string `json:"cardId"`
			UpdateCardInput
		}
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return nil, errValidation("invalid payload", nil)
		}
		return s.service.UpdateCard(ctx, session, body.CardID, body.UpdateCardInput)
	case "card:move":
		var body struct {
			CardID string `json:"cardId"`
			MoveCardInput
		}
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return nil, errValidation("invalid payload", nil)
		}
		return s.service.MoveCard(ctx, session, body.CardID, body.MoveCardInput)
	case "card:delete":
		var body struct {
			CardID string `json:"cardId"`
		}
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return nil, errValidation("invalid payload", nil)
		}
		if err := s.service.DeleteCard(ctx, session, body.CardID); err != nil {
			return nil, err
		}
		return map[string]string{"id": body.CardID}, nil
	case "comment:create":
		var body struct {
			CardID string `json:"cardId"`
			Body   string `json:"body"`
		}
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return nil, errValidation("invalid payload", nil)
		}
		return s.service.AddComment(ctx, session, body.CardID, body.Body)
	}
	return nil, errValidation("unknown action", map[string]string{"action": req.Action})
}
