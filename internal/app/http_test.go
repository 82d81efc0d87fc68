package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

func newTestServer(t *testing.T, fs *fakeStore) (*httptest.Server, *Service) {
	t.Helper()
	hub := realtime.NewHub(zerolog.Nop())
	svc := New(testConfig(), fs, nil, hub, zerolog.Nop())
	httpServer := NewHTTPServer(svc, "*", zerolog.Nop())
	ts := httptest.NewServer(httpServer.Handler())
	t.Cleanup(ts.Close)
	return ts, svc
}

func loginToken(t *testing.T, svc *Service, name string) string {
	t.Helper()
	session, err := svc.Login(context.Background(), name)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return session.Token
}

func doRequest(t *testing.T, method, url, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts, _ := newTestServer(t, &fakeStore{})
	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestBoardsRequireAuth(t *testing.T) {
	ts, _ := newTestServer(t, &fakeStore{})
	resp, err := http.Get(ts.URL + "/api/boards")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateBoard(t *testing.T) {
	ts, svc := newTestServer(t, &fakeStore{})
	token := loginToken(t, svc, "alice")

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/boards", token, map[string]string{"title": "Roadmap"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["title"] != "Roadmap" {
		t.Errorf("unexpected payload: %v", payload)
	}
}

func TestMoveCardCrossBoardMapsTo422(t *testing.T) {
	fs := &fakeStore{
		boardIDForListFn: func(_ context.Context, listID string) (string, error) {
			if listID == "lst_other" {
				return "brd_other", nil
			}
			return "brd_1", nil
		},
	}
	ts, svc := newTestServer(t, fs)
	token := loginToken(t, svc, "alice")

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/cards/crd_1/move", token,
		map[string]any{"listId": "lst_other", "position": 0})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["code"] != "CROSS_BOARD_MOVE" {
		t.Errorf("expected CROSS_BOARD_MOVE, got %v", payload["code"])
	}
}

func TestVersionConflictMapsTo409(t *testing.T) {
	fs := &fakeStore{
		updateCardFn: func(context.Context, string, store.CardUpdate) (store.Card, error) {
			return store.Card{}, store.ErrVersionConflict
		},
	}
	ts, svc := newTestServer(t, fs)
	token := loginToken(t, svc, "alice")

	resp := doRequest(t, http.MethodPut, ts.URL+"/api/cards/crd_1", token,
		map[string]any{"title": "New", "expectedVersion": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["code"] != "VERSION_CONFLICT" {
		t.Errorf("expected VERSION_CONFLICT, got %v", payload["code"])
	}
}

func TestIfMatchHeaderCarriesExpectedVersion(t *testing.T) {
	var captured *int
	fs := &fakeStore{
		updateCardFn: func(_ context.Context, _ string, update store.CardUpdate) (store.Card, error) {
			captured = update.ExpectedVersion
			return store.Card{ID: "crd_1", Version: 4}, nil
		},
	}
	ts, svc := newTestServer(t, fs)
	token := loginToken(t, svc, "alice")

	body, _ := json.Marshal(map[string]string{"title": "New"})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/cards/crd_1", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("If-Match", `"3"`)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if captured == nil || *captured != 3 {
		t.Errorf("expected expected-version 3 from If-Match, got %v", captured)
	}
}

func TestTransactionConflictMapsTo409(t *testing.T) {
	fs := &fakeStore{
		moveCardFn: func(context.Context, string, string, int) (store.Card, error) {
			return store.Card{}, store.ErrTxConflict
		},
	}
	ts, svc := newTestServer(t, fs)
	token := loginToken(t, svc, "alice")

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/cards/crd_1/move", token,
		map[string]any{"position": 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["code"] != "TRANSACTION_CONFLICT" {
		t.Errorf("expected TRANSACTION_CONFLICT, got %v", payload["code"])
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	ts, _ := newTestServer(t, &fakeStore{})
	resp, err := http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func dialBoardSocket(t *testing.T, ts *httptest.Server, token, boardID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/boards/" + boardID + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestSocketMoveAcksInitiatorAndBroadcastsToOthers(t *testing.T) {
	ts, svc := newTestServer(t, &fakeStore{})
	aliceToken := loginToken(t, svc, "alice")
	bobToken := loginToken(t, svc, "bob")

	alice := dialBoardSocket(t, ts, aliceToken, "brd_1")
	bob := dialBoardSocket(t, ts, bobToken, "brd_1")

	err := alice.WriteJSON(map[string]any{
		"action":    "card:move",
		"requestId": "req-1",
		"payload":   map[string]any{"cardId": "crd_1", "position": 2},
	})
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}

	ack := readFrame(t, alice)
	if ack["type"] != "ack" || ack["requestId"] != "req-1" {
		t.Errorf("expected ack for req-1, got %v", ack)
	}

	event := readFrame(t, bob)
	if event["type"] != realtime.EventCardMoved {
		t.Errorf("expected %s broadcast, got %v", realtime.EventCardMoved, event)
	}
}

func TestSocketRejectsNonMember(t *testing.T) {
	fs := &fakeStore{
		membershipRoleFn: func(_ context.Context, _, userID string) (string, error) {
			return "", sql.ErrNoRows
		},
	}
	ts, svc := newTestServer(t, fs)
	token := loginToken(t, svc, "mallory")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/boards/brd_1/ws?token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail for non-member")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 on upgrade, got %v", resp)
	}
}

func TestSocketErrorFrameForFailedAction(t *testing.T) {
	fs := &fakeStore{
		updateCardFn: func(context.Context, string, store.CardUpdate) (store.Card, error) {
			return store.Card{}, store.ErrVersionConflict
		},
	}
	ts, svc := newTestServer(t, fs)
	token := loginToken(t, svc, "alice")
	conn := dialBoardSocket(t, ts, token, "brd_1")

	err := conn.WriteJSON(map[string]any{
		"action":    "card:update",
		"requestId": "req-9",
		"payload":   map[string]any{"cardId": "crd_1", "title": "x", "expectedVersion": 1},
	})
	if err != nil {
		t.Fatalf("write frame: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["code"] != "VERSION_CONFLICT" {
		t.Errorf("expected VERSION_CONFLICT error frame, got %v", frame)
	}
	if frame["requestId"] != "req-9" {
		t.Errorf("error frame should echo requestId, got %v", frame["requestId"])
	}
}
