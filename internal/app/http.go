package app

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     zerolog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/session/login", s.handleLogin).Methods(http.MethodPost)

	api.HandleFunc("/boards", s.authed(s.handleListBoards)).Methods(http.MethodGet)
	api.HandleFunc("/boards", s.authed(s.handleCreateBoard)).Methods(http.MethodPost)
	api.HandleFunc("/boards/{boardID}", s.authed(s.handleGetBoard)).Methods(http.MethodGet)
	api.HandleFunc("/boards/{boardID}", s.authed(s.handleRenameBoard)).Methods(http.MethodPut)
	api.HandleFunc("/boards/{boardID}", s.authed(s.handleDeleteBoard)).Methods(http.MethodDelete)
	api.HandleFunc("/boards/{boardID}/ws", s.authed(s.handleBoardSocket)).Methods(http.MethodGet)

	api.HandleFunc("/boards/{boardID}/members", s.authed(s.handleAddMember)).Methods(http.MethodPost)
	api.HandleFunc("/boards/{boardID}/members/{userID}", s.authed(s.handleChangeMemberRole)).Methods(http.MethodPut)
	api.HandleFunc("/boards/{boardID}/members/{userID}", s.authed(s.handleRemoveMember)).Methods(http.MethodDelete)

	api.HandleFunc("/boards/{boardID}/lists", s.authed(s.handleCreateList)).Methods(http.MethodPost)
	api.HandleFunc("/lists/{listID}", s.authed(s.handleRenameList)).Methods(http.MethodPut)
	api.HandleFunc("/lists/{listID}/move", s.authed(s.handleMoveList)).Methods(http.MethodPost)
	api.HandleFunc("/lists/{listID}", s.authed(s.handleDeleteList)).Methods(http.MethodDelete)

	api.HandleFunc("/lists/{listID}/cards", s.authed(s.handleCreateCard)).Methods(http.MethodPost)
	api.HandleFunc("/cards/search", s.authed(s.handleSearchCards)).Methods(http.MethodGet)
	api.HandleFunc("/cards/{cardID}", s.authed(s.handleGetCard)).Methods(http.MethodGet)
	api.HandleFunc("/cards/{cardID}", s.authed(s.handleUpdateCard)).Methods(http.MethodPut)
	api.HandleFunc("/cards/{cardID}/move", s.authed(s.handleMoveCard)).Methods(http.MethodPost)
	api.HandleFunc("/cards/{cardID}", s.authed(s.handleDeleteCard)).Methods(http.MethodDelete)

	api.HandleFunc("/cards/{cardID}/comments", s.authed(s.handleAddComment)).Methods(http.MethodPost)
	api.HandleFunc("/cards/{cardID}/comments", s.authed(s.handleListComments)).Methods(http.MethodGet)
	api.HandleFunc("/comments/{commentID}", s.authed(s.handleDeleteComment)).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	return s.withMiddleware(r)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			setCORSHeaders(w.Header(), s.corsOrigin)
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// The websocket upgrade needs the raw ResponseWriter; httpsnoop's
		// wrapper would hide http.Hijacker from gorilla/websocket.
		if strings.HasSuffix(r.URL.Path, "/ws") {
			next.ServeHTTP(w, r)
			return
		}

		setCORSHeaders(w.Header(), s.corsOrigin)
		metrics := httpsnoop.CaptureMetrics(next, w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", metrics.Code).
			Int64("bytes", metrics.Written).
			Dur("duration", metrics.Duration).
			Msg("request")
	})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ok":     false,
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Name)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     session.Token,
		"userId":    session.UserID,
		"userName":  session.UserName,
		"expiresAt": session.ExpiresAt.Unix(),
	})
}

// --- Boards ---

func (s *HTTPServer) handleListBoards(w http.ResponseWriter, r *http.Request, session Session) {
	boards, err := s.service.ListBoards(r.Context(), session)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"boards": boards})
}

func (s *HTTPServer) handleCreateBoard(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	board, err := s.service.CreateBoard(r.Context(), session, body.Title)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, board)
}

func (s *HTTPServer) handleGetBoard(w http.ResponseWriter, r *http.Request, session Session) {
	snapshot, err := s.service.GetBoard(r.Context(), session, mux.Vars(r)["boardID"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *HTTPServer) handleRenameBoard(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	board, err := s.service.RenameBoard(r.Context(), session, mux.Vars(r)["boardID"], body.Title)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

func (s *HTTPServer) handleDeleteBoard(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteBoard(r.Context(), session, mux.Vars(r)["boardID"]); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Members ---

func (s *HTTPServer) handleAddMember(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		UserID string `json:"userId"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	member, err := s.service.AddMember(r.Context(), session, mux.Vars(r)["boardID"], body.UserID, body.Role)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, member)
}

func (s *HTTPServer) handleChangeMemberRole(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Role string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	vars := mux.Vars(r)
	if err := s.service.ChangeMemberRole(r.Context(), session, vars["boardID"], vars["userID"], body.Role); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleRemoveMember(w http.ResponseWriter, r *http.Request, session Session) {
	vars := mux.Vars(r)
	if err := s.service.RemoveMember(r.Context(), session, vars["boardID"], vars["userID"]); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Lists ---

func (s *HTTPServer) handleCreateList(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateListInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateList(r.Context(), session, mux.Vars(r)["boardID"], body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleRenameList(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.RenameList(r.Context(), session, mux.Vars(r)["listID"], body.Title)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleMoveList(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Position int `json:"position"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.MoveList(r.Context(), session, mux.Vars(r)["listID"], body.Position)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleDeleteList(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteList(r.Context(), session, mux.Vars(r)["listID"]); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Cards ---

func (s *HTTPServer) handleCreateCard(w http.ResponseWriter, r *http.Request, session Session) {
	var body CreateCardInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.CreateCard(r.Context(), session, mux.Vars(r)["listID"], body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *HTTPServer) handleGetCard(w http.ResponseWriter, r *http.Request, session Session) {
	item, err := s.service.GetCard(r.Context(), session, mux.Vars(r)["cardID"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleUpdateCard(w http.ResponseWriter, r *http.Request, session Session) {
	var body UpdateCardInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	// If-Match carries the expected version; the body field wins if both
	// are present.
	if body.ExpectedVersion == nil {
		if header := strings.Trim(r.Header.Get("If-Match"), `" `); header != "" {
			if version, err := strconv.Atoi(header); err == nil {
				body.ExpectedVersion = &version
			}
		}
	}
	item, err := s.service.UpdateCard(r.Context(), session, mux.Vars(r)["cardID"], body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleMoveCard(w http.ResponseWriter, r *http.Request, session Session) {
	var body MoveCardInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.MoveCard(r.Context(), session, mux.Vars(r)["cardID"], body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *HTTPServer) handleDeleteCard(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteCard(r.Context(), session, mux.Vars(r)["cardID"]); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleSearchCards(w http.ResponseWriter, r *http.Request, session Session) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	results, total, err := s.service.SearchCards(r.Context(), session, SearchCardsInput{
		Query:      query.Get("q"),
		BoardID:    query.Get("boardId"),
		ListID:     query.Get("listId"),
		AssigneeID: query.Get("assigneeId"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": results, "total": total})
}

// --- Comments ---

func (s *HTTPServer) handleAddComment(w http.ResponseWriter, r *http.Request, session Session) {
	var body struct {
		Body string `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	comment, err := s.service.AddComment(r.Context(), session, mux.Vars(r)["cardID"], body.Body)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (s *HTTPServer) handleListComments(w http.ResponseWriter, r *http.Request, session Session) {
	comments, err := s.service.ListComments(r.Context(), session, mux.Vars(r)["cardID"])
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *HTTPServer) handleDeleteComment(w http.ResponseWriter, r *http.Request, session Session) {
	if err := s.service.DeleteComment(r.Context(), session, mux.Vars(r)["commentID"]); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- Helpers ---

func (s *HTTPServer) authed(next func(http.ResponseWriter, *http.Request, Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			// Websocket clients cannot set headers from browsers; accept
			// the token as a query parameter there.
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next(w, r, session)
	}
}

func (s *HTTPServer) respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-Match")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrCrossBoardMove):
		return http.StatusUnprocessableEntity, "CROSS_BOARD_MOVE", "Cannot move card between different boards", nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Card was modified concurrently", nil
	case errors.Is(err, store.ErrTxConflict):
		return http.StatusConflict, "TRANSACTION_CONFLICT", "Concurrent modification, please retry", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
