package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/cache"
	"taskboard/api/internal/config"
	"taskboard/api/internal/rbac"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	ExpiresAt time.Time
}

type CreateListInput struct {
	Title    string `json:"title"`
	Position *int   `json:"position"`
}

type CreateCardInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Labels      []string   `json:"labels"`
	AssigneeID  *string    `json:"assigneeId"`
	DueDate     *time.Time `json:"dueDate"`
	Position    *int       `json:"position"`
}

type UpdateCardInput struct {
	Title           *string    `json:"title"`
	Description     *string    `json:"description"`
	Labels          []string   `json:"labels"`
	AssigneeID      *string    `json:"assigneeId"`
	ClearAssignee   bool       `json:"clearAssignee"`
	DueDate         *time.Time `json:"dueDate"`
	ClearDueDate    bool       `json:"clearDueDate"`
	ExpectedVersion *int       `json:"expectedVersion"`
}

type MoveCardInput struct {
	ListID   string `json:"listId"`
	Position int    `json:"position"`
}

type SearchCardsInput struct {
	Query      string
	BoardID    string
	ListID     string
	AssigneeID string
	Limit      int
	Offset     int
}

type dataStore interface {
	Ping(ctx context.Context) error
	EnsureUserByName(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)

	InsertBoard(context.Context, store.Board) (store.Board, error)
	GetBoard(context.Context, string) (store.Board, error)
	UpdateBoardTitle(context.Context, string, string) (store.Board, error)
	DeleteBoard(context.Context, string) error
	ListBoardsForUser(context.Context, string) ([]store.BoardSummary, error)
	Snapshot(context.Context, string) (store.BoardSnapshot, error)

	MembershipRole(context.Context, string, string) (string, error)
	UpsertMember(context.Context, string, string, string) (store.BoardMember, error)
	UpdateMemberRole(context.Context, string, string, string) (bool, error)
	RemoveMember(context.Context, string, string) (bool, error)
	ListMembers(context.Context, string) ([]store.BoardMember, error)

	BoardIDForList(context.Context, string) (string, error)
	InsertList(context.Context, string, string, *int) (store.List, error)
	RenameList(context.Context, string, string) (store.List, error)
	MoveList(context.Context, string, int) (store.List, error)
	DeleteList(context.Context, string) error

	CardContext(context.Context, string) (string, string, error)
	GetCard(context.Context, string) (store.Card, error)
	InsertCard(context.Context, string, store.Card, *int) (store.Card, error)
	UpdateCard(context.Context, string, store.CardUpdate) (store.Card, error)
	DeleteCard(context.Context, string) error
	MoveCard(context.Context, string, string, int) (store.Card, error)
	SearchCards(context.Context, string, store.CardSearchFilter) ([]store.CardSearchResult, int, error)

	InsertComment(context.Context, store.Comment) (store.Comment, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	GetComment(context.Context, string) (store.Comment, error)
	DeleteComment(context.Context, string) (bool, error)
}

type Service struct {
	cfg       config.Config
	store     dataStore
	snapshots *cache.SnapshotCache
	hub       *realtime.Hub
	logger    zerolog.Logger
}

func New(cfg config.Config, dataStore dataStore, snapshots *cache.SnapshotCache, hub *realtime.Hub, logger zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		snapshots: snapshots,
		hub:       hub,
		logger:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

// originKey carries the realtime subscriber that initiated a mutation,
// so broadcasts skip it; the initiator gets a direct ack instead.
type originKey struct{}

func withOrigin(ctx context.Context, sub *realtime.Subscriber) context.Context {
	return context.WithValue(ctx, originKey{}, sub)
}

func originSubscriber(ctx context.Context) *realtime.Subscriber {
	sub, _ := ctx.Value(originKey{}).(*realtime.Subscriber)
	return sub
}

// Login ensures the named user exists and issues a bearer token. This is
// the development stand-in for the external identity provider.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, errValidation("name is required", nil)
	}

	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return Session{}, fmt.Errorf("ensure user: %w", err)
	}

	expiresAt := time.Now().Add(s.cfg.TokenTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		JTI:  util.NewID("jti"),
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Name,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// requireRole resolves the actor's role on the board and checks the
// capability. A missing membership is reported as an access denial
// rather than leaking whether the board exists.
func (s *Service) requireRole(ctx context.Context, session Session, boardID string, action rbac.Action) (rbac.Role, error) {
	roleName, err := s.store.MembershipRole(ctx, boardID, session.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn().
			Str("user_id", session.UserID).
			Str("board_id", boardID).
			Str("action", string(action)).
			Msg("access denied: no membership")
		return "", errAccessDenied()
	}
	if err != nil {
		return "", fmt.Errorf("resolve membership: %w", err)
	}
	// A role the hierarchy does not know collapses to VIEWER rather than
	// granting anything by accident.
	role := rbac.Normalize(roleName)
	if !rbac.Can(role, action) {
		s.logger.Warn().
			Str("user_id", session.UserID).
			Str("board_id", boardID).
			Str("role", roleName).
			Str("action", string(action)).
			Msg("access denied: insufficient role")
		return role, errAccessDenied()
	}
	return role, nil
}

// boardChanged invalidates the cached snapshot and fans the event out.
// Both are best-effort; the mutation has already committed.
func (s *Service) boardChanged(ctx context.Context, event realtime.Event) {
	if err := s.snapshots.Invalidate(ctx, event.BoardID); err != nil {
		s.logger.Warn().Err(err).Str("board_id", event.BoardID).Msg("snapshot invalidation failed")
	}
	s.hub.PublishExcept(event, originSubscriber(ctx))
}

// --- Boards ---

func (s *Service) ListBoards(ctx context.Context, session Session) ([]store.BoardSummary, error) {
	return s.store.ListBoardsForUser(ctx, session.UserID)
}

func (s *Service) CreateBoard(ctx context.Context, session Session, title string) (store.Board, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Board{}, errValidation("title is required", nil)
	}
	return s.store.InsertBoard(ctx, store.Board{Title: title, OwnerID: session.UserID})
}

func (s *Service) GetBoard(ctx context.Context, session Session, boardID string) (store.BoardSnapshot, error) {
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionRead); err != nil {
		return store.BoardSnapshot{}, err
	}

	if snapshot, err := s.snapshots.GetSnapshot(ctx, boardID); err == nil {
		return snapshot, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Err(err).Str("board_id", boardID).Msg("snapshot cache read failed")
	}

	snapshot, err := s.store.Snapshot(ctx, boardID)
	if err != nil {
		return store.BoardSnapshot{}, err
	}
	if err := s.snapshots.SetSnapshot(ctx, snapshot); err != nil {
		s.logger.Warn().Err(err).Str("board_id", boardID).Msg("snapshot cache write failed")
	}
	return snapshot, nil
}

func (s *Service) RenameBoard(ctx context.Context, session Session, boardID, title string) (store.Board, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Board{}, errValidation("title is required", nil)
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return store.Board{}, err
	}
	board, err := s.store.UpdateBoardTitle(ctx, boardID, title)
	if err != nil {
		return store.Board{}, err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventBoardUpdated, BoardID: boardID, ActorID: session.UserID, Payload: board,
	})
	return board, nil
}

func (s *Service) DeleteBoard(ctx context.Context, session Session, boardID string) error {
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionAdmin); err != nil {
		return err
	}
	if err := s.store.DeleteBoard(ctx, boardID); err != nil {
		return err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventBoardDeleted, BoardID: boardID, ActorID: session.UserID,
		Payload: map[string]string{"id": boardID},
	})
	return nil
}

// --- Members ---

func validRole(role string) bool {
	switch rbac.Role(role) {
	case rbac.RoleViewer, rbac.RoleCommenter, rbac.RoleMember, rbac.RoleAdmin:
		return true
	}
	return false
}

func (s *Service) AddMember(ctx context.Context, session Session, boardID, userID, role string) (store.BoardMember, error) {
	if !validRole(role) {
		return store.BoardMember{}, errValidation("unknown role", map[string]string{"role": role})
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionAdmin); err != nil {
		return store.BoardMember{}, err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.BoardMember{}, errNotFound("User not found")
		}
		return store.BoardMember{}, err
	}
	member, err := s.store.UpsertMember(ctx, boardID, userID, role)
	if err != nil {
		return store.BoardMember{}, err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventMemberChanged, BoardID: boardID, ActorID: session.UserID, Payload: member,
	})
	return member, nil
}

func (s *Service) ChangeMemberRole(ctx context.Context, session Session, boardID, userID, role string) error {
	if !validRole(role) {
		return errValidation("unknown role", map[string]string{"role": role})
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionAdmin); err != nil {
		return err
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if board.OwnerID == userID {
		return errValidation("board owner role cannot be changed", nil)
	}
	changed, err := s.store.UpdateMemberRole(ctx, boardID, userID, role)
	if err != nil {
		return err
	}
	if !changed {
		return errNotFound("Member not found")
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventMemberChanged, BoardID: boardID, ActorID: session.UserID,
		Payload: map[string]string{"userId": userID, "role": role},
	})
	return nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, boardID, userID string) error {
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionAdmin); err != nil {
		return err
	}
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return err
	}
	if board.OwnerID == userID {
		return errValidation("board owner cannot be removed", nil)
	}
	removed, err := s.store.RemoveMember(ctx, boardID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return errNotFound("Member not found")
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventMemberChanged, BoardID: boardID, ActorID: session.UserID,
		Payload: map[string]string{"userId": userID, "removed": "true"},
	})
	return nil
}

// --- Lists ---

func (s *Service) CreateList(ctx context.Context, session Session, boardID string, input CreateListInput) (store.List, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.List{}, errValidation("title is required", nil)
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return store.List{}, err
	}
	item, err := s.store.InsertList(ctx, boardID, title, input.Position)
	if err != nil {
		return store.List{}, err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventListCreated, BoardID: boardID, ActorID: session.UserID, Payload: item,
	})
	return item, nil
}

func (s *Service) RenameList(ctx context.Context, session Session, listID, title string) (store.List, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return store.List{}, errValidation("title is required", nil)
	}
	boardID, err := s.store.BoardIDForList(ctx, listID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.List{}, errNotFound("List not found")
		}
		return store.List{}, err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return store.List{}, err
	}
	item, err := s.store.RenameList(ctx, listID, title)
	if err != nil {
		return store.List{}, err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventListUpdated, BoardID: boardID, ActorID: session.UserID, Payload: item,
	})
	return item, nil
}

func (s *Service) MoveList(ctx context.Context, session Session, listID string, position int) (store.List, error) {
	boardID, err := s.store.BoardIDForList(ctx, listID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.List{}, errNotFound("List not found")
		}
		return store.List{}, err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return store.List{}, err
	}

	moveCtx, cancel := context.WithTimeout(ctx, s.cfg.MoveTimeout)
	defer cancel()
	item, err := s.store.MoveList(moveCtx, listID, position)
	if err != nil {
		return store.List{}, err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventListMoved, BoardID: boardID, ActorID: session.UserID, Payload: item,
	})
	return item, nil
}

func (s *Service) DeleteList(ctx context.Context, session Session, listID string) error {
	boardID, err := s.store.BoardIDForList(ctx, listID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("List not found")
		}
		return err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.store.DeleteList(ctx, listID); err != nil {
		return err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventListDeleted, BoardID: boardID, ActorID: session.UserID,
		Payload: map[string]string{"id": listID},
	})
	return nil
}

// --- Cards ---

func (s *Service) CreateCard(ctx context.Context, session Session, listID string, input CreateCardInput) (store.Card, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Card{}, errValidation("title is required", nil)
	}
	boardID, err := s.store.BoardIDForList(ctx, listID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Card{}, errNotFound("List not found")
		}
		return store.Card{}, err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return store.Card{}, err
	}
	item, err := s.store.InsertCard(ctx, listID, store.Card{
		Title:       title,
		Description: input.Description,
		Labels:      input.Labels,
		AssigneeID:  input.AssigneeID,
		DueDate:     input.DueDate,
	}, input.Position)
	if err != nil {
		return store.Card{}, err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventCardCreated, BoardID: boardID, ActorID: session.UserID, Payload: item,
	})
	return item, nil
}

func (s *Service) GetCard(ctx context.Context, session Session, cardID string) (store.Card, error) {
	_, boardID, err := s.store.CardContext(ctx, cardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Card{}, errNotFound("Card not found")
		}
		return store.Card{}, err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionRead); err != nil {
		return store.Card{}, err
	}
	return s.store.GetCard(ctx, cardID)
}

func (s *Service) UpdateCard(ctx context.Context, session Session, cardID string, input UpdateCardInput) (store.Card, error) {
	if input.Title != nil && strings.TrimSpace(*input.Title) == "" {
		return store.Card{}, errValidation("title cannot be empty", nil)
	}
	_, boardID, err := s.store.CardContext(ctx, cardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Card{}, errNotFound("Card not found")
		}
		return store.Card{}, err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return store.Card{}, err
	}
	item, err := s.store.UpdateCard(ctx, cardID, store.CardUpdate{
		Title:           input.Title,
		Description:     input.Description,
		Labels:          input.Labels,
		AssigneeID:      input.AssigneeID,
		ClearAssignee:   input.ClearAssignee,
		DueDate:         input.DueDate,
		ClearDueDate:    input.ClearDueDate,
		ExpectedVersion: input.ExpectedVersion,
	})
	if err != nil {
		return store.Card{}, err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventCardUpdated, BoardID: boardID, ActorID: session.UserID, Payload: item,
	})
	return item, nil
}

// MoveCard relocates a card, rejecting cross-board destinations before
// any write happens.
func (s *Service) MoveCard(ctx context.Context, session Session, cardID string, input MoveCardInput) (store.Card, error) {
	listID, boardID, err := s.store.CardContext(ctx, cardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Card{}, errNotFound("Card not found")
		}
		return store.Card{}, err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return store.Card{}, err
	}

	destListID := input.ListID
	if destListID == "" {
		destListID = listID
	}
	if destListID != listID {
		destBoardID, err := s.store.BoardIDForList(ctx, destListID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.Card{}, errNotFound("Destination list not found")
			}
			return store.Card{}, err
		}
		if destBoardID != boardID {
			return store.Card{}, store.ErrCrossBoardMove
		}
	}

	moveCtx, cancel := context.WithTimeout(ctx, s.cfg.MoveTimeout)
	defer cancel()
	item, err := s.store.MoveCard(moveCtx, cardID, destListID, input.Position)
	if err != nil {
		return store.Card{}, err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventCardMoved, BoardID: boardID, ActorID: session.UserID, Payload: item,
	})
	return item, nil
}

func (s *Service) DeleteCard(ctx context.Context, session Session, cardID string) error {
	_, boardID, err := s.store.CardContext(ctx, cardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Card not found")
		}
		return err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionWrite); err != nil {
		return err
	}
	if err := s.store.DeleteCard(ctx, cardID); err != nil {
		return err
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventCardDeleted, BoardID: boardID, ActorID: session.UserID,
		Payload: map[string]string{"id": cardID},
	})
	return nil
}

func (s *Service) SearchCards(ctx context.Context, session Session, input SearchCardsInput) ([]store.CardSearchResult, int, error) {
	if strings.TrimSpace(input.Query) == "" && input.BoardID == "" && input.ListID == "" && input.AssigneeID == "" {
		return nil, 0, errValidation("at least one of q, boardId, listId, assigneeId is required", nil)
	}
	return s.store.SearchCards(ctx, session.UserID, store.CardSearchFilter{
		Query:      input.Query,
		BoardID:    input.BoardID,
		ListID:     input.ListID,
		AssigneeID: input.AssigneeID,
		Limit:      input.Limit,
		Offset:     input.Offset,
	})
}

// --- Comments ---

func (s *Service) AddComment(ctx context.Context, session Session, cardID, body string) (store.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return store.Comment{}, errValidation("body is required", nil)
	}
	_, boardID, err := s.store.CardContext(ctx, cardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Comment{}, errNotFound("Card not found")
		}
		return store.Comment{}, err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionComment); err != nil {
		return store.Comment{}, err
	}
	comment, err := s.store.InsertComment(ctx, store.Comment{
		CardID: cardID,
		Author: session.UserID,
		Body:   body,
	})
	if err != nil {
		return store.Comment{}, err
	}
	comment.AuthorName = session.UserName
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventCommentCreated, BoardID: boardID, ActorID: session.UserID, Payload: comment,
	})
	return comment, nil
}

func (s *Service) ListComments(ctx context.Context, session Session, cardID string) ([]store.Comment, error) {
	_, boardID, err := s.store.CardContext(ctx, cardID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("Card not found")
		}
		return nil, err
	}
	if _, err := s.requireRole(ctx, session, boardID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListComments(ctx, cardID)
}

// DeleteComment allows the author or a board admin to remove a comment.
func (s *Service) DeleteComment(ctx context.Context, session Session, commentID string) error {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Comment not found")
		}
		return err
	}
	_, boardID, err := s.store.CardContext(ctx, comment.CardID)
	if err != nil {
		return err
	}
	role, err := s.requireRole(ctx, session, boardID, rbac.ActionRead)
	if err != nil {
		return err
	}
	if comment.Author != session.UserID && !rbac.AtLeast(role, rbac.RoleAdmin) {
		return errAccessDenied()
	}
	deleted, err := s.store.DeleteComment(ctx, commentID)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound("Comment not found")
	}
	s.boardChanged(ctx, realtime.Event{
		Type: realtime.EventCommentDeleted, BoardID: boardID, ActorID: session.UserID,
		Payload: map[string]string{"id": commentID, "cardId": comment.CardID},
	})
	return nil
}
