package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"taskboard/api/internal/util"
)

// Domain failures the coordinator distinguishes from plain query errors.
// Missing rows surface as sql.ErrNoRows, matching the rest of the package.
var (
	ErrCrossBoardMove  = errors.New("destination list belongs to a different board")
	ErrVersionConflict = errors.New("card version conflict")
	ErrTxConflict      = errors.New("transaction conflict")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, name, email FROM users WHERE name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.Name, &user.Email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (id, name, email)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.taskboard.dev'))
		RETURNING id, name, email
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.Name, &user.Email); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email FROM users WHERE id=$1`, userID).Scan(&user.ID, &user.Name, &user.Email)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) InsertBoard(ctx context.Context, board Board) (Board, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Board{}, fmt.Errorf("begin create board: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO boards (id, title, owner_id)
		VALUES ($1, $2, $3)
		RETURNING id, title, owner_id, created_at, updated_at
	`, util.NewID("brd"), board.Title, board.OwnerID).Scan(&board.ID, &board.Title, &board.OwnerID, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, fmt.Errorf("insert board: %w", err)
	}

	// The creator is enrolled as an ADMIN member immediately.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO board_members (id, board_id, user_id, role)
		VALUES ($1, $2, $3, 'ADMIN')
	`, util.NewID("mem"), board.ID, board.OwnerID); err != nil {
		return Board{}, fmt.Errorf("enroll owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Board{}, fmt.Errorf("commit create board: %w", err)
	}
	return board, nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, owner_id, created_at, updated_at
		FROM boards
		WHERE id=$1
	`, boardID).Scan(&board.ID, &board.Title, &board.OwnerID, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

func (s *PostgresStore) UpdateBoardTitle(ctx context.Context, boardID, title string) (Board, error) {
	var board Board
	err := s.db.QueryRowContext(ctx, `
		UPDATE boards SET title=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING id, title, owner_id, created_at, updated_at
	`, boardID, title).Scan(&board.ID, &board.Title, &board.OwnerID, &board.CreatedAt, &board.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return board, nil
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete board rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListBoardsForUser(ctx context.Context, userID string) ([]BoardSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.title, b.owner_id, b.created_at, b.updated_at, bm.role,
			(SELECT COUNT(*) FROM lists l WHERE l.board_id=b.id) AS list_count,
			(SELECT COUNT(*) FROM board_members m WHERE m.board_id=b.id) AS member_count
		FROM board_members bm
		JOIN boards b ON b.id = bm.board_id
		WHERE bm.user_id=$1
		ORDER BY b.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	items := make([]BoardSummary, 0)
	for rows.Next() {
		var item BoardSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.OwnerID, &item.CreatedAt, &item.UpdatedAt, &item.Role, &item.ListCount, &item.MemberCount); err != nil {
			return nil, fmt.Errorf("scan board summary: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate boards: %w", err)
	}
	return items, nil
}

// MembershipRole resolves the actor's role on a board. The owner is
// always ADMIN even without an enrollment row. sql.ErrNoRows means the
// actor has no relationship to the board at all.
func (s *PostgresStore) MembershipRole(ctx context.Context, boardID, userID string) (string, error) {
	var ownerID string
	var role sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT b.owner_id, bm.role
		FROM boards b
		LEFT JOIN board_members bm ON bm.board_id = b.id AND bm.user_id = $2
		WHERE b.id=$1
	`, boardID, userID).Scan(&ownerID, &role)
	if err != nil {
		return "", err
	}
	if ownerID == userID {
		return "ADMIN", nil
	}
	if !role.Valid {
		return "", sql.ErrNoRows
	}
	return role.String, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, boardID, userID, role string) (BoardMember, error) {
	var member BoardMember
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO board_members (id, board_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (board_id, user_id) DO UPDATE SET role=EXCLUDED.role
		RETURNING id, board_id, user_id, role, created_at
	`, util.NewID("mem"), boardID, userID, role).Scan(&member.ID, &member.BoardID, &member.UserID, &member.Role, &member.CreatedAt)
	if err != nil {
		return BoardMember{}, fmt.Errorf("upsert member: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) UpdateMemberRole(ctx context.Context, boardID, userID, role string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE board_members SET role=$3
		WHERE board_id=$1 AND user_id=$2
	`, boardID, userID, role)
	if err != nil {
		return false, fmt.Errorf("update member role: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update member role rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, boardID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM board_members WHERE board_id=$1 AND user_id=$2
	`, boardID, userID)
	if err != nil {
		return false, fmt.Errorf("remove member: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove member rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, boardID string) ([]BoardMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bm.id, bm.board_id, bm.user_id, bm.role, u.name, u.email, bm.created_at
		FROM board_members bm
		JOIN users u ON u.id = bm.user_id
		WHERE bm.board_id=$1
		ORDER BY bm.created_at ASC
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]BoardMember, 0)
	for rows.Next() {
		var item BoardMember
		if err := rows.Scan(&item.ID, &item.BoardID, &item.UserID, &item.Role, &item.UserName, &item.UserEmail, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

// Snapshot assembles the full board representation: members, lists in
// position order, each list's cards in position order, labels attached.
func (s *PostgresStore) Snapshot(ctx context.Context, boardID string) (BoardSnapshot, error) {
	board, err := s.GetBoard(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}
	members, err := s.ListMembers(ctx, boardID)
	if err != nil {
		return BoardSnapshot{}, err
	}

	listRows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, title, position, created_at, updated_at
		FROM lists
		WHERE board_id=$1
		ORDER BY position ASC
	`, boardID)
	if err != nil {
		return BoardSnapshot{}, fmt.Errorf("list lists: %w", err)
	}
	defer listRows.Close()

	lists := make([]ListWithCards, 0)
	index := make(map[string]int)
	for listRows.Next() {
		var item List
		if err := listRows.Scan(&item.ID, &item.BoardID, &item.Title, &item.Position, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return BoardSnapshot{}, fmt.Errorf("scan list: %w", err)
		}
		index[item.ID] = len(lists)
		lists = append(lists, ListWithCards{List: item, Cards: []Card{}})
	}
	if err := listRows.Err(); err != nil {
		return BoardSnapshot{}, fmt.Errorf("iterate lists: %w", err)
	}

	// Labels are collected up front and attached while cards are scanned.
	// Attaching through pointers into the Cards slices would break as soon
	// as an append reallocates a backing array.
	labelRows, err := s.db.QueryContext(ctx, `
		SELECT cl.card_id, cl.label
		FROM card_labels cl
		JOIN cards c ON c.id = cl.card_id
		JOIN lists l ON l.id = c.list_id
		WHERE l.board_id=$1
		ORDER BY cl.card_id ASC, cl.label ASC
	`, boardID)
	if err != nil {
		return BoardSnapshot{}, fmt.Errorf("list labels: %w", err)
	}
	defer labelRows.Close()

	labelsByCard := make(map[string][]string)
	for labelRows.Next() {
		var cardID, label string
		if err := labelRows.Scan(&cardID, &label); err != nil {
			return BoardSnapshot{}, fmt.Errorf("scan label: %w", err)
		}
		labelsByCard[cardID] = append(labelsByCard[cardID], label)
	}
	if err := labelRows.Err(); err != nil {
		return BoardSnapshot{}, fmt.Errorf("iterate labels: %w", err)
	}

	cardRows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.list_id, c.title, c.description, c.position, c.version, c.assignee_id, c.due_date, c.created_at, c.updated_at
		FROM cards c
		JOIN lists l ON l.id = c.list_id
		WHERE l.board_id=$1
		ORDER BY c.list_id ASC, c.position ASC
	`, boardID)
	if err != nil {
		return BoardSnapshot{}, fmt.Errorf("list cards: %w", err)
	}
	defer cardRows.Close()

	for cardRows.Next() {
		var card Card
		if err := cardRows.Scan(&card.ID, &card.ListID, &card.Title, &card.Description, &card.Position, &card.Version, &card.AssigneeID, &card.DueDate, &card.CreatedAt, &card.UpdatedAt); err != nil {
			return BoardSnapshot{}, fmt.Errorf("scan card: %w", err)
		}
		card.Labels = []string{}
		if labels, ok := labelsByCard[card.ID]; ok {
			card.Labels = labels
		}
		i, ok := index[card.ListID]
		if !ok {
			continue
		}
		lists[i].Cards = append(lists[i].Cards, card)
	}
	if err := cardRows.Err(); err != nil {
		return BoardSnapshot{}, fmt.Errorf("iterate cards: %w", err)
	}

	return BoardSnapshot{Board: board, Members: members, Lists: lists}, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (id, card_id, author_id, body)
		VALUES ($1, $2, $3, $4)
		RETURNING id, card_id, author_id, body, created_at
	`, util.NewID("cmt"), comment.CardID, comment.Author, comment.Body).Scan(&comment.ID, &comment.CardID, &comment.Author, &comment.Body, &comment.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	var name string
	if err := s.db.QueryRowContext(ctx, `SELECT name FROM users WHERE id=$1`, comment.Author).Scan(&name); err == nil {
		comment.AuthorName = name
	}
	return comment, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, cardID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.card_id, c.author_id, c.body, u.name, c.created_at
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.card_id=$1
		ORDER BY c.created_at DESC
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.CardID, &item.Author, &item.Body, &item.AuthorName, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.card_id, c.author_id, c.body, u.name, c.created_at
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.id=$1
	`, commentID).Scan(&item.ID, &item.CardID, &item.Author, &item.Body, &item.AuthorName, &item.CreatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

// SearchCards matches cards on boards the actor belongs to. Text matching
// is ILIKE over title and description.
func (s *PostgresStore) SearchCards(ctx context.Context, userID string, filter CardSearchFilter) ([]CardSearchResult, int, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	const baseWhere = `
		FROM cards c
		JOIN lists l ON l.id = c.list_id
		JOIN boards b ON b.id = l.board_id
		JOIN board_members bm ON bm.board_id = b.id AND bm.user_id = $1
		WHERE ($2='' OR c.title ILIKE '%' || $2 || '%' OR c.description ILIKE '%' || $2 || '%')
		  AND ($3='' OR b.id=$3)
		  AND ($4='' OR l.id=$4)
		  AND ($5='' OR c.assignee_id=$5)
	`

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.list_id, c.title, c.description, c.position, c.version, c.assignee_id, c.due_date, c.created_at, c.updated_at, l.title, b.id
	`+baseWhere+`
		ORDER BY c.updated_at DESC
		LIMIT $6 OFFSET $7
	`, userID, filter.Query, filter.BoardID, filter.ListID, filter.AssigneeID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search cards: %w", err)
	}
	defer rows.Close()

	items := make([]CardSearchResult, 0)
	for rows.Next() {
		var item CardSearchResult
		if err := rows.Scan(&item.ID, &item.ListID, &item.Title, &item.Description, &item.Position, &item.Version, &item.AssigneeID, &item.DueDate, &item.CreatedAt, &item.UpdatedAt, &item.ListTitle, &item.BoardID); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		item.Labels = []string{}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}

	var total int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) `+baseWhere,
		userID, filter.Query, filter.BoardID, filter.ListID, filter.AssigneeID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	for i := range items {
		labels, err := s.cardLabels(ctx, items[i].ID)
		if err != nil {
			return nil, 0, err
		}
		items[i].Labels = labels
	}
	return items, total, nil
}

func (s *PostgresStore) cardLabels(ctx context.Context, cardID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label FROM card_labels WHERE card_id=$1 ORDER BY label ASC
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("list card labels: %w", err)
	}
	defer rows.Close()

	labels := make([]string, 0)
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return nil, fmt.Errorf("scan card label: %w", err)
		}
		labels = append(labels, label)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate card labels: %w", err)
	}
	return labels, nil
}
