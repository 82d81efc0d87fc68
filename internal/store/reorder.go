package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"taskboard/api/internal/order"
	"taskboard/api/internal/util"
)

// Every positional mutation runs inside one transaction that first takes a
// FOR UPDATE lock on the parent container row(s). The lock serializes
// concurrent reorders of the same container, so counts and positions read
// afterwards reflect any move that committed first. Two containers are
// always locked in ID order to keep cross-list moves deadlock-free among
// themselves; a serialization or deadlock failure from overlapping lock
// sets is retried, then surfaced as ErrTxConflict.

const conflictRetries = 2

// errStaleRead aborts a transaction whose pre-lock reads no longer hold
// once the locks are acquired; the body restarts against fresh state.
var errStaleRead = errors.New("row changed containers while waiting for locks")

func (s *PostgresStore) withConflictRetry(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.runTx(ctx, fn)
		if err == nil || !(isRetryableConflict(err) || errors.Is(err, errStaleRead)) {
			return err
		}
		if attempt == conflictRetries {
			return fmt.Errorf("%w: %v", ErrTxConflict, err)
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 25 * time.Millisecond):
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrTxConflict, ctx.Err())
		}
	}
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure and deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func lockBoardRow(ctx context.Context, tx *sql.Tx, boardID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM boards WHERE id=$1 FOR UPDATE`, boardID).Scan(&id)
	if err != nil {
		return err
	}
	return nil
}

func lockListRows(ctx context.Context, tx *sql.Tx, listIDs ...string) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM lists WHERE id = ANY($1) ORDER BY id FOR UPDATE
	`, listIDs)
	if err != nil {
		return fmt.Errorf("lock lists: %w", err)
	}
	defer rows.Close()

	locked := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan locked list: %w", err)
		}
		locked[id] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate locked lists: %w", err)
	}
	for _, id := range listIDs {
		if !locked[id] {
			return sql.ErrNoRows
		}
	}
	return nil
}

func applyShifts(ctx context.Context, tx *sql.Tx, table, parentColumn, parentID string, shifts []order.Shift) error {
	for _, shift := range shifts {
		query := fmt.Sprintf(`
			UPDATE %s SET position = position + $4
			WHERE %s = $1 AND position BETWEEN $2 AND $3
		`, table, parentColumn)
		if _, err := tx.ExecContext(ctx, query, parentID, shift.Start, shift.End, shift.Delta); err != nil {
			return fmt.Errorf("shift %s positions: %w", table, err)
		}
	}
	return nil
}

func countRows(ctx context.Context, tx *sql.Tx, table, parentColumn, parentID string) (int, error) {
	var count int
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = $1`, table, parentColumn)
	if err := tx.QueryRowContext(ctx, query, parentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

func (s *PostgresStore) BoardIDForList(ctx context.Context, listID string) (string, error) {
	var boardID string
	err := s.db.QueryRowContext(ctx, `SELECT board_id FROM lists WHERE id=$1`, listID).Scan(&boardID)
	if err != nil {
		return "", err
	}
	return boardID, nil
}

// CardContext resolves the list and board a card currently lives in.
func (s *PostgresStore) CardContext(ctx context.Context, cardID string) (listID, boardID string, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT c.list_id, l.board_id
		FROM cards c
		JOIN lists l ON l.id = c.list_id
		WHERE c.id=$1
	`, cardID).Scan(&listID, &boardID)
	return listID, boardID, err
}

// InsertList appends the list, or opens a slot at the requested position.
func (s *PostgresStore) InsertList(ctx context.Context, boardID, title string, position *int) (List, error) {
	var created List
	err := s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		if err := lockBoardRow(ctx, tx, boardID); err != nil {
			return err
		}
		count, err := countRows(ctx, tx, "lists", "board_id", boardID)
		if err != nil {
			return err
		}
		requested := count
		if position != nil {
			requested = *position
		}
		plan := order.InsertAt(count, requested)
		if err := applyShifts(ctx, tx, "lists", "board_id", boardID, plan.Source); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO lists (id, board_id, title, position)
			VALUES ($1, $2, $3, $4)
			RETURNING id, board_id, title, position, created_at, updated_at
		`, util.NewID("lst"), boardID, title, plan.Position).Scan(
			&created.ID, &created.BoardID, &created.Title, &created.Position, &created.CreatedAt, &created.UpdatedAt)
	})
	if err != nil {
		return List{}, err
	}
	return created, nil
}

func (s *PostgresStore) RenameList(ctx context.Context, listID, title string) (List, error) {
	var item List
	err := s.db.QueryRowContext(ctx, `
		UPDATE lists SET title=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING id, board_id, title, position, created_at, updated_at
	`, listID, title).Scan(&item.ID, &item.BoardID, &item.Title, &item.Position, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return List{}, err
	}
	return item, nil
}

// MoveList reorders a list inside its board.
func (s *PostgresStore) MoveList(ctx context.Context, listID string, toPosition int) (List, error) {
	var moved List
	err := s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		var boardID string
		var from int
		if err := tx.QueryRowContext(ctx, `SELECT board_id, position FROM lists WHERE id=$1`, listID).Scan(&boardID, &from); err != nil {
			return err
		}
		if err := lockBoardRow(ctx, tx, boardID); err != nil {
			return err
		}
		// Re-read under the lock; a concurrent move may have shifted us.
		if err := tx.QueryRowContext(ctx, `SELECT position FROM lists WHERE id=$1`, listID).Scan(&from); err != nil {
			return err
		}
		count, err := countRows(ctx, tx, "lists", "board_id", boardID)
		if err != nil {
			return err
		}
		plan := order.MoveWithin(count, from, toPosition)
		if err := applyShifts(ctx, tx, "lists", "board_id", boardID, plan.Source); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `
			UPDATE lists SET position=$2, updated_at=NOW()
			WHERE id=$1
			RETURNING id, board_id, title, position, created_at, updated_at
		`, listID, plan.Position).Scan(&moved.ID, &moved.BoardID, &moved.Title, &moved.Position, &moved.CreatedAt, &moved.UpdatedAt)
	})
	if err != nil {
		return List{}, err
	}
	return moved, nil
}

// DeleteList removes the list (cards cascade) and compacts the positions
// after it.
func (s *PostgresStore) DeleteList(ctx context.Context, listID string) error {
	return s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		var boardID string
		var position int
		if err := tx.QueryRowContext(ctx, `SELECT board_id, position FROM lists WHERE id=$1`, listID).Scan(&boardID, &position); err != nil {
			return err
		}
		if err := lockBoardRow(ctx, tx, boardID); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT position FROM lists WHERE id=$1`, listID).Scan(&position); err != nil {
			return err
		}
		count, err := countRows(ctx, tx, "lists", "board_id", boardID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE id=$1`, listID); err != nil {
			return fmt.Errorf("delete list: %w", err)
		}
		plan := order.RemoveAt(count, position)
		return applyShifts(ctx, tx, "lists", "board_id", boardID, plan.Source)
	})
}

func (s *PostgresStore) GetCard(ctx context.Context, cardID string) (Card, error) {
	var card Card
	err := s.db.QueryRowContext(ctx, `
		SELECT id, list_id, title, description, position, version, assignee_id, due_date, created_at, updated_at
		FROM cards
		WHERE id=$1
	`, cardID).Scan(&card.ID, &card.ListID, &card.Title, &card.Description, &card.Position, &card.Version, &card.AssigneeID, &card.DueDate, &card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return Card{}, err
	}
	labels, err := s.cardLabels(ctx, cardID)
	if err != nil {
		return Card{}, err
	}
	card.Labels = labels
	return card, nil
}

// InsertCard appends the card to its list, or opens a slot at the
// requested position.
func (s *PostgresStore) InsertCard(ctx context.Context, listID string, card Card, position *int) (Card, error) {
	var created Card
	err := s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		if err := lockListRows(ctx, tx, listID); err != nil {
			return err
		}
		count, err := countRows(ctx, tx, "cards", "list_id", listID)
		if err != nil {
			return err
		}
		requested := count
		if position != nil {
			requested = *position
		}
		plan := order.InsertAt(count, requested)
		if err := applyShifts(ctx, tx, "cards", "list_id", listID, plan.Source); err != nil {
			return err
		}
		id := util.NewID("crd")
		err = tx.QueryRowContext(ctx, `
			INSERT INTO cards (id, list_id, title, description, position, assignee_id, due_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, list_id, title, description, position, version, assignee_id, due_date, created_at, updated_at
		`, id, listID, card.Title, card.Description, plan.Position, card.AssigneeID, card.DueDate).Scan(
			&created.ID, &created.ListID, &created.Title, &created.Description, &created.Position, &created.Version,
			&created.AssigneeID, &created.DueDate, &created.CreatedAt, &created.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert card: %w", err)
		}
		created.Labels = []string{}
		for _, label := range dedupe(card.Labels) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO card_labels (card_id, label) VALUES ($1, $2)
			`, id, label); err != nil {
				return fmt.Errorf("insert card label: %w", err)
			}
			created.Labels = append(created.Labels, label)
		}
		return nil
	})
	if err != nil {
		return Card{}, err
	}
	return created, nil
}

// UpdateCard merges the given fields and bumps the version, all in one
// transaction. When ExpectedVersion is set the write only lands if the
// stored version still matches; otherwise ErrVersionConflict.
func (s *PostgresStore) UpdateCard(ctx context.Context, cardID string, update CardUpdate) (Card, error) {
	var updated Card
	err := s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		var current Card
		err := tx.QueryRowContext(ctx, `
			SELECT id, list_id, title, description, position, version, assignee_id, due_date
			FROM cards
			WHERE id=$1
			FOR UPDATE
		`, cardID).Scan(&current.ID, &current.ListID, &current.Title, &current.Description, &current.Position, &current.Version, &current.AssigneeID, &current.DueDate)
		if err != nil {
			return err
		}
		if update.ExpectedVersion != nil && *update.ExpectedVersion != current.Version {
			return ErrVersionConflict
		}

		title := current.Title
		if update.Title != nil {
			title = *update.Title
		}
		description := current.Description
		if update.Description != nil {
			description = *update.Description
		}
		assignee := current.AssigneeID
		if update.ClearAssignee {
			assignee = nil
		} else if update.AssigneeID != nil {
			assignee = update.AssigneeID
		}
		dueDate := current.DueDate
		if update.ClearDueDate {
			dueDate = nil
		} else if update.DueDate != nil {
			dueDate = update.DueDate
		}

		err = tx.QueryRowContext(ctx, `
			UPDATE cards
			SET title=$2, description=$3, assignee_id=$4, due_date=$5, version=version+1, updated_at=NOW()
			WHERE id=$1
			RETURNING id, list_id, title, description, position, version, assignee_id, due_date, created_at, updated_at
		`, cardID, title, description, assignee, dueDate).Scan(
			&updated.ID, &updated.ListID, &updated.Title, &updated.Description, &updated.Position, &updated.Version,
			&updated.AssigneeID, &updated.DueDate, &updated.CreatedAt, &updated.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update card: %w", err)
		}

		if update.Labels != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM card_labels WHERE card_id=$1`, cardID); err != nil {
				return fmt.Errorf("clear card labels: %w", err)
			}
			updated.Labels = []string{}
			for _, label := range dedupe(update.Labels) {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO card_labels (card_id, label) VALUES ($1, $2)
				`, cardID, label); err != nil {
					return fmt.Errorf("insert card label: %w", err)
				}
				updated.Labels = append(updated.Labels, label)
			}
			return nil
		}

		labels, err := cardLabelsTx(ctx, tx, cardID)
		if err != nil {
			return err
		}
		updated.Labels = labels
		return nil
	})
	if err != nil {
		return Card{}, err
	}
	return updated, nil
}

// DeleteCard removes the card and compacts the positions after it.
func (s *PostgresStore) DeleteCard(ctx context.Context, cardID string) error {
	return s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		var listID string
		var position int
		if err := tx.QueryRowContext(ctx, `SELECT list_id, position FROM cards WHERE id=$1`, cardID).Scan(&listID, &position); err != nil {
			return err
		}
		if err := lockListRows(ctx, tx, listID); err != nil {
			return err
		}
		var currentListID string
		if err := tx.QueryRowContext(ctx, `SELECT list_id, position FROM cards WHERE id=$1`, cardID).Scan(&currentListID, &position); err != nil {
			return err
		}
		if currentListID != listID {
			return errStaleRead
		}
		count, err := countRows(ctx, tx, "cards", "list_id", listID)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cards WHERE id=$1`, cardID); err != nil {
			return fmt.Errorf("delete card: %w", err)
		}
		plan := order.RemoveAt(count, position)
		return applyShifts(ctx, tx, "cards", "list_id", listID, plan.Source)
	})
}

// MoveCard relocates a card within its list or into another list on the
// same board. The whole reindex is one transaction: the source gap closes,
// the destination slot opens, and the card's list, position, and version
// change together or not at all. Callers must have already rejected
// cross-board destinations; this re-checks under the transaction anyway.
func (s *PostgresStore) MoveCard(ctx context.Context, cardID, destListID string, toPosition int) (Card, error) {
	var moved Card
	err := s.withConflictRetry(ctx, func(tx *sql.Tx) error {
		var sourceListID string
		var from int
		if err := tx.QueryRowContext(ctx, `SELECT list_id, position FROM cards WHERE id=$1`, cardID).Scan(&sourceListID, &from); err != nil {
			return err
		}
		dest := destListID
		if dest == "" {
			dest = sourceListID
		}

		var sourceBoard, destBoard string
		if err := tx.QueryRowContext(ctx, `SELECT board_id FROM lists WHERE id=$1`, sourceListID).Scan(&sourceBoard); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `SELECT board_id FROM lists WHERE id=$1`, dest).Scan(&destBoard); err != nil {
			return err
		}
		if sourceBoard != destBoard {
			return ErrCrossBoardMove
		}

		if sourceListID == dest {
			if err := lockListRows(ctx, tx, sourceListID); err != nil {
				return err
			}
		} else {
			if err := lockListRows(ctx, tx, sourceListID, dest); err != nil {
				return err
			}
		}

		// The card may have shifted, or left the source list entirely,
		// while we waited on the locks. A changed list means the locked
		// set is the wrong one: restart with fresh state.
		var currentListID string
		if err := tx.QueryRowContext(ctx, `SELECT list_id, position FROM cards WHERE id=$1`, cardID).Scan(&currentListID, &from); err != nil {
			return err
		}
		if currentListID != sourceListID {
			return errStaleRead
		}

		if sourceListID == dest {
			count, err := countRows(ctx, tx, "cards", "list_id", sourceListID)
			if err != nil {
				return err
			}
			plan := order.MoveWithin(count, from, toPosition)
			if err := applyShifts(ctx, tx, "cards", "list_id", sourceListID, plan.Source); err != nil {
				return err
			}
			return scanMovedCard(tx.QueryRowContext(ctx, `
				UPDATE cards SET position=$2, version=version+1, updated_at=NOW()
				WHERE id=$1
				RETURNING id, list_id, title, description, position, version, assignee_id, due_date, created_at, updated_at
			`, cardID, plan.Position), &moved)
		}

		sourceCount, err := countRows(ctx, tx, "cards", "list_id", sourceListID)
		if err != nil {
			return err
		}
		destCount, err := countRows(ctx, tx, "cards", "list_id", dest)
		if err != nil {
			return err
		}
		plan := order.MoveAcross(sourceCount, destCount, from, toPosition)
		if err := applyShifts(ctx, tx, "cards", "list_id", sourceListID, plan.Source); err != nil {
			return err
		}
		if err := applyShifts(ctx, tx, "cards", "list_id", dest, plan.Dest); err != nil {
			return err
		}
		return scanMovedCard(tx.QueryRowContext(ctx, `
			UPDATE cards SET list_id=$2, position=$3, version=version+1, updated_at=NOW()
			WHERE id=$1
			RETURNING id, list_id, title, description, position, version, assignee_id, due_date, created_at, updated_at
		`, cardID, dest, plan.Position), &moved)
	})
	if err != nil {
		return Card{}, err
	}
	labels, err := s.cardLabels(ctx, cardID)
	if err != nil {
		return Card{}, err
	}
	moved.Labels = labels
	return moved, nil
}

func scanMovedCard(row *sql.Row, card *Card) error {
	err := row.Scan(&card.ID, &card.ListID, &card.Title, &card.Description, &card.Position, &card.Version,
		&card.AssigneeID, &card.DueDate, &card.CreatedAt, &card.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update moved card: %w", err)
	}
	return nil
}

func cardLabelsTx(ctx context.Context, tx *sql.Tx, cardID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
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

func dedupe(labels []string) []string {
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		if label == "" {
			continue
		}
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}
	return out
}
