package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "llmops/internal/errors"
)

// CreateSession inserts a new session. ID, Name and Chain come from the caller.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	chain, err := json.Marshal(session.Chain)
	if err != nil {
		return fmt.Errorf("encode chain: %w", err)
	}
	now := s.timestamp()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, chain, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.Name, string(chain), now, now)
	if isUniqueViolation(err) {
		return apperrors.Conflict("session %s already exists", session.ID)
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	session.CreatedAt = fromMillis(now)
	session.UpdatedAt = session.CreatedAt
	return nil
}

// GetSession loads one session.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, chain, created_at, updated_at FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session %s", id)
	}
	return session, err
}

// ListSessions returns sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context, page Page) ([]Session, error) {
	page = page.normalized()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, chain, created_at, updated_at FROM sessions
		 ORDER BY updated_at DESC, created_at DESC LIMIT ? OFFSET ?`, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and, by cascade, its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireAffected(res, apperrors.NotFound("session %s", id))
}

// AppendMessages stores messages in order and bumps the session's updated_at.
func (s *Store) AppendMessages(ctx context.Context, messages ...*Message) error {
	if len(messages) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertMessages(ctx, tx, messages)
	})
}

// ReplaceMessages removes the given messages and appends new ones in a single
// transaction. A removed ID that no longer exists yields ErrConflict and
// leaves the session unchanged.
func (s *Store) ReplaceMessages(ctx context.Context, sessionID string, removeIDs []string, messages ...*Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range removeIDs {
			res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ? AND id = ?`, sessionID, id)
			if err != nil {
				return fmt.Errorf("delete message: %w", err)
			}
			if err := requireAffected(res, apperrors.Conflict("message %s was already replaced", id)); err != nil {
				return err
			}
		}
		if len(messages) == 0 {
			return nil
		}
		return s.insertMessages(ctx, tx, messages)
	})
}

func (s *Store) insertMessages(ctx context.Context, tx *sql.Tx, messages []*Message) error {
	now := s.timestamp()
	for _, msg := range messages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, msg.SessionID, msg.Role, msg.Content, now); err != nil {
			if isUniqueViolation(err) {
				return apperrors.Conflict("message %s already exists", msg.ID)
			}
			return fmt.Errorf("insert message: %w", err)
		}
		msg.CreatedAt = fromMillis(now)
	}
	_, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, messages[0].SessionID)
	return err
}

// ListMessages returns a session's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var created int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.CreatedAt = fromMillis(created)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var chain string
	var created, updated int64
	if err := row.Scan(&session.ID, &session.Name, &chain, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if chain != "" {
		if err := json.Unmarshal([]byte(chain), &session.Chain); err != nil {
			return nil, fmt.Errorf("decode chain for session %s: %w", session.ID, err)
		}
	}
	session.CreatedAt = fromMillis(created)
	session.UpdatedAt = fromMillis(updated)
	return &session, nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
