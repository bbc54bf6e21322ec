package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/nickcecere/codechat/internal/errs"
)

// CreateSession persists a new chat session. Empty ID and CreatedAt are filled in.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess Session) (*Session, error) {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	ts := now()
	sess.CreatedAt = parseTime(ts)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, project_id, title, created_at) VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, nullableID(sess.ProjectID), sess.Title, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &sess, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, title, created_at FROM chat_sessions WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// SetSessionProject associates a session with the project it asks about.
func (s *SQLiteStore) SetSessionProject(ctx context.Context, id string, projectID int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE chat_sessions SET project_id = ? WHERE id = ?`, nullableID(projectID), id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", errs.ErrNotFound, id)
	}
	return nil
}

// ListSessions returns a user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, project_id, title, created_at FROM chat_sessions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// AppendMessage adds a message to the end of a session.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Sources == nil {
		m.Sources = []string{}
	}
	sources, err := json.Marshal(m.Sources)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sources: %w", err)
	}
	ts := now()
	m.CreatedAt = parseTime(ts)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM chat_sessions WHERE id = ?`, m.SessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", errs.ErrNotFound, m.SessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, session_id, role, content, sources, created_at) VALUES (?, ?, ?, ?, ?, ?)
	`, m.ID, m.SessionID, string(m.Role), m.Content, string(sources), ts)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	return &m, nil
}

// ListMessages returns a session's messages, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	return s.queryMessages(ctx, `
		SELECT id, session_id, role, content, sources, created_at FROM chat_messages
		WHERE session_id = ? ORDER BY seq ASC
	`, sessionID)
}

// RecentMessages returns the last n messages of a session, oldest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, n int) ([]Message, error) {
	if n <= 0 {
		return []Message{}, nil
	}
	msgs, err := s.queryMessages(ctx, `
		SELECT id, session_id, role, content, sources, created_at FROM chat_messages
		WHERE session_id = ? ORDER BY seq DESC LIMIT ?
	`, sessionID, n)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var m Message
		var role, sources, createdAt string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &sources, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = parseTime(createdAt)
		if err := json.Unmarshal([]byte(sources), &m.Sources); err != nil {
			return nil, fmt.Errorf("failed to decode sources: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var projectID sql.NullInt64
	var createdAt string
	if err := row.Scan(&sess.ID, &sess.UserID, &projectID, &sess.Title, &createdAt); err != nil {
		return nil, err
	}
	sess.ProjectID = projectID.Int64
	sess.CreatedAt = parseTime(createdAt)
	return &sess, nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
