package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"appforge/internal/models"

	"github.com/google/uuid"
)

const maxTitleRunes = 60

// CreateSession stores a new session whose transcript holds only first.
func (s *Service) CreateSession(ctx context.Context, userID string, first models.Message) (*models.Session, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	msg, err := normalizeMessage(first)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     titleFrom(msg.Content),
		Messages:  []models.Message{msg},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, version, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, userID, session.Title, session.Version, now, now,
	); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		session.ID, 1, msg.Role, msg.Content, now,
	); err != nil {
		return nil, fmt.Errorf("insert first message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	return session, nil
}

// GetSession returns the session with its transcript if userID owns it.
func (s *Service) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	var (
		session  models.Session
		fileData sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, file_data, version, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID, userID,
	).Scan(&session.ID, &session.UserID, &session.Title, &fileData, &session.Version, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if fileData.Valid && fileData.String != "" {
		if err := json.Unmarshal([]byte(fileData.String), &session.FileData); err != nil {
			return nil, fmt.Errorf("decode file data: %w", err)
		}
	}

	session.Messages, err = loadMessages(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns the user's sessions ordered by last activity.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, version, created_at, updated_at FROM sessions WHERE user_id = ? ORDER BY updated_at DESC, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.SessionSummary, 0)
	for rows.Next() {
		var item models.SessionSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.Version, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, item)
	}
	return sessions, rows.Err()
}

// UpdateMessages replaces the transcript with messages. History is
// append-only: the stored transcript must be a prefix of messages and only
// the new tail is written. expectedVersion of AnyVersion skips the version
// check.
func (s *Service) UpdateMessages(ctx context.Context, userID, sessionID string, messages []models.Message, expectedVersion int64) (*models.Session, error) {
	normalized := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		msg, err := normalizeMessage(m)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, msg)
	}
	return s.appendTail(ctx, userID, sessionID, expectedVersion, func(stored []models.Message) ([]models.Message, error) {
		if len(normalized) < len(stored) {
			return nil, fmt.Errorf("%w: transcript would drop %d messages", ErrVersionConflict, len(stored)-len(normalized))
		}
		for i := range stored {
			if stored[i] != normalized[i] {
				return nil, fmt.Errorf("%w: message %d differs from stored history", ErrVersionConflict, i+1)
			}
		}
		return normalized[len(stored):], nil
	})
}

// AppendMessage adds one message to the end of the transcript.
func (s *Service) AppendMessage(ctx context.Context, userID, sessionID string, message models.Message, expectedVersion int64) (*models.Session, error) {
	msg, err := normalizeMessage(message)
	if err != nil {
		return nil, err
	}
	return s.appendTail(ctx, userID, sessionID, expectedVersion, func([]models.Message) ([]models.Message, error) {
		return []models.Message{msg}, nil
	})
}

// SaveFiles stores the merged file map and, when non-empty, a new title.
func (s *Service) SaveFiles(ctx context.Context, userID, sessionID string, files models.FileMap, title string) (*models.Session, error) {
	payload, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encode file data: %w", err)
	}
	title = titleFrom(title)

	query := `UPDATE sessions SET file_data = ?, updated_at = ? WHERE id = ? AND user_id = ?`
	args := []any{string(payload), s.now(), sessionID, userID}
	if title != "" {
		query = `UPDATE sessions SET file_data = ?, title = ?, updated_at = ? WHERE id = ? AND user_id = ?`
		args = []any{string(payload), title, s.now(), sessionID, userID}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("save files: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("session rows affected: %w", err)
	} else if affected == 0 {
		return nil, ErrSessionNotFound
	}
	return s.GetSession(ctx, userID, sessionID)
}

// appendTail runs one transcript write. tail receives the stored transcript
// and returns the messages to append after it.
func (s *Service) appendTail(ctx context.Context, userID, sessionID string, expectedVersion int64, tail func([]models.Message) ([]models.Message, error)) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session version: %w", err)
	}
	if expectedVersion != AnyVersion && expectedVersion != version {
		return nil, fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, expectedVersion, version)
	}

	stored, err := loadMessages(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	added, err := tail(stored)
	if err != nil {
		return nil, err
	}

	if len(added) > 0 {
		now := s.now()
		for i, msg := range added {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
				sessionID, version+int64(i)+1, msg.Role, msg.Content, now,
			); err != nil {
				return nil, fmt.Errorf("insert message: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET version = ?, updated_at = ? WHERE id = ? AND version = ?`,
			version+int64(len(added)), now, sessionID, version,
		)
		if err != nil {
			return nil, fmt.Errorf("bump session version: %w", err)
		}
		if affected, err := res.RowsAffected(); err != nil {
			return nil, fmt.Errorf("session rows affected: %w", err)
		} else if affected == 0 {
			return nil, ErrVersionConflict
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit messages: %w", err)
		}
	} else {
		tx.Rollback()
	}
	return s.GetSession(ctx, userID, sessionID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadMessages(ctx context.Context, q queryer, sessionID string) ([]models.Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT role, content FROM messages WHERE session_id = ? ORDER BY seq ASC`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func normalizeMessage(m models.Message) (models.Message, error) {
	role, err := models.ParseRole(string(m.Role))
	if err != nil {
		return models.Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if strings.TrimSpace(m.Content) == "" {
		return models.Message{}, fmt.Errorf("%w: content cannot be empty", ErrInvalidMessage)
	}
	return models.Message{Role: role, Content: m.Content}, nil
}

func titleFrom(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}
