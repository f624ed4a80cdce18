package assistant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"appforge/internal/models"

	"github.com/google/uuid"
)

// Service persists users, sessions and their transcripts.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService builds a new assistant service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// UpsertInput is the profile handed over by the identity provider.
type UpsertInput struct {
	Name    string
	Email   string
	Picture string
	UID     string
}

// UpsertUser returns the user registered under the email, creating it when
// absent. The returned status is models.UserStatusCreated or
// models.UserStatusExists.
func (s *Service) UpsertUser(ctx context.Context, in UpsertInput) (*models.User, string, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.Name = strings.TrimSpace(in.Name)
	in.UID = strings.TrimSpace(in.UID)
	if in.Email == "" {
		return nil, "", errors.New("email is required")
	}
	if in.UID == "" {
		return nil, "", errors.New("uid is required")
	}
	if in.Name == "" {
		in.Name = in.Email
	}

	existing, err := s.GetUserByEmail(ctx, in.Email)
	switch {
	case err == nil:
		return existing, models.UserStatusExists, nil
	case !errors.Is(err, ErrUserNotFound):
		return nil, "", err
	}

	user := &models.User{
		ID:        uuid.NewString(),
		Name:      in.Name,
		Email:     in.Email,
		Picture:   strings.TrimSpace(in.Picture),
		UID:       in.UID,
		CreatedAt: s.now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, email, picture, uid, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, user.Picture, user.UID, user.CreatedAt,
	)
	if err != nil {
		// lost a race on the unique email index
		if raced, lookupErr := s.GetUserByEmail(ctx, in.Email); lookupErr == nil {
			return raced, models.UserStatusExists, nil
		}
		return nil, "", fmt.Errorf("create user: %w", err)
	}
	return user, models.UserStatusCreated, nil
}

// GetUserByEmail looks a user up by (case-insensitive) email.
func (s *Service) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrUserNotFound
	}
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, name, email, picture, uid, created_at FROM users WHERE email = ?`, email,
	))
}

// GetUser returns the user with the given id.
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	if id == "" {
		return nil, ErrUserNotFound
	}
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, name, email, picture, uid, created_at FROM users WHERE id = ?`, id,
	))
}

func (s *Service) scanUser(row *sql.Row) (*models.User, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &user.Picture, &user.UID, &user.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}
