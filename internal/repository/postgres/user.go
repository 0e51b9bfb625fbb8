package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/huddle/internal/models"
)

type UserStore struct {
	pool *pgxpool.Pool
}

func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func (s *UserStore) GetSummary(ctx context.Context, userID uuid.UUID) (*models.UserSummary, error) {
	query := `
		SELECT id, display_name, avatar_url
		FROM users
		WHERE id = $1`

	var u models.UserSummary
	err := s.pool.QueryRow(ctx, query, userID).Scan(
		&u.ID,
		&u.DisplayName,
		&u.AvatarURL,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// Upsert writes the profile projection. The profile service owns users; it
// (or a test) calls this to keep display names current.
func (s *UserStore) Upsert(ctx context.Context, u models.UserSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, display_name, avatar_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    avatar_url   = EXCLUDED.avatar_url`,
		u.ID, u.DisplayName, u.AvatarURL)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
