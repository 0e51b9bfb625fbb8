package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CommunityStore reads community membership. Public community channels are
// readable by every member, so this is the access check for them.
type CommunityStore struct {
	pool *pgxpool.Pool
}

func NewCommunityStore(pool *pgxpool.Pool) *CommunityStore {
	return &CommunityStore{pool: pool}
}

func (s *CommunityStore) IsMember(ctx context.Context, communityID, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM community_members
			WHERE community_id = $1 AND user_id = $2
		)`

	var exists bool
	err := s.pool.QueryRow(ctx, query, communityID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check community membership: %w", err)
	}
	return exists, nil
}

// Create and AddMember seed the projection; communities are owned elsewhere.
func (s *CommunityStore) Create(ctx context.Context, communityID uuid.UUID, name string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO communities (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, communityID, name)
	if err != nil {
		return fmt.Errorf("upsert community: %w", err)
	}
	return nil
}

func (s *CommunityStore) AddMember(ctx context.Context, communityID, userID uuid.UUID) error {
	// ON CONFLICT DO NOTHING keeps this idempotent.
	_, err := s.pool.Exec(ctx, `
		INSERT INTO community_members (community_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (community_id, user_id) DO NOTHING`, communityID, userID)
	if err != nil {
		return fmt.Errorf("add community member: %w", err)
	}
	return nil
}
