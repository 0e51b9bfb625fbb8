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

type ChannelStore struct {
	pool *pgxpool.Pool
}

func NewChannelStore(pool *pgxpool.Pool) *ChannelStore {
	return &ChannelStore{pool: pool}
}

func (s *ChannelStore) GetByID(ctx context.Context, channelID uuid.UUID) (*models.Channel, error) {
	// One round trip: participants are folded into an array. FILTER drops the
	// NULL row LEFT JOIN produces for channels without participants, and
	// COALESCE turns "no rows" into an empty array instead of NULL.
	query := `
		SELECT c.id, c.type, c.name, c.is_private, c.community_id, c.created_at,
		       COALESCE(array_agg(p.user_id ORDER BY p.added_at)
		                FILTER (WHERE p.user_id IS NOT NULL), '{}')
		FROM channels c
		LEFT JOIN channel_participants p ON p.channel_id = c.id
		WHERE c.id = $1
		GROUP BY c.id`

	var ch models.Channel
	err := s.pool.QueryRow(ctx, query, channelID).Scan(
		&ch.ID,
		&ch.Type,
		&ch.Name,
		&ch.IsPrivate,
		&ch.CommunityID,
		&ch.CreatedAt,
		&ch.Participants,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get channel: %w", err)
	}
	return &ch, nil
}

func (s *ChannelStore) FindOrCreatePrivate(ctx context.Context, a, b uuid.UUID) (*models.Channel, error) {
	key := models.PairKey(a, b)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Look up before insert, enforced by the unique pair_key: if another
	// transaction inserts the same pair first, ON CONFLICT waits for it and
	// then does nothing, and the SELECT below finds the winner's row.
	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO channels (type, is_private, pair_key)
		VALUES ('PrivateMessage', true, $1)
		ON CONFLICT (pair_key) DO NOTHING
		RETURNING id`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx, `SELECT id FROM channels WHERE pair_key = $1`, key).Scan(&id)
	}
	if err != nil {
		return nil, fmt.Errorf("find or create private channel: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO channel_participants (channel_id, user_id)
		VALUES ($1, $2), ($1, $3)
		ON CONFLICT (channel_id, user_id) DO NOTHING`, id, a, b); err != nil {
		return nil, fmt.Errorf("add private participants: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit private channel: %w", err)
	}

	return s.GetByID(ctx, id)
}

func (s *ChannelStore) IsParticipant(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	// EXISTS stops at the first match. This runs before every join and send.
	query := `
		SELECT EXISTS (
			SELECT 1 FROM channel_participants
			WHERE channel_id = $1 AND user_id = $2
		)`

	var exists bool
	err := s.pool.QueryRow(ctx, query, channelID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return exists, nil
}

// AddParticipant puts userID on the channel's participant list. Used to
// manage private community channel allow-lists. Idempotent.
func (s *ChannelStore) AddParticipant(ctx context.Context, channelID, userID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channel_participants (channel_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (channel_id, user_id) DO NOTHING`, channelID, userID)
	if err != nil {
		return fmt.Errorf("add participant: %w", err)
	}
	return nil
}

// CreateCommunityChannel inserts a community channel. Channel management
// belongs to the community service; this exists for seeding and tests.
func (s *ChannelStore) CreateCommunityChannel(ctx context.Context, communityID uuid.UUID, name string, isPrivate bool) (*models.Channel, error) {
	query := `
		INSERT INTO channels (type, name, is_private, community_id)
		VALUES ('CommunityChannel', $1, $2, $3)
		RETURNING id, type, name, is_private, community_id, created_at`

	ch := models.Channel{Participants: []uuid.UUID{}}
	err := s.pool.QueryRow(ctx, query, name, isPrivate, communityID).Scan(
		&ch.ID,
		&ch.Type,
		&ch.Name,
		&ch.IsPrivate,
		&ch.CommunityID,
		&ch.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert channel: %w", err)
	}
	return &ch, nil
}
