package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/huddle/internal/models"
)

// Reactions live on MessageStore because the store owns both tables; the
// primary key (message_id, emoji, user_id) is what makes them a set.

func (s *MessageStore) AddReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_reactions (message_id, emoji, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, emoji, user_id) DO NOTHING`, messageID, emoji, userID)
	if err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	return nil
}

func (s *MessageStore) RemoveReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM message_reactions
		WHERE message_id = $1 AND emoji = $2 AND user_id = $3`, messageID, emoji, userID)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

func (s *MessageStore) ReactionsFor(ctx context.Context, messageIDs []int64) (map[int64][]models.ReactionGroup, error) {
	result := make(map[int64][]models.ReactionGroup)
	if len(messageIDs) == 0 {
		return result, nil
	}

	// = ANY($1) takes the whole id list as one array parameter, so a page of
	// 50 messages costs one query, not 50.
	query := `
		SELECT message_id, emoji, count(*), array_agg(user_id ORDER BY created_at)
		FROM message_reactions
		WHERE message_id = ANY($1)
		GROUP BY message_id, emoji
		ORDER BY message_id, min(created_at)`

	rows, err := s.pool.Query(ctx, query, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			messageID int64
			g         models.ReactionGroup
		)
		if err := rows.Scan(&messageID, &g.Emoji, &g.Count, &g.Users); err != nil {
			return nil, fmt.Errorf("scan reaction group: %w", err)
		}
		result[messageID] = append(result[messageID], g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return result, nil
}
