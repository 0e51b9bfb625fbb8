package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
)

type MessageStore struct {
	pool *pgxpool.Pool
}

func NewMessageStore(pool *pgxpool.Pool) *MessageStore {
	return &MessageStore{pool: pool}
}

const messageColumns = `id, channel_id, sender_id, content, COALESCE(client_msg_id, ''), attachment_ids, is_read, sent_at`

func (s *MessageStore) Create(ctx context.Context, in models.NewMessage) (*models.Message, error) {
	// id is bigserial and sent_at defaults to clock_timestamp(): both are
	// assigned by Postgres at insert time and come back via RETURNING.
	//
	// A repeated (sender_id, client_msg_id) hits the partial unique index and
	// inserts nothing. That is a client retrying a send whose first attempt
	// was persisted but whose reply was lost; we hand back the original row
	// so one user action never produces two messages.
	attachments := in.AttachmentIDs
	if attachments == nil {
		attachments = []uuid.UUID{}
	}

	query := `
		INSERT INTO messages (channel_id, sender_id, content, client_msg_id, attachment_ids)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		ON CONFLICT (sender_id, client_msg_id) WHERE client_msg_id IS NOT NULL DO NOTHING
		RETURNING ` + messageColumns

	msg, err := scanMessage(s.pool.QueryRow(ctx, query,
		in.ChannelID, in.SenderID, in.Content, in.ClientMsgID, attachments))
	if errors.Is(err, pgx.ErrNoRows) && in.ClientMsgID != "" {
		// Separate statement, so it sees the conflicting row even if a
		// concurrent transaction committed it after our INSERT started.
		msg, err = scanMessage(s.pool.QueryRow(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE sender_id = $1 AND client_msg_id = $2`,
			in.SenderID, in.ClientMsgID))
	}
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if msg.ChannelID != in.ChannelID {
		return nil, apperr.InvalidArg("client_msg_id already used in another channel")
	}
	return msg, nil
}

func (s *MessageStore) GetByID(ctx context.Context, messageID int64) (*models.Message, error) {
	msg, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1`, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *MessageStore) GetChannelMessages(ctx context.Context, channelID uuid.UUID, pageSize, pageNumber int) ([]models.Message, error) {
	if pageSize < 1 || pageNumber < 1 {
		return nil, fmt.Errorf("list messages: invalid page size %d or number %d", pageSize, pageNumber)
	}

	// Why "sent_at DESC, id DESC" and not just sent_at?
	//   - Two messages can share a timestamp. Without a unique tiebreak the
	//     order of ties is up to the planner and can differ between the
	//     query for page 1 and the query for page 2, which skips or repeats
	//     rows. id is unique, so the order is total.
	//   - idx_messages_channel_sent covers exactly this order.
	query := `
		SELECT m.id, m.channel_id, m.sender_id, m.content, COALESCE(m.client_msg_id, ''),
		       m.attachment_ids, m.is_read, m.sent_at,
		       u.id, u.display_name, u.avatar_url
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.channel_id = $1
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.pool.Query(ctx, query, channelID, pageSize, (pageNumber-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0, pageSize)
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID,
			&msg.ChannelID,
			&msg.SenderID,
			&msg.Content,
			&msg.ClientMsgID,
			&msg.AttachmentIDs,
			&msg.IsRead,
			&msg.SentAt,
			&msg.Sender.ID,
			&msg.Sender.DisplayName,
			&msg.Sender.AvatarURL,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Reactions = []models.ReactionGroup{}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

func (s *MessageStore) MarkAsRead(ctx context.Context, channelID, userID uuid.UUID) (int64, error) {
	// "AND NOT is_read" makes repeats touch zero rows instead of rewriting
	// the same value.
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET is_read = true
		WHERE channel_id = $1 AND sender_id <> $2 AND NOT is_read`, channelID, userID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *MessageStore) UnreadCount(ctx context.Context, channelID, userID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM messages
		WHERE channel_id = $1 AND sender_id <> $2 AND NOT is_read`, channelID, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	if err := row.Scan(
		&msg.ID,
		&msg.ChannelID,
		&msg.SenderID,
		&msg.Content,
		&msg.ClientMsgID,
		&msg.AttachmentIDs,
		&msg.IsRead,
		&msg.SentAt,
	); err != nil {
		return nil, err
	}
	msg.Reactions = []models.ReactionGroup{}
	return &msg, nil
}
