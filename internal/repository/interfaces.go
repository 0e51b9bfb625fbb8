package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/huddle/internal/models"
)

// Every method takes ctx first: if the websocket invocation or HTTP request
// that triggered the call is cancelled, the query is cancelled with it.
//
// Lookups return nil, nil when the row does not exist. Translating "absent"
// into apperr.NotFound is the caller's job, because only the caller knows
// whether absence is an error in its context.

// ChannelRepository reads channels and maintains 1:1 conversations.
type ChannelRepository interface {
	// GetByID returns the channel with its participant set populated.
	GetByID(ctx context.Context, channelID uuid.UUID) (*models.Channel, error)

	// FindOrCreatePrivate returns the PrivateMessage channel between a and b,
	// creating it if needed. Two concurrent callers converge on one row.
	FindOrCreatePrivate(ctx context.Context, a, b uuid.UUID) (*models.Channel, error)

	// IsParticipant is the hot-path check behind every join and send.
	IsParticipant(ctx context.Context, channelID, userID uuid.UUID) (bool, error)
}

// CommunityRepository answers community membership for public community
// channels. Communities themselves are managed elsewhere.
type CommunityRepository interface {
	IsMember(ctx context.Context, communityID, userID uuid.UUID) (bool, error)
}

// UserRepository resolves the sender projection attached to messages.
type UserRepository interface {
	GetSummary(ctx context.Context, userID uuid.UUID) (*models.UserSummary, error)
}

// MessageRepository persists messages and their reactions.
type MessageRepository interface {
	// Create persists a message; id and sent_at are assigned here. When
	// msg.ClientMsgID repeats a key this sender already used, the existing
	// row is returned and nothing new is written. A key already used in a
	// different channel is an apperr.InvalidArg.
	Create(ctx context.Context, msg models.NewMessage) (*models.Message, error)

	// GetByID returns one message without sender or reactions populated.
	GetByID(ctx context.Context, messageID int64) (*models.Message, error)

	// GetChannelMessages returns page pageNumber (1-based) of the channel,
	// ordered sent_at DESC, id DESC, with Sender populated.
	GetChannelMessages(ctx context.Context, channelID uuid.UUID, pageSize, pageNumber int) ([]models.Message, error)

	// MarkAsRead flags every message in the channel not sent by userID as
	// read and reports how many rows changed. Safe to repeat.
	MarkAsRead(ctx context.Context, channelID, userID uuid.UUID) (int64, error)

	// UnreadCount counts unread messages in the channel not sent by userID.
	UnreadCount(ctx context.Context, channelID, userID uuid.UUID) (int, error)

	// AddReaction and RemoveReaction keep a set of users per (message, emoji).
	// Both are idempotent.
	AddReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error
	RemoveReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error

	// ReactionsFor loads reaction groups for many messages in one round trip.
	// Messages without reactions are absent from the map.
	ReactionsFor(ctx context.Context, messageIDs []int64) (map[int64][]models.ReactionGroup, error)
}
