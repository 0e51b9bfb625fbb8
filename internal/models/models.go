package models

import (
	"time"

	"github.com/google/uuid"
)

// ChannelType distinguishes community-scoped channels from 1:1 conversations.
//
// Why a named string and not an int enum?
//   - It is stored as text in Postgres and sent as text on the wire, so the
//     value you see in a log line, a row and a JSON payload is the same.
type ChannelType string

const (
	ChannelTypeCommunity ChannelType = "CommunityChannel"
	ChannelTypePrivate   ChannelType = "PrivateMessage"
)

func (t ChannelType) Valid() bool {
	return t == ChannelTypeCommunity || t == ChannelTypePrivate
}

// Channel is a scoped conversation.
//
// Participants has two meanings depending on Type:
//   - PrivateMessage: exactly the two people in the conversation.
//   - CommunityChannel with IsPrivate: the allow-list of users who may read it.
//
// A public community channel leaves Participants empty; access follows
// community membership instead.
type Channel struct {
	ID           uuid.UUID   `json:"id"`
	Type         ChannelType `json:"type"`
	Name         string      `json:"name"`
	IsPrivate    bool        `json:"is_private"`
	CommunityID  *uuid.UUID  `json:"community_id,omitempty"`
	Participants []uuid.UUID `json:"participants"`
	CreatedAt    time.Time   `json:"created_at"`
}

// HasParticipant reports whether userID is in the participant set.
func (c *Channel) HasParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// UserSummary is the read-only slice of a user profile that travels with a
// message. Profiles themselves are owned by another service.
type UserSummary struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
}

// Message is a persisted chat message.
//
// Why int64 for ID (not UUID)?
//   - bigserial is assigned by Postgres at insert time, which is the only
//     place an id may come from. Clients never invent message ids.
//   - It gives a cheap tiebreak when two messages share a sent_at.
//
// ClientMsgID is the idempotency key the sending client attached to its
// provisional copy. The server stores it and echoes it back so the client can
// match the broadcast to the right provisional without comparing content.
//
// Sender is never empty on a message that leaves the server.
type Message struct {
	ID            int64           `json:"id"`
	ChannelID     uuid.UUID       `json:"channel_id"`
	SenderID      uuid.UUID       `json:"sender_id"`
	Sender        UserSummary     `json:"sender"`
	Content       string          `json:"content"`
	SentAt        time.Time       `json:"sent_at"`
	IsRead        bool            `json:"is_read"`
	ClientMsgID   string          `json:"client_msg_id,omitempty"`
	AttachmentIDs []uuid.UUID     `json:"attachment_ids"`
	Reactions     []ReactionGroup `json:"reactions"`
}

// NewMessage is what a caller hands to the store. Everything the server owns
// (id, sent_at, is_read) is absent on purpose.
type NewMessage struct {
	ChannelID     uuid.UUID
	SenderID      uuid.UUID
	Content       string
	AttachmentIDs []uuid.UUID
	ClientMsgID   string
}

// ReactionGroup is the aggregate view of one emoji on one message.
// Users are listed in the order they reacted.
type ReactionGroup struct {
	Emoji string      `json:"emoji"`
	Count int         `json:"count"`
	Users []uuid.UUID `json:"users"`
}

// PairKey is the canonical key of the PrivateMessage channel between a and b.
// It is the same whichever user starts the conversation.
func PairKey(a, b uuid.UUID) string {
	as, bs := a.String(), b.String()
	if as > bs {
		as, bs = bs, as
	}
	return as + ":" + bs
}
