// Package messaging is the send pipeline and the read side behind both the
// hub and the REST handlers: validate, authorize, persist, resolve the
// sender. It never broadcasts; the hub does that with the message this
// package returns.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/observ"
	"github.com/lalith-99/huddle/internal/protocol"
	"github.com/lalith-99/huddle/internal/repository"
)

const (
	MaxContentRunes   = 4000
	MaxAttachments    = 10
	MaxClientKeyBytes = 64
	MaxEmojiBytes     = 32
)

// Authorizer is the slice of access.Guard the service needs.
type Authorizer interface {
	Authorize(ctx context.Context, channelID, userID uuid.UUID) (*models.Channel, error)
}

type Service struct {
	channels repository.ChannelRepository
	users    repository.UserRepository
	messages repository.MessageRepository
	guard    Authorizer
	metrics  *observ.Metrics
	logger   *zap.Logger
}

func NewService(
	channels repository.ChannelRepository,
	users repository.UserRepository,
	messages repository.MessageRepository,
	guard Authorizer,
	metrics *observ.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		channels: channels,
		users:    users,
		messages: messages,
		guard:    guard,
		metrics:  metrics,
		logger:   logger,
	}
}

// Send validates and persists one message from senderID and returns the
// canonical copy with Sender resolved.
//
// Access and the sender's profile are both checked before anything is
// written, so a refused send leaves the store untouched. A repeat of a
// client key returns the row already written instead of a second one.
func (s *Service) Send(ctx context.Context, senderID uuid.UUID, args protocol.SendMessageArgs) (*models.Message, error) {
	if err := validateSend(args); err != nil {
		return nil, err
	}
	if _, err := s.guard.Authorize(ctx, args.ChannelID, senderID); err != nil {
		return nil, err
	}

	sender, err := s.users.GetSummary(ctx, senderID)
	if err != nil {
		return nil, apperr.Persistence("resolve sender", err)
	}
	if sender == nil {
		s.logger.Warn("send from user without profile", zap.String("sender_id", senderID.String()))
		return nil, apperr.Persistence("resolve sender", fmt.Errorf("user %s has no profile", senderID))
	}

	msg, err := s.messages.Create(ctx, models.NewMessage{
		ChannelID:     args.ChannelID,
		SenderID:      senderID,
		Content:       args.Content,
		AttachmentIDs: args.AttachmentIDs,
		ClientMsgID:   args.ClientMsgID,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidArgument) {
			return nil, err
		}
		s.logger.Error("failed to persist message",
			zap.String("channel_id", args.ChannelID.String()),
			zap.String("sender_id", senderID.String()),
			zap.Error(err),
		)
		return nil, apperr.Persistence("persist message", err)
	}
	s.metrics.MessagesPersisted.Inc()

	msg.Sender = *sender
	return msg, nil
}

func validateSend(args protocol.SendMessageArgs) error {
	if args.ChannelID == uuid.Nil {
		return apperr.InvalidArg("channel_id is required")
	}
	if strings.TrimSpace(args.Content) == "" && len(args.AttachmentIDs) == 0 {
		return apperr.InvalidArg("message needs content or attachments")
	}
	if utf8.RuneCountInString(args.Content) > MaxContentRunes {
		return apperr.InvalidArg(fmt.Sprintf("content longer than %d characters", MaxContentRunes))
	}
	if len(args.AttachmentIDs) > MaxAttachments {
		return apperr.InvalidArg(fmt.Sprintf("at most %d attachments", MaxAttachments))
	}
	if len(args.ClientMsgID) > MaxClientKeyBytes {
		return apperr.InvalidArg("client_msg_id too long")
	}
	return nil
}

// History returns the channel and one page of it, newest first, with
// reactions attached.
func (s *Service) History(ctx context.Context, userID, channelID uuid.UUID, pageSize, pageNumber int) (*models.Channel, []models.Message, error) {
	if pageSize < 1 || pageNumber < 1 {
		return nil, nil, apperr.InvalidArg("pageSize and pageNumber must be positive")
	}
	ch, err := s.guard.Authorize(ctx, channelID, userID)
	if err != nil {
		return nil, nil, err
	}

	msgs, err := s.messages.GetChannelMessages(ctx, channelID, pageSize, pageNumber)
	if err != nil {
		return nil, nil, apperr.Persistence("list messages", err)
	}
	if len(msgs) == 0 {
		return ch, msgs, nil
	}

	ids := make([]int64, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	reactions, err := s.messages.ReactionsFor(ctx, ids)
	if err != nil {
		return nil, nil, apperr.Persistence("list reactions", err)
	}
	for i := range msgs {
		if groups, ok := reactions[msgs[i].ID]; ok {
			msgs[i].Reactions = groups
		}
	}
	return ch, msgs, nil
}

// MarkAsRead flags the channel's messages from other senders as read.
func (s *Service) MarkAsRead(ctx context.Context, userID, channelID uuid.UUID) (int64, error) {
	if _, err := s.guard.Authorize(ctx, channelID, userID); err != nil {
		return 0, err
	}
	n, err := s.messages.MarkAsRead(ctx, channelID, userID)
	if err != nil {
		return 0, apperr.Persistence("mark read", err)
	}
	return n, nil
}

func (s *Service) UnreadCount(ctx context.Context, userID, channelID uuid.UUID) (int, error) {
	if _, err := s.guard.Authorize(ctx, channelID, userID); err != nil {
		return 0, err
	}
	n, err := s.messages.UnreadCount(ctx, channelID, userID)
	if err != nil {
		return 0, apperr.Persistence("count unread", err)
	}
	return n, nil
}

// AddReaction and RemoveReaction return the message's reaction groups after
// the change.
func (s *Service) AddReaction(ctx context.Context, userID uuid.UUID, messageID int64, emoji string) ([]models.ReactionGroup, error) {
	return s.react(ctx, userID, messageID, emoji, s.messages.AddReaction)
}

func (s *Service) RemoveReaction(ctx context.Context, userID uuid.UUID, messageID int64, emoji string) ([]models.ReactionGroup, error) {
	return s.react(ctx, userID, messageID, emoji, s.messages.RemoveReaction)
}

func (s *Service) react(
	ctx context.Context,
	userID uuid.UUID,
	messageID int64,
	emoji string,
	apply func(context.Context, int64, uuid.UUID, string) error,
) ([]models.ReactionGroup, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > MaxEmojiBytes {
		return nil, apperr.InvalidArg("invalid emoji")
	}

	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return nil, apperr.Persistence("load message", err)
	}
	if msg == nil {
		return nil, apperr.NotFound(fmt.Sprintf("message %d not found", messageID))
	}
	if _, err := s.guard.Authorize(ctx, msg.ChannelID, userID); err != nil {
		return nil, err
	}

	if err := apply(ctx, messageID, userID, emoji); err != nil {
		return nil, apperr.Persistence("update reaction", err)
	}
	groups, err := s.messages.ReactionsFor(ctx, []int64{messageID})
	if err != nil {
		return nil, apperr.Persistence("list reactions", err)
	}
	if groups[messageID] == nil {
		return []models.ReactionGroup{}, nil
	}
	return groups[messageID], nil
}

// OpenPrivate returns the 1:1 channel between userID and otherID, creating it
// on first use.
func (s *Service) OpenPrivate(ctx context.Context, userID, otherID uuid.UUID) (*models.Channel, error) {
	if otherID == uuid.Nil || otherID == userID {
		return nil, apperr.InvalidArg("user_id must name another user")
	}
	other, err := s.users.GetSummary(ctx, otherID)
	if err != nil {
		return nil, apperr.Persistence("load user", err)
	}
	if other == nil {
		return nil, apperr.NotFound(fmt.Sprintf("user %s not found", otherID))
	}
	ch, err := s.channels.FindOrCreatePrivate(ctx, userID, otherID)
	if err != nil {
		return nil, apperr.Persistence("open private channel", err)
	}
	return ch, nil
}
