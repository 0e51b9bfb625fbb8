// Package access decides who may read and write a channel. The REST handlers
// and the hub share one Guard so the two surfaces can never disagree.
package access

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

type Guard struct {
	channels    repository.ChannelRepository
	communities repository.CommunityRepository
}

func NewGuard(channels repository.ChannelRepository, communities repository.CommunityRepository) *Guard {
	return &Guard{channels: channels, communities: communities}
}

// CanAccess reports whether userID may read and post in channelID.
//
//   - PrivateMessage: the user is one of the two participants.
//   - Public community channel: the user is a member of the community.
//   - Private community channel: the user is on the allow-list.
//
// An unknown channel is a NOT_FOUND error, not false.
func (g *Guard) CanAccess(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	_, ok, err := g.check(ctx, channelID, userID)
	return ok, err
}

// Authorize is CanAccess as a single error: nil, ACCESS_DENIED or NOT_FOUND.
// It returns the channel on success so callers don't load it twice.
func (g *Guard) Authorize(ctx context.Context, channelID, userID uuid.UUID) (*models.Channel, error) {
	ch, ok, err := g.check(ctx, channelID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.AccessDenied("no access to this channel")
	}
	return ch, nil
}

func (g *Guard) check(ctx context.Context, channelID, userID uuid.UUID) (*models.Channel, bool, error) {
	ch, err := g.channels.GetByID(ctx, channelID)
	if err != nil {
		return nil, false, apperr.Persistence("load channel", err)
	}
	if ch == nil {
		return nil, false, apperr.NotFound(fmt.Sprintf("channel %s not found", channelID))
	}

	switch {
	case ch.Type == models.ChannelTypePrivate:
		return ch, ch.HasParticipant(userID), nil
	case ch.IsPrivate:
		return ch, ch.HasParticipant(userID), nil
	case ch.CommunityID == nil:
		// A public channel outside any community has no audience.
		return ch, false, nil
	}

	member, err := g.communities.IsMember(ctx, *ch.CommunityID, userID)
	if err != nil {
		return nil, false, apperr.Persistence("check community membership", err)
	}
	return ch, member, nil
}
