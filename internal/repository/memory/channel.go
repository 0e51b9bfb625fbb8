package memory

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/huddle/internal/models"
)

type ChannelStore struct{ s *Store }

func (c *ChannelStore) GetByID(_ context.Context, channelID uuid.UUID) (*models.Channel, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	ch, ok := c.s.channels[channelID]
	if !ok {
		return nil, nil
	}
	return cloneChannel(ch), nil
}

func (c *ChannelStore) FindOrCreatePrivate(_ context.Context, a, b uuid.UUID) (*models.Channel, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	key := models.PairKey(a, b)
	if id, ok := c.s.pairs[key]; ok {
		return cloneChannel(c.s.channels[id]), nil
	}
	if err := c.s.takeFailure(); err != nil {
		return nil, err
	}
	ch := &models.Channel{
		ID:           uuid.New(),
		Type:         models.ChannelTypePrivate,
		IsPrivate:    true,
		Participants: []uuid.UUID{a, b},
		CreatedAt:    c.s.now().UTC(),
	}
	if a == b {
		ch.Participants = []uuid.UUID{a}
	}
	c.s.channels[ch.ID] = ch
	c.s.pairs[key] = ch.ID
	return cloneChannel(ch), nil
}

func (c *ChannelStore) IsParticipant(_ context.Context, channelID, userID uuid.UUID) (bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	ch, ok := c.s.channels[channelID]
	return ok && ch.HasParticipant(userID), nil
}

type CommunityStore struct{ s *Store }

func (c *CommunityStore) IsMember(_ context.Context, communityID, userID uuid.UUID) (bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	return c.s.communities[communityID][userID], nil
}

type UserStore struct{ s *Store }

func (u *UserStore) GetSummary(_ context.Context, userID uuid.UUID) (*models.UserSummary, error) {
	u.s.mu.RLock()
	defer u.s.mu.RUnlock()
	sum, ok := u.s.users[userID]
	if !ok {
		return nil, nil
	}
	return &sum, nil
}
