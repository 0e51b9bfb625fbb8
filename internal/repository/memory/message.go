package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
)

type MessageStore struct{ s *Store }

func (m *MessageStore) Create(_ context.Context, in models.NewMessage) (*models.Message, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	key := ""
	if in.ClientMsgID != "" {
		key = in.SenderID.String() + "/" + in.ClientMsgID
		if id, ok := m.s.clientKey[key]; ok {
			existing := m.s.messages[id]
			if existing.ChannelID != in.ChannelID {
				return nil, apperr.InvalidArg("client_msg_id already used in another channel")
			}
			out := cloneMessage(existing)
			return &out, nil
		}
	}
	if err := m.s.takeFailure(); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	m.s.nextID++
	msg := &models.Message{
		ID:            m.s.nextID,
		ChannelID:     in.ChannelID,
		SenderID:      in.SenderID,
		Content:       in.Content,
		SentAt:        m.s.now().UTC(),
		ClientMsgID:   in.ClientMsgID,
		AttachmentIDs: append([]uuid.UUID{}, in.AttachmentIDs...),
	}
	m.s.messages[msg.ID] = msg
	m.s.byChannel[in.ChannelID] = append(m.s.byChannel[in.ChannelID], msg.ID)
	if key != "" {
		m.s.clientKey[key] = msg.ID
	}
	out := cloneMessage(msg)
	return &out, nil
}

func (m *MessageStore) GetByID(_ context.Context, messageID int64) (*models.Message, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	msg, ok := m.s.messages[messageID]
	if !ok {
		return nil, nil
	}
	out := cloneMessage(msg)
	return &out, nil
}

func (m *MessageStore) GetChannelMessages(_ context.Context, channelID uuid.UUID, pageSize, pageNumber int) ([]models.Message, error) {
	if pageSize < 1 || pageNumber < 1 {
		return nil, fmt.Errorf("list messages: invalid page size %d or number %d", pageSize, pageNumber)
	}
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()

	ids := append([]int64{}, m.s.byChannel[channelID]...)
	sort.Slice(ids, func(i, j int) bool {
		a, b := m.s.messages[ids[i]], m.s.messages[ids[j]]
		if !a.SentAt.Equal(b.SentAt) {
			return a.SentAt.After(b.SentAt)
		}
		return a.ID > b.ID
	})

	start := (pageNumber - 1) * pageSize
	if start >= len(ids) {
		return []models.Message{}, nil
	}
	end := min(start+pageSize, len(ids))

	out := make([]models.Message, 0, end-start)
	for _, id := range ids[start:end] {
		msg := cloneMessage(m.s.messages[id])
		// Same as the JOIN in the Postgres store: a message whose sender is
		// not in the user projection is not listed.
		sender, ok := m.s.users[msg.SenderID]
		if !ok {
			continue
		}
		msg.Sender = sender
		out = append(out, msg)
	}
	return out, nil
}

func (m *MessageStore) MarkAsRead(_ context.Context, channelID, userID uuid.UUID) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.takeFailure(); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	var n int64
	for _, id := range m.s.byChannel[channelID] {
		msg := m.s.messages[id]
		if msg.SenderID != userID && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	return n, nil
}

func (m *MessageStore) UnreadCount(_ context.Context, channelID, userID uuid.UUID) (int, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	n := 0
	for _, id := range m.s.byChannel[channelID] {
		msg := m.s.messages[id]
		if msg.SenderID != userID && !msg.IsRead {
			n++
		}
	}
	return n, nil
}

func (m *MessageStore) AddReaction(_ context.Context, messageID int64, userID uuid.UUID, emoji string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.takeFailure(); err != nil {
		return fmt.Errorf("add reaction: %w", err)
	}
	if _, ok := m.s.messages[messageID]; !ok {
		return fmt.Errorf("add reaction: message %d does not exist", messageID)
	}
	for _, r := range m.s.reactions[messageID] {
		if r.emoji == emoji && r.user == userID {
			return nil
		}
	}
	m.s.reactions[messageID] = append(m.s.reactions[messageID], reaction{emoji: emoji, user: userID})
	return nil
}

func (m *MessageStore) RemoveReaction(_ context.Context, messageID int64, userID uuid.UUID, emoji string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if err := m.s.takeFailure(); err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	rs := m.s.reactions[messageID]
	for i, r := range rs {
		if r.emoji == emoji && r.user == userID {
			m.s.reactions[messageID] = append(rs[:i:i], rs[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MessageStore) ReactionsFor(_ context.Context, messageIDs []int64) (map[int64][]models.ReactionGroup, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	out := make(map[int64][]models.ReactionGroup)
	for _, id := range messageIDs {
		// reactions are kept in insertion order, so the first time an emoji
		// appears fixes its group position and users come out in reaction order.
		var groups []models.ReactionGroup
		index := map[string]int{}
		for _, r := range m.s.reactions[id] {
			i, ok := index[r.emoji]
			if !ok {
				i = len(groups)
				index[r.emoji] = i
				groups = append(groups, models.ReactionGroup{Emoji: r.emoji, Users: []uuid.UUID{}})
			}
			groups[i].Count++
			groups[i].Users = append(groups[i].Users, r.user)
		}
		if len(groups) > 0 {
			out[id] = groups
		}
	}
	return out, nil
}
