package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/repository"
)

var (
	_ repository.ChannelRepository   = (*ChannelStore)(nil)
	_ repository.CommunityRepository = (*CommunityStore)(nil)
	_ repository.UserRepository      = (*UserStore)(nil)
	_ repository.MessageRepository   = (*MessageStore)(nil)
)

func seed(t *testing.T, opts ...Option) (*Store, uuid.UUID, uuid.UUID, *models.Channel) {
	t.Helper()
	s := New(opts...)
	alice, bob := uuid.New(), uuid.New()
	s.PutUser(models.UserSummary{ID: alice, DisplayName: "alice"})
	s.PutUser(models.UserSummary{ID: bob, DisplayName: "bob"})
	ch, err := s.Channels().FindOrCreatePrivate(context.Background(), alice, bob)
	require.NoError(t, err)
	return s, alice, bob, ch
}

func TestPaging_OrderAndLimits(t *testing.T) {
	// Frozen clock: every message shares one sent_at, so order falls back to id.
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, alice, _, ch := seed(t, WithClock(func() time.Time { return frozen }))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Messages().Create(ctx, models.NewMessage{ChannelID: ch.ID, SenderID: alice, Content: "m"})
		require.NoError(t, err)
	}

	page1, err := s.Messages().GetChannelMessages(ctx, ch.ID, 2, 1)
	require.NoError(t, err)
	page2, err := s.Messages().GetChannelMessages(ctx, ch.ID, 2, 2)
	require.NoError(t, err)
	page3, err := s.Messages().GetChannelMessages(ctx, ch.ID, 2, 3)
	require.NoError(t, err)
	page4, err := s.Messages().GetChannelMessages(ctx, ch.ID, 2, 4)
	require.NoError(t, err)

	ids := func(ms []models.Message) []int64 {
		out := []int64{}
		for _, m := range ms {
			out = append(out, m.ID)
		}
		return out
	}
	assert.Equal(t, []int64{5, 4}, ids(page1))
	assert.Equal(t, []int64{3, 2}, ids(page2))
	assert.Equal(t, []int64{1}, ids(page3))
	assert.Empty(t, page4)
	assert.Equal(t, "alice", page1[0].Sender.DisplayName)

	_, err = s.Messages().GetChannelMessages(ctx, ch.ID, 2, 0)
	assert.Error(t, err)
	_, err = s.Messages().GetChannelMessages(ctx, ch.ID, -1, 1)
	assert.Error(t, err)
}

func TestPaging_NewestFirstByTime(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, alice, _, ch := seed(t, WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	}))
	ctx := context.Background()
	for _, c := range []string{"first", "second", "third"} {
		_, err := s.Messages().Create(ctx, models.NewMessage{ChannelID: ch.ID, SenderID: alice, Content: c})
		require.NoError(t, err)
	}
	msgs, err := s.Messages().GetChannelMessages(ctx, ch.ID, 10, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "third", msgs[0].Content)
	assert.Equal(t, "first", msgs[2].Content)
}

func TestCreate_ClientKeyIdempotent(t *testing.T) {
	s, alice, bob, ch := seed(t)
	ctx := context.Background()

	in := models.NewMessage{ChannelID: ch.ID, SenderID: alice, Content: "hi", ClientMsgID: "k1"}
	a, err := s.Messages().Create(ctx, in)
	require.NoError(t, err)
	b, err := s.Messages().Create(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	c, err := s.Messages().Create(ctx, models.NewMessage{ChannelID: ch.ID, SenderID: bob, Content: "hi", ClientMsgID: "k1"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestCreate_ClientKeyScopedToChannel(t *testing.T) {
	s, alice, _, ch := seed(t)
	ctx := context.Background()
	carol := uuid.New()
	other, err := s.Channels().FindOrCreatePrivate(ctx, alice, carol)
	require.NoError(t, err)

	_, err = s.Messages().Create(ctx, models.NewMessage{ChannelID: ch.ID, SenderID: alice, Content: "hi", ClientMsgID: "k1"})
	require.NoError(t, err)
	_, err = s.Messages().Create(ctx, models.NewMessage{ChannelID: other.ID, SenderID: alice, Content: "hi", ClientMsgID: "k1"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	msgs, err := s.Messages().GetChannelMessages(ctx, other.ID, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestCreate_FailureWritesNothing(t *testing.T) {
	s, alice, _, ch := seed(t)
	ctx := context.Background()

	s.FailNextWrite(errors.New("disk on fire"))
	_, err := s.Messages().Create(ctx, models.NewMessage{ChannelID: ch.ID, SenderID: alice, Content: "lost"})
	require.Error(t, err)

	msgs, err := s.Messages().GetChannelMessages(ctx, ch.ID, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMarkAsRead(t *testing.T) {
	s, alice, bob, ch := seed(t)
	ctx := context.Background()
	for _, sender := range []uuid.UUID{alice, bob, bob} {
		_, err := s.Messages().Create(ctx, models.NewMessage{ChannelID: ch.ID, SenderID: sender, Content: "x"})
		require.NoError(t, err)
	}

	n, err := s.Messages().UnreadCount(ctx, ch.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	updated, err := s.Messages().MarkAsRead(ctx, ch.ID, alice)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated)
	updated, err = s.Messages().MarkAsRead(ctx, ch.ID, alice)
	require.NoError(t, err)
	assert.Zero(t, updated)

	n, err = s.Messages().UnreadCount(ctx, ch.ID, alice)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.Messages().UnreadCount(ctx, ch.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReactions_SetSemanticsAndOrder(t *testing.T) {
	s, alice, bob, ch := seed(t)
	ctx := context.Background()
	msg, err := s.Messages().Create(ctx, models.NewMessage{ChannelID: ch.ID, SenderID: alice, Content: "x"})
	require.NoError(t, err)

	store := s.Messages()
	require.NoError(t, store.AddReaction(ctx, msg.ID, bob, "🔥"))
	require.NoError(t, store.AddReaction(ctx, msg.ID, alice, "👍"))
	require.NoError(t, store.AddReaction(ctx, msg.ID, alice, "🔥"))
	require.NoError(t, store.AddReaction(ctx, msg.ID, alice, "🔥"))

	groups, err := store.ReactionsFor(ctx, []int64{msg.ID, 999})
	require.NoError(t, err)
	require.Len(t, groups[msg.ID], 2)
	assert.Equal(t, models.ReactionGroup{Emoji: "🔥", Count: 2, Users: []uuid.UUID{bob, alice}}, groups[msg.ID][0])
	assert.Equal(t, models.ReactionGroup{Emoji: "👍", Count: 1, Users: []uuid.UUID{alice}}, groups[msg.ID][1])
	_, ok := groups[999]
	assert.False(t, ok)

	require.NoError(t, store.RemoveReaction(ctx, msg.ID, alice, "👍"))
	require.NoError(t, store.RemoveReaction(ctx, msg.ID, alice, "👍"))
	groups, err = store.ReactionsFor(ctx, []int64{msg.ID})
	require.NoError(t, err)
	require.Len(t, groups[msg.ID], 1)

	assert.Error(t, store.AddReaction(ctx, 12345, alice, "🔥"))
}

func TestFindOrCreatePrivate_SameChannelEitherOrder(t *testing.T) {
	s, alice, bob, ch := seed(t)
	again, err := s.Channels().FindOrCreatePrivate(context.Background(), bob, alice)
	require.NoError(t, err)
	assert.Equal(t, ch.ID, again.ID)

	ok, err := s.Channels().IsParticipant(context.Background(), ch.ID, bob)
	require.NoError(t, err)
	assert.True(t, ok)

	missing, err := s.Channels().GetByID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)
}
