package messaging

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/access"
	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/observ"
	"github.com/lalith-99/huddle/internal/protocol"
	"github.com/lalith-99/huddle/internal/repository/memory"
)

type env struct {
	store      *memory.Store
	svc        *Service
	alice, bob uuid.UUID
	carol      uuid.UUID
	channel    *models.Channel
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.New()
	e := &env{store: store, alice: uuid.New(), bob: uuid.New(), carol: uuid.New()}
	store.PutUser(models.UserSummary{ID: e.alice, DisplayName: "alice"})
	store.PutUser(models.UserSummary{ID: e.bob, DisplayName: "bob"})
	store.PutUser(models.UserSummary{ID: e.carol, DisplayName: "carol"})

	ch, err := store.Channels().FindOrCreatePrivate(context.Background(), e.alice, e.bob)
	require.NoError(t, err)
	e.channel = ch

	guard := access.NewGuard(store.Channels(), store.Communities())
	e.svc = NewService(store.Channels(), store.Users(), store.Messages(), guard,
		observ.NewMetrics(prometheus.NewRegistry()), zap.NewNop())
	return e
}

func (e *env) count(t *testing.T) int {
	t.Helper()
	msgs, err := e.store.Messages().GetChannelMessages(context.Background(), e.channel.ID, 100, 1)
	require.NoError(t, err)
	return len(msgs)
}

func TestSend_ResolvesSender(t *testing.T) {
	e := newEnv(t)
	msg, err := e.svc.Send(context.Background(), e.alice, protocol.SendMessageArgs{
		ChannelID:   e.channel.ID,
		Content:     "hi",
		ClientMsgID: "tmp-1",
	})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "alice", msg.Sender.DisplayName)
	assert.Equal(t, e.alice, msg.Sender.ID)
	assert.Equal(t, "tmp-1", msg.ClientMsgID)
	assert.False(t, msg.SentAt.IsZero())
}

func TestSend_AccessDeniedWritesNothing(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Send(context.Background(), e.carol, protocol.SendMessageArgs{ChannelID: e.channel.ID, Content: "sneaky"})
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	assert.Zero(t, e.count(t))

	_, err = e.svc.Send(context.Background(), e.alice, protocol.SendMessageArgs{ChannelID: uuid.New(), Content: "void"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSend_Validation(t *testing.T) {
	e := newEnv(t)
	cases := map[string]protocol.SendMessageArgs{
		"empty":        {ChannelID: e.channel.ID, Content: "   "},
		"no channel":   {Content: "hi"},
		"too long":     {ChannelID: e.channel.ID, Content: strings.Repeat("a", MaxContentRunes+1)},
		"long key":     {ChannelID: e.channel.ID, Content: "hi", ClientMsgID: strings.Repeat("k", MaxClientKeyBytes+1)},
		"many uploads": {ChannelID: e.channel.ID, AttachmentIDs: make([]uuid.UUID, MaxAttachments+1)},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.svc.Send(context.Background(), e.alice, args)
			assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
		})
	}
	assert.Zero(t, e.count(t))

	// Attachments alone are a valid message.
	_, err := e.svc.Send(context.Background(), e.alice, protocol.SendMessageArgs{
		ChannelID:     e.channel.ID,
		AttachmentIDs: []uuid.UUID{uuid.New()},
	})
	require.NoError(t, err)
}

func TestSend_StorageFailureIsPersistenceError(t *testing.T) {
	e := newEnv(t)
	e.store.FailNextWrite(errors.New("connection reset"))
	_, err := e.svc.Send(context.Background(), e.alice, protocol.SendMessageArgs{ChannelID: e.channel.ID, Content: "hi"})
	require.ErrorIs(t, err, apperr.ErrPersistence)

	code, msg := apperr.Public(err)
	assert.Equal(t, apperr.CodePersistence, code)
	assert.NotContains(t, msg, "connection reset")
	assert.Zero(t, e.count(t))
}

func TestSend_UnknownSenderWritesNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ghost := uuid.New()
	community := uuid.New()
	e.store.AddCommunityMember(community, ghost)
	ch := e.store.CreateCommunityChannel(community, "lobby", false)

	_, err := e.svc.Send(ctx, ghost, protocol.SendMessageArgs{ChannelID: ch.ID, Content: "boo", ClientMsgID: "k"})
	require.ErrorIs(t, err, apperr.ErrPersistence)

	written, err := e.store.Messages().GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, written)
	unread, err := e.store.Messages().UnreadCount(ctx, ch.ID, uuid.New())
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestSend_KeyReusedInOtherChannel(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.Send(ctx, e.alice, protocol.SendMessageArgs{ChannelID: e.channel.ID, Content: "one", ClientMsgID: "k"})
	require.NoError(t, err)

	other, err := e.store.Channels().FindOrCreatePrivate(ctx, e.alice, e.carol)
	require.NoError(t, err)
	_, err = e.svc.Send(ctx, e.alice, protocol.SendMessageArgs{ChannelID: other.ID, Content: "two", ClientMsgID: "k"})
	require.ErrorIs(t, err, apperr.ErrInvalidArgument)

	code, _ := apperr.Public(err)
	assert.Equal(t, apperr.CodeInvalidArgument, code)
	msgs, err := e.store.Messages().GetChannelMessages(ctx, other.ID, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSend_RetryWithSameKeyReturnsSameMessage(t *testing.T) {
	e := newEnv(t)
	args := protocol.SendMessageArgs{ChannelID: e.channel.ID, Content: "once", ClientMsgID: "k"}
	a, err := e.svc.Send(context.Background(), e.alice, args)
	require.NoError(t, err)
	b, err := e.svc.Send(context.Background(), e.alice, args)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, 1, e.count(t))
}

func TestHistoryAndUnread(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	m1, err := e.svc.Send(ctx, e.alice, protocol.SendMessageArgs{ChannelID: e.channel.ID, Content: "hi"})
	require.NoError(t, err)

	ch, msgs, err := e.svc.History(ctx, e.bob, e.channel.ID, 20, 1)
	require.NoError(t, err)
	assert.Equal(t, e.channel.ID, ch.ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, m1.ID, msgs[0].ID)
	assert.Empty(t, msgs[0].Reactions)

	_, _, err = e.svc.History(ctx, e.carol, e.channel.ID, 20, 1)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	_, _, err = e.svc.History(ctx, e.bob, e.channel.ID, 0, 1)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	n, err := e.svc.UnreadCount(ctx, e.bob, e.channel.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := e.svc.MarkAsRead(ctx, e.bob, e.channel.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, updated)

	n, err = e.svc.UnreadCount(ctx, e.bob, e.channel.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = e.svc.UnreadCount(ctx, e.alice, e.channel.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.svc.MarkAsRead(ctx, e.carol, e.channel.ID)
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
}

func TestReactions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	msg, err := e.svc.Send(ctx, e.alice, protocol.SendMessageArgs{ChannelID: e.channel.ID, Content: "react to me"})
	require.NoError(t, err)

	_, err = e.svc.AddReaction(ctx, e.alice, msg.ID, "👍")
	require.NoError(t, err)
	groups, err := e.svc.AddReaction(ctx, e.bob, msg.ID, "👍")
	require.NoError(t, err)
	assert.Equal(t, []models.ReactionGroup{{Emoji: "👍", Count: 2, Users: []uuid.UUID{e.alice, e.bob}}}, groups)

	groups, err = e.svc.RemoveReaction(ctx, e.alice, msg.ID, "👍")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 1, groups[0].Count)

	groups, err = e.svc.RemoveReaction(ctx, e.bob, msg.ID, "👍")
	require.NoError(t, err)
	assert.Empty(t, groups)

	_, err = e.svc.AddReaction(ctx, e.carol, msg.ID, "👍")
	assert.ErrorIs(t, err, apperr.ErrAccessDenied)
	_, err = e.svc.AddReaction(ctx, e.alice, 9999, "👍")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.svc.AddReaction(ctx, e.alice, msg.ID, " ")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, msgs, err := e.svc.History(ctx, e.alice, e.channel.ID, 20, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs[0].Reactions)
}

func TestOpenPrivate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ch, err := e.svc.OpenPrivate(ctx, e.bob, e.alice)
	require.NoError(t, err)
	assert.Equal(t, e.channel.ID, ch.ID)

	_, err = e.svc.OpenPrivate(ctx, e.alice, e.alice)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = e.svc.OpenPrivate(ctx, e.alice, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
