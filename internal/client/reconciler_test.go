package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/access"
	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/messaging"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/observ"
	"github.com/lalith-99/huddle/internal/protocol"
	"github.com/lalith-99/huddle/internal/repository/memory"
)

type senderFunc func(ctx context.Context, args protocol.SendMessageArgs) (*models.Message, error)

func (f senderFunc) SendMessage(ctx context.Context, args protocol.SendMessageArgs) (*models.Message, error) {
	return f(ctx, args)
}

// persisted builds what the server would return for args.
func persisted(id int64, sender uuid.UUID, args protocol.SendMessageArgs) *models.Message {
	return &models.Message{
		ID:          id,
		ChannelID:   args.ChannelID,
		SenderID:    sender,
		Sender:      models.UserSummary{ID: sender, DisplayName: "me"},
		Content:     args.Content,
		SentAt:      time.Now().UTC(),
		ClientMsgID: args.ClientMsgID,
	}
}

func TestReconciler_SendReplacesInPlace(t *testing.T) {
	channelID, me, other := uuid.New(), uuid.New(), uuid.New()
	r := NewReconciler(channelID, me, senderFunc(func(_ context.Context, args protocol.SendMessageArgs) (*models.Message, error) {
		return persisted(3, me, args), nil
	}))
	r.LoadHistory([]models.Message{
		{ID: 2, ChannelID: channelID, SenderID: other, Content: "second"},
		{ID: 1, ChannelID: channelID, SenderID: other, Content: "first"},
	})

	tempID, err := r.Send(context.Background(), "hi", nil)
	require.NoError(t, err)

	items := r.Items()
	require.Len(t, items, 3)
	assert.Equal(t, tempID, items[0].TempID)
	assert.Equal(t, StatusConfirmed, items[0].Status)
	assert.Equal(t, int64(3), items[0].Message.ID)
	assert.Equal(t, int64(2), items[1].Message.ID)
	assert.Equal(t, int64(1), items[2].Message.ID)
}

func TestReconciler_EchoBeforeResult(t *testing.T) {
	channelID, me := uuid.New(), uuid.New()
	var r *Reconciler
	var pendingSeen bool
	r = NewReconciler(channelID, me, senderFunc(func(_ context.Context, args protocol.SendMessageArgs) (*models.Message, error) {
		items := r.Items()
		pendingSeen = len(items) == 1 && items[0].Status == StatusPending
		msg := persisted(7, me, args)
		// The broadcast overtakes the completion.
		assert.True(t, r.Receive(*msg))
		return msg, nil
	}))

	_, err := r.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.True(t, pendingSeen, "provisional must be visible while the send is in flight")

	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusConfirmed, items[0].Status)
	assert.Equal(t, int64(7), items[0].Message.ID)
}

func TestReconciler_DuplicateDeliveryDropped(t *testing.T) {
	channelID := uuid.New()
	r := NewReconciler(channelID, uuid.New(), nil)
	msg := models.Message{ID: 9, ChannelID: channelID, SenderID: uuid.New(), Content: "x"}

	assert.True(t, r.Receive(msg))
	assert.False(t, r.Receive(msg))
	r.LoadHistory([]models.Message{msg})
	assert.Len(t, r.Items(), 1)

	// Other channels and unpersisted messages are ignored.
	assert.False(t, r.Receive(models.Message{ID: 10, ChannelID: uuid.New()}))
	assert.False(t, r.Receive(models.Message{ChannelID: channelID}))
	assert.Len(t, r.Items(), 1)
}

func TestReconciler_KeylessMatchesOldestPending(t *testing.T) {
	channelID, me := uuid.New(), uuid.New()
	var r *Reconciler
	var outerTemp, innerTemp string
	calls := 0
	r = NewReconciler(channelID, me, senderFunc(func(ctx context.Context, args protocol.SendMessageArgs) (*models.Message, error) {
		calls++
		if calls == 1 {
			outerTemp = args.ClientMsgID
			// A second identical send while the first is still pending.
			var err error
			innerTemp, err = r.Send(ctx, "same", nil)
			require.NoError(t, err)
			return persisted(1, me, args), nil
		}
		// A keyless echo can't name its provisional; it takes the oldest.
		echo := persisted(1, me, args)
		echo.ClientMsgID = ""
		require.True(t, r.Receive(*echo))
		return persisted(2, me, args), nil
	}))

	_, err := r.Send(context.Background(), "same", nil)
	require.NoError(t, err)

	items := r.Items()
	require.Len(t, items, 2)
	assert.Equal(t, innerTemp, items[0].TempID)
	assert.Equal(t, int64(2), items[0].Message.ID)
	assert.Equal(t, outerTemp, items[1].TempID)
	assert.Equal(t, int64(1), items[1].Message.ID)
	for _, it := range items {
		assert.Equal(t, StatusConfirmed, it.Status)
	}
}

func TestReconciler_FailureRetryDismiss(t *testing.T) {
	channelID, me := uuid.New(), uuid.New()
	fail := true
	var nextID int64
	changes := 0
	r := NewReconciler(channelID, me, senderFunc(func(_ context.Context, args protocol.SendMessageArgs) (*models.Message, error) {
		if fail {
			return nil, apperr.SendFailure("SendMessage: timed out", nil)
		}
		nextID++
		return persisted(nextID, me, args), nil
	}), WithOnChange(func() { changes++ }))

	first, err := r.Send(context.Background(), "one", nil)
	assert.ErrorIs(t, err, apperr.ErrSendFailure)
	second, err := r.Send(context.Background(), "two", nil)
	require.Error(t, err)

	items := r.Items()
	require.Len(t, items, 2)
	for _, it := range items {
		assert.Equal(t, StatusError, it.Status)
		assert.ErrorIs(t, it.Err, apperr.ErrSendFailure)
	}
	assert.Equal(t, 4, changes)

	// A late echo for an errored send doesn't revive it.
	assert.True(t, r.Receive(models.Message{ID: 50, ChannelID: channelID, SenderID: me, Content: "one", ClientMsgID: first}))
	require.Len(t, r.Items(), 3)
	require.NoError(t, r.Dismiss(first))

	fail = false
	retried, err := r.Retry(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, second, retried)

	items = r.Items()
	require.Len(t, items, 2)
	assert.Equal(t, retried, items[0].TempID)
	assert.Equal(t, StatusConfirmed, items[0].Status)
	assert.Equal(t, "two", items[0].Message.Content)

	_, err = r.Retry(context.Background(), retried)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.ErrorIs(t, r.Dismiss("nope"), apperr.ErrInvalidArgument)
}

// The first attempt is written but its reply is lost. Retrying reuses the
// key, so the store keeps one row and the list one entry.
func TestReconciler_RetryAfterLostReplyWritesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	me := uuid.New()
	store.PutUser(models.UserSummary{ID: me, DisplayName: "me"})
	community := uuid.New()
	store.AddCommunityMember(community, me)
	ch := store.CreateCommunityChannel(community, "general", false)
	guard := access.NewGuard(store.Channels(), store.Communities())
	svc := messaging.NewService(store.Channels(), store.Users(), store.Messages(), guard,
		observ.NewMetrics(prometheus.NewRegistry()), zap.NewNop())

	var echo *models.Message
	calls := 0
	r := NewReconciler(ch.ID, me, senderFunc(func(ctx context.Context, args protocol.SendMessageArgs) (*models.Message, error) {
		calls++
		msg, err := svc.Send(ctx, me, args)
		if err != nil {
			return nil, err
		}
		if calls == 1 {
			echo = msg
			return nil, apperr.SendFailure("SendMessage: timed out", nil)
		}
		return msg, nil
	}))

	tempID, err := r.Send(ctx, "hello", nil)
	require.ErrorIs(t, err, apperr.ErrSendFailure)
	require.NotNil(t, echo)

	// The broadcast still arrives for the lost send.
	assert.True(t, r.Receive(*echo))
	require.Len(t, r.Items(), 2)

	retried, err := r.Retry(ctx, tempID)
	require.NoError(t, err)
	assert.Equal(t, tempID, retried)
	assert.Equal(t, 2, calls)

	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusConfirmed, items[0].Status)
	assert.Equal(t, echo.ID, items[0].Message.ID)

	page, err := store.Messages().GetChannelMessages(ctx, ch.ID, 20, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, tempID, page[0].ClientMsgID)
}

// A pending retry is settled by a message already listed under its key.
func TestReconciler_ListedMessageSettlesPendingRetry(t *testing.T) {
	channelID, me := uuid.New(), uuid.New()
	release := make(chan struct{})
	fail := true
	r := NewReconciler(channelID, me, senderFunc(func(_ context.Context, args protocol.SendMessageArgs) (*models.Message, error) {
		if fail {
			return nil, apperr.SendFailure("SendMessage: timed out", nil)
		}
		<-release
		return nil, apperr.SendFailure("SendMessage: timed out", nil)
	}))

	tempID, err := r.Send(context.Background(), "hi", nil)
	require.Error(t, err)
	listed := models.Message{ID: 7, ChannelID: channelID, SenderID: me, Content: "hi", ClientMsgID: tempID}
	require.True(t, r.Receive(listed))

	fail = false
	done := make(chan error, 1)
	go func() {
		_, err := r.Retry(context.Background(), tempID)
		done <- err
	}()
	require.Eventually(t, func() bool {
		items := r.Items()
		return len(items) == 2 && items[0].Status == StatusPending
	}, time.Second, 5*time.Millisecond)

	assert.True(t, r.Receive(listed))
	assert.False(t, r.Receive(listed))
	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, int64(7), items[0].Message.ID)

	// The late failure finds nothing left to mark.
	close(release)
	assert.Error(t, <-done)
	items = r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusConfirmed, items[0].Status)
}

func TestReconciler_RejectsEmptyContent(t *testing.T) {
	r := NewReconciler(uuid.New(), uuid.New(), senderFunc(func(context.Context, protocol.SendMessageArgs) (*models.Message, error) {
		return nil, errors.New("must not be called")
	}))
	_, err := r.Send(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	assert.Empty(t, r.Items())
}

// A send while disconnected fails immediately, leaves the provisional in
// error and writes nothing.
func TestReconciler_SendWhileDisconnected(t *testing.T) {
	th := startHub(t)
	m := newTestManager(t, staticToken(t, th.alice), Options{})
	r := NewReconciler(th.channel.ID, th.alice, m)

	_, err := r.Send(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, apperr.ErrSendFailure)

	items := r.Items()
	require.Len(t, items, 1)
	assert.Equal(t, StatusError, items[0].Status)

	page, err := th.store.Messages().GetChannelMessages(context.Background(), th.channel.ID, 20, 1)
	require.NoError(t, err)
	assert.Empty(t, page)
}

// Sender and member both end up with exactly the persisted message.
func TestReconciler_SendAndEchoAcrossClients(t *testing.T) {
	th := startHub(t)
	ctx := context.Background()

	alice := newTestManager(t, staticToken(t, th.alice), Options{})
	bob := newTestManager(t, staticToken(t, th.bob), Options{})
	aliceList := NewReconciler(th.channel.ID, th.alice, alice)
	bobList := NewReconciler(th.channel.ID, th.bob, bob)
	aliceList.Attach(alice)
	bobList.Attach(bob)

	for _, m := range []*Manager{alice, bob} {
		require.NoError(t, m.JoinChannel(ctx, th.channel.ID))
		require.NoError(t, m.Connect(ctx, th.url()))
	}

	_, err := aliceList.Send(ctx, "hi", nil)
	require.NoError(t, err)

	page, err := th.store.Messages().GetChannelMessages(ctx, th.channel.ID, 20, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	m1 := page[0].ID

	for _, list := range []*Reconciler{aliceList, bobList} {
		require.Eventually(t, func() bool {
			items := list.Items()
			return len(items) == 1 && items[0].Status == StatusConfirmed && items[0].Message.ID == m1
		}, 2*time.Second, 10*time.Millisecond)
	}

	// The echo to alice arrives after the completion and changes nothing.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, aliceList.Items(), 1)
}
