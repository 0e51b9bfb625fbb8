// Package hub is the real-time side of messaging. It tracks which
// connections belong to which user and which channel groups they joined,
// runs their invocations and fans events out to channel groups.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/observ"
	"github.com/lalith-99/huddle/internal/protocol"
)

// Authorizer is satisfied by access.Guard.
type Authorizer interface {
	Authorize(ctx context.Context, channelID, userID uuid.UUID) (*models.Channel, error)
}

// MessageSender is satisfied by messaging.Service.
type MessageSender interface {
	Send(ctx context.Context, senderID uuid.UUID, args protocol.SendMessageArgs) (*models.Message, error)
}

type Options struct {
	SendBuffer      int
	MaxMessageBytes int64
	InvokeTimeout   time.Duration
	RateRPS         float64
	RateBurst       int
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 64 << 10
	}
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 10 * time.Second
	}
	if o.RateRPS <= 0 {
		o.RateRPS = 10
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	return o
}

var ErrHubClosed = errors.New("hub is shut down")

type Hub struct {
	guard     Authorizer
	sender    MessageSender
	backplane Backplane
	opts      Options
	metrics   *observ.Metrics
	logger    *zap.Logger

	// mu guards conns, groups and every Conn.channels. Join and leave take
	// it for writing; delivery takes it for reading, so a broadcast sees
	// a membership snapshot no join or leave can tear.
	mu     sync.RWMutex
	conns  map[*Conn]struct{}
	groups map[uuid.UUID]map[*Conn]struct{}
	closed bool

	// sendLocks serializes persist+broadcast per channel so a channel's
	// messages go out in the order they were stored.
	sendLocks *keyedMutex

	stopBackplane context.CancelFunc
	wg            sync.WaitGroup
}

// New builds a hub. backplane may be nil, in which case events are only
// delivered to connections on this instance.
func New(guard Authorizer, sender MessageSender, backplane Backplane, opts Options, metrics *observ.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		guard:     guard,
		sender:    sender,
		backplane: backplane,
		opts:      opts.withDefaults(),
		metrics:   metrics,
		logger:    logger,
		conns:     make(map[*Conn]struct{}),
		groups:    make(map[uuid.UUID]map[*Conn]struct{}),
		sendLocks: newKeyedMutex(),
	}
}

// Start subscribes to the backplane, if any. It returns once the
// subscription is live so nothing published afterwards is missed.
func (h *Hub) Start(ctx context.Context) error {
	if h.backplane == nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	deliveries, err := h.backplane.Subscribe(ctx)
	if err != nil {
		cancel()
		return err
	}
	h.stopBackplane = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for d := range deliveries {
			h.deliver(d.ChannelID, d.EventName, d.Frame)
		}
	}()
	return nil
}

// Serve registers ws for userID and runs its pumps. It blocks until the
// connection is closed.
func (h *Hub) Serve(ws *websocket.Conn, userID uuid.UUID) {
	c := newConn(h, ws, userID)
	if err := h.register(c); err != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = ws.Close()
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	c.readPump()
}

func (h *Hub) register(c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.wg.Add(1)
	h.conns[c] = struct{}{}
	h.metrics.Connections.Inc()
	c.logger.Info("connection opened")
	return nil
}

// unregister drops c from every group. Persisted channel membership is
// untouched and nobody is told: a dropped socket is not a leave.
func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	for channelID := range c.channels {
		h.removeFromGroupLocked(channelID, c)
	}
	h.mu.Unlock()

	c.close()
	h.metrics.Connections.Dec()
	c.logger.Info("connection closed")
	h.wg.Done()
}

func (h *Hub) removeFromGroupLocked(channelID uuid.UUID, c *Conn) {
	delete(c.channels, channelID)
	group := h.groups[channelID]
	delete(group, c)
	if len(group) == 0 {
		delete(h.groups, channelID)
	}
}

// JoinChannel adds c to the channel group after checking access. Joining a
// group the connection is already in is a no-op and announces nothing.
func (h *Hub) JoinChannel(ctx context.Context, c *Conn, channelID uuid.UUID) error {
	if _, err := h.guard.Authorize(ctx, channelID, c.userID); err != nil {
		return err
	}

	h.mu.Lock()
	if _, ok := c.channels[channelID]; ok {
		h.mu.Unlock()
		return nil
	}
	group := h.groups[channelID]
	if group == nil {
		group = make(map[*Conn]struct{})
		h.groups[channelID] = group
	}
	group[c] = struct{}{}
	c.channels[channelID] = struct{}{}
	h.mu.Unlock()

	h.metrics.ChannelJoins.Inc()
	c.logger.Debug("joined channel", zap.String("channel_id", channelID.String()))
	h.Broadcast(ctx, protocol.UserJoined{Presence: protocol.Presence{UserID: c.userID, ChannelID: channelID}})
	return nil
}

// LeaveChannel removes c from the group and tells the members that remain.
// Leaving a group the connection isn't in is a no-op.
func (h *Hub) LeaveChannel(ctx context.Context, c *Conn, channelID uuid.UUID) error {
	h.mu.Lock()
	if _, ok := c.channels[channelID]; !ok {
		h.mu.Unlock()
		return nil
	}
	h.removeFromGroupLocked(channelID, c)
	h.mu.Unlock()

	c.logger.Debug("left channel", zap.String("channel_id", channelID.String()))
	h.Broadcast(ctx, protocol.UserLeft{Presence: protocol.Presence{UserID: c.userID, ChannelID: channelID}})
	return nil
}

// SendMessage persists a message from senderID and broadcasts the stored
// copy to the channel group, sender included. The REST handler and the
// SendMessage invocation both come through here.
func (h *Hub) SendMessage(ctx context.Context, senderID uuid.UUID, args protocol.SendMessageArgs) (*models.Message, error) {
	unlock := h.sendLocks.Lock(args.ChannelID)
	defer unlock()

	msg, err := h.sender.Send(ctx, senderID, args)
	if err != nil {
		return nil, err
	}
	h.Broadcast(ctx, protocol.MessageReceived{Message: *msg})
	return msg, nil
}

// Broadcast sends ev to every connection in its channel group, through the
// backplane when one is configured.
func (h *Hub) Broadcast(ctx context.Context, ev protocol.Event) {
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", ev.EventName()), zap.Error(err))
		return
	}

	if h.backplane != nil {
		err := h.backplane.Publish(ctx, Delivery{ChannelID: ev.ChannelOf(), EventName: ev.EventName(), Frame: frame})
		if err == nil {
			return
		}
		// Other instances miss this event; local members still get it.
		h.logger.Warn("backplane publish failed, delivering locally",
			zap.String("event", ev.EventName()),
			zap.Error(err),
		)
	}
	h.deliver(ev.ChannelOf(), ev.EventName(), frame)
}

// deliver enqueues frame on every local member of the channel. A member
// whose queue is full is closed once the read lock is released.
func (h *Hub) deliver(channelID uuid.UUID, eventName string, frame []byte) {
	var slow []*Conn

	h.mu.RLock()
	for c := range h.groups[channelID] {
		if !c.enqueue(frame) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	h.metrics.Broadcasts.WithLabelValues(eventName).Inc()
	for _, c := range slow {
		h.metrics.Evictions.Inc()
		c.logger.Warn("send queue full, evicting connection", zap.String("channel_id", channelID.String()))
		c.close()
	}
}

// Members returns the users with at least one connection in the channel
// group on this instance.
func (h *Hub) Members(channelID uuid.UUID) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[uuid.UUID]struct{})
	out := []uuid.UUID{}
	for c := range h.groups[channelID] {
		if _, ok := seen[c.userID]; ok {
			continue
		}
		seen[c.userID] = struct{}{}
		out = append(out, c.userID)
	}
	return out
}

// ConnectionCount is the number of live connections on this instance.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown closes every connection, stops the backplane and waits for all
// pumps to exit or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	if h.stopBackplane != nil {
		h.stopBackplane()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
