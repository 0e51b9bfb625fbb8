package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is one websocket connection. A user may hold several.
type Conn struct {
	id      uuid.UUID
	userID  uuid.UUID
	hub     *Hub
	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	logger  *zap.Logger

	// channels is guarded by hub.mu.
	channels map[uuid.UUID]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, userID uuid.UUID) *Conn {
	id := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:       id,
		userID:   userID,
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, h.opts.SendBuffer),
		limiter:  rate.NewLimiter(rate.Limit(h.opts.RateRPS), h.opts.RateBurst),
		logger:   h.logger.With(zap.String("conn_id", id.String()), zap.String("user_id", userID.String())),
		channels: make(map[uuid.UUID]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (c *Conn) ID() uuid.UUID     { return c.id }
func (c *Conn) UserID() uuid.UUID { return c.userID }

// enqueue never blocks. false means the queue is full or the connection is
// already closing.
func (c *Conn) enqueue(frame []byte) bool {
	if c.ctx.Err() != nil {
		return true
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// close stops both pumps. The send channel is never closed, so a
// concurrent enqueue can't panic.
func (c *Conn) close() {
	c.closeOnce.Do(c.cancel)
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.opts.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		c.handle(raw)
	}
}

func (c *Conn) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("frame exceeded size limit", zap.Int64("limit", c.hub.opts.MaxMessageBytes))
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.logger.Info("connection dropped", zap.Error(err))
	default:
		c.logger.Debug("read loop ended", zap.Error(err))
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.ctx.Done():
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// handle runs one invocation. Invocations from a connection are processed
// in arrival order; a user's two quick sends are stored in the order typed.
func (c *Conn) handle(raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		c.rejectMalformed(raw, err)
		return
	}
	if f.Type != protocol.FrameInvocation {
		c.rejectMalformed(raw, apperr.InvalidArg("clients may only send invocations"))
		return
	}

	start := time.Now()
	var result any
	if !c.limiter.Allow() {
		err = apperr.RateLimited("too many invocations")
	} else {
		ctx, cancel := context.WithTimeout(c.ctx, c.hub.opts.InvokeTimeout)
		result, err = c.invoke(ctx, f)
		cancel()
	}

	c.observe(f.Method, start, err)
	c.reply(f.ID, result, err)
}

func (c *Conn) invoke(ctx context.Context, f *protocol.Frame) (any, error) {
	switch f.Method {
	case protocol.MethodJoinChannel, protocol.MethodLeaveChannel:
		var args protocol.ChannelArgs
		if err := protocol.DecodeArgs(f, &args); err != nil {
			return nil, err
		}
		if args.ChannelID == uuid.Nil {
			return nil, apperr.InvalidArg("channel_id is required")
		}
		if f.Method == protocol.MethodJoinChannel {
			return nil, c.hub.JoinChannel(ctx, c, args.ChannelID)
		}
		return nil, c.hub.LeaveChannel(ctx, c, args.ChannelID)

	case protocol.MethodSendMessage:
		var args protocol.SendMessageArgs
		if err := protocol.DecodeArgs(f, &args); err != nil {
			return nil, err
		}
		msg, err := c.hub.SendMessage(ctx, c.userID, args)
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
	return nil, apperr.InvalidArg("unknown method " + f.Method)
}

func (c *Conn) observe(method string, start time.Time, err error) {
	code := "OK"
	if err != nil {
		code = string(apperr.CodeOf(err))
	}
	c.hub.metrics.Invocations.WithLabelValues(method, code).Inc()
	c.hub.metrics.InvocationSeconds.WithLabelValues(method).Observe(time.Since(start).Seconds())

	switch apperr.CodeOf(err) {
	case "":
	case apperr.CodePersistence, apperr.CodeUnknown:
		c.logger.Error("invocation failed", zap.String("method", method), zap.Error(err))
	default:
		c.logger.Debug("invocation rejected", zap.String("method", method), zap.Error(err))
	}
}

func (c *Conn) reply(id string, result any, callErr error) {
	frame, err := protocol.NewCompletion(id, result, callErr)
	if err != nil {
		c.logger.Error("failed to encode completion", zap.String("id", id), zap.Error(err))
		return
	}
	if !c.enqueue(frame) {
		c.hub.metrics.Evictions.Inc()
		c.logger.Warn("send queue full, evicting connection")
		c.close()
	}
}

// rejectMalformed answers a frame that failed validation when it at least
// carries an id the client can correlate; otherwise it is only logged.
func (c *Conn) rejectMalformed(raw []byte, cause error) {
	var head struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(raw, &head) != nil || head.ID == "" {
		c.logger.Debug("dropping malformed frame", zap.Error(cause))
		return
	}
	c.reply(head.ID, nil, cause)
}
