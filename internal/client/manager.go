// Package client is the connection side of the hub protocol: a Manager that
// keeps one websocket alive with bounded reconnection, and a Reconciler that
// merges optimistic sends with server confirmations for one channel.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalith-99/huddle/internal/apperr"
	"github.com/lalith-99/huddle/internal/models"
	"github.com/lalith-99/huddle/internal/protocol"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// TokenFactory returns the bearer token for the next handshake. It is called
// on every connect and reconnect so expiring tokens can be refreshed.
type TokenFactory func(ctx context.Context) (string, error)

type Options struct {
	TokenFactory TokenFactory
	// InvokeTimeout bounds each hub call. Default 5s.
	InvokeTimeout time.Duration
	// BaseDelay and MaxDelay shape the reconnect backoff. Defaults 500ms, 30s.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxReconnectAttempts is how many consecutive failed attempts end in a
	// terminal disconnect. Default 10.
	MaxReconnectAttempts int
	// PongWait is how long the connection may stay silent before it is
	// treated as lost. Any frame or ping from the hub resets it. Default 60s,
	// above the hub's ping period.
	PongWait time.Duration
	Dialer   *websocket.Dialer
	Logger   *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.InvokeTimeout <= 0 {
		o.InvokeTimeout = 5 * time.Second
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

const writeWait = 10 * time.Second

// Manager owns one hub connection. It is safe for concurrent use; events are
// delivered to subscribers one at a time in the order they happened.
type Manager struct {
	opts   Options
	logger *zap.Logger
	events *dispatcher

	mu       sync.Mutex
	state    State
	url      string
	ws       *websocket.Conn
	gen      uint64 // bumped whenever ws is replaced or dropped
	pending  map[string]chan *protocol.Frame
	channels map[uuid.UUID]struct{}
	// stopReconnect cancels the reconnect loop, if one is running.
	stopReconnect context.CancelFunc
	closed        bool

	// writeMu serialises frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex
	nextID  uint64
}

func NewManager(opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:     opts,
		logger:   opts.Logger,
		events:   newDispatcher(),
		pending:  make(map[string]chan *protocol.Frame),
		channels: make(map[uuid.UUID]struct{}),
	}
}

// Subscribe registers fn for every future event and returns a function that
// removes it.
func (m *Manager) Subscribe(fn func(Event)) (cancel func()) {
	return m.events.subscribe(fn)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveChannels is the set of channels the manager rejoins after every
// (re)connect, sorted for stable output.
func (m *Manager) ActiveChannels() []uuid.UUID {
	m.mu.Lock()
	out := make([]uuid.UUID, 0, len(m.channels))
	for id := range m.channels {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Connect dials url and replays the active channel set. It is a no-op when
// already connected and fails while another connect or reconnect is in
// flight.
func (m *Manager) Connect(ctx context.Context, url string) error {
	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return apperr.Connection("manager is closed", nil)
	case m.state == StateConnected:
		m.mu.Unlock()
		return nil
	case m.state == StateConnecting || m.state == StateReconnecting:
		m.mu.Unlock()
		return apperr.Connection("connection already in progress", nil)
	}
	m.state = StateConnecting
	m.url = url
	m.mu.Unlock()

	ws, err := m.dial(ctx, url)
	if err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return err
	}
	if !m.attach(ws, StateConnecting) {
		_ = ws.Close()
		return apperr.Connection("connect cancelled", nil)
	}

	m.replayJoins(ctx)
	m.events.emit(Connected{})
	return nil
}

// dial performs the websocket handshake. A 401 maps to an auth error, which
// the reconnect loop treats as terminal.
func (m *Manager) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	header := http.Header{}
	if m.opts.TokenFactory != nil {
		tok, err := m.opts.TokenFactory(ctx)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeAuth, "obtain token", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	ws, resp, err := m.opts.Dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.Auth("hub rejected credentials")
		}
		return nil, apperr.Connection("dial hub", err)
	}
	return ws, nil
}

// attach installs ws if the manager is still in state from, and starts its
// read loop.
func (m *Manager) attach(ws *websocket.Conn, from State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from || m.closed {
		return false
	}
	m.gen++
	m.ws = ws
	m.state = StateConnected
	go m.readLoop(ws, m.gen)
	return true
}

func (m *Manager) readLoop(ws *websocket.Conn, gen uint64) {
	wait := m.opts.PongWait
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		var ne net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &ne) && ne.Timeout()) {
			return nil
		}
		return err
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		f, err := protocol.Decode(raw)
		if err != nil {
			m.logger.Warn("dropping malformed frame from hub", zap.Error(err))
			continue
		}
		switch f.Type {
		case protocol.FrameCompletion:
			m.complete(f)
		case protocol.FrameEvent:
			m.dispatchEvent(f)
		default:
			m.logger.Warn("unexpected frame from hub", zap.String("type", string(f.Type)))
		}
	}
}

func (m *Manager) complete(f *protocol.Frame) {
	m.mu.Lock()
	ch, ok := m.pending[f.ID]
	delete(m.pending, f.ID)
	m.mu.Unlock()
	if !ok {
		// Late reply to a call that already timed out.
		m.logger.Debug("completion for unknown call", zap.String("id", f.ID))
		return
	}
	ch <- f
}

func (m *Manager) dispatchEvent(f *protocol.Frame) {
	ev, err := protocol.DecodeEvent(f)
	if err != nil {
		m.logger.Warn("dropping malformed event", zap.String("event", f.Event), zap.Error(err))
		return
	}
	switch e := ev.(type) {
	case protocol.MessageReceived:
		m.events.emit(MessageReceived{Message: e.Message})
	case protocol.UserJoined:
		m.events.emit(UserJoined{UserID: e.UserID, ChannelID: e.ChannelID})
	case protocol.UserLeft:
		m.events.emit(UserLeft{UserID: e.UserID, ChannelID: e.ChannelID})
	}
}

// failPendingLocked wakes every in-flight call with a closed channel.
func (m *Manager) failPendingLocked() {
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
}

// connectionLost runs when the read loop of generation gen ends. Drops of a
// connection the manager already replaced or closed are ignored.
func (m *Manager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.gen++
	if m.ws != nil {
		_ = m.ws.Close()
		m.ws = nil
	}
	m.failPendingLocked()
	m.state = StateReconnecting
	ctx, cancel := context.WithCancel(context.Background())
	m.stopReconnect = cancel
	url := m.url
	m.mu.Unlock()

	m.logger.Info("hub connection lost, reconnecting", zap.Error(cause))
	go m.reconnect(ctx, url, apperr.Connection("connection lost", cause))
}

func (m *Manager) reconnect(ctx context.Context, url string, cause error) {
	lastErr := cause
	for attempt := 1; attempt <= m.opts.MaxReconnectAttempts; attempt++ {
		m.events.emit(Reconnecting{Attempt: attempt, Err: lastErr})

		timer := time.NewTimer(m.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ws, err := m.dial(ctx, url)
		if err == nil {
			if !m.attach(ws, StateReconnecting) {
				_ = ws.Close()
				return
			}
			m.replayJoins(ctx)
			m.events.emit(Reconnected{})
			return
		}
		if ctx.Err() != nil {
			return
		}
		lastErr = err
		m.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if errors.Is(err, apperr.ErrAuth) {
			break
		}
	}

	m.mu.Lock()
	if m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.stopReconnect = nil
	m.mu.Unlock()
	m.events.emit(Disconnected{Err: lastErr, Terminal: true})
}

// backoff is exponential with full jitter: uniform in [0, min(max, base*2^(n-1))].
func (m *Manager) backoff(attempt int) time.Duration {
	ceiling := m.opts.MaxDelay
	if shift := attempt - 1; shift < 32 {
		if d := m.opts.BaseDelay << shift; d > 0 && d < ceiling {
			ceiling = d
		}
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// replayJoins rejoins every active channel on a fresh connection. Channels
// the server now refuses are forgotten; transient failures keep their place
// for the next reconnect.
func (m *Manager) replayJoins(ctx context.Context) {
	for _, id := range m.ActiveChannels() {
		err := m.Invoke(ctx, protocol.MethodJoinChannel, protocol.ChannelArgs{ChannelID: id}, nil)
		if err == nil {
			continue
		}
		if forgetJoin(err) {
			m.forget(id)
		}
		m.logger.Warn("rejoin failed", zap.String("channel_id", id.String()), zap.Error(err))
	}
}

func forgetJoin(err error) bool {
	return errors.Is(err, apperr.ErrAccessDenied) || errors.Is(err, apperr.ErrNotFound)
}

func (m *Manager) forget(channelID uuid.UUID) {
	m.mu.Lock()
	delete(m.channels, channelID)
	m.mu.Unlock()
}

// Invoke calls method on the hub and decodes the completion into result,
// which may be nil. Calls made while not connected, timed out, or cut off
// by a dropped connection fail with a send-failure error; errors the hub
// returns keep their code.
func (m *Manager) Invoke(ctx context.Context, method string, args, result any) error {
	m.mu.Lock()
	if m.state != StateConnected || m.ws == nil {
		state := m.state
		m.mu.Unlock()
		return apperr.SendFailure(fmt.Sprintf("%s: not connected (%s)", method, state), nil)
	}
	ws := m.ws
	m.nextID++
	id := strconv.FormatUint(m.nextID, 10)
	reply := make(chan *protocol.Frame, 1)
	m.pending[id] = reply
	m.mu.Unlock()

	raw, err := protocol.NewInvocation(id, method, args)
	if err != nil {
		m.drop(id)
		return apperr.Wrap(apperr.CodeInvalidArgument, "encode "+method, err)
	}

	m.writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteMessage(websocket.TextMessage, raw)
	m.writeMu.Unlock()
	if err != nil {
		m.drop(id)
		return apperr.SendFailure(method+": write failed", err)
	}

	timer := time.NewTimer(m.opts.InvokeTimeout)
	defer timer.Stop()

	select {
	case f, ok := <-reply:
		if !ok {
			return apperr.SendFailure(method+": connection lost", apperr.ErrConnection)
		}
		return protocol.DecodeResult(f, result)
	case <-timer.C:
		m.drop(id)
		return apperr.SendFailure(method+": timed out", nil)
	case <-ctx.Done():
		m.drop(id)
		return apperr.SendFailure(method+": cancelled", ctx.Err())
	}
}

func (m *Manager) drop(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// JoinChannel adds channelID to the active set and joins it now if
// connected. A refused join removes it from the set again.
func (m *Manager) JoinChannel(ctx context.Context, channelID uuid.UUID) error {
	m.mu.Lock()
	m.channels[channelID] = struct{}{}
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return nil
	}

	err := m.Invoke(ctx, protocol.MethodJoinChannel, protocol.ChannelArgs{ChannelID: channelID}, nil)
	if err != nil && forgetJoin(err) {
		m.forget(channelID)
	}
	return err
}

// LeaveChannel removes channelID from the active set and tells the hub when
// connected.
func (m *Manager) LeaveChannel(ctx context.Context, channelID uuid.UUID) error {
	m.mu.Lock()
	delete(m.channels, channelID)
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected {
		return nil
	}
	return m.Invoke(ctx, protocol.MethodLeaveChannel, protocol.ChannelArgs{ChannelID: channelID}, nil)
}

// SendMessage persists and broadcasts a message through the hub.
func (m *Manager) SendMessage(ctx context.Context, args protocol.SendMessageArgs) (*models.Message, error) {
	var msg models.Message
	if err := m.Invoke(ctx, protocol.MethodSendMessage, args, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Disconnect closes the connection and stops any reconnect loop. The active
// channel set is kept for the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.gen++
	ws := m.ws
	m.ws = nil
	m.failPendingLocked()
	m.state = StateDisconnected
	m.mu.Unlock()

	if ws != nil {
		m.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		_ = ws.Close()
	}
	m.events.emit(Disconnected{})
}

// Close disconnects, delivers queued events and stops the dispatcher. The
// manager can't be reused.
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.events.stop()
}
