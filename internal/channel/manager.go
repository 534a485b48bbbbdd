package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dialwire/agentlink/internal/metrics"
	"github.com/dialwire/agentlink/internal/presence"
	"github.com/dialwire/agentlink/internal/token"
	"github.com/dialwire/agentlink/internal/wire"
)

const writeTimeout = 10 * time.Second

var (
	// ErrChannelClosed is returned for any operation after Logout.
	ErrChannelClosed = errors.New("control channel closed")
	// ErrLoginTimeout is returned when the backend does not confirm
	// registration within the login timeout.
	ErrLoginTimeout = errors.New("login timed out")
	// ErrNotConnected is returned when a frame cannot be sent because the
	// socket is not open.
	ErrNotConnected = errors.New("socket not connected")
)

// Events are the collaborator callbacks. All fields are optional. Callbacks
// are invoked outside the Manager's lock and must not block for long.
type Events struct {
	OnState           func(State)
	OnStatus          func(presence.Status)
	OnNumberInfo      func(wire.NumberInfoParams)
	OnGroupCallNotify func(json.RawMessage)
	OnOther           func(wire.Frame)
	OnKick            func()
	OnExhausted       func()
	OnClosed          func()
}

// Options configure the control channel.
type Options struct {
	URL      string
	Username string
	Password string

	HeartbeatInterval    time.Duration
	LoginPollInterval    time.Duration
	LoginTimeout         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int

	Dialer *websocket.Dialer
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 2 * time.Second
	}
	if opts.LoginPollInterval <= 0 {
		opts.LoginPollInterval = 2 * time.Second
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 10 * time.Second
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return opts
}

// AddrResolver resolves the telephony signaling address once the backend
// confirms registration.
type AddrResolver interface {
	ResolveSignalingAddr(ctx context.Context) (presence.SignalingAddr, error)
}

// LoginResult is what CheckLogin resolves with.
type LoginResult struct {
	Token token.Token
	Addr  presence.SignalingAddr
}

// Manager owns the control-channel socket lifecycle: connect, authenticate,
// heartbeat, bounded reconnect, logout. It is the single writer of the
// connection state and the token store.
type Manager struct {
	opts     Options
	tokens   *token.Store
	cache    *presence.Cache
	resolver AddrResolver
	events   Events
	logger   zerolog.Logger

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	gen               int
	heartbeatStop     chan struct{}
	reconnectTimer    *time.Timer
	attempts          int
	exhausted         bool
	suppressReconnect bool
	closedNotified    bool

	// wmu serializes socket writes independently of state transitions.
	wmu sync.Mutex
}

// NewManager creates a control channel manager. Nothing connects until
// Connect is called.
func NewManager(opts Options, tokens *token.Store, cache *presence.Cache, resolver AddrResolver, events Events, logger zerolog.Logger) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		tokens:   tokens,
		cache:    cache,
		resolver: resolver,
		events:   events,
		logger:   logger.With().Str("component", "channel").Logger(),
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the transport and sends the login frame. It is idempotent
// while a connection is already being established or is ready.
func (m *Manager) Connect() error {
	m.mu.Lock()
	switch m.state {
	case Closed:
		m.mu.Unlock()
		return ErrChannelClosed
	case Connecting, Authenticating, Ready:
		m.mu.Unlock()
		return nil
	}
	m.setStateLocked(Connecting)
	gen := m.gen
	dialer := m.opts.Dialer
	m.mu.Unlock()
	m.emitState(Connecting)

	conn, resp, err := dialer.Dial(m.opts.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("url", m.opts.URL).Msg("dial failed")
		m.handleDisconnect(gen, err)
		return fmt.Errorf("dial control channel: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen || m.state != Connecting {
		// Superseded by logout or an explicit reconnect while dialing.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.setStateLocked(Authenticating)
	m.mu.Unlock()
	m.emitState(Authenticating)

	go m.readLoop(conn, gen)

	if err := m.sendLogin(); err != nil {
		m.logger.Warn().Err(err).Msg("login frame send failed")
	}
	return nil
}

// sendLogin emits the login frame with the digest the backend expects.
func (m *Manager) sendLogin() error {
	ts := time.Now().UnixMilli()
	nonce := wire.NewNonce()
	return m.writeFrame(wire.ActionLogin, wire.LoginParams{
		Username:  m.opts.Username,
		Timestamp: ts,
		Password:  wire.LoginDigest(m.opts.Password, nonce, ts),
		Nonce:     nonce,
	})
}

// CheckLogin polls for authentication completion until the login timeout
// elapses. On success it resolves the telephony signaling address; on
// timeout it schedules a reconnect attempt and returns ErrLoginTimeout.
func (m *Manager) CheckLogin(ctx context.Context) (*LoginResult, error) {
	deadline := time.Now().Add(m.opts.LoginTimeout)
	ticker := time.NewTicker(m.opts.LoginPollInterval)
	defer ticker.Stop()

	for {
		if m.State() == Ready {
			tok := m.tokens.Get()
			if tok.Valid() {
				addr, err := m.resolver.ResolveSignalingAddr(ctx)
				if err == nil {
					return &LoginResult{Token: tok, Addr: addr}, nil
				}
				m.logger.Warn().Err(err).Msg("signaling address not resolved yet")
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			m.logger.Warn().Dur("timeout", m.opts.LoginTimeout).Msg("login not confirmed in time")
			m.ScheduleReconnect(ErrLoginTimeout)
			return nil, ErrLoginTimeout
		}
	}
}

// Reconnect is the manual recovery path. It resets the attempt counter and
// the exhausted latch, tears down any existing connection and dials again.
func (m *Manager) Reconnect() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		return ErrChannelClosed
	}
	m.attempts = 0
	m.exhausted = false
	m.suppressReconnect = false
	m.teardownLocked()
	m.setStateLocked(Disconnected)
	m.mu.Unlock()
	return m.Connect()
}

// ScheduleReconnect tears the connection down and schedules an automatic
// reconnect attempt, subject to the attempt bound. Used for login timeouts
// and failed token refreshes as well as transport drops.
func (m *Manager) ScheduleReconnect(cause error) {
	m.mu.Lock()
	if m.state == Closed || m.suppressReconnect || m.exhausted {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.scheduleLocked(cause)
}

// Logout marks the explicit exit, sends a best-effort logout frame, cancels
// all timers, closes the socket and notifies the collaborator exactly once.
func (m *Manager) Logout() error {
	m.mu.Lock()
	if m.state == Closed {
		m.mu.Unlock()
		m.notifyClosedOnce()
		return nil
	}
	m.suppressReconnect = true
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		// Best effort; the socket may already be gone.
		if err := m.writeFrame(wire.ActionLogout, nil); err != nil {
			m.logger.Debug().Err(err).Msg("logout frame not sent")
		}
	}

	m.mu.Lock()
	m.teardownLocked()
	m.setStateLocked(Closed)
	m.mu.Unlock()

	m.emitState(Closed)
	m.notifyClosedOnce()
	m.logger.Info().Msg("control channel closed")
	return nil
}

func (m *Manager) notifyClosedOnce() {
	m.mu.Lock()
	notified := m.closedNotified
	m.closedNotified = true
	m.mu.Unlock()
	if !notified && m.events.OnClosed != nil {
		m.events.OnClosed()
	}
}

// readLoop reads frames until the socket errors. gen guards against a stale
// loop acting after the connection it belonged to was torn down.
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(gen, err)
			return
		}
		m.handleFrame(gen, data)
	}
}

// handleFrame is the single inbound demultiplexer. Malformed frames are
// logged and dropped; no frame may crash the dispatcher.
func (m *Manager) handleFrame(gen int, data []byte) {
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		m.logger.Debug().Err(err).Str("data", string(data)).Msg("dropping malformed frame")
		return
	}
	metrics.FramesReceived.WithLabelValues(f.Action).Inc()

	switch f.Action {
	case wire.ActionAuth:
		var auth wire.AuthParams
		if err := json.Unmarshal(f.Params, &auth); err != nil {
			m.logger.Debug().Err(err).Msg("dropping malformed auth frame")
			return
		}
		m.handleAuth(gen, auth)

	case wire.ActionStatus:
		var st wire.StatusParams
		if err := json.Unmarshal(f.Params, &st); err != nil {
			m.logger.Debug().Err(err).Msg("dropping malformed status frame")
			return
		}
		status := presence.Status(st.Code)
		m.cache.SetStatus(status)
		m.logger.Debug().Str("status", status.String()).Msg("agent status updated")
		if m.events.OnStatus != nil {
			m.events.OnStatus(status)
		}

	case wire.ActionPing:
		if err := m.writeFrame(wire.ActionPong, nil); err != nil {
			m.logger.Debug().Err(err).Msg("pong not sent")
		}

	case wire.ActionPong:
		// Heartbeat reply, nothing to do.

	case wire.ActionKick:
		m.handleKick(gen)

	case wire.ActionNumberInfo:
		var info wire.NumberInfoParams
		if err := json.Unmarshal(f.Params, &info); err != nil {
			m.logger.Debug().Err(err).Msg("dropping malformed numberInfo frame")
			return
		}
		if m.events.OnNumberInfo != nil {
			m.events.OnNumberInfo(info)
		}

	case wire.ActionGroupCallNotify:
		if m.events.OnGroupCallNotify != nil {
			m.events.OnGroupCallNotify(f.Params)
		}

	default:
		if m.events.OnOther != nil {
			m.events.OnOther(f)
		}
	}
}

func (m *Manager) handleAuth(gen int, auth wire.AuthParams) {
	m.mu.Lock()
	if m.gen != gen || m.state == Closed {
		m.mu.Unlock()
		return
	}
	m.tokens.SetFromAuth(auth.Token, auth.RefreshToken, auth.ExpireAt)
	m.cache.SetRoutingID(auth.RoutingID)
	m.attempts = 0
	m.exhausted = false
	m.setStateLocked(Ready)
	m.startHeartbeatLocked()
	m.mu.Unlock()

	m.logger.Info().Str("routing_id", auth.RoutingID).Msg("authenticated")
	m.emitState(Ready)
}

// handleKick force-closes the channel without triggering auto-reconnect.
// A manual Reconnect may still revive it later.
func (m *Manager) handleKick(gen int) {
	m.mu.Lock()
	if m.gen != gen || m.state == Closed {
		m.mu.Unlock()
		return
	}
	m.suppressReconnect = true
	m.teardownLocked()
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	m.logger.Warn().Msg("kicked by server")
	m.emitState(Disconnected)
	if m.events.OnKick != nil {
		m.events.OnKick()
	}
}

// handleDisconnect funnels every non-user-initiated socket failure.
func (m *Manager) handleDisconnect(gen int, cause error) {
	m.mu.Lock()
	if m.gen != gen || m.state == Closed {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	if m.suppressReconnect {
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		m.emitState(Disconnected)
		return
	}
	m.logger.Warn().Err(cause).Msg("control channel lost")
	m.scheduleLocked(cause)
}

// scheduleLocked applies the bounded reconnect policy. Caller holds mu;
// the lock is released before callbacks fire.
func (m *Manager) scheduleLocked(cause error) {
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.exhausted = true
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		m.logger.Error().Err(cause).Int("attempts", m.attempts).Msg("reconnect attempts exhausted")
		m.emitState(Disconnected)
		if m.events.OnExhausted != nil {
			m.events.OnExhausted()
		}
		return
	}

	m.attempts++
	attempt := m.attempts
	m.setStateLocked(Reconnecting)
	m.reconnectTimer = time.AfterFunc(m.opts.ReconnectDelay, func() {
		metrics.ReconnectsTotal.Inc()
		if err := m.Connect(); err != nil {
			m.logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		}
	})
	m.mu.Unlock()

	m.logger.Info().
		Int("attempt", attempt).
		Int("max", m.opts.MaxReconnectAttempts).
		Dur("delay", m.opts.ReconnectDelay).
		Msg("reconnect scheduled")
	m.emitState(Reconnecting)
}

// teardownLocked fully tears down the current connection: it invalidates
// the generation, cancels heartbeat and reconnect timers, closes the socket
// and clears the token. The access token must never survive outside Ready.
func (m *Manager) teardownLocked() {
	m.gen++
	m.stopHeartbeatLocked()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.tokens.Clear()
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	metrics.ConnectionState.Set(float64(s))
}

func (m *Manager) emitState(s State) {
	if m.events.OnState != nil {
		m.events.OnState(s)
	}
}

// startHeartbeatLocked starts the ping loop for the Ready state. Any
// previous loop is stopped first.
func (m *Manager) startHeartbeatLocked() {
	m.stopHeartbeatLocked()
	stop := make(chan struct{})
	m.heartbeatStop = stop
	go m.heartbeatLoop(stop)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatStop != nil {
		close(m.heartbeatStop)
		m.heartbeatStop = nil
	}
}

// heartbeatLoop sends a ping frame at a fixed cadence. Losing the send
// opportunity ends the loop instead of erroring; the read loop owns failure
// handling.
func (m *Manager) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.writeFrame(wire.ActionPing, nil); err != nil {
				m.logger.Debug().Err(err).Msg("heartbeat stopped")
				return
			}
			metrics.HeartbeatsSent.Inc()
		}
	}
}

// writeFrame serializes and sends one frame. Writes are serialized by wmu.
func (m *Manager) writeFrame(action string, params any) error {
	data, err := wire.Marshal(action, params)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.wmu.Lock()
	defer m.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", action, err)
	}
	return nil
}
