// Package softphone is the public entry point of the agentlink SDK. A
// Softphone keeps an authenticated control channel to the agent-presence
// backend, tracks at most one live call on an external telephony stack, and
// reports everything through a single event-tagged listener callback.
package softphone

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialwire/agentlink/internal/call"
	"github.com/dialwire/agentlink/internal/channel"
	"github.com/dialwire/agentlink/internal/presence"
	"github.com/dialwire/agentlink/internal/stats"
	"github.com/dialwire/agentlink/internal/token"
	"github.com/dialwire/agentlink/internal/wire"
	"github.com/dialwire/agentlink/pkg/telephony"
)

// CallExtra are optional outbound call parameters.
type CallExtra struct {
	OutNumber  string
	BusinessID string
}

// Config configures a Softphone.
type Config struct {
	Host      string
	Port      string
	UseTLS    bool
	Extension string
	Password  string

	HeartbeatInterval     time.Duration
	LoginPollInterval     time.Duration
	LoginTimeout          time.Duration
	ReconnectDelay        time.Duration
	MaxReconnectAttempts  int
	TokenRefreshThreshold time.Duration
	SampleInterval        time.Duration

	// SocketURL and APIBaseURL override the URLs derived from Host/Port.
	SocketURL  string
	APIBaseURL string

	// Listener receives every notification. Use zerolog.Nop() for Logger to
	// silence the SDK.
	Listener func(Event)
	Logger   zerolog.Logger
}

func (c *Config) socketURL() string {
	if c.SocketURL != "" {
		return c.SocketURL
	}
	scheme := "ws"
	if c.UseTLS {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%s/api/sdk/ws", scheme, c.Host, c.Port)
}

func (c *Config) apiBaseURL() string {
	if c.APIBaseURL != "" {
		return c.APIBaseURL
	}
	scheme := "http"
	if c.UseTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%s", scheme, c.Host, c.Port)
}

// Softphone wires the control channel, the call coordinator, the presence
// client and the network quality sampler behind one facade.
type Softphone struct {
	cfg      Config
	logger   zerolog.Logger
	listener func(Event)

	tokens  *token.Store
	cache   *presence.Cache
	api     *presence.Client
	mgr     *channel.Manager
	sampler *stats.Sampler
	coord   *call.Coordinator
}

// New creates a Softphone driving the given telephony stack. Nothing
// connects until Register is called.
func New(cfg Config, stack telephony.Stack) (*Softphone, error) {
	if cfg.Extension == "" || cfg.Password == "" {
		return nil, fmt.Errorf("extension and password are required")
	}
	if stack == nil {
		return nil, fmt.Errorf("telephony stack is required")
	}
	if cfg.TokenRefreshThreshold <= 0 {
		cfg.TokenRefreshThreshold = 90 * time.Minute
	}

	p := &Softphone{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("agent", cfg.Extension).Logger(),
		listener: cfg.Listener,
		tokens:   token.NewStore(),
		cache:    presence.NewCache(),
	}

	p.sampler = stats.NewSampler(cfg.SampleInterval,
		func(s stats.Sample) { p.emit(EventLatencyStat, LatencyStat(s)) },
		func() { p.emit(EventRingStop, nil) },
		p.logger,
	)

	p.api = presence.NewClient(cfg.apiBaseURL(), p.tokens, cfg.TokenRefreshThreshold, p.onAuthError, p.logger)

	p.mgr = channel.NewManager(channel.Options{
		URL:                  cfg.socketURL(),
		Username:             cfg.Extension,
		Password:             cfg.Password,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		LoginPollInterval:    cfg.LoginPollInterval,
		LoginTimeout:         cfg.LoginTimeout,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, p.tokens, p.cache, p.api, channel.Events{
		OnState:           p.onChannelState,
		OnStatus:          func(s presence.Status) { p.emit(EventStatusChange, StatusChange{Code: int(s), Name: s.String()}) },
		OnNumberInfo:      func(info wire.NumberInfoParams) { p.emit(EventNumberInfo, NumberInfo(info)) },
		OnGroupCallNotify: func(raw json.RawMessage) { p.emit(EventGroupCallNotify, Raw{Action: "groupCallNotify", Data: raw}) },
		OnOther:           func(f wire.Frame) { p.emit(EventOther, Raw{Action: f.Action, Data: f.Params}) },
		OnKick:            func() { p.emit(EventKicked, nil) },
		OnExhausted: func() {
			p.emit(EventError, ErrorInfo{Op: "reconnect", Msg: "reconnect attempts exhausted"})
		},
		OnClosed: func() { p.emit(EventUnregistered, nil) },
	}, p.logger)

	p.coord = call.NewCoordinator(stack,
		func() bool { return p.mgr.State() == channel.Ready },
		p.cache, cfg.Extension, p.sampler, call.Notifications{
			OnOutgoing: func(rec call.Record) { p.emit(EventOutgoingCall, callInfo(rec)) },
			OnIncoming: func(rec call.Record) {
				p.emit(EventRingStart, nil)
				p.emit(EventIncomingCall, callInfo(rec))
			},
			OnAnswered: func(rec call.Record) {
				p.emit(EventRingStop, nil)
				p.emit(EventInCall, callInfo(rec))
			},
			OnEnded: func(rec call.Record, end call.EndInfo) {
				p.emit(EventRingStop, nil)
				p.emit(EventCallEnd, CallEnd(end))
			},
			OnHeld:    func(rec call.Record) { p.emit(EventHold, callInfo(rec)) },
			OnResumed: func(rec call.Record) { p.emit(EventUnhold, callInfo(rec)) },
			OnDialing: p.notifyDialing,
		}, p.logger)

	return p, nil
}

func callInfo(rec call.Record) CallInfo {
	return CallInfo{
		CallID:      rec.CallID,
		Direction:   string(rec.Direction),
		RemoteParty: rec.RemoteParty,
		State:       rec.State.String(),
	}
}

func (p *Softphone) emit(kind EventKind, payload any) {
	if p.listener == nil {
		return
	}
	p.listener(Event{Kind: kind, Payload: payload})
}

func (p *Softphone) onChannelState(s channel.State) {
	switch s {
	case channel.Authenticating:
		p.emit(EventConnected, nil)
	case channel.Ready:
		p.emit(EventRegistered, map[string]string{"localAgent": p.cfg.Extension})
	case channel.Disconnected, channel.Reconnecting:
		p.emit(EventDisconnected, nil)
	}
}

func (p *Softphone) onAuthError(err error) {
	p.emit(EventError, ErrorInfo{Op: "refreshToken", Msg: err.Error()})
	if p.mgr != nil {
		p.mgr.ScheduleReconnect(err)
	}
}

// notifyDialing tells the presence backend that dialing started. Fire and
// forget; the confirmed status arrives on the control channel.
func (p *Softphone) notifyDialing() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.api.SwitchStatus(ctx, presence.StatusDialing); err != nil {
			p.logger.Warn().Err(err).Msg("dialing status not reported")
		}
	}()
}

// Register connects the control channel and waits for the backend to
// confirm registration, then resolves the telephony signaling address the
// stack should use.
func (p *Softphone) Register(ctx context.Context) (*SignalingAddr, error) {
	if err := p.mgr.Connect(); err != nil {
		p.emit(EventRegisterFailed, ErrorInfo{Op: "register", Msg: err.Error()})
		return nil, err
	}
	res, err := p.mgr.CheckLogin(ctx)
	if err != nil {
		p.emit(EventRegisterFailed, ErrorInfo{Op: "register", Msg: err.Error()})
		return nil, err
	}
	addr := SignalingAddr(res.Addr)
	return &addr, nil
}

// Reconnect is the manual recovery path after the automatic attempts have
// been exhausted or after a kick.
func (p *Softphone) Reconnect() error {
	return p.mgr.Reconnect()
}

// Logout hangs up any live call best-effort and closes the control channel.
// It is the only path to the terminal closed state.
func (p *Softphone) Logout() error {
	if _, ok := p.coord.Current(); ok {
		if err := p.coord.Hangup(); err != nil {
			p.logger.Debug().Err(err).Msg("hangup during logout failed")
		}
	}
	return p.mgr.Logout()
}

// Call places an outbound call and returns its correlation identifier.
func (p *Softphone) Call(ctx context.Context, number string, extra CallExtra) (string, error) {
	id, err := p.coord.PlaceCall(ctx, number, call.ExtraParams{
		OutNumber:  extra.OutNumber,
		BusinessID: extra.BusinessID,
	})
	if err != nil {
		p.emit(EventError, ErrorInfo{Op: "call", Msg: err.Error()})
		return "", err
	}
	return id, nil
}

// Answer accepts the ringing incoming call.
func (p *Softphone) Answer() error {
	return p.reportOp("answer", p.coord.Answer())
}

// Hangup terminates the tracked call.
func (p *Softphone) Hangup() error {
	return p.reportOp("hangup", p.coord.Hangup())
}

// Hold puts the established call on hold.
func (p *Softphone) Hold() error {
	return p.reportOp("hold", p.coord.Hold())
}

// Unhold resumes a held call; a no-op if the call is not held.
func (p *Softphone) Unhold() error {
	return p.reportOp("unhold", p.coord.Unhold())
}

// Mute mutes the local leg.
func (p *Softphone) Mute() error {
	if err := p.reportOp("mute", p.coord.Mute()); err != nil {
		return err
	}
	p.emit(EventMute, nil)
	return nil
}

// Unmute unmutes the local leg.
func (p *Softphone) Unmute() error {
	if err := p.reportOp("unmute", p.coord.Unmute()); err != nil {
		return err
	}
	p.emit(EventUnmute, nil)
	return nil
}

// Transfer refers the established call to another number via the telephony
// stack.
func (p *Softphone) Transfer(target string) error {
	return p.reportOp("transfer", p.coord.Transfer(target))
}

// SendDTMF sends a digit on the established call.
func (p *Softphone) SendDTMF(tone string) error {
	return p.reportOp("sendDtmf", p.coord.SendDTMF(tone))
}

// reportOp surfaces operation failures on the notification channel as well
// as returning them.
func (p *Softphone) reportOp(op string, err error) error {
	if err != nil {
		p.emit(EventError, ErrorInfo{Op: op, Msg: err.Error()})
	}
	return err
}

// SetIdle requests the idle presence status. The local status changes only
// when the backend's status frame arrives.
func (p *Softphone) SetIdle(ctx context.Context) error {
	return p.api.SwitchStatus(ctx, presence.StatusIdle)
}

// SetBusy requests the busy presence status.
func (p *Softphone) SetBusy(ctx context.Context) error {
	return p.api.SwitchStatus(ctx, presence.StatusBusy)
}

// SetResting requests the resting presence status.
func (p *Softphone) SetResting(ctx context.Context) error {
	return p.api.SwitchStatus(ctx, presence.StatusResting)
}

// TransferCall asks the presence backend to transfer the current call.
func (p *Softphone) TransferCall(ctx context.Context, number string) error {
	return p.api.Transfer(ctx, number)
}

// WrapUp extends the wrap-up window.
func (p *Softphone) WrapUp(ctx context.Context, seconds int) error {
	return p.api.WrapUp(ctx, seconds)
}

// WrapUpCancel ends the wrap-up window early.
func (p *Softphone) WrapUpCancel(ctx context.Context) error {
	return p.api.WrapUpCancel(ctx)
}

// OnlineAgents lists the organisation's online agents.
func (p *Softphone) OnlineAgents(ctx context.Context) ([]OnlineAgent, error) {
	agents, err := p.api.OnlineAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]OnlineAgent, len(agents))
	for i, a := range agents {
		out[i] = OnlineAgent(a)
	}
	return out, nil
}

// RefreshToken forces a token refresh ahead of the proactive schedule.
func (p *Softphone) RefreshToken(ctx context.Context) error {
	return p.api.Refresh(ctx)
}

// ConnectionState returns the control-channel state name.
func (p *Softphone) ConnectionState() string {
	return p.mgr.State().String()
}

// AgentStatus returns the last-known presence status.
func (p *Softphone) AgentStatus() StatusChange {
	s := p.cache.Status()
	return StatusChange{Code: int(s), Name: s.String()}
}

// CurrentCall returns the tracked call, if any.
func (p *Softphone) CurrentCall() (CallInfo, bool) {
	rec, ok := p.coord.Current()
	if !ok {
		return CallInfo{}, false
	}
	return callInfo(rec), true
}

// NetworkQuality returns the most recent network sample, or the zero sample
// when no call is being measured.
func (p *Softphone) NetworkQuality() LatencyStat {
	return LatencyStat(p.sampler.Last())
}

// DeliverIncoming hands a remote-originated telephony session to the call
// coordinator. Called by the stack adapter.
func (p *Softphone) DeliverIncoming(s telephony.Session, remoteParty, callID string) {
	p.coord.HandleIncoming(s, remoteParty, callID)
}

// DeliverEvent hands a telephony session event to the call coordinator.
// Called by the stack adapter.
func (p *Softphone) DeliverEvent(s telephony.Session, ev telephony.Event) {
	p.coord.HandleSessionEvent(s, ev)
}
