package call

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dialwire/agentlink/internal/metrics"
	"github.com/dialwire/agentlink/internal/presence"
	"github.com/dialwire/agentlink/internal/stats"
	"github.com/dialwire/agentlink/pkg/telephony"
)

// ExtraParams are optional outbound call parameters carried as setup
// headers.
type ExtraParams struct {
	OutNumber  string
	BusinessID string
}

// Notifications are the collaborator callbacks for call lifecycle events.
// All fields are optional; callbacks run outside the coordinator's lock.
type Notifications struct {
	OnOutgoing func(Record)
	OnIncoming func(Record)
	OnAnswered func(Record)
	OnEnded    func(Record, EndInfo)
	OnHeld     func(Record)
	OnResumed  func(Record)
	// OnDialing fires when an outbound call receives a 180/183 provisional
	// response, so the presence backend can be told dialing has started.
	OnDialing func()
}

// Coordinator tracks the single in-flight call, commands the telephony
// stack and reconciles its asynchronous events with user actions. All state
// changes go through the coordinator's lock; a user hangup racing a remote
// "ended" event collapses to the same terminal state.
type Coordinator struct {
	stack   telephony.Stack
	ready   func() bool
	status  *presence.Cache
	agent   string
	media   telephony.MediaConfig
	sampler *stats.Sampler
	notify  Notifications
	logger  zerolog.Logger

	mu      sync.Mutex
	rec     *Record
	session telephony.Session
}

// NewCoordinator creates a call coordinator. ready reports control-channel
// readiness; agent is the local agent extension.
func NewCoordinator(stack telephony.Stack, ready func() bool, status *presence.Cache, agent string, sampler *stats.Sampler, notify Notifications, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		stack:   stack,
		ready:   ready,
		status:  status,
		agent:   agent,
		media:   telephony.MediaConfig{Audio: true},
		sampler: sampler,
		notify:  notify,
		logger:  logger.With().Str("component", "call").Logger(),
	}
}

// NewCallID generates a fresh correlation identifier: a UUID without
// dashes, as the backend expects in setup headers.
func NewCallID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Current returns a copy of the tracked call record, if any.
func (c *Coordinator) Current() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil {
		return Record{}, false
	}
	return *c.rec, true
}

// PlaceCall originates an outbound call. Every precondition violation is a
// distinct error and performs no side effect.
func (c *Coordinator) PlaceCall(ctx context.Context, number string, extra ExtraParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !ValidNumber(number) {
		return "", ErrInvalidNumber
	}
	if !c.ready() {
		return "", ErrNotRegistered
	}
	if st := c.status.Status(); !st.CanDial() {
		c.logger.Warn().Str("status", st.String()).Msg("dial refused, agent not ready")
		return "", ErrAgentNotReady
	}
	if c.rec != nil && !c.rec.State.Terminal() {
		return "", ErrCallInProgress
	}

	callID := NewCallID()
	headers := map[string]string{
		"X-JCallId":          callID,
		"x-session-id":       "CCMDL" + callID,
		"x-call_center_type": "OUTBOUND_CALL",
		"x-agent_channel":    c.agent,
		"x-rtp-id":           c.status.RoutingID(),
	}
	if extra.BusinessID != "" {
		headers["X-JBusinessId"] = extra.BusinessID
	}
	if extra.OutNumber != "" {
		headers["X-JOutNumber"] = extra.OutNumber
	}

	sess, err := c.stack.Originate(ctx, number, headers, c.media)
	if err != nil {
		return "", fmt.Errorf("originate call: %w", err)
	}

	c.session = sess
	c.rec = &Record{
		CallID:      callID,
		Direction:   Outbound,
		RemoteParty: number,
		State:       Establishing,
		StartedAt:   time.Now(),
	}
	metrics.CallsTotal.WithLabelValues(string(Outbound)).Inc()
	metrics.CallActive.Set(1)
	c.logger.Info().Str("call_id", callID).Str("number", number).Msg("outbound call originated")
	return callID, nil
}

// HandleIncoming is called by the stack adapter for a remote-originated
// session. While one call is non-terminal, a second session is rejected
// rather than overwriting the tracked state.
func (c *Coordinator) HandleIncoming(s telephony.Session, remoteParty, callID string) {
	c.mu.Lock()
	if c.rec != nil && !c.rec.State.Terminal() {
		c.mu.Unlock()
		c.logger.Warn().
			Str("remote", remoteParty).
			Msg("rejecting concurrent inbound session")
		if err := s.Terminate(); err != nil {
			c.logger.Debug().Err(err).Msg("busy rejection failed")
		}
		return
	}

	if callID == "" {
		callID = NewCallID()
	}
	c.session = s
	c.rec = &Record{
		CallID:      callID,
		Direction:   Inbound,
		RemoteParty: remoteParty,
		State:       Ringing,
		StartedAt:   time.Now(),
	}
	rec := *c.rec
	c.mu.Unlock()

	metrics.CallsTotal.WithLabelValues(string(Inbound)).Inc()
	metrics.CallActive.Set(1)
	c.logger.Info().Str("call_id", callID).Str("remote", remoteParty).Msg("incoming call")
	if c.notify.OnIncoming != nil {
		c.notify.OnIncoming(rec)
	}
}

// HandleSessionEvent reconciles one telephony-stack event with the tracked
// call. Events for a session other than the current one are ignored.
func (c *Coordinator) HandleSessionEvent(s telephony.Session, ev telephony.Event) {
	c.mu.Lock()
	if c.rec == nil || c.session == nil || c.session.ID() != s.ID() {
		c.mu.Unlock()
		c.logger.Debug().Str("event", ev.Kind.String()).Msg("event for untracked session ignored")
		return
	}

	switch ev.Kind {
	case telephony.EventProgress:
		rec := *c.rec
		dialing := rec.Direction == Outbound && (ev.StatusCode == 180 || ev.StatusCode == 183)
		c.mu.Unlock()
		if dialing && c.notify.OnDialing != nil {
			c.notify.OnDialing()
		}
		if rec.Direction == Outbound && c.notify.OnOutgoing != nil {
			c.notify.OnOutgoing(rec)
		}

	case telephony.EventAccepted:
		c.rec.State = Active
		c.rec.Answered = true
		rec := *c.rec
		c.mu.Unlock()
		c.logger.Info().Str("call_id", rec.CallID).Msg("call established")
		if c.notify.OnAnswered != nil {
			c.notify.OnAnswered(rec)
		}

	case telephony.EventMediaReady:
		sess := c.session
		c.mu.Unlock()
		c.sampler.Start(sess)

	case telephony.EventHold:
		c.rec.State = Held
		rec := *c.rec
		c.mu.Unlock()
		if c.notify.OnHeld != nil {
			c.notify.OnHeld(rec)
		}

	case telephony.EventUnhold:
		c.rec.State = Active
		rec := *c.rec
		c.mu.Unlock()
		if c.notify.OnResumed != nil {
			c.notify.OnResumed(rec)
		}

	case telephony.EventEnded, telephony.EventFailed:
		answered := c.rec.Answered && ev.Kind == telephony.EventEnded
		end := EndInfo{
			Originator: ev.Originator,
			Cause:      ev.Cause,
			Code:       ev.StatusCode,
			Answered:   answered,
		}
		c.rec.State = Ended
		rec := *c.rec
		c.rec = nil
		c.session = nil
		c.mu.Unlock()

		c.sampler.Stop()
		metrics.CallActive.Set(0)
		c.logger.Info().
			Str("call_id", rec.CallID).
			Str("cause", end.Cause).
			Bool("answered", end.Answered).
			Msg("call ended")
		if c.notify.OnEnded != nil {
			c.notify.OnEnded(rec, end)
		}

	default:
		c.mu.Unlock()
		c.logger.Debug().Str("event", ev.Kind.String()).Msg("unhandled session event")
	}
}

// Answer accepts an incoming call that is still ringing or establishing.
func (c *Coordinator) Answer() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil || c.session == nil {
		return ErrInvalidState
	}
	if c.rec.State != Ringing && c.rec.State != Establishing {
		return ErrInvalidState
	}
	if !c.session.InProgress() {
		return ErrInvalidState
	}
	if err := c.session.Answer(c.media); err != nil {
		return fmt.Errorf("answer call: %w", err)
	}
	return nil
}

// Hangup terminates the tracked call. The state transitions fully on the
// stack's ended event, which collapses with any racing remote hangup.
func (c *Coordinator) Hangup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil || c.session == nil || c.rec.State == Ending {
		return ErrNoActiveCall
	}
	c.rec.State = Ending
	if err := c.session.Terminate(); err != nil {
		return fmt.Errorf("terminate call: %w", err)
	}
	return nil
}

// Hold puts the established call on hold.
func (c *Coordinator) Hold() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if err := c.session.Hold(); err != nil {
		return fmt.Errorf("hold call: %w", err)
	}
	return nil
}

// Unhold resumes a held call. It is a no-op when the call is not held.
func (c *Coordinator) Unhold() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec == nil || c.session == nil {
		return ErrInvalidState
	}
	switch c.rec.State {
	case Held:
		if err := c.session.Unhold(); err != nil {
			return fmt.Errorf("unhold call: %w", err)
		}
		return nil
	case Active:
		return nil
	default:
		return ErrInvalidState
	}
}

// Mute mutes the local leg of the established call.
func (c *Coordinator) Mute() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if err := c.session.Mute(); err != nil {
		return fmt.Errorf("mute call: %w", err)
	}
	return nil
}

// Unmute unmutes the local leg of the established call.
func (c *Coordinator) Unmute() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if err := c.session.Unmute(); err != nil {
		return fmt.Errorf("unmute call: %w", err)
	}
	return nil
}

// Transfer refers the established call to another number.
func (c *Coordinator) Transfer(target string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if err := c.session.Refer(target); err != nil {
		return fmt.Errorf("transfer call: %w", err)
	}
	return nil
}

// SendDTMF sends a digit on the established call.
func (c *Coordinator) SendDTMF(tone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireActiveLocked(); err != nil {
		return err
	}
	if err := c.session.SendDigits(tone, telephony.DefaultDTMFOptions()); err != nil {
		return fmt.Errorf("send dtmf: %w", err)
	}
	return nil
}

func (c *Coordinator) requireActiveLocked() error {
	if c.rec == nil || c.session == nil || c.rec.State != Active {
		return ErrInvalidState
	}
	return nil
}
