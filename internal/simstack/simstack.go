// Package simstack is a self-contained telephony stack used by the daemon
// when no real media stack is attached. Sessions progress through dialing,
// answer and hangup on randomized timers and produce plausible transport
// counters, which is enough to exercise the whole call path end to end.
package simstack

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialwire/agentlink/pkg/telephony"
)

// Sink receives session lifecycle callbacks. The softphone facade satisfies
// it via DeliverEvent and DeliverIncoming.
type Sink interface {
	DeliverEvent(s telephony.Session, ev telephony.Event)
	DeliverIncoming(s telephony.Session, remoteParty, callID string)
}

// Options tune the simulated timings. Zero values get sane defaults.
type Options struct {
	ProgressDelay time.Duration // dial to early media
	AnswerDelay   time.Duration // early media to answer
	TalkMin       time.Duration // minimum call length before remote hangup
	TalkMax       time.Duration // maximum call length before remote hangup
	AnswerRate    float64       // fraction of outbound calls that get answered
}

func (o Options) withDefaults() Options {
	if o.ProgressDelay <= 0 {
		o.ProgressDelay = 500 * time.Millisecond
	}
	if o.AnswerDelay <= 0 {
		o.AnswerDelay = 2 * time.Second
	}
	if o.TalkMin <= 0 {
		o.TalkMin = 10 * time.Second
	}
	if o.TalkMax <= o.TalkMin {
		o.TalkMax = o.TalkMin + 50*time.Second
	}
	if o.AnswerRate <= 0 || o.AnswerRate > 1 {
		o.AnswerRate = 0.8
	}
	return o
}

// Stack fabricates sessions locally instead of signaling a real endpoint.
type Stack struct {
	opts   Options
	logger zerolog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	sink Sink
}

func New(opts Options, logger zerolog.Logger) *Stack {
	return &Stack{
		opts:   opts.withDefaults(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger.With().Str("component", "simstack").Logger(),
	}
}

// Bind attaches the event sink. Must be called before Originate or
// InjectIncoming; the stack and the softphone reference each other, so
// construction happens in two steps.
func (s *Stack) Bind(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Stack) currentSink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// Originate creates an outbound session and starts its scripted lifecycle.
func (s *Stack) Originate(ctx context.Context, number string, headers map[string]string, media telephony.MediaConfig) (telephony.Session, error) {
	sess := s.newSession(headers["x-session-id"], number)
	if sess.id == "" {
		sess.id = number
	}

	s.logger.Info().Str("session", sess.ID()).Str("number", number).Msg("originating")
	go sess.runOutbound()
	return sess, nil
}

// InjectIncoming fabricates an inbound ringing session, as if the remote
// side had called the agent.
func (s *Stack) InjectIncoming(remoteParty, callID string) {
	sink := s.currentSink()
	if sink == nil {
		return
	}
	sess := s.newSession(callID, remoteParty)
	sess.incoming = true

	s.logger.Info().Str("session", callID).Str("from", remoteParty).Msg("incoming call")
	sink.DeliverIncoming(sess, remoteParty, callID)
}

func (s *Stack) newSession(id, remote string) *session {
	sess := &session{
		stack:      s,
		id:         id,
		remote:     remote,
		inProgress: true,
		done:       make(chan struct{}),
		events:     make(chan telephony.Event, 32),
	}
	// Events are handed to the sink from a dedicated goroutine so a sink
	// holding its own lock can call back into the session.
	go sess.dispatch(s.currentSink())
	return sess
}

func (s *Stack) randTalk() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	spread := s.opts.TalkMax - s.opts.TalkMin
	return s.opts.TalkMin + time.Duration(s.rng.Int63n(int64(spread)))
}

func (s *Stack) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// jitter returns a pseudo value in [base-spread, base+spread].
func (s *Stack) jitter(base, spread float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return base + (s.rng.Float64()*2-1)*spread
}

type session struct {
	stack    *Stack
	id       string
	remote   string
	incoming bool

	mu         sync.Mutex
	inProgress bool
	answered   bool
	held       bool
	muted      bool
	ended      bool
	done       chan struct{}
	events     chan telephony.Event

	outSent int64
	outLost int64
	inSent  int64
	inLost  int64
}

func (c *session) ID() string { return c.id }

// dispatch forwards the session's events to the sink in order.
func (c *session) dispatch(sink Sink) {
	for ev := range c.events {
		if sink != nil {
			sink.DeliverEvent(c, ev)
		}
	}
}

func (c *session) emit(ev telephony.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitLocked(ev)
}

func (c *session) emitLocked(ev telephony.Event) {
	if c.ended {
		return
	}
	c.events <- ev
}

// finish ends the session exactly once: the given event is the last one
// dispatched.
func (c *session) finish(ev telephony.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.inProgress = false
	c.events <- ev
	c.ended = true
	close(c.done)
	close(c.events)
}

func (c *session) runOutbound() {
	select {
	case <-time.After(c.stack.opts.ProgressDelay):
	case <-c.done:
		return
	}
	c.emit(telephony.Event{Kind: telephony.EventProgress, StatusCode: 183})

	select {
	case <-time.After(c.stack.opts.AnswerDelay):
	case <-c.done:
		return
	}

	if c.stack.roll() >= c.stack.opts.AnswerRate {
		c.finish(telephony.Event{Kind: telephony.EventFailed, Originator: "remote", Cause: "no answer", StatusCode: 487})
		return
	}

	c.mu.Lock()
	c.inProgress = false
	c.answered = true
	c.emitLocked(telephony.Event{Kind: telephony.EventAccepted, StatusCode: 200})
	c.emitLocked(telephony.Event{Kind: telephony.EventMediaReady})
	c.mu.Unlock()

	select {
	case <-time.After(c.stack.randTalk()):
	case <-c.done:
		return
	}
	c.finish(telephony.Event{Kind: telephony.EventEnded, Originator: "remote", Cause: "normal clearing"})
}

func (c *session) Answer(media telephony.MediaConfig) error {
	c.mu.Lock()
	if c.ended || c.answered {
		c.mu.Unlock()
		return nil
	}
	c.inProgress = false
	c.answered = true
	c.emitLocked(telephony.Event{Kind: telephony.EventAccepted, StatusCode: 200})
	c.emitLocked(telephony.Event{Kind: telephony.EventMediaReady})
	c.mu.Unlock()

	go func() {
		select {
		case <-time.After(c.stack.randTalk()):
			c.finish(telephony.Event{Kind: telephony.EventEnded, Originator: "remote", Cause: "normal clearing"})
		case <-c.done:
		}
	}()
	return nil
}

func (c *session) Terminate() error {
	c.finish(telephony.Event{Kind: telephony.EventEnded, Originator: "local", Cause: "terminated"})
	return nil
}

func (c *session) Hold() error {
	c.mu.Lock()
	c.held = true
	c.emitLocked(telephony.Event{Kind: telephony.EventHold, Originator: "local"})
	c.mu.Unlock()
	return nil
}

func (c *session) Unhold() error {
	c.mu.Lock()
	c.held = false
	c.emitLocked(telephony.Event{Kind: telephony.EventUnhold, Originator: "local"})
	c.mu.Unlock()
	return nil
}

func (c *session) Mute() error {
	c.mu.Lock()
	c.muted = true
	c.mu.Unlock()
	return nil
}

func (c *session) Unmute() error {
	c.mu.Lock()
	c.muted = false
	c.mu.Unlock()
	return nil
}

func (c *session) Refer(target string) error {
	c.stack.logger.Info().Str("session", c.id).Str("target", target).Msg("refer")
	c.finish(telephony.Event{Kind: telephony.EventEnded, Originator: "local", Cause: "referred"})
	return nil
}

func (c *session) SendDigits(tone string, opts telephony.DTMFOptions) error {
	c.stack.logger.Debug().Str("session", c.id).Str("tone", tone).Msg("dtmf")
	return nil
}

func (c *session) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress
}

// ReadStats advances the fake transport counters on every read so the
// sampler sees a moving stream.
func (c *session) ReadStats() (telephony.TransportStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outSent += 50
	c.inSent += 50
	if c.stack.roll() < 0.1 {
		c.outLost++
	}
	if c.stack.roll() < 0.1 {
		c.inLost++
	}

	level := c.stack.jitter(0.5, 0.2)
	if c.muted {
		level = 0
	}
	inLevel := c.stack.jitter(0.5, 0.2)
	if c.held || !c.answered {
		inLevel = 0
	}

	return telephony.TransportStats{
		OutboundPacketsSent: c.outSent,
		OutboundPacketsLost: c.outLost,
		InboundPacketsSent:  c.inSent,
		InboundPacketsLost:  c.inLost,
		RoundTripTime:       c.stack.jitter(0.045, 0.02),
		OutboundAudioLevel:  level,
		InboundAudioLevel:   inLevel,
	}, nil
}
