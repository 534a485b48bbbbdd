// Package telephony defines the contract between the agentlink SDK and the
// external telephony stack that performs SIP/RTP signaling and media
// negotiation. The SDK never parses SIP or touches media itself; it
// commands a Stack and reconciles the Events its sessions report.
package telephony

import "context"

// EventKind enumerates the signaling events a session can report.
type EventKind int

const (
	EventProgress EventKind = iota
	EventAccepted
	EventEnded
	EventFailed
	EventHold
	EventUnhold
	EventMediaReady
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventAccepted:
		return "accepted"
	case EventEnded:
		return "ended"
	case EventFailed:
		return "failed"
	case EventHold:
		return "hold"
	case EventUnhold:
		return "unhold"
	case EventMediaReady:
		return "mediaReady"
	default:
		return "unknown"
	}
}

// Event is one signaling event for a session.
type Event struct {
	Kind       EventKind
	StatusCode int    // SIP-style status code, 0 if none
	Cause      string // terminal cause for ended/failed
	Originator string // "local" or "remote", for ended/failed
}

// MediaConfig is passed to the stack when originating or answering.
type MediaConfig struct {
	Audio bool
	Video bool
}

// DTMFOptions control digit sending.
type DTMFOptions struct {
	DurationMs     int
	InterToneGapMs int
}

// DefaultDTMFOptions returns the backend-recommended digit timing.
func DefaultDTMFOptions() DTMFOptions {
	return DTMFOptions{DurationMs: 160, InterToneGapMs: 1200}
}

// TransportStats are cumulative per-call transport counters.
// RoundTripTime is in seconds.
type TransportStats struct {
	OutboundPacketsSent int64
	OutboundPacketsLost int64
	InboundPacketsSent  int64
	InboundPacketsLost  int64
	RoundTripTime       float64
	InboundAudioLevel   float64
	OutboundAudioLevel  float64
}

// Session is one signaling/media session owned by the stack.
type Session interface {
	ID() string
	Answer(media MediaConfig) error
	Terminate() error
	Hold() error
	Unhold() error
	Mute() error
	Unmute() error
	Refer(target string) error
	SendDigits(tone string, opts DTMFOptions) error

	// InProgress reports whether the session is still in a provisional,
	// answerable state.
	InProgress() bool

	// ReadStats reads the raw transport counters for network quality
	// sampling.
	ReadStats() (TransportStats, error)
}

// Stack is the narrow capability the SDK consumes. Inbound sessions and
// session events are delivered by the stack adapter through the softphone's
// DeliverIncoming and DeliverEvent methods.
type Stack interface {
	Originate(ctx context.Context, number string, headers map[string]string, media MediaConfig) (Session, error)
}
