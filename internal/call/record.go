package call

import (
	"errors"
	"regexp"
	"time"
)

// Direction of a tracked call.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// State of a tracked call.
type State int

const (
	Ringing State = iota
	Establishing
	Active
	Held
	Ending
	Ended
)

func (s State) String() string {
	switch s {
	case Ringing:
		return "ringing"
	case Establishing:
		return "establishing"
	case Active:
		return "active"
	case Held:
		return "held"
	case Ending:
		return "ending"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// Terminal reports whether the call has finished.
func (s State) Terminal() bool {
	return s == Ended
}

// Record is the coordinator's record of the single tracked call. At most one
// non-terminal Record exists at a time.
type Record struct {
	CallID      string    `json:"callId"`
	Direction   Direction `json:"direction"`
	RemoteParty string    `json:"remoteParty"`
	State       State     `json:"state"`
	Answered    bool      `json:"answered"`
	StartedAt   time.Time `json:"startedAt"`
}

// EndInfo describes how a call ended.
type EndInfo struct {
	Originator string `json:"originator"` // local or remote
	Cause      string `json:"cause"`
	Code       int    `json:"code"`
	Answered   bool   `json:"answered"`
}

// Precondition errors. These are local, synchronous rejections with no side
// effect on channel or call state.
var (
	ErrInvalidNumber  = errors.New("invalid phone number")
	ErrAgentNotReady  = errors.New("agent status does not allow dialing")
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNotRegistered  = errors.New("control channel not ready")
	ErrInvalidState   = errors.New("call is not in a valid state for this operation")
	ErrNoActiveCall   = errors.New("no active call")
)

var numberPattern = regexp.MustCompile(`^\d{1,15}$`)

// ValidNumber reports whether a dial string is purely numeric and at most 15
// digits.
func ValidNumber(number string) bool {
	return numberPattern.MatchString(number)
}
