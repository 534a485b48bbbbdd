package softphone

import "encoding/json"

// EventKind tags every notification emitted by the Softphone.
type EventKind string

const (
	EventConnected       EventKind = "CONNECTED"
	EventDisconnected    EventKind = "DISCONNECTED"
	EventRegistered      EventKind = "REGISTERED"
	EventUnregistered    EventKind = "UNREGISTERED"
	EventRegisterFailed  EventKind = "REGISTER_FAILED"
	EventIncomingCall    EventKind = "INCOMING_CALL"
	EventOutgoingCall    EventKind = "OUTGOING_CALL"
	EventInCall          EventKind = "IN_CALL"
	EventHold            EventKind = "HOLD"
	EventUnhold          EventKind = "UNHOLD"
	EventCallEnd         EventKind = "CALL_END"
	EventMute            EventKind = "MUTE"
	EventUnmute          EventKind = "UNMUTE"
	EventLatencyStat     EventKind = "LATENCY_STAT"
	EventStatusChange    EventKind = "STATUS_CHANGE"
	EventNumberInfo      EventKind = "NUMBER_INFO"
	EventGroupCallNotify EventKind = "GROUP_CALL_NOTIFY"
	EventRingStart       EventKind = "RING_START"
	EventRingStop        EventKind = "RING_STOP"
	EventKicked          EventKind = "KICK"
	EventError           EventKind = "ERROR"
	EventOther           EventKind = "OTHER"
)

// Event is the single notification type delivered to the listener. Payload
// depends on Kind; see the payload types below.
type Event struct {
	Kind    EventKind
	Payload any
}

// CallInfo is the payload for call lifecycle events.
type CallInfo struct {
	CallID      string `json:"callId"`
	Direction   string `json:"direction"`
	RemoteParty string `json:"otherLegNumber"`
	State       string `json:"state"`
}

// CallEnd is the payload for CALL_END.
type CallEnd struct {
	Originator string `json:"originator"`
	Cause      string `json:"cause"`
	Code       int    `json:"code"`
	Answered   bool   `json:"answered"`
}

// LatencyStat is the payload for LATENCY_STAT, one per sampling tick.
type LatencyStat struct {
	LatencyMs      int     `json:"latencyTime"`
	UpLossRate     float64 `json:"upLossRate"`
	DownLossRate   float64 `json:"downLossRate"`
	UpAudioLevel   float64 `json:"upAudioLevel"`
	DownAudioLevel float64 `json:"downAudioLevel"`
}

// StatusChange is the payload for STATUS_CHANGE.
type StatusChange struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

// NumberInfo is the payload for NUMBER_INFO.
type NumberInfo struct {
	Number    string          `json:"number"`
	ExtraInfo json.RawMessage `json:"extraInfo,omitempty"`
}

// ErrorInfo is the payload for ERROR.
type ErrorInfo struct {
	Op  string `json:"op"`
	Msg string `json:"msg"`
}

// Raw is the payload for GROUP_CALL_NOTIFY and OTHER passthrough events.
type Raw struct {
	Action string          `json:"action,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// SignalingAddr is the resolved telephony signaling endpoint returned by
// Register.
type SignalingAddr struct {
	Host string `json:"host"`
	Port string `json:"port"`
	SSL  bool   `json:"ssl"`
}

// OnlineAgent is one entry of the online-agent roster.
type OnlineAgent struct {
	Extension string `json:"extension"`
	Name      string `json:"name"`
	Status    int    `json:"status"`
}
