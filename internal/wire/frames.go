package wire

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Frame actions exchanged on the control channel. Every frame carries an
// action tag; params are action-specific.
const (
	ActionLogin           = "login"
	ActionLogout          = "logout"
	ActionAuth            = "auth"
	ActionStatus          = "status"
	ActionPing            = "ping"
	ActionPong            = "pong"
	ActionKick            = "kick"
	ActionNumberInfo      = "numberInfo"
	ActionGroupCallNotify = "groupCallNotify"
)

// Frame is the envelope for all control-channel messages.
type Frame struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// LoginParams authenticates the agent. Password is not sent in the clear:
// it is digested together with the request timestamp and a one-time nonce.
type LoginParams struct {
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Password  string `json:"password"`  // LoginDigest output
	Nonce     string `json:"nonce"`
}

// AuthParams is the server's reply to a successful login.
type AuthParams struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	ExpireAt     int64  `json:"expireAt"` // unix seconds, 0 if the token itself carries expiry
	RoutingID    string `json:"routingId"`
}

// StatusParams carries the agent presence wire code.
type StatusParams struct {
	Code int `json:"code"`
}

// NumberInfoParams is pushed by the backend when caller metadata resolves.
type NumberInfoParams struct {
	Number    string          `json:"number"`
	ExtraInfo json.RawMessage `json:"extraInfo,omitempty"`
}

// Marshal packs an action and its params into a Frame ready to send.
func Marshal(action string, params any) ([]byte, error) {
	f := Frame{Action: action}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal %s params: %w", action, err)
		}
		f.Params = raw
	}
	return json.Marshal(f)
}

// LoginDigest computes the login password digest: MD5(timestamp + password + nonce).
// The digest algorithm is fixed by the backend wire protocol.
func LoginDigest(password, nonce string, timestamp int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d%s%s", timestamp, password, nonce)))
	return hex.EncodeToString(sum[:])
}

// NewNonce returns a random one-time nonce for the login digest.
func NewNonce() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}
