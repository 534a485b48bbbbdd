package token

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is an immutable credential snapshot. Readers always see a whole
// snapshot, never a field mid-update.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Valid reports whether the snapshot carries a usable access token.
func (t Token) Valid() bool {
	return t.AccessToken != ""
}

// NeedsRefresh reports whether the token expires within threshold of now.
// An empty token never needs refreshing; a token without a known expiry is
// always considered close to expiry.
func (t Token) NeedsRefresh(threshold time.Duration, now time.Time) bool {
	if !t.Valid() {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return t.ExpiresAt.Sub(now) < threshold
}

// Store holds the current Token and swaps it atomically.
type Store struct {
	mu  sync.RWMutex
	tok Token
}

// NewStore creates an empty token store.
func NewStore() *Store {
	return &Store{}
}

// Get returns the current snapshot.
func (s *Store) Get() Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tok
}

// Set replaces the snapshot.
func (s *Store) Set(tok Token) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

// SetFromAuth builds a snapshot from an inbound auth frame or a refresh
// response. When expireAt is zero the expiry is recovered from the access
// token's exp claim, if it is a JWT.
func (s *Store) SetFromAuth(access, refresh string, expireAt int64) {
	tok := Token{
		AccessToken:  access,
		RefreshToken: refresh,
	}
	if expireAt > 0 {
		tok.ExpiresAt = time.Unix(expireAt, 0)
	} else if exp, ok := expiryFromJWT(access); ok {
		tok.ExpiresAt = exp
	}
	s.Set(tok)
}

// Clear drops the snapshot. Called on every channel teardown so that no
// access token survives outside the Ready state.
func (s *Store) Clear() {
	s.Set(Token{})
}

// expiryFromJWT extracts the exp claim without verifying the signature.
// The SDK is a token carrier, not a verifier.
func expiryFromJWT(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
