package presence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/dialwire/agentlink/internal/token"
)

// SignalingAddr is the resolved address of the telephony signaling endpoint.
type SignalingAddr struct {
	Host string `json:"host"`
	Port string `json:"port"`
	SSL  bool   `json:"ssl"`
}

// OnlineAgent is one entry of the organisation's online-agent roster.
type OnlineAgent struct {
	Extension string `json:"extension"`
	Name      string `json:"name"`
	Status    int    `json:"status"`
}

// envelope is the backend's uniform response wrapper.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client talks to the presence backend REST API. Every authenticated request
// reads the current token snapshot and proactively refreshes it when it is
// close to expiry.
type Client struct {
	baseURL          string
	httpClient       *http.Client
	tokens           *token.Store
	refreshThreshold time.Duration
	onAuthError      func(error)
	logger           zerolog.Logger
}

// NewClient creates a presence backend client. onAuthError is invoked when a
// token refresh fails, so the channel owner can schedule a reconnect; it may
// be nil.
func NewClient(baseURL string, tokens *token.Store, refreshThreshold time.Duration, onAuthError func(error), logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		tokens:           tokens,
		refreshThreshold: refreshThreshold,
		onAuthError:      onAuthError,
		logger:           logger.With().Str("component", "presence").Logger(),
	}
}

// ResolveSignalingAddr asks the backend where the telephony stack should
// connect for signaling and media.
func (c *Client) ResolveSignalingAddr(ctx context.Context) (SignalingAddr, error) {
	var addr SignalingAddr
	if err := c.do(ctx, http.MethodGet, "/api/sdk/webrtc/addr", nil, &addr); err != nil {
		return SignalingAddr{}, fmt.Errorf("resolve signaling address: %w", err)
	}
	return addr, nil
}

// SwitchStatus requests a presence transition. The local cache is not
// updated here; the confirmed status arrives asynchronously on the control
// channel.
func (c *Client) SwitchStatus(ctx context.Context, s Status) error {
	body := map[string]int{"action": int(s)}
	if err := c.do(ctx, http.MethodPost, "/api/sdk/agent/status", body, nil); err != nil {
		return fmt.Errorf("switch status to %s: %w", s, err)
	}
	return nil
}

// Transfer asks the backend to transfer the current call to another number.
func (c *Client) Transfer(ctx context.Context, number string) error {
	body := map[string]string{"number": number}
	if err := c.do(ctx, http.MethodPost, "/api/sdk/call/transfer", body, nil); err != nil {
		return fmt.Errorf("transfer call: %w", err)
	}
	return nil
}

// WrapUp extends the post-call wrap-up window by the given seconds.
func (c *Client) WrapUp(ctx context.Context, seconds int) error {
	body := map[string]int{"seconds": seconds}
	if err := c.do(ctx, http.MethodPost, "/api/sdk/agent/wrapup", body, nil); err != nil {
		return fmt.Errorf("wrap up: %w", err)
	}
	return nil
}

// WrapUpCancel ends the wrap-up window early.
func (c *Client) WrapUpCancel(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/sdk/agent/wrapup/cancel", nil, nil); err != nil {
		return fmt.Errorf("cancel wrap up: %w", err)
	}
	return nil
}

// OnlineAgents lists the organisation's currently online agents.
func (c *Client) OnlineAgents(ctx context.Context) ([]OnlineAgent, error) {
	var agents []OnlineAgent
	if err := c.do(ctx, http.MethodGet, "/api/sdk/agent/online", nil, &agents); err != nil {
		return nil, fmt.Errorf("list online agents: %w", err)
	}
	return agents, nil
}

// Refresh exchanges the refresh token for a new token pair and stores it.
func (c *Client) Refresh(ctx context.Context) error {
	tok := c.tokens.Get()
	if tok.RefreshToken == "" {
		return fmt.Errorf("no refresh token available")
	}

	body := map[string]string{"refreshToken": tok.RefreshToken}
	var resp struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
		ExpireAt     int64  `json:"expireAt"`
	}
	if err := c.doRaw(ctx, http.MethodPost, "/api/sdk/token/refresh", body, &resp, false); err != nil {
		if c.onAuthError != nil {
			c.onAuthError(err)
		}
		return fmt.Errorf("refresh token: %w", err)
	}

	c.tokens.SetFromAuth(resp.Token, resp.RefreshToken, resp.ExpireAt)
	c.logger.Debug().Msg("access token refreshed")
	return nil
}

// do performs an authenticated request, refreshing the token first when it
// is close to expiry.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if c.tokens.Get().NeedsRefresh(c.refreshThreshold, time.Now()) {
		if err := c.Refresh(ctx); err != nil {
			return err
		}
	}
	return c.doRaw(ctx, method, path, body, out, true)
}

func (c *Client) doRaw(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		tok := c.tokens.Get()
		if !tok.Valid() {
			return fmt.Errorf("no access token available")
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(data))
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Code != 0 {
		return fmt.Errorf("backend error %d: %s", env.Code, env.Msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
