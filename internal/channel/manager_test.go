package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dialwire/agentlink/internal/presence"
	"github.com/dialwire/agentlink/internal/token"
	"github.com/dialwire/agentlink/internal/wire"
)

// wsServer is a scriptable control-channel backend.
type wsServer struct {
	t           *testing.T
	srv         *httptest.Server
	upgrader    websocket.Upgrader
	authOnLogin bool

	mu    sync.Mutex
	conns []*websocket.Conn
	pings int
	pongs int
}

func newWSServer(t *testing.T, authOnLogin bool) *wsServer {
	t.Helper()
	s := &wsServer{t: t, authOnLogin: authOnLogin}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f wire.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Action {
		case wire.ActionLogin:
			if s.authOnLogin {
				s.send(conn, wire.ActionAuth, wire.AuthParams{
					Token:        "tok-1",
					RefreshToken: "ref-1",
					ExpireAt:     time.Now().Add(4 * time.Hour).Unix(),
					RoutingID:    "r-9",
				})
			}
		case wire.ActionPing:
			s.mu.Lock()
			s.pings++
			s.mu.Unlock()
			s.send(conn, wire.ActionPong, nil)
		case wire.ActionPong:
			s.mu.Lock()
			s.pongs++
			s.mu.Unlock()
		}
	}
}

func (s *wsServer) send(conn *websocket.Conn, action string, params any) {
	data, err := wire.Marshal(action, params)
	if err != nil {
		s.t.Errorf("marshal %s: %v", action, err)
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
}

// sendToAll pushes a frame on every accepted connection.
func (s *wsServer) sendToAll(action string, params any) {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		s.send(c, action, params)
	}
}

func (s *wsServer) pingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

type fakeResolver struct {
	addr presence.SignalingAddr
	err  error
}

func (f *fakeResolver) ResolveSignalingAddr(context.Context) (presence.SignalingAddr, error) {
	return f.addr, f.err
}

type recorder struct {
	states    chan State
	statuses  chan presence.Status
	kicks     chan struct{}
	exhausted chan struct{}
	closed    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		states:    make(chan State, 64),
		statuses:  make(chan presence.Status, 16),
		kicks:     make(chan struct{}, 4),
		exhausted: make(chan struct{}, 4),
		closed:    make(chan struct{}, 4),
	}
}

func (r *recorder) events() Events {
	return Events{
		OnState:     func(s State) { r.states <- s },
		OnStatus:    func(s presence.Status) { r.statuses <- s },
		OnKick:      func() { r.kicks <- struct{}{} },
		OnExhausted: func() { r.exhausted <- struct{}{} },
		OnClosed:    func() { r.closed <- struct{}{} },
	}
}

func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-r.states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached within 2s", want)
		}
	}
}

func newTestManager(t *testing.T, url string, rec *recorder, opts Options) (*Manager, *token.Store, *presence.Cache) {
	t.Helper()
	opts.URL = url
	opts.Username = "1001"
	opts.Password = "pw"
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = 20 * time.Millisecond
	}
	if opts.LoginPollInterval == 0 {
		opts.LoginPollInterval = 10 * time.Millisecond
	}
	if opts.LoginTimeout == 0 {
		opts.LoginTimeout = 500 * time.Millisecond
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = 3
	}

	tokens := token.NewStore()
	cache := presence.NewCache()
	m := NewManager(opts, tokens, cache, &fakeResolver{
		addr: presence.SignalingAddr{Host: "sig.example.com", Port: "7443", SSL: true},
	}, rec.events(), zerolog.Nop())
	t.Cleanup(func() { m.Logout() })
	return m, tokens, cache
}

func TestConnectAndAuthenticate(t *testing.T) {
	server := newWSServer(t, true)
	rec := newRecorder()
	m, tokens, cache := newTestManager(t, server.url(), rec, Options{})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	rec.waitState(t, Ready)

	if !tokens.Get().Valid() {
		t.Error("expected token stored after auth")
	}
	if cache.RoutingID() != "r-9" {
		t.Errorf("expected routing id r-9, got %q", cache.RoutingID())
	}

	// Idempotent while up.
	if err := m.Connect(); err != nil {
		t.Errorf("connect while ready must be a no-op, got %v", err)
	}
}

func TestCheckLoginResolvesAddr(t *testing.T) {
	server := newWSServer(t, true)
	rec := newRecorder()
	m, _, _ := newTestManager(t, server.url(), rec, Options{})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	res, err := m.CheckLogin(context.Background())
	if err != nil {
		t.Fatalf("check login failed: %v", err)
	}
	if res.Addr.Host != "sig.example.com" || !res.Addr.SSL {
		t.Errorf("unexpected addr: %+v", res.Addr)
	}
	if res.Token.AccessToken != "tok-1" {
		t.Errorf("unexpected token: %+v", res.Token)
	}
}

func TestCheckLoginTimeout(t *testing.T) {
	server := newWSServer(t, false) // never confirms
	rec := newRecorder()
	m, _, _ := newTestManager(t, server.url(), rec, Options{
		LoginTimeout: 50 * time.Millisecond,
	})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	_, err := m.CheckLogin(context.Background())
	if !errors.Is(err, ErrLoginTimeout) {
		t.Fatalf("expected ErrLoginTimeout, got %v", err)
	}
	rec.waitState(t, Reconnecting)
}

func TestHeartbeatOnlyWhileReady(t *testing.T) {
	server := newWSServer(t, true)
	rec := newRecorder()
	m, _, _ := newTestManager(t, server.url(), rec, Options{
		HeartbeatInterval: 10 * time.Millisecond,
	})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	rec.waitState(t, Ready)

	time.Sleep(100 * time.Millisecond)
	if got := server.pingCount(); got < 2 {
		t.Errorf("expected at least 2 heartbeats, got %d", got)
	}

	m.Logout()
	rec.waitState(t, Closed)
	settled := server.pingCount()
	time.Sleep(50 * time.Millisecond)
	if got := server.pingCount(); got != settled {
		t.Errorf("heartbeats must stop after logout: %d -> %d", settled, got)
	}
}

func TestServerPingAnsweredWithPong(t *testing.T) {
	server := newWSServer(t, true)
	rec := newRecorder()
	m, _, _ := newTestManager(t, server.url(), rec, Options{
		HeartbeatInterval: time.Hour, // keep own pings out of the way
	})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	rec.waitState(t, Ready)

	server.sendToAll(wire.ActionPing, nil)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		server.mu.Lock()
		pongs := server.pongs
		server.mu.Unlock()
		if pongs > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server ping was not answered with pong")
}

func TestStatusFrame(t *testing.T) {
	server := newWSServer(t, true)
	rec := newRecorder()
	m, _, cache := newTestManager(t, server.url(), rec, Options{})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	rec.waitState(t, Ready)

	server.sendToAll(wire.ActionStatus, wire.StatusParams{Code: int(presence.StatusBusy)})

	select {
	case st := <-rec.statuses:
		if st != presence.StatusBusy {
			t.Errorf("expected busy, got %s", st)
		}
	case <-time.After(time.Second):
		t.Fatal("status callback not fired")
	}
	if cache.Status() != presence.StatusBusy {
		t.Errorf("cache not updated, got %s", cache.Status())
	}
}

func TestKickSuppressesReconnect(t *testing.T) {
	server := newWSServer(t, true)
	rec := newRecorder()
	m, tokens, _ := newTestManager(t, server.url(), rec, Options{})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	rec.waitState(t, Ready)

	server.sendToAll(wire.ActionKick, nil)

	select {
	case <-rec.kicks:
	case <-time.After(time.Second):
		t.Fatal("kick callback not fired")
	}
	rec.waitState(t, Disconnected)

	if tokens.Get().Valid() {
		t.Error("token must be cleared on kick")
	}

	// No automatic redial after a kick.
	time.Sleep(100 * time.Millisecond)
	if m.State() != Disconnected {
		t.Errorf("expected to stay disconnected, got %s", m.State())
	}
}

func TestBoundedReconnectExhausts(t *testing.T) {
	rec := newRecorder()
	// Nothing listens on this address; every dial fails.
	m, _, _ := newTestManager(t, "ws://127.0.0.1:1/api/sdk/ws", rec, Options{
		ReconnectDelay:       5 * time.Millisecond,
		MaxReconnectAttempts: 2,
	})

	if err := m.Connect(); err == nil {
		t.Fatal("expected dial error")
	}

	select {
	case <-rec.exhausted:
	case <-time.After(2 * time.Second):
		t.Fatal("exhausted callback not fired")
	}
	if m.State() != Disconnected {
		t.Errorf("expected disconnected, got %s", m.State())
	}

	// Manual reconnect resets the latch and dials again.
	if err := m.Reconnect(); err == nil {
		t.Error("expected dial error from manual reconnect")
	} else if errors.Is(err, ErrChannelClosed) {
		t.Error("manual reconnect must not report a closed channel")
	}
}

func TestDisconnectTriggersReconnect(t *testing.T) {
	server := newWSServer(t, true)
	rec := newRecorder()
	m, tokens, _ := newTestManager(t, server.url(), rec, Options{
		ReconnectDelay: 200 * time.Millisecond,
	})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	rec.waitState(t, Ready)

	server.dropAll()
	rec.waitState(t, Reconnecting)

	if tokens.Get().Valid() {
		t.Error("token must not survive a disconnect")
	}

	// The same server is still up, so the retry lands back in Ready.
	rec.waitState(t, Ready)
	if m.State() != Ready {
		t.Errorf("expected ready after automatic reconnect, got %s", m.State())
	}
}

func TestLogout(t *testing.T) {
	server := newWSServer(t, true)
	rec := newRecorder()
	m, tokens, _ := newTestManager(t, server.url(), rec, Options{})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	rec.waitState(t, Ready)

	if err := m.Logout(); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	rec.waitState(t, Closed)

	select {
	case <-rec.closed:
	case <-time.After(time.Second):
		t.Fatal("closed callback not fired")
	}

	if tokens.Get().Valid() {
		t.Error("token must be cleared on logout")
	}

	// Closed is terminal and the notification fires exactly once.
	if err := m.Logout(); err != nil {
		t.Errorf("second logout must be a no-op, got %v", err)
	}
	select {
	case <-rec.closed:
		t.Error("closed callback fired twice")
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.Connect(); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed, got %v", err)
	}
	if err := m.Reconnect(); !errors.Is(err, ErrChannelClosed) {
		t.Errorf("expected ErrChannelClosed from reconnect, got %v", err)
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	server := newWSServer(t, true)
	rec := newRecorder()
	m, _, _ := newTestManager(t, server.url(), rec, Options{})

	if err := m.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	rec.waitState(t, Ready)

	server.mu.Lock()
	conns := append([]*websocket.Conn(nil), server.conns...)
	server.mu.Unlock()
	for _, c := range conns {
		c.WriteMessage(websocket.TextMessage, []byte("not json"))
		c.WriteMessage(websocket.TextMessage, []byte(`{"action":"auth","params":"garbage"}`))
	}

	// The channel must survive and still answer a ping.
	server.sendToAll(wire.ActionPing, nil)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		server.mu.Lock()
		pongs := server.pongs
		server.mu.Unlock()
		if pongs > 0 {
			if m.State() != Ready {
				t.Errorf("expected ready after malformed frames, got %s", m.State())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("channel did not survive malformed frames")
}
