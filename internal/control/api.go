// Package control exposes the daemon's HTTP interface for driving a single
// softphone: placing and steering calls, switching presence, and inspecting
// the connection.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/dialwire/agentlink/internal/call"
	"github.com/dialwire/agentlink/internal/simstack"
	"github.com/dialwire/agentlink/pkg/softphone"
)

const eventBacklog = 100

// API provides the HTTP control interface for one softphone instance.
type API struct {
	phone  *softphone.Softphone
	sim    *simstack.Stack
	logger zerolog.Logger

	mu     sync.Mutex
	events []softphone.Event
}

// NewAPI creates the control API. sim may be nil when a real telephony
// stack is attached; the inject endpoint then reports unavailable.
func NewAPI(phone *softphone.Softphone, sim *simstack.Stack, logger zerolog.Logger) *API {
	return &API{
		phone:  phone,
		sim:    sim,
		logger: logger.With().Str("component", "control").Logger(),
	}
}

// Record keeps the most recent softphone events for the /events endpoint.
// Wire it into the softphone listener.
func (api *API) Record(ev softphone.Event) {
	api.mu.Lock()
	defer api.mu.Unlock()
	api.events = append(api.events, ev)
	if len(api.events) > eventBacklog {
		api.events = api.events[len(api.events)-eventBacklog:]
	}
}

// SetupRoutes configures HTTP routes.
func (api *API) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.healthHandler).Methods("GET")
	router.HandleFunc("/status", api.statusHandler).Methods("GET")
	router.HandleFunc("/events", api.eventsHandler).Methods("GET")

	router.HandleFunc("/call", api.callHandler).Methods("POST")
	router.HandleFunc("/call/answer", api.callOp("answer", func() error { return api.phone.Answer() })).Methods("POST")
	router.HandleFunc("/call/hangup", api.callOp("hangup", func() error { return api.phone.Hangup() })).Methods("POST")
	router.HandleFunc("/call/hold", api.callOp("hold", func() error { return api.phone.Hold() })).Methods("POST")
	router.HandleFunc("/call/unhold", api.callOp("unhold", func() error { return api.phone.Unhold() })).Methods("POST")
	router.HandleFunc("/call/mute", api.callOp("mute", func() error { return api.phone.Mute() })).Methods("POST")
	router.HandleFunc("/call/unmute", api.callOp("unmute", func() error { return api.phone.Unmute() })).Methods("POST")
	router.HandleFunc("/call/dtmf", api.dtmfHandler).Methods("POST")
	router.HandleFunc("/call/transfer", api.transferHandler).Methods("POST")
	router.HandleFunc("/call/inject", api.injectHandler).Methods("POST")

	router.HandleFunc("/agent/status", api.agentStatusHandler).Methods("POST")
	router.HandleFunc("/agent/wrapup", api.wrapUpHandler).Methods("POST")
	router.HandleFunc("/agent/wrapup/cancel", api.wrapUpCancelHandler).Methods("POST")
	router.HandleFunc("/agent/online", api.onlineHandler).Methods("GET")
	router.HandleFunc("/agent/refresh", api.refreshHandler).Methods("POST")

	router.HandleFunc("/reconnect", api.reconnectHandler).Methods("POST")
	router.HandleFunc("/logout", api.logoutHandler).Methods("POST")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// opStatus maps call precondition errors to HTTP status codes.
func opStatus(err error) int {
	switch {
	case errors.Is(err, call.ErrInvalidNumber):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrAgentNotReady),
		errors.Is(err, call.ErrNotRegistered),
		errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrInvalidState),
		errors.Is(err, call.ErrNoActiveCall):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (api *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (api *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"connection":  api.phone.ConnectionState(),
		"agentStatus": api.phone.AgentStatus(),
		"network":     api.phone.NetworkQuality(),
	}
	if info, ok := api.phone.CurrentCall(); ok {
		resp["call"] = info
	}
	writeJSON(w, resp)
}

func (api *API) eventsHandler(w http.ResponseWriter, r *http.Request) {
	api.mu.Lock()
	events := make([]softphone.Event, len(api.events))
	copy(events, api.events)
	api.mu.Unlock()
	writeJSON(w, events)
}

func (api *API) callHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Number     string `json:"number"`
		OutNumber  string `json:"outNumber,omitempty"`
		BusinessID string `json:"businessId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := api.phone.Call(r.Context(), req.Number, softphone.CallExtra{
		OutNumber:  req.OutNumber,
		BusinessID: req.BusinessID,
	})
	if err != nil {
		api.logger.Warn().Err(err).Str("number", req.Number).Msg("call rejected")
		http.Error(w, err.Error(), opStatus(err))
		return
	}
	writeJSON(w, map[string]string{"callId": id})
}

// callOp wraps the parameterless call operations into handlers.
func (api *API) callOp(name string, fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			http.Error(w, err.Error(), opStatus(err))
			return
		}
		writeJSON(w, map[string]string{"message": name + " ok"})
	}
}

func (api *API) dtmfHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tone string `json:"tone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tone == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := api.phone.SendDTMF(req.Tone); err != nil {
		http.Error(w, err.Error(), opStatus(err))
		return
	}
	writeJSON(w, map[string]string{"message": "dtmf sent"})
}

func (api *API) transferHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := api.phone.Transfer(req.Target); err != nil {
		http.Error(w, err.Error(), opStatus(err))
		return
	}
	writeJSON(w, map[string]string{"message": "transfer started"})
}

// injectHandler fabricates an inbound call on the simulated stack.
func (api *API) injectHandler(w http.ResponseWriter, r *http.Request) {
	if api.sim == nil {
		http.Error(w, "simulated stack not configured", http.StatusServiceUnavailable)
		return
	}
	var req struct {
		From   string `json:"from"`
		CallID string `json:"callId,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := req.CallID
	if id == "" {
		id = call.NewCallID()
	}
	api.sim.InjectIncoming(req.From, id)
	writeJSON(w, map[string]string{"callId": id})
}

func (api *API) agentStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var err error
	switch req.Status {
	case "idle":
		err = api.phone.SetIdle(r.Context())
	case "busy":
		err = api.phone.SetBusy(r.Context())
	case "resting":
		err = api.phone.SetResting(r.Context())
	default:
		http.Error(w, "status must be idle, busy or resting", http.StatusBadRequest)
		return
	}
	if err != nil {
		api.logger.Warn().Err(err).Str("status", req.Status).Msg("status switch failed")
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"message": "status requested"})
}

func (api *API) wrapUpHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Seconds int `json:"seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds <= 0 {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := api.phone.WrapUp(r.Context(), req.Seconds); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"message": "wrap-up extended"})
}

func (api *API) wrapUpCancelHandler(w http.ResponseWriter, r *http.Request) {
	if err := api.phone.WrapUpCancel(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"message": "wrap-up cancelled"})
}

func (api *API) onlineHandler(w http.ResponseWriter, r *http.Request) {
	agents, err := api.phone.OnlineAgents(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, agents)
}

func (api *API) refreshHandler(w http.ResponseWriter, r *http.Request) {
	if err := api.phone.RefreshToken(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"message": "token refreshed"})
}

func (api *API) reconnectHandler(w http.ResponseWriter, r *http.Request) {
	if err := api.phone.Reconnect(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]string{"message": "reconnecting"})
}

func (api *API) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if err := api.phone.Logout(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]string{"message": "logged out"})
}

// Start runs the HTTP server until ctx is cancelled. origins is the CORS
// allow-list for browser consoles driving the daemon.
func (api *API) Start(ctx context.Context, addr string, origins []string) error {
	router := mux.NewRouter()
	api.SetupRoutes(router)

	if len(origins) == 0 {
		origins = []string{"*"}
	}
	handler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(router)

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		api.logger.Info().Msg("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	api.logger.Info().Str("addr", addr).Msg("control API started")
	return server.ListenAndServe()
}
