// Package server exposes the daemon's local observability surface: health
// and status endpoints plus a websocket feed of run and scheduler events.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/azharlabs/papert-claw/pkg/logger"
)

// Status is the /status response body.
type Status struct {
	Version             string   `json:"version"`
	ActiveChannels      []string `json:"active_channels"`
	SchedulerWorkspaces []string `json:"scheduler_workspaces"`
	FeedClients         int      `json:"feed_clients"`
	RecentRuns          any      `json:"recent_runs,omitempty"`
}

// StatusFunc assembles the current Status snapshot.
type StatusFunc func(ctx context.Context) (Status, error)

// MessageRequest is the POST /message body: one inbound chat message
// submitted by the platform connector.
type MessageRequest struct {
	ChannelID   string   `json:"channel_id"`
	ThreadTS    string   `json:"thread_ts,omitempty"`
	DM          bool     `json:"dm,omitempty"`
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// MessageFunc executes one inbound message and returns the run outcome.
// Nil disables the /message endpoint.
type MessageFunc func(ctx context.Context, req MessageRequest) (any, error)

// Server is the local HTTP server.
type Server struct {
	httpSrv *http.Server
	hub     *Hub
	status  StatusFunc
	message MessageFunc
}

func New(addr string, status StatusFunc, message MessageFunc, hub *Hub) *Server {
	s := &Server{hub: hub, status: status, message: message}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if message != nil {
		r.HandleFunc("/message", s.handleMessage).Methods(http.MethodPost)
	}
	r.Handle("/ws", hub)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins serving on the configured address. Non-blocking; serve
// errors other than graceful shutdown are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status server stopped")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")
	return nil
}

// Shutdown stops the server and disconnects feed clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	st.FeedClients = s.hub.ClientCount()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ChannelID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel_id and text are required"})
		return
	}

	out, err := s.message(r.Context(), req)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn().Err(err).Msg("write response failed")
	}
}
