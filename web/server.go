// Package web serves the dashboard's HTTP query routes and the WebSocket
// push stream.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"can-dashboard/broadcast"
	"can-dashboard/common"
	"can-dashboard/link"
	"can-dashboard/service"
	"can-dashboard/signal"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	shutdownWait   = 5 * time.Second
)

// CAN is the query interface the routes are served from.
type CAN interface {
	Messages() []common.Message
	Decoded() common.DecodedData
	Status() common.ConnectionStatus
	Subscribe() *broadcast.Subscription
	Subscribers() int
	Signals() []signal.Definition
	Send(ctx context.Context, id uint32, data []byte) error
	Connect(ctx context.Context, bitrate uint32) (common.ConnectionStatus, error)
	Disconnect(ctx context.Context) error
}

// Config holds the HTTP settings.
type Config struct {
	Listen         string   `mapstructure:"listen"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AccessLog      bool     `mapstructure:"access_log"`
}

// DefaultConfig returns the default HTTP settings.
func DefaultConfig() Config {
	return Config{
		Listen:         ":3001",
		AllowedOrigins: []string{"*"},
	}
}

// Server is the HTTP front end.
type Server struct {
	cfg      Config
	can      CAN
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// New creates a server for the given query interface.
func New(cfg Config, can CAN, logger zerolog.Logger) *Server {
	if cfg.Listen == "" {
		cfg.Listen = DefaultConfig().Listen
	}
	return &Server{
		cfg:    cfg,
		can:    can,
		logger: logger,
		upgrader: websocket.Upgrader{
			// Origin filtering is done by the CORS settings.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler wrapped with CORS and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/can/messages", s.handleMessages)
	mux.HandleFunc("GET /api/can/decoded", s.handleDecoded)
	mux.HandleFunc("GET /api/can/status", s.handleStatus)
	mux.HandleFunc("GET /api/can/signals", s.handleSignals)
	mux.HandleFunc("POST /api/can/send", s.handleSend)
	mux.HandleFunc("POST /api/can/connect", s.handleConnect)
	mux.HandleFunc("POST /api/can/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/can/stream", s.handleStream)

	origins := s.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = DefaultConfig().AllowedOrigins
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{s.logger}),
		handlers.PrintRecoveryStack(false),
	)
	var h http.Handler = cors(mux)
	if s.cfg.AccessLog {
		h = handlers.CustomLoggingHandler(io.Discard, h, s.logAccess)
	}
	return recovery(h)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("HTTP server started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

type healthResponse struct {
	Status      string `json:"status"`
	Subscribers int    `json:"subscribers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Subscribers: s.can.Subscribers()})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.can.Messages()
	if msgs == nil {
		msgs = []common.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleDecoded(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.can.Decoded())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.can.Status())
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.can.Signals())
}

type sendRequest struct {
	ID   *uint32 `json:"id"`
	Data []int   `json:"data"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == nil || req.Data == nil {
		writeError(w, http.StatusBadRequest, "Invalid request. Required: id (number) and data (array of numbers)")
		return
	}
	payload, err := service.Payload(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.can.Send(r.Context(), *req.ID, payload)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, service.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, link.ErrInvalidFrame):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Failed to send CAN message")
	}
}

type connectRequest struct {
	Bitrate uint32 `json:"bitrate"`
}

type connectResponse struct {
	Success   bool   `json:"success"`
	Interface string `json:"interface,omitempty"`
	Bitrate   uint32 `json:"bitrate,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   string `json:"details,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	// An empty body keeps the configured bitrate.
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	st, err := s.can.Connect(r.Context(), req.Bitrate)
	if err != nil {
		s.logger.Error().Err(err).Msg("connect failed")
		writeJSON(w, http.StatusInternalServerError, connectResponse{
			Error:   "Failed to connect to CAN bus",
			Details: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{
		Success:   true,
		Interface: st.Interface,
		Bitrate:   st.Bitrate,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.can.Disconnect(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("disconnect failed")
		writeJSON(w, http.StatusInternalServerError, connectResponse{
			Error:   "Failed to disconnect from CAN bus",
			Details: err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, connectResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// recoveryLogger adapts zerolog to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	logger zerolog.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.logger.Error().Interface("panic", v).Msg("HTTP handler panic")
}

// logAccess writes one access log line per request.
func (s *Server) logAccess(_ io.Writer, p handlers.LogFormatterParams) {
	s.logger.Debug().
		Str("method", p.Request.Method).
		Str("path", p.URL.Path).
		Int("status", p.StatusCode).
		Int("size", p.Size).
		Str("remote", p.Request.RemoteAddr).
		Msg("HTTP request")
}
