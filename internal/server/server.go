// Package server exposes the HTTP control surface: session start/stop/status
// for the audio pipeline, the transcript WebSocket, the chat relay endpoints
// with their SSE stream, and the health and metrics endpoints.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anchorlens/anchorlens/internal/chat"
	"github.com/anchorlens/anchorlens/internal/config"
	"github.com/anchorlens/anchorlens/internal/health"
	"github.com/anchorlens/anchorlens/internal/observe"
	"github.com/anchorlens/anchorlens/internal/supervisor"
)

// Server wires the supervisor and chat relay into an http.Handler.
type Server struct {
	sup     *supervisor.Supervisor
	relay   *chat.Relay
	metrics *observe.Metrics
	health  *health.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics overrides the metrics sink used by the HTTP middleware.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithHealth overrides the health handler.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// New creates a Server over the given supervisor and chat relay.
func New(sup *supervisor.Supervisor, relay *chat.Relay, opts ...Option) *Server {
	s := &Server{sup: sup, relay: relay}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Handler builds the route table wrapped in the observability middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/live_audio/start", s.handleAudioStart)
	mux.HandleFunc("POST /api/live_audio/stop", s.handleAudioStop)
	mux.HandleFunc("GET /api/live_audio/status", s.handleAudioStatus)
	mux.HandleFunc("GET /api/live_audio/ws", s.handleTranscriptWS)

	mux.HandleFunc("POST /api/douyin/web/start", s.handleChatStart)
	mux.HandleFunc("POST /api/douyin/web/stop", s.handleChatStop)
	mux.HandleFunc("GET /api/douyin/web/status", s.handleChatStatus)
	mux.HandleFunc("GET /api/douyin/web/stream", s.handleChatStream)

	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	return observe.Middleware(s.metrics)(mux)
}

// startRequest is the /api/live_audio/start body. Pointer fields distinguish
// "absent" from a zero value and map directly onto config.Overrides.
type startRequest struct {
	LiveURL          string          `json:"live_url"`
	SessionID        *string         `json:"session_id"`
	ChunkDuration    *float64        `json:"chunk_duration"`
	Profile          *config.Profile `json:"profile"`
	VADMinSilenceSec *float64        `json:"vad_min_silence_sec"`
	VADMinSpeechSec  *float64        `json:"vad_min_speech_sec"`
	VADHangoverSec   *float64        `json:"vad_hangover_sec"`
	VADRMS           *float64        `json:"vad_rms"`
	MaxWait          *float64        `json:"max_wait"`
	MaxChars         *int            `json:"max_chars"`
	SilenceFlush     *float64        `json:"silence_flush"`
	MinSentenceChars *int            `json:"min_sentence_chars"`
}

func (r *startRequest) overrides() config.Overrides {
	return config.Overrides{
		SessionID:        r.SessionID,
		ChunkSeconds:     r.ChunkDuration,
		Profile:          r.Profile,
		MinSilenceSec:    r.VADMinSilenceSec,
		MinSpeechSec:     r.VADMinSpeechSec,
		HangoverSec:      r.VADHangoverSec,
		MinRMS:           r.VADRMS,
		MaxWaitSec:       r.MaxWait,
		MaxChars:         r.MaxChars,
		SilenceFlushSec:  r.SilenceFlush,
		MinSentenceChars: r.MinSentenceChars,
	}
}

// startData is the success payload of /api/live_audio/start.
type startData struct {
	SessionID string    `json:"sessionID"`
	RoomID    string    `json:"roomID"`
	StartedAt time.Time `json:"startedAt"`
}

func (s *Server) handleAudioStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.LiveURL == "" {
		writeError(w, http.StatusBadRequest, "live_url is required")
		return
	}

	res, err := s.sup.Start(r.Context(), req.LiveURL, req.overrides())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeSuccess(w, startData{
		SessionID: res.SessionID,
		RoomID:    res.RoomID,
		StartedAt: res.StartedAt,
	})
}

func (s *Server) handleAudioStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.sup.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleAudioStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Status())
}

// chatStartRequest is the /api/douyin/web/start body.
type chatStartRequest struct {
	LiveID string `json:"live_id"`
}

func (s *Server) handleChatStart(w http.ResponseWriter, r *http.Request) {
	var req chatStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.LiveID == "" {
		writeError(w, http.StatusBadRequest, "live_id is required")
		return
	}

	if err := s.relay.Start(r.Context(), req.LiveID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleChatStop(w http.ResponseWriter, _ *http.Request) {
	if err := s.relay.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleChatStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.Status())
}

// statusFor maps lifecycle errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, chat.ErrRelayRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrResolveFailed),
		errors.Is(err, supervisor.ErrMediaOpenFailed),
		errors.Is(err, chat.ErrRelayResolve):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// response is the control-endpoint JSON envelope.
type response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Success: false, Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response", "err", err)
	}
}
