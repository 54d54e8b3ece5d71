package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/voicemesh/voicemesh/internal/broker"
	"github.com/voicemesh/voicemesh/internal/policy"
	"github.com/voicemesh/voicemesh/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err.Error())
	}
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, broker.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, broker.ErrTooManySessions):
		status = http.StatusTooManyRequests
	case errors.Is(err, broker.ErrInvalidTransition), errors.Is(err, broker.ErrSessionTerminal):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.HealthCheck(r.Context()))
}

// handleReady also probes the agents; a deployment with an unreachable model
// endpoint should not receive traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	unhealthy := s.registry.HealthCheck(r.Context())
	if len(unhealthy) > 0 {
		names := make([]string, 0, len(unhealthy))
		for name := range unhealthy {
			names = append(names, name)
		}
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":           "degraded",
			"unhealthy_agents": names,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.broker.Stats(r.Context()))
}

type agentInfo struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	out := make([]agentInfo, 0, s.registry.Len())
	for _, a := range s.registry.List() {
		out = append(out, agentInfo{Name: a.Name(), Capabilities: a.Capabilities()})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req broker.CreateRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}

	sess, err := s.broker.CreateSession(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	ids, err := s.store.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.broker.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.EndSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateStateRequest struct {
	State session.State `json:"state"`
}

func (s *Server) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	var req updateStateRequest
	if !s.decode(w, r, &req) {
		return
	}

	sess, err := s.broker.UpdateSessionState(r.Context(), chi.URLParam(r, "sessionID"), req.State)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sess)
}

type transcriptRequest struct {
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	IsSpeech    bool    `json:"is_speech"`
	UtteranceMs int64   `json:"utterance_ms"`
	SilenceMs   int64   `json:"silence_ms"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if !s.decode(w, r, &req) {
		return
	}

	result, err := s.broker.ProcessTranscript(r.Context(), chi.URLParam(r, "sessionID"), broker.TranscriptInput{
		Text:       req.Text,
		Confidence: req.Confidence,
		IsSpeech:   req.IsSpeech,
		Utterance:  time.Duration(req.UtteranceMs) * time.Millisecond,
		Silence:    time.Duration(req.SilenceMs) * time.Millisecond,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	cc, err := s.store.GetContext(r.Context(), sessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cc == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "no context for session " + sessionID})
		return
	}
	s.writeJSON(w, http.StatusOK, cc)
}

// engineFor resolves the per-session policy engine for evaluation requests.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) *policy.Engine {
	sessionID := chi.URLParam(r, "sessionID")
	engine := s.broker.Engine(sessionID)
	if engine == nil {
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found: " + sessionID})
		return nil
	}
	return engine
}

type vadRequest struct {
	RMS        float64 `json:"rms"`
	Confidence float64 `json:"confidence"`
}

func (s *Server) handleEvaluateVAD(w http.ResponseWriter, r *http.Request) {
	engine := s.engineFor(w, r)
	if engine == nil {
		return
	}
	var req vadRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, engine.EvaluateVAD(req.RMS, req.Confidence))
}

type bargeInRequest struct {
	IsSpeech           bool    `json:"is_speech"`
	Confidence         float64 `json:"confidence"`
	PlaybackActive     bool    `json:"playback_active"`
	PlaybackDurationMs int64   `json:"playback_duration_ms"`
}

func (s *Server) handleEvaluateBargeIn(w http.ResponseWriter, r *http.Request) {
	engine := s.engineFor(w, r)
	if engine == nil {
		return
	}
	var req bargeInRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, engine.EvaluateBargeIn(
		req.IsSpeech, req.Confidence, req.PlaybackActive,
		time.Duration(req.PlaybackDurationMs)*time.Millisecond))
}

type wakeRequest struct {
	IsWake     bool    `json:"is_wake"`
	Confidence float64 `json:"confidence"`
	Phrase     string  `json:"phrase"`
}

func (s *Server) handleEvaluateWake(w http.ResponseWriter, r *http.Request) {
	engine := s.engineFor(w, r)
	if engine == nil {
		return
	}
	var req wakeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.writeJSON(w, http.StatusOK, engine.EvaluateWake(req.IsWake, req.Confidence, req.Phrase))
}
