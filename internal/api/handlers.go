package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vstride/vstride-bridge/internal/auth"
	"github.com/vstride/vstride-bridge/internal/storage"
)

// ========== Auth handlers ==========

// HandleLogin exchanges the operator password for an access token
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username" validate:"required,max=64"`
		Password string `json:"password" validate:"required,max=72"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validator.Validate(req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.login.Login(req.Username, req.Password); err != nil {
		if errors.Is(err, auth.ErrLoginDisabled) {
			s.respondError(w, http.StatusForbidden, "login disabled")
			return
		}
		log.Warn().Str("username", req.Username).Msg("failed operator login")
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expires, err := s.auth.GenerateToken(req.Username, s.status.Status().RunID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_at":   expires,
		"expires_in":   int(s.config.JWT.AccessTokenTTL.Seconds()),
		"token_type":   "Bearer",
	})
}

// ========== Bridge handlers ==========

// HandleStatus reports session states and the latest sample
func (s *RESTServer) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.status.Status()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": st,
		"uptime": s.now().Sub(st.StartedAt).Round(time.Second).String(),
	})
}

// HandleRecentEvents lists the lifecycle events kept in memory
func (s *RESTServer) HandleRecentEvents(w http.ResponseWriter, r *http.Request) {
	events := s.recent()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// HandleShutdown stops the bridge
func (s *RESTServer) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	operator := ""
	if claims := claimsFrom(r.Context()); claims != nil {
		operator = claims.Operator
	}
	log.Info().Str("operator", operator).Msg("shutdown requested over API")

	s.stop.Fire()
	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "shutdown requested",
	})
}

// ========== Run history handlers ==========

// HandleListRuns lists recorded runs
func (s *RESTServer) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": total,
	})
}

// HandleGetRun gets a run
func (s *RESTServer) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "run not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, run)
}

// HandleListRunEvents lists the events of a run
func (s *RESTServer) HandleListRunEvents(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid run ID")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	events, err := s.store.ListRunEvents(r.Context(), id, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

func (s *RESTServer) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, "run history disabled")
		return false
	}
	return true
}

// ========== Helper methods ==========

// HandleHealth health check. The bridge is degraded when ticks stop arriving.
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	last := s.lastSample
	s.mu.Unlock()

	now := s.now()
	status := "healthy"
	code := http.StatusOK
	if last.IsZero() || now.Sub(last) > 5*s.config.Loop.Tick {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	resp := map[string]interface{}{
		"status": status,
		"time":   now,
	}
	if !last.IsZero() {
		resp["last_sample"] = last
	}
	s.respondJSON(w, code, resp)
}

// HandleRoot root handler
func (s *RESTServer) HandleRoot(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service": "vstride bridge",
		"health":  "/api/v1/health",
		"status":  "/api/v1/status",
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
