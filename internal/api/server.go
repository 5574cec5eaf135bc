// Package api exposes the agent's HTTP surface: request intake,
// candidate-response and outcome feedback, the agent-state read views
// and the manual escalation trigger.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/lifelinkhq/matchflow/api/schemas"
	"github.com/lifelinkhq/matchflow/internal/config"
	"github.com/lifelinkhq/matchflow/internal/learning"
	"github.com/lifelinkhq/matchflow/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Agent is the orchestrator surface the HTTP handlers drive: intake,
// feedback and the manual escalation check.
type Agent interface {
	Submit(req *schemas.Request)
	HandleCandidateResponse(ctx context.Context, requestID, candidateID string, accepted bool, rejectionReason string) error
	RecordFinalOutcome(ctx context.Context, requestID string, outcome learning.Outcome) (*schemas.Learning, error)
	CheckAndEscalate(ctx context.Context, requestID string) (*schemas.EscalationResult, error)
}

// InsightsProvider serves the rolling learning aggregate.
type InsightsProvider interface {
	Insights(ctx context.Context, windowDays int) (schemas.Insights, error)
}

// Server is the agent HTTP surface.
type Server struct {
	states   schemas.StateStore
	requests schemas.RequestReader
	agent    Agent
	insights InsightsProvider
	log      *zap.Logger
	router   chi.Router
}

// NewServer builds the agent router.
func NewServer(states schemas.StateStore, requests schemas.RequestReader, agent Agent, insights InsightsProvider, logger *zap.Logger) *Server {
	s := &Server{
		states:   states,
		requests: requests,
		agent:    agent,
		insights: insights,
		log:      logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/agent", func(r chi.Router) {
		r.Get("/insights", s.handleInsights)
		r.Get("/states", s.handleListStates)
		r.Get("/requests/{id}/state", s.handleGetState)
		r.Post("/requests/{id}/process", s.handleProcess)
		r.Post("/requests/{id}/response", s.handleResponse)
		r.Post("/requests/{id}/outcome", s.handleOutcome)
		r.Post("/requests/{id}/escalate", s.handleEscalate)
	})
	s.router = r
	return s
}

// Handler returns the http.Handler for mounting.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen runs the admin server until the context is cancelled.
func (s *Server) Listen(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("Admin API listening", zap.String("addr", cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleInsights(w http.ResponseWriter, r *http.Request) {
	days := 7
	if raw := r.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = parsed
	}

	insights, err := s.insights.Insights(r.Context(), days)
	if err != nil {
		s.log.Error("Insights query failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to compute insights")
		return
	}
	s.writeJSON(w, http.StatusOK, insights)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	state, err := s.states.GetByRequestID(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrStateNotFound) {
			s.writeError(w, http.StatusNotFound, "no agent state for request")
			return
		}
		s.log.Error("State lookup failed", zap.String("request_id", requestID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load agent state")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := schemas.StateFilter{
		Urgency:  schemas.Urgency(q.Get("urgency")),
		Strategy: schemas.StrategyType(q.Get("strategy")),
	}
	if filter.Urgency != "" && !filter.Urgency.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown urgency")
		return
	}
	if filter.Strategy != "" && !filter.Strategy.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown strategy")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	states, err := s.states.List(r.Context(), filter)
	if err != nil {
		s.log.Error("State listing failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list agent states")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"states": states,
		"count":  len(states),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	req, err := s.requests.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrRequestNotFound) {
			s.writeError(w, http.StatusNotFound, "unknown request")
			return
		}
		s.log.Error("Request lookup failed", zap.String("request_id", requestID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load request")
		return
	}

	s.agent.Submit(req)
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": requestID,
		"status":     "processing",
	})
}

type candidateResponseBody struct {
	CandidateID     string `json:"candidate_id"`
	Accepted        bool   `json:"accepted"`
	RejectionReason string `json:"rejection_reason"`
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	var body candidateResponseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed response payload")
		return
	}
	if body.CandidateID == "" {
		s.writeError(w, http.StatusBadRequest, "candidate_id is required")
		return
	}

	if err := s.agent.HandleCandidateResponse(r.Context(), requestID, body.CandidateID, body.Accepted, body.RejectionReason); err != nil {
		s.log.Error("Response handling failed", zap.String("request_id", requestID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to record response")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

type outcomeBody struct {
	Matched            bool    `json:"matched"`
	MatchedCandidateID string  `json:"matched_candidate_id"`
	Delivered          bool    `json:"delivered"`
	RaterScore         float64 `json:"rater_score"`
	OperatorIntervened bool    `json:"operator_intervened"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	var body outcomeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed outcome payload")
		return
	}

	result, err := s.agent.RecordFinalOutcome(r.Context(), requestID, learning.Outcome{
		Matched:            body.Matched,
		MatchedCandidateID: body.MatchedCandidateID,
		Delivered:          body.Delivered,
		RaterScore:         body.RaterScore,
		OperatorIntervened: body.OperatorIntervened,
	})
	if err != nil {
		s.log.Error("Outcome recording failed", zap.String("request_id", requestID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to record outcome")
		return
	}
	if result == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"recorded": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recorded": true, "learning": result})
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "id")

	result, err := s.agent.CheckAndEscalate(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrStateNotFound) {
			s.writeError(w, http.StatusNotFound, "no agent state for request")
			return
		}
		s.log.Error("Manual escalation failed", zap.String("request_id", requestID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "escalation check failed")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Warn("Response encoding failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
