package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mercator-hq/costguard/pkg/engine"
	"mercator-hq/costguard/pkg/limits"
	"mercator-hq/costguard/pkg/pricing"
	"mercator-hq/costguard/pkg/routing"
)

// decisionResponse is the body of POST /v1/evaluate.
type decisionResponse struct {
	*engine.Decision

	// RetryAfterSeconds mirrors the Retry-After header.
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`

	// Error explains a block not caused by a budget ceiling.
	Error string `json:"error,omitempty"`
}

// settleRequest is the body of POST /v1/settle.
type settleRequest struct {
	CallID      string `json:"call_id"`
	InputUnits  int64  `json:"input_units"`
	OutputUnits int64  `json:"output_units"`
}

// resetRequest is the body of POST /v1/stages/reset. Either ScopeKey or
// Call locates the stage record.
type resetRequest struct {
	PolicyID string       `json:"policy_id"`
	ScopeKey string       `json:"scope_key,omitempty"`
	Call     *limits.Call `json:"call,omitempty"`
}

type resetResponse struct {
	PolicyID string `json:"policy_id"`
	ScopeKey string `json:"scope_key"`
	Reset    bool   `json:"reset"`
}

type reloadResponse struct {
	*engine.LoadReport
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var call limits.Call
	if !decode(w, r, &call) {
		return
	}
	if call.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "model is required")
		return
	}

	d, err := s.engine.Evaluate(r.Context(), call)
	resp := decisionResponse{Decision: d}
	if err != nil {
		resp.Error = err.Error()
	}
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
		resp.RetryAfterSeconds = d.RetryAfter.Seconds()
	}
	writeJSON(w, evaluateStatus(err), resp)
}

// evaluateStatus maps an evaluation error to a status code. Blocks are
// answers, not failures: a call blocked by a budget, an unknown model, or
// exhausted routing stages still gets 200 with the decision.
func evaluateStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, engine.ErrInvalidCall):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrDuplicateCall):
		return http.StatusConflict
	case errors.Is(err, limits.ErrNoSnapshot), errors.Is(err, engine.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CallID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "call_id is required")
		return
	}

	st, err := s.engine.Settle(r.Context(), req.CallID, engine.ActualUsage{
		InputUnits:  req.InputUnits,
		OutputUnits: req.OutputUnits,
	})
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	budgetID := chi.URLParam(r, "budgetID")
	usage, err := s.engine.Peek(r.Context(), budgetID, callFromQuery(r))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	policyID := chi.URLParam(r, "policyID")
	view, err := s.engine.Stage(policyID, callFromQuery(r))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResetStage(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	if req.PolicyID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "policy_id is required")
		return
	}

	key := req.ScopeKey
	if key == "" {
		if req.Call == nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "scope_key or call is required")
			return
		}
		var err error
		if key, err = s.engine.StageKey(req.PolicyID, *req.Call); err != nil {
			s.writeEngineError(w, r, err)
			return
		}
	}

	ok := s.engine.ResetStage(r.Context(), key, req.PolicyID)
	writeJSON(w, http.StatusOK, resetResponse{PolicyID: req.PolicyID, ScopeKey: key, Reset: ok})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Reload(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload_failed", err.Error())
		return
	}
	resp := reloadResponse{LoadReport: report}
	for _, e := range report.Errors {
		resp.Errors = append(resp.Errors, e.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeEngineError maps engine errors to status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidCall):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, engine.ErrUnknownCall):
		writeError(w, http.StatusNotFound, "unknown_call", err.Error())
	case errors.Is(err, engine.ErrUnknownBudget):
		writeError(w, http.StatusNotFound, "unknown_budget", err.Error())
	case errors.Is(err, engine.ErrUnknownRoutingPolicy):
		writeError(w, http.StatusNotFound, "unknown_routing_policy", err.Error())
	case errors.Is(err, pricing.ErrUnknownModel):
		writeError(w, http.StatusUnprocessableEntity, "unknown_model", err.Error())
	case errors.Is(err, routing.ErrStagesExhausted):
		writeError(w, http.StatusUnprocessableEntity, "stages_exhausted", err.Error())
	case errors.Is(err, limits.ErrNoSnapshot), errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large",
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "invalid_request", "request body is empty")
		default:
			writeError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("invalid JSON: %v", err))
		}
		return false
	}
	return true
}

// callFromQuery builds the call attributes used to locate a scope from
// ?identity=&session=&model=&tag= parameters.
func callFromQuery(r *http.Request) limits.Call {
	q := r.URL.Query()
	return limits.Call{
		Model:    q.Get("model"),
		Identity: q.Get("identity"),
		Session:  q.Get("session"),
		Tags:     q["tag"],
	}
}
