package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/commerce-harvester/internal/logging"
	"github.com/commerce-harvester/internal/queue"
	"github.com/commerce-harvester/internal/ratelimit"
	"github.com/commerce-harvester/internal/types"
)

// SweepResponse is the body of POST /api/admin/sweep
type SweepResponse struct {
	Result interface{} `json:"result"`
	Error  string      `json:"error,omitempty"`
}

// handleSweep runs one sweep synchronously. Listing errors are reported
// alongside the partial result.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Sweeper.RunSweep(r.Context())
	body := SweepResponse{Result: res}
	if err != nil {
		logging.FromContext(r.Context()).WithError(err).Warn("sweep finished with errors")
		body.Error = err.Error()
	}
	respondJSON(w, http.StatusOK, body)
}

// handleRefetch forces a re-fetch of one account
func (s *Server) handleRefetch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	acc, err := s.deps.Sweeper.ForceRefetch(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, acc.StatusView(s.deps.Sweeper.FetchCadence(), nil))
}

// handleAccountStatus returns the status projection of one account
func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	acc, err := s.deps.Accounts.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	lastErr, err := s.deps.ErrorLog.Latest(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, acc.StatusView(s.deps.Sweeper.FetchCadence(), lastErr))
}

// providerFromPath resolves {type} against the registered providers
func (s *Server) providerFromPath(w http.ResponseWriter, r *http.Request) (types.ProviderType, bool) {
	p := types.ProviderType(mux.Vars(r)["type"])
	for _, t := range s.deps.Providers.Types() {
		if t == p {
			return p, true
		}
	}
	respondError(w, http.StatusNotFound, ErrCodeNotFound, fmt.Sprintf("provider not registered: %s", p), nil)
	return "", false
}

// handleGetRate returns the rate state of a provider
func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	state, err := s.deps.Rates.State(r.Context(), p)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// SetRateRequest is the body of PUT /api/providers/{type}/rate. Rate is a
// number or "unlimited".
type SetRateRequest struct {
	Rate interface{} `json:"rate"`
}

func (req SetRateRequest) parse() (ratelimit.Rate, error) {
	switch v := req.Rate.(type) {
	case float64:
		if v < 0 || v != float64(int(v)) {
			return 0, fmt.Errorf("rate must be a non-negative integer")
		}
		return ratelimit.Rate(int(v)), nil
	case string:
		return ratelimit.ParseRate(v)
	case nil:
		return 0, fmt.Errorf("rate is required")
	}
	return 0, fmt.Errorf("rate must be a number or \"unlimited\"")
}

// handleSetRate stores an operator-chosen rate, clamped by the controller
func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	var req SetRateRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}
	rate, err := req.parse()
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
		return
	}

	stored, err := s.deps.Rates.SetRate(r.Context(), p, rate)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"provider":  string(p),
		"requested": rate.String(),
		"stored":    stored.String(),
	}).Info("provider rate set by operator")

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider": p,
		"rate":     stored,
	})
}

// handleResetRate restores a provider's default rate
func (s *Server) handleResetRate(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	if err := s.deps.Rates.Reset(r.Context(), p); err != nil {
		respondServiceError(w, err)
		return
	}
	state, err := s.deps.Rates.State(r.Context(), p)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// ProviderHealthResponse is the body of GET /api/providers/health
type ProviderHealthResponse struct {
	Providers interface{} `json:"providers"`
	Breakers  interface{} `json:"breakers,omitempty"`
}

// handleProviderHealth reports request health and breaker state of this process
func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	body := ProviderHealthResponse{Providers: s.deps.Providers.Health()}
	if s.deps.Breakers != nil {
		body.Breakers = s.deps.Breakers.AllStats()
	}
	respondJSON(w, http.StatusOK, body)
}

// handleResetBreaker closes a provider's circuit breaker
func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	p, ok := s.providerFromPath(w, r)
	if !ok {
		return
	}
	if s.deps.Breakers == nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "circuit breakers are not enabled in this process", nil)
		return
	}
	cb := s.deps.Breakers.For(p)
	cb.Reset()
	respondJSON(w, http.StatusOK, cb.Stats())
}

// handleQueueStats returns the queue depth of every registered provider
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	providers := s.deps.Providers.Types()
	stats := make([]queue.Stats, 0, len(providers))
	for _, p := range providers {
		st, err := s.deps.Queue.Stats(r.Context(), p)
		if err != nil {
			respondServiceError(w, err)
			return
		}
		stats = append(stats, st)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"queues": stats})
}
