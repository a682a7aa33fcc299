package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/model"
	"github.com/yourorg/yield-autopilot/internal/session"
	"github.com/yourorg/yield-autopilot/internal/store"
)

// registerRequest is the payload for POST /agent/register.
type registerRequest struct {
	Account        common.Address          `json:"account"`
	ApprovedVaults []common.Address        `json:"approvedVaults"`
	AutoOptimize   bool                    `json:"autoOptimize"`
	Proof          session.DelegationProof `json:"proof"`
}

// handleRegister issues a session credential and enrolls the account.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Account == (common.Address{}) {
		httpError(w, http.StatusBadRequest, "account is required")
		return
	}
	if len(req.ApprovedVaults) == 0 {
		httpError(w, http.StatusBadRequest, "at least one approved vault is required")
		return
	}

	ctx := r.Context()
	result, err := s.sessions.Issue(ctx, req.Account, req.ApprovedVaults, req.Proof)
	if err != nil {
		if errors.Is(err, session.ErrBadProof) {
			httpError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, "could not issue session credential")
		return
	}

	// Issue already wrote the credential blobs onto the account record;
	// load-modify-save so they survive the flag update.
	account, err := s.accounts.GetAccount(ctx, req.Account)
	if err != nil {
		account = &store.Account{Address: req.Account}
	}
	account.AutoOptimize = req.AutoOptimize
	account.AgentRegistered = true
	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		logrus.Errorf("Account record update failed for %s: %v", req.Account.Hex(), err)
	}

	action := model.AgentAction{
		Account: req.Account,
		Type:    model.ActionRegister,
		Status:  model.StatusCompleted,
		Metadata: map[string]string{
			"session": result.SessionAddress.Hex(),
			"vaults":  itoa(len(req.ApprovedVaults)),
		},
	}
	if err := s.accounts.LogAction(ctx, action); err != nil {
		logrus.Errorf("Audit log write failed: %v", err)
	}
	s.auditLog.Record(action)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionAddress":  result.SessionAddress.Hex(),
		"transferAddress": result.TransferAddress.Hex(),
		"expiresAt":       result.ExpiresAt.UTC().Format(time.RFC3339),
		"autoOptimize":    req.AutoOptimize,
	})
}

// accountRequest is the payload for account-scoped POST endpoints.
type accountRequest struct {
	Account common.Address `json:"account"`
}

// handleRevoke revokes the account's session credential immediately.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == (common.Address{}) {
		httpError(w, http.StatusBadRequest, "account is required")
		return
	}

	ctx := r.Context()
	if err := s.sessions.Revoke(ctx, req.Account); err != nil {
		if errors.Is(err, session.ErrNoCredential) {
			httpError(w, http.StatusNotFound, "no session credential registered for this account")
			return
		}
		httpError(w, http.StatusInternalServerError, "could not revoke session credential")
		return
	}

	if account, err := s.accounts.GetAccount(ctx, req.Account); err == nil {
		account.AgentRegistered = false
		account.AutoOptimize = false
		if err := s.accounts.SaveAccount(ctx, account); err != nil {
			logrus.Errorf("Account record update failed for %s: %v", req.Account.Hex(), err)
		}
	}

	action := model.AgentAction{
		Account: req.Account,
		Type:    model.ActionRevoke,
		Status:  model.StatusCompleted,
	}
	if err := s.accounts.LogAction(ctx, action); err != nil {
		logrus.Errorf("Audit log write failed: %v", err)
	}
	s.auditLog.Record(action)

	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// handleRebalance triggers one decide-then-execute run for an account.
func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httpError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Account == (common.Address{}) {
		httpError(w, http.StatusBadRequest, "account is required")
		return
	}

	result, err := s.rebalanceAccount(r.Context(), req.Account, nil)
	if err != nil {
		if errors.Is(err, session.ErrNoCredential) {
			httpError(w, http.StatusNotFound, "no session credential registered for this account")
			return
		}
		httpError(w, http.StatusBadGateway, "rebalance could not run: "+err.Error())
		return
	}

	// Denials are structured outcomes, not HTTP errors; only the two
	// contention statuses get dedicated codes for client backoff.
	code := http.StatusOK
	switch result.Status {
	case model.StatusRateLimited:
		code = http.StatusTooManyRequests
	case model.StatusInProgress:
		code = http.StatusConflict
	}
	writeJSON(w, code, result)
}

// handleOpportunities returns the current eligible opportunity set.
func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	opportunities, err := s.snapshot(r.Context())
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, "venue data unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"opportunities": opportunities,
		"count":         len(opportunities),
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
	})
}

// handlePositions returns an account's current venue positions.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAccountParam(w, r)
	if !ok {
		return
	}
	positions, err := s.registry.Positions(r.Context(), account)
	if err != nil {
		httpError(w, http.StatusServiceUnavailable, "venue data unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":   account.Hex(),
		"positions": positions,
	})
}

// handleActions returns the account's recent audit log entries.
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAccountParam(w, r)
	if !ok {
		return
	}
	actions, err := s.accounts.RecentActions(r.Context(), account)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "could not read action log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account": account.Hex(),
		"actions": actions,
	})
}

// handleHealth is a simple health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus provides detailed service status information
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":  "operational",
		"uptime":  time.Since(startTime).String(),
		"version": "1.0.0",
		"venues":  len(s.registry.Enabled()),
		"configuration": map[string]interface{}{
			"min_improvement":          s.cfg.MinImprovement,
			"targeted_min_improvement": s.cfg.TargetedMinImprovement,
			"min_liquidity_usd":        s.cfg.MinLiquidityUSD,
			"rate_limit_max":           s.cfg.RateLimitMax,
			"rate_limit_window":        s.cfg.RateLimitWindow.String(),
			"scheduler_interval":       s.cfg.SchedulerInterval.String(),
		},
		"circuit_state": s.breaker.GetState(),
		"recent_errors": len(s.reporter.Recent()),
		"audit_export":  s.auditLog.Status(),
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCircuitStatus allows viewing and controlling the circuit breaker
func (s *Server) handleCircuitStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"state": s.breaker.GetState(),
	}

	// Allow reset operation via POST
	if r.Method == http.MethodPost {
		if r.URL.Query().Get("action") == "reset" {
			s.breaker.Reset()
			response["message"] = "Circuit breaker reset"
		}
	}

	lastGood := s.breaker.LastGoodOpportunities()
	if len(lastGood) > 0 {
		response["last_good_count"] = len(lastGood)
		response["last_good_timestamp"] = time.Unix(lastGood[0].CollectedAt, 0).Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, response)
}
