package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/model"
)

// Helper functions shared by the HTTP handlers

// writeJSON serializes a response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.Errorf("Failed to encode response: %v", err)
	}
}

// httpError returns a structured error response.
func httpError(w http.ResponseWriter, code int, message string) {
	logrus.Warn(message)
	writeJSON(w, code, map[string]interface{}{
		"status": "error",
		"error":  message,
	})
}

// parseAccountParam extracts and validates the ?account= query
// parameter, writing the error response itself on failure.
func parseAccountParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.URL.Query().Get("account")
	if raw == "" {
		httpError(w, http.StatusBadRequest, "account query parameter is required")
		return common.Address{}, false
	}
	if !common.IsHexAddress(raw) {
		httpError(w, http.StatusBadRequest, "account is not a valid address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// amountString renders a result's moved amount for the audit trail.
func amountString(result *model.ExecutionResult) string {
	if result.Amount == nil {
		return ""
	}
	return result.Amount.String()
}

// itoa is a tiny convenience for metadata maps.
func itoa(n int) string {
	return strconv.Itoa(n)
}
