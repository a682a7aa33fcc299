// Package errs classifies operational failures by category and
// severity, keeps short-lived ones in a bounded in-memory ring and
// durably persists the ones worth auditing later.
package errs

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/yield-autopilot/internal/kv"
)

// Category names the failure domain.
type Category string

const (
	CategorySimulation    Category = "simulation"
	CategoryExecution     Category = "execution"
	CategoryAuthorization Category = "authorization"
	CategoryStorage       Category = "storage"
	CategoryExternalAPI   Category = "external-api"
	CategoryGasEstimation Category = "gas-estimation"
)

// Severity orders failures by operational urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// defaultSeverity maps each category to its usual urgency. Storage
// failures are always at least high: losing persistence silently is
// never acceptable.
var defaultSeverity = map[Category]Severity{
	CategorySimulation:    SeverityLow,
	CategoryExecution:     SeverityHigh,
	CategoryAuthorization: SeverityMedium,
	CategoryStorage:       SeverityHigh,
	CategoryExternalAPI:   SeverityLow,
	CategoryGasEstimation: SeverityMedium,
}

// remediationHints are the user-facing recovery suggestions surfaced
// instead of raw internal error text.
var remediationHints = map[Category]string{
	CategorySimulation:    "The venue rejected a dry run of this action. Retry later or pick a different venue.",
	CategoryExecution:     "The transaction could not be confirmed. No funds moved; it is safe to retry.",
	CategoryAuthorization: "Your agent permissions are expired or revoked. Re-register to refresh permissions.",
	CategoryStorage:       "A persistence problem occurred. Support has been notified; retry shortly.",
	CategoryExternalAPI:   "A market data provider is unavailable. Data may be briefly stale; retry shortly.",
	CategoryGasEstimation: "Network fees could not be estimated. Retry when network conditions settle.",
}

// AgentError is a classified operational failure.
type AgentError struct {
	Category    Category          `json:"category"`
	Severity    Severity          `json:"severity"`
	Message     string            `json:"message"`
	Remediation string            `json:"remediation"`
	Account     common.Address    `json:"account,omitempty"`
	Stack       string            `json:"stack,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurredAt"`

	cause error
}

// New classifies err under the given category with the category's
// default severity.
func New(category Category, account common.Address, err error) *AgentError {
	severity, ok := defaultSeverity[category]
	if !ok {
		severity = SeverityMedium
	}
	return &AgentError{
		Category:    category,
		Severity:    severity,
		Message:     err.Error(),
		Remediation: remediationHints[category],
		Account:     account,
		OccurredAt:  time.Now(),
		cause:       err,
	}
}

// WithSeverity overrides the default severity.
func (e *AgentError) WithSeverity(severity Severity) *AgentError {
	e.Severity = severity
	return e
}

// WithMetadata attaches one structured key/value pair.
func (e *AgentError) WithMetadata(key, value string) *AgentError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("%s/%s: %s", e.Category, e.Severity, e.Message)
}

func (e *AgentError) Unwrap() error { return e.cause }

// durable reports whether the error must survive process restarts.
func (e *AgentError) durable() bool {
	return e.Severity == SeverityHigh || e.Severity == SeverityCritical
}

const (
	durableErrorsKey = "errors:durable"
	ringCapacity     = 256
)

// Reporter routes classified errors: high/critical to the durable log,
// everything else to a bounded in-memory ring.
type Reporter struct {
	store kv.Store

	mu   sync.Mutex
	ring []*AgentError
	next int
	size int
}

// NewReporter creates a reporter over the shared store.
func NewReporter(store kv.Store) *Reporter {
	return &Reporter{store: store, ring: make([]*AgentError, ringCapacity)}
}

// Report records the error in the appropriate sink and logs it.
func (r *Reporter) Report(ctx context.Context, agentErr *AgentError) {
	fields := logrus.Fields{
		"category": agentErr.Category,
		"severity": agentErr.Severity,
	}
	if agentErr.Account != (common.Address{}) {
		fields["account"] = agentErr.Account.Hex()
	}

	if !agentErr.durable() {
		r.buffer(agentErr)
		logrus.WithFields(fields).Warn(agentErr.Message)
		return
	}

	if agentErr.Stack == "" {
		buf := make([]byte, 4096)
		agentErr.Stack = string(buf[:runtime.Stack(buf, false)])
	}
	data, err := json.Marshal(agentErr)
	if err == nil {
		err = r.store.LPush(ctx, durableErrorsKey, string(data))
	}
	if err != nil {
		// Last resort: the log line is all the audit trail we have.
		r.buffer(agentErr)
		logrus.WithFields(fields).Errorf("Failed to persist error durably: %v (original: %s)", err, agentErr.Message)
		return
	}
	logrus.WithFields(fields).Error(agentErr.Message)
}

func (r *Reporter) buffer(agentErr *AgentError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = agentErr
	r.next = (r.next + 1) % len(r.ring)
	if r.size < len(r.ring) {
		r.size++
	}
}

// Recent returns buffered low/medium errors, newest first.
func (r *Reporter) Recent() []*AgentError {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AgentError, 0, r.size)
	for i := 1; i <= r.size; i++ {
		idx := (r.next - i + len(r.ring)) % len(r.ring)
		out = append(out, r.ring[idx])
	}
	return out
}

// Durable returns the persisted high/critical errors, newest first.
func (r *Reporter) Durable(ctx context.Context, limit int64) ([]*AgentError, error) {
	raw, err := r.store.LRange(ctx, durableErrorsKey, 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("reading durable errors: %w", err)
	}
	out := make([]*AgentError, 0, len(raw))
	for _, entry := range raw {
		var agentErr AgentError
		if err := json.Unmarshal([]byte(entry), &agentErr); err != nil {
			continue
		}
		out = append(out, &agentErr)
	}
	return out, nil
}
