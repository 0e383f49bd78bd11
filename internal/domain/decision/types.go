// Package decision contains the domain types for the decision audit sink
// (C5, §4.5): the record written for every authorization decision, and the
// store contract that persists and queries them.
package decision

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/fingerprint"
)

// sensitiveKeywords marks parameter keys that must never appear unredacted
// in an audit record, independent of the engine's own redact_secrets
// obligation.
var sensitiveKeywords = []string{
	"password", "secret", "token", "api_key", "apikey",
	"credential", "auth", "private_key", "privatekey",
}

// Record is one immutable, append-only audit entry for an authorization
// decision (§3 DecisionRecord, §4.5).
type Record struct {
	Timestamp      time.Time
	RequestID      string
	InputFingerprint fingerprint.Fingerprint
	PrincipalID    string
	Action         authz.Action
	ResourceKind   authz.ResourceKind
	ResourceID     string
	ResourceName   string
	Sensitivity    authz.Sensitivity
	Allow          bool
	Reason         string
	Obligations    []authz.Obligation
	Violations     []authz.RuleViolation
	PolicyVersion  string
	CacheHit       bool
	EvaluationMicros int64
	// ClientIPHash is a one-way hash of the request's client IP (§3
	// DecisionRecord); the raw address never appears on a Record.
	ClientIPHash string
	Error        bool
}

// FromDecision builds a Record from an authorization input/decision pair.
// Parameters never appear on Record at all (not just redacted) — the audit
// trail records what was decided, not the full request payload, matching
// the teacher's RedactSensitiveArgs caution applied one step further.
// sensitivity is the classifier's output for this request (§4.3); the raw
// client IP is hashed, never stored (§3).
func FromDecision(in authz.AuthorizationInput, fp fingerprint.Fingerprint, d authz.Decision, cacheHit bool, evalLatency time.Duration, sensitivity authz.Sensitivity) Record {
	return Record{
		Timestamp:        d.EvaluatedAt,
		RequestID:        in.Context.RequestID,
		InputFingerprint: fp,
		PrincipalID:      in.Principal.ID,
		Action:           in.Action,
		ResourceKind:     in.Resource.Kind,
		ResourceID:       in.Resource.ID,
		ResourceName:     in.Resource.Name,
		Sensitivity:      sensitivity,
		Allow:            d.Allow,
		Reason:           d.Reason,
		Obligations:      d.Obligations,
		Violations:       d.Violations,
		PolicyVersion:    d.PolicyVersion,
		CacheHit:         cacheHit,
		EvaluationMicros: evalLatency.Microseconds(),
		ClientIPHash:     hashClientIP(in.Context.ClientIP),
		Error:            d.Error,
	}
}

// hashClientIP returns a hex SHA-256 digest of ip, or "" for an empty
// address. Never return or log the raw address on a Record.
func hashClientIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// RedactParameters returns a copy of params with sensitive values masked,
// for a caller that echoes request parameters back alongside a decision.
func RedactParameters(params map[string]any) map[string]any {
	if len(params) == 0 {
		return params
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		if isSensitiveKey(k) {
			out[k] = "***REDACTED***"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
