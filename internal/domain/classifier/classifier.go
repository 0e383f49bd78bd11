// Package classifier defines the sensitivity classifier contract (C3,
// §4.3): assigning a Sensitivity level to a Resource, used to pick the
// decision cache TTL and to feed the policy engine's strictness decisions.
package classifier

import (
	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
)

// Classifier assigns a sensitivity level to a resource. Implementations
// must be deterministic and side-effect free; the coordinator may call
// Classify on every request, cached or not.
type Classifier interface {
	// Classify returns the sensitivity level for the given request and the
	// decision the policy engine produced for it, in §4.3 priority order:
	// an audit_high obligation wins outright, then an explicit
	// resource.Sensitivity, then keyword inference over the tool name and
	// description, then a production write/delete bump, defaulting to
	// medium.
	Classify(in authz.AuthorizationInput, d authz.Decision) authz.Sensitivity

	// Reload replaces the classifier's configurable bump rules (keyword
	// table entries, CEL bump conditions) without requiring a process
	// restart. Built-in §4.3 keyword defaults are always merged in
	// underneath whatever cfg supplies.
	Reload(cfg Config) error
}

// Rule is one configurable sensitivity bump: if Condition evaluates true
// against the request, the resource's sensitivity is raised to at least
// To.
type Rule struct {
	Name      string
	Condition string
	To        authz.Sensitivity
}

// Config is the classifier's reloadable configuration.
type Config struct {
	// KeywordTags maps a keyword (case-insensitive) to the minimum
	// sensitivity it implies. A keyword matches a resource either as an
	// exact Tag or as a substring of the tool name/description (§4.3 rule
	// 3). Operator-supplied entries are merged on top of
	// DefaultKeywordTags, not in place of it.
	KeywordTags map[string]authz.Sensitivity
	// Rules are evaluated in order after keyword matching; each may only
	// raise, never lower, the sensitivity already determined.
	Rules []Rule
}

// DefaultKeywordTags returns the built-in §4.3 keyword table: critical
// keywords name direct secret/financial handling, high keywords name
// destructive or privileged operations, medium keywords name mutation,
// low keywords name read-only access. An implementation must apply this
// table unconditionally, not only when an operator configures one.
func DefaultKeywordTags() map[string]authz.Sensitivity {
	return map[string]authz.Sensitivity{
		"payment":    authz.SensitivityCritical,
		"credential": authz.SensitivityCritical,
		"secret":     authz.SensitivityCritical,
		"encrypt":    authz.SensitivityCritical,
		"decrypt":    authz.SensitivityCritical,
		"token":      authz.SensitivityCritical,

		"delete": authz.SensitivityHigh,
		"drop":   authz.SensitivityHigh,
		"exec":   authz.SensitivityHigh,
		"admin":  authz.SensitivityHigh,
		"purge":  authz.SensitivityHigh,

		"write":  authz.SensitivityMedium,
		"update": authz.SensitivityMedium,
		"create": authz.SensitivityMedium,

		"read":   authz.SensitivityLow,
		"get":    authz.SensitivityLow,
		"list":   authz.SensitivityLow,
		"search": authz.SensitivityLow,
	}
}
