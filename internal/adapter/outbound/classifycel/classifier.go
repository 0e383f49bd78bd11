// Package classifycel implements the sensitivity classifier (C3, §4.3) on
// top of a small CEL environment, grounded on the teacher's
// adapter/outbound/cel package: a fixed variable set exposed to
// administrator-authored bump rules, compiled once per Reload and cached
// as a rego.PreparedEvalQuery-equivalent cel.Program per rule.
package classifycel

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/classifier"
)

// sensitivityRank orders Sensitivity so bump rules can only raise, never
// lower, the level already assigned.
var sensitivityRank = map[authz.Sensitivity]int{
	authz.SensitivityUnset:    0,
	authz.SensitivityLow:      1,
	authz.SensitivityMedium:   2,
	authz.SensitivityHigh:     3,
	authz.SensitivityCritical: 4,
}

func maxSensitivity(a, b authz.Sensitivity) authz.Sensitivity {
	if sensitivityRank[b] > sensitivityRank[a] {
		return b
	}
	return a
}

// compiledRule pairs a configured Rule with its compiled CEL program.
type compiledRule struct {
	rule classifier.Rule
	prg  cel.Program
}

// Classifier implements classifier.Classifier.
type Classifier struct {
	env *cel.Env

	mu          sync.RWMutex
	keywordTags map[string]authz.Sensitivity
	rules       []compiledRule
}

// New constructs a Classifier with the given initial configuration.
func New(cfg classifier.Config) (*Classifier, error) {
	env, err := newClassifyEnvironment()
	if err != nil {
		return nil, fmt.Errorf("build classifier CEL environment: %w", err)
	}
	c := &Classifier{env: env}
	if err := c.Reload(cfg); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload implements classifier.Classifier. Built-in §4.3 keyword defaults
// are always merged in underneath cfg.KeywordTags: an operator can add new
// keywords or override a default keyword's level, but never silently loses
// the built-in table by supplying an empty or partial one.
func (c *Classifier) Reload(cfg classifier.Config) error {
	compiled := make([]compiledRule, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		ast, issues := c.env.Compile(r.Condition)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("compile classifier rule %q: %w", r.Name, issues.Err())
		}
		prg, err := c.env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return fmt.Errorf("build classifier rule program %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: r, prg: prg})
	}

	tags := make(map[string]authz.Sensitivity, len(cfg.KeywordTags))
	for k, v := range classifier.DefaultKeywordTags() {
		tags[k] = v
	}
	for k, v := range cfg.KeywordTags {
		tags[strings.ToLower(k)] = v
	}

	c.mu.Lock()
	c.keywordTags = tags
	c.rules = compiled
	c.mu.Unlock()
	return nil
}

// Classify implements classifier.Classifier, in §4.3 priority order.
func (c *Classifier) Classify(in authz.AuthorizationInput, d authz.Decision) authz.Sensitivity {
	if d.HasObligation(authz.ObligationAuditHigh) {
		return authz.SensitivityCritical
	}
	if in.Resource.Sensitivity != "" && in.Resource.Sensitivity != authz.SensitivityUnset {
		return in.Resource.Sensitivity
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	level := authz.SensitivityUnset
	if in.Resource.Kind == authz.ResourceTool {
		level = maxSensitivity(level, c.scanKeywords(in.Resource.Name+" "+in.Resource.Description))
	}
	for _, tag := range in.Resource.Tags {
		if bumped, ok := c.keywordTags[strings.ToLower(tag)]; ok {
			level = maxSensitivity(level, bumped)
		}
	}
	if level == authz.SensitivityUnset {
		level = authz.SensitivityMedium
	}

	if in.Resource.Environment == authz.EnvProduction && isWriteOrDelete(in.Action) {
		level = bumpOneLevel(level)
	}

	activation := buildActivation(in)
	for _, cr := range c.rules {
		out, _, err := cr.prg.Eval(activation)
		if err != nil {
			continue
		}
		if matched, ok := out.Value().(bool); ok && matched {
			level = maxSensitivity(level, cr.rule.To)
		}
	}

	return level
}

// scanKeywords checks text (expected to be a tool's name and description)
// for any configured keyword as a case-insensitive substring, returning
// the highest sensitivity among all matches. Must be called with c.mu held.
func (c *Classifier) scanKeywords(text string) authz.Sensitivity {
	lower := strings.ToLower(text)
	level := authz.SensitivityUnset
	for kw, sensitivity := range c.keywordTags {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, kw) {
			level = maxSensitivity(level, sensitivity)
		}
	}
	return level
}

// isWriteOrDelete reports whether action is a mutating or destructive
// operation, for the §4.3 rule-4 production bump.
func isWriteOrDelete(action authz.Action) bool {
	s := string(action)
	return strings.HasSuffix(s, ":write") || strings.HasSuffix(s, ":delete")
}

// sensitivityOrder ranks Sensitivity from least to most severe, used by
// bumpOneLevel to find the next level up.
var sensitivityOrder = []authz.Sensitivity{
	authz.SensitivityUnset,
	authz.SensitivityLow,
	authz.SensitivityMedium,
	authz.SensitivityHigh,
	authz.SensitivityCritical,
}

// bumpOneLevel returns the next sensitivity level up from level, capped at
// critical.
func bumpOneLevel(level authz.Sensitivity) authz.Sensitivity {
	for i, s := range sensitivityOrder {
		if s == level {
			if i == len(sensitivityOrder)-1 {
				return authz.SensitivityCritical
			}
			return sensitivityOrder[i+1]
		}
	}
	return authz.SensitivityCritical
}

func newClassifyEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("resource_kind", cel.StringType),
		cel.Variable("resource_id", cel.StringType),
		cel.Variable("resource_name", cel.StringType),
		cel.Variable("resource_description", cel.StringType),
		cel.Variable("resource_tags", cel.ListType(cel.StringType)),
		cel.Variable("resource_environment", cel.StringType),
		cel.Variable("principal_role", cel.StringType),
		cel.Variable("principal_teams", cel.ListType(cel.StringType)),
	)
}

func buildActivation(in authz.AuthorizationInput) map[string]any {
	return map[string]any{
		"action":               string(in.Action),
		"resource_kind":        string(in.Resource.Kind),
		"resource_id":          in.Resource.ID,
		"resource_name":        in.Resource.Name,
		"resource_description": in.Resource.Description,
		"resource_tags":        in.Resource.Tags,
		"resource_environment": string(in.Resource.Environment),
		"principal_role":       string(in.Principal.Role),
		"principal_teams":      in.Principal.Teams,
	}
}

// Compile-time interface verification.
var _ classifier.Classifier = (*Classifier)(nil)
