// Package opa implements the policy engine (C2, §4.2) on top of the real
// Open Policy Agent Rego evaluator, grounded on Kocoro-lab-Shannon's
// OPAEngine: walk a bundle directory for .rego modules, compile them with
// rego.New(...).PrepareForEval, and evaluate a single decision query per
// request. Unlike the teacher's OPAEngine, this package does not cache
// decisions itself — the sharded decision cache (C1) sits in front of it
// in the coordinator, so this engine is a pure, stateless-per-call
// evaluator over whatever bundle is currently loaded.
package opa

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	domainengine "github.com/mcp-guard/mcp-guard/internal/domain/engine"
)

// decisionQuery is the Rego path every bundle must populate. A bundle
// defines package mcpguard.authz and assembles a single "decision" rule
// shaped like:
//
//	decision := {
//	    "allow": allow,
//	    "reason": reason,
//	    "obligations": obligations,
//	    "violations": violations,
//	    "filtered_parameters": filtered_parameters,
//	}
const decisionQuery = "data.mcpguard.authz.decision"

// Engine is the OPA-backed implementation of domainengine.Engine.
type Engine struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	version  atomic.Value // string
	ready    atomic.Bool
}

// New constructs an unloaded engine. Load must be called before Ready
// reports true.
func New() *Engine {
	e := &Engine{}
	e.version.Store("")
	return e
}

// Load walks bundlePath for .rego files, compiles them as one bundle, and
// atomically swaps the result in only on success (§4.2 "Bundle reload").
func (e *Engine) Load(ctx context.Context, bundlePath string) error {
	modules := make(map[string]string)

	err := filepath.Walk(bundlePath, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return fmt.Errorf("read policy file %s: %w", path, readErr)
		}
		rel, relErr := filepath.Rel(bundlePath, path)
		if relErr != nil {
			rel = path
		}
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: walk bundle directory: %v", authz.ErrBundleRejected, err)
	}
	if len(modules) == 0 {
		return fmt.Errorf("%w: no .rego modules found under %s", authz.ErrBundleRejected, bundlePath)
	}

	opts := []func(*rego.Rego){
		rego.Query(decisionQuery),
	}
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, rego.Module(name, modules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("%w: compile: %v", authz.ErrBundleRejected, err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	e.version.Store(versionOf(modules))
	e.ready.Store(true)

	return nil
}

// Ready implements domainengine.Engine.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Version implements domainengine.Engine.
func (e *Engine) Version() string {
	v, _ := e.version.Load().(string)
	return v
}

// Evaluate implements domainengine.Engine.
func (e *Engine) Evaluate(ctx context.Context, in authz.AuthorizationInput) (authz.Decision, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		return authz.Decision{}, fmt.Errorf("%w: no bundle loaded", authz.ErrEngineDegraded)
	}

	inputMap := toInputMap(in)

	results, err := prepared.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		if ctx.Err() != nil {
			return authz.Decision{}, fmt.Errorf("%w: %v", authz.ErrEngineTimeout, err)
		}
		return authz.Decision{}, fmt.Errorf("policy evaluation failed: %w", err)
	}

	return parseResults(results, in, e.Version())
}

// toInputMap builds the JSON-ish map OPA evaluates against. Only
// authorization-relevant fields are exposed; Parameters pass through
// verbatim so Rego policies can inspect tool arguments directly.
func toInputMap(in authz.AuthorizationInput) map[string]any {
	m := map[string]any{
		"action": string(in.Action),
		"principal": map[string]any{
			"id":           in.Principal.ID,
			"name":         in.Principal.Name,
			"role":         string(in.Principal.Role),
			"teams":        in.Principal.Teams,
			"attributes":   in.Principal.Attributes,
			"mfa_verified": in.Principal.MFAVerified,
		},
		"resource": map[string]any{
			"kind":        string(in.Resource.Kind),
			"id":          in.Resource.ID,
			"name":        in.Resource.Name,
			"description": in.Resource.Description,
			"sensitivity": string(in.Resource.Sensitivity),
			"tags":        in.Resource.Tags,
			"owner_id":    in.Resource.OwnerID,
			"team_owners": in.Resource.TeamOwners,
			"environment": string(in.Resource.Environment),
		},
		"parameters":     in.Parameters,
		"policy_version": in.PolicyVersion,
		"context": map[string]any{
			"client_ip":  in.Context.ClientIP,
			"session_id": in.Context.SessionID,
			"request_id": in.Context.RequestID,
		},
	}
	if in.Context.Geo != nil {
		m["context"].(map[string]any)["geo"] = map[string]any{
			"country": in.Context.Geo.Country,
			"region":  in.Context.Geo.Region,
		}
	}
	return m
}

// parseResults extracts a Decision out of the raw rego.ResultSet. An
// absent or malformed decision object is treated as an engine fault, fail
// closed (§7): Allow is always false and Error is set so the coordinator
// never caches it.
func parseResults(results rego.ResultSet, in authz.AuthorizationInput, engineVersion string) (authz.Decision, error) {
	now := time.Now().UTC()
	fault := func(reason string) (authz.Decision, error) {
		return authz.Decision{
			Allow:         false,
			Reason:        reason,
			PolicyVersion: engineVersion,
			EvaluatedAt:   now,
			Error:         true,
		}, nil
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return fault("policy produced no decision")
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return fault("policy decision was not an object")
	}

	d := authz.Decision{
		PolicyVersion: engineVersion,
		EvaluatedAt:   now,
	}

	if allow, ok := obj["allow"].(bool); ok {
		d.Allow = allow
	}
	if reason, ok := obj["reason"].(string); ok {
		d.Reason = reason
	}
	if obligations, ok := obj["obligations"].([]interface{}); ok {
		for _, raw := range obligations {
			if s, ok := raw.(string); ok {
				d.Obligations = append(d.Obligations, authz.Obligation(s))
			}
		}
	}
	if violations, ok := obj["violations"].([]interface{}); ok {
		for _, raw := range violations {
			v, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			rv := authz.RuleViolation{}
			if id, ok := v["rule_id"].(string); ok {
				rv.RuleID = id
			}
			if msg, ok := v["message"].(string); ok {
				rv.Message = msg
			}
			d.Violations = append(d.Violations, rv)
		}
	}

	if filtered, ok := obj["filtered_parameters"].(map[string]interface{}); ok {
		d.FilteredParameters = filtered
	} else {
		// The bundle did not assign filtered_parameters at all; §4.2
		// defines it as starting from input.parameters, so default to a
		// verbatim pass-through rather than dropping it silently.
		d.FilteredParameters = in.Parameters
	}

	// Belt-and-suspenders: enforce redact_secrets even against a bundle
	// that sets the obligation without filtering the values itself.
	if d.HasObligation(authz.ObligationRedactSecrets) {
		d.FilteredParameters = authz.RedactSecrets(d.FilteredParameters)
	}

	return d, nil
}

func versionOf(modules map[string]string) string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(modules[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Compile-time interface verification.
var _ domainengine.Engine = (*Engine)(nil)
