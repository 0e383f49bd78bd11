package fingerprint

import (
	"testing"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
)

func baseInput() authz.AuthorizationInput {
	return authz.AuthorizationInput{
		Principal: authz.Principal{
			ID:    "u1",
			Teams: []string{"platform", "sre"},
		},
		Action: authz.ActionToolInvoke,
		Resource: authz.Resource{
			Kind: authz.ResourceTool,
			ID:   "deploy",
		},
		Parameters:    map[string]any{"env": "prod", "force": true},
		PolicyVersion: "v1",
	}
}

func TestOf_DeterministicAcrossMapKeyOrder(t *testing.T) {
	a := baseInput()
	b := baseInput()
	b.Parameters = map[string]any{"force": true, "env": "prod"}

	if Of(a) != Of(b) {
		t.Error("fingerprints differ for logically identical parameter maps with different key order")
	}
}

func TestOf_IgnoresTimestampAndRequestID(t *testing.T) {
	a := baseInput()
	a.Context.RequestID = "req-1"
	b := baseInput()
	b.Context.RequestID = "req-2"

	if Of(a) != Of(b) {
		t.Error("fingerprint must not depend on request ID or timestamp (§4.1)")
	}
}

func TestOf_IgnoresTeamOrder(t *testing.T) {
	a := baseInput()
	a.Principal.Teams = []string{"sre", "platform"}
	b := baseInput()
	b.Principal.Teams = []string{"platform", "sre"}

	if Of(a) != Of(b) {
		t.Error("fingerprint must not depend on team slice order")
	}
}

func TestOf_DiffersOnPrincipal(t *testing.T) {
	a := baseInput()
	b := baseInput()
	b.Principal.ID = "u2"

	if Of(a) == Of(b) {
		t.Error("different principals must not collapse to the same fingerprint")
	}
}

func TestOf_DiffersOnAction(t *testing.T) {
	a := baseInput()
	b := baseInput()
	b.Action = authz.ActionToolList

	if Of(a) == Of(b) {
		t.Error("different actions must not collapse to the same fingerprint")
	}
}

func TestOf_DiffersOnResource(t *testing.T) {
	a := baseInput()
	b := baseInput()
	b.Resource.ID = "other-tool"

	if Of(a) == Of(b) {
		t.Error("different resource IDs must not collapse to the same fingerprint")
	}
}

func TestOf_DiffersOnPolicyVersion(t *testing.T) {
	a := baseInput()
	b := baseInput()
	b.PolicyVersion = "v2"

	if Of(a) == Of(b) {
		t.Error("different policy versions must not collapse to the same fingerprint")
	}
}

func TestOf_DiffersOnAttributes(t *testing.T) {
	a := baseInput()
	a.Principal.Attributes = map[string]any{"clearance": "high"}
	b := baseInput()
	b.Principal.Attributes = map[string]any{"clearance": "low"}

	if Of(a) == Of(b) {
		t.Error("different attribute values must not collapse to the same fingerprint")
	}
}

func TestOf_NestedParametersCanonicalized(t *testing.T) {
	a := baseInput()
	a.Parameters = map[string]any{
		"outer": map[string]any{"b": 2, "a": 1},
	}
	b := baseInput()
	b.Parameters = map[string]any{
		"outer": map[string]any{"a": 1, "b": 2},
	}

	if Of(a) != Of(b) {
		t.Error("nested map key order must not affect the fingerprint")
	}
}

func TestFingerprint_StringAndIsZero(t *testing.T) {
	var zero Fingerprint
	if !zero.IsZero() {
		t.Error("zero-value Fingerprint should report IsZero")
	}

	fp := Of(baseInput())
	if fp.IsZero() {
		t.Error("a real fingerprint should not be zero")
	}
	if len(fp.String()) != 32 {
		t.Errorf("String() len = %d, want 32 (16 bytes hex-encoded)", len(fp.String()))
	}
}
