// Package fingerprint computes the stable content hash that keys the
// decision cache (§4.1). It depends only on the authz domain types and the
// standard library so both the cache adapter and the authorization
// coordinator can share one implementation without an import cycle.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
)

// Fingerprint is a 128-bit content hash, rendered as lowercase hex per §6's
// wire format for DecisionRecord.InputFingerprint.
type Fingerprint [16]byte

// String renders the fingerprint as lowercase hex.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// MarshalText encodes the fingerprint as lowercase hex, so a JSON-encoded
// decision record carries it in that form.
func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

// UnmarshalText decodes the lowercase hex form produced by MarshalText.
func (f *Fingerprint) UnmarshalText(text []byte) error {
	if len(text) != 2*len(f) {
		return fmt.Errorf("fingerprint: want %d hex characters, got %d", 2*len(f), len(text))
	}
	_, err := hex.Decode(f[:], text)
	return err
}

// IsZero reports whether the fingerprint is the zero value.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// canonical is the deterministic, order-independent projection of an
// AuthorizationInput that feeds the hash. Only authorization-relevant
// fields are included: request timestamp and request ID are deliberately
// excluded so that two logically identical requests collapse to the same
// fingerprint (§4.1, §8 property 3).
type canonical struct {
	PrincipalID      string         `json:"principal_id"`
	Action           authz.Action   `json:"action"`
	ResourceKind     authz.ResourceKind `json:"resource_kind"`
	ResourceID       string         `json:"resource_id"`
	Parameters       map[string]any `json:"parameters"`
	PolicyVersion    string         `json:"policy_version"`
	AttributesHash   string         `json:"attributes_hash"`
	Teams            []string       `json:"teams"`
	MFAVerified      bool           `json:"mfa_verified"`
	GeoCountry       string         `json:"geo_country,omitempty"`
}

// Of computes the fingerprint for an input. It is deterministic: the same
// logical request (irrespective of map key order or untracked context
// fields like timestamp/request_id) always produces the same bytes.
func Of(in authz.AuthorizationInput) Fingerprint {
	teams := append([]string(nil), in.Principal.Teams...)
	sort.Strings(teams)

	c := canonical{
		PrincipalID:    in.Principal.ID,
		Action:         in.Action,
		ResourceKind:   in.Resource.Kind,
		ResourceID:     in.Resource.ID,
		Parameters:     in.Parameters,
		PolicyVersion:  in.PolicyVersion,
		AttributesHash: hashAttributes(in.Principal.Attributes),
		Teams:          teams,
		MFAVerified:    in.Principal.MFAVerified,
	}
	if in.Context.Geo != nil {
		c.GeoCountry = in.Context.Geo.Country
	}

	// json.Marshal sorts map keys for map[string]any, giving us the
	// "stable JSON of parameters with keys sorted" requirement in §4.1
	// without a custom canonicalizer.
	data, err := json.Marshal(canonicalize(c))
	if err != nil {
		// Parameters failing to marshal would already have been rejected
		// by AuthorizationInput.Validate; this path only matters for
		// values that bypass validation in tests. Fall back to hashing
		// the action/resource/principal tuple alone so the cache still
		// behaves deterministically rather than panicking.
		data, _ = json.Marshal(struct {
			PrincipalID string
			Action      authz.Action
			ResourceID  string
		}{c.PrincipalID, c.Action, c.ResourceID})
	}

	sum := sha256.Sum256(data)
	var fp Fingerprint
	copy(fp[:], sum[:16])
	return fp
}

// canonicalize recursively replaces map[string]any with a sorted-key
// representation so json.Marshal's (already key-sorted) output is robust
// even against nested maps with non-string-comparable value types.
func canonicalize(c canonical) canonical {
	c.Parameters = canonicalizeValue(c.Parameters).(map[string]any)
	return c
}

func canonicalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = canonicalizeValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = canonicalizeValue(vv)
		}
		return out
	default:
		return v
	}
}

// hashAttributes produces a stable short hash of the principal's attribute
// map so that attribute order/type never affects the fingerprint while
// still distinguishing different attribute sets.
func hashAttributes(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	data, err := json.Marshal(canonicalizeValue(attrs))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
