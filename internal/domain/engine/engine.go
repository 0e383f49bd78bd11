// Package engine defines the policy engine contract (C2, §4.2): the
// boundary between the authorization coordinator and whatever evaluates
// the Rego policy bundle. The interface lives in the domain package,
// matching the teacher's policy.PolicyEngine pattern: callers depend on
// this interface, never on the concrete OPA-backed implementation.
package engine

import (
	"context"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
)

// Engine evaluates an AuthorizationInput against the loaded policy bundle.
// Implementations must be safe for concurrent use and must never block
// past the caller-supplied context deadline (§5 watchdog timeout).
type Engine interface {
	// Evaluate runs the loaded policy against in. A non-nil error means the
	// engine itself faulted (compile error, timeout, panic recovered) —
	// distinct from a policy-level deny, which is expressed as
	// Decision.Allow == false with Decision.Error == false.
	Evaluate(ctx context.Context, in authz.AuthorizationInput) (authz.Decision, error)

	// Load installs a new policy bundle, atomically swapping it in only
	// after it validates (§4.2 "Bundle reload"). On failure the
	// previously-installed bundle remains active and Load returns an error
	// wrapping authz.ErrBundleRejected.
	Load(ctx context.Context, bundlePath string) error

	// Version returns the identifier of the currently active bundle, used
	// to tag cached decisions and stamp DecisionRecord.PolicyVersion.
	Version() string

	// Ready reports whether a policy bundle is currently loaded and the
	// engine can evaluate requests.
	Ready() bool
}
