package service

import (
	"log/slog"

	"github.com/mcp-guard/mcp-guard/internal/domain/cache"
)

// InvalidationController implements the invalidation control surface
// (C6, §4.6): idempotent handlers that translate external change events
// (a policy reload, a principal's roles changing, a resource's
// sensitivity changing) into targeted cache invalidation, without ever
// needing to scan the whole cache for the common cases.
type InvalidationController struct {
	cache  cache.Cache
	logger *slog.Logger
}

// NewInvalidationController constructs a controller over the given cache.
func NewInvalidationController(c cache.Cache, logger *slog.Logger) *InvalidationController {
	return &InvalidationController{cache: c, logger: logger}
}

// OnPolicyUpdated invalidates every cached decision tagged with
// policyVersion — the version being replaced, not the new one — since a
// newly-loaded bundle invalidates all decisions cached under the old
// version. Idempotent: calling it twice with the same version is a no-op
// after the first call.
func (c *InvalidationController) OnPolicyUpdated(policyVersion string) {
	c.cache.InvalidateByPolicyVersion(policyVersion)
	if c.logger != nil {
		c.logger.Info("invalidated cache for policy version", "policy_version", policyVersion)
	}
}

// OnPrincipalChanged invalidates every cached decision for principalID —
// used when a principal's roles, teams, or MFA state change in a way
// that could alter past decisions.
func (c *InvalidationController) OnPrincipalChanged(principalID string) {
	c.cache.InvalidateByPrincipal(principalID)
	if c.logger != nil {
		c.logger.Info("invalidated cache for principal", "principal_id", principalID)
	}
}

// OnResourceChanged only logs the change; it removes no cache entry. The
// cache's secondary indices are keyed by principal and policy version, not
// by resource, and a MatchPredicate cannot see the resource, so decisions
// that touched resourceID stay cached until their TTL expires (short for
// sensitive resources) or another invalidation removes them.
func (c *InvalidationController) OnResourceChanged(resourceID string) {
	if c.logger != nil {
		c.logger.Debug("resource change observed; relying on TTL expiry", "resource_id", resourceID)
	}
}

// BulkFlush drops the entire decision cache — used for disaster recovery
// or when the scope of a change cannot be bounded by the other handlers.
func (c *InvalidationController) BulkFlush() {
	c.cache.BulkFlush()
	if c.logger != nil {
		c.logger.Warn("decision cache bulk flush executed")
	}
}
