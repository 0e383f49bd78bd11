// Package service hosts the application services that wire the domain
// ports together: the authorization coordinator (C4), the decision audit
// sink (C5), and the invalidation controller (C6).
package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/cache"
	"github.com/mcp-guard/mcp-guard/internal/domain/classifier"
	"github.com/mcp-guard/mcp-guard/internal/domain/decision"
	"github.com/mcp-guard/mcp-guard/internal/domain/engine"
	"github.com/mcp-guard/mcp-guard/internal/domain/fingerprint"
)

// TTLTable maps a sensitivity level to the decision cache TTL applied to
// allow decisions at that level (§3 sensitivity→TTL table).
type TTLTable map[authz.Sensitivity]time.Duration

// DefaultTTLTable returns the §3 defaults: more sensitive resources get
// shorter-lived cache entries so a policy tightening is felt sooner.
func DefaultTTLTable() TTLTable {
	return TTLTable{
		authz.SensitivityUnset:    120 * time.Second,
		authz.SensitivityLow:      300 * time.Second,
		authz.SensitivityMedium:   180 * time.Second,
		authz.SensitivityHigh:     60 * time.Second,
		authz.SensitivityCritical: 30 * time.Second,
	}
}

func (t TTLTable) ttlFor(s authz.Sensitivity) time.Duration {
	if ttl, ok := t[s]; ok {
		return ttl
	}
	return 120 * time.Second
}

// CoordinatorConfig configures the authorization coordinator.
type CoordinatorConfig struct {
	// EngineTimeout bounds a single policy evaluation (§5 watchdog).
	EngineTimeout time.Duration
	// TTLs assigns cache TTL by sensitivity.
	TTLs TTLTable
	// DegradedThreshold is the number of consecutive engine faults that
	// trips degraded mode (§7).
	DegradedThreshold int
	// Tracer emits an "authorize" span per call and a child "engine.evaluate"
	// span around the policy evaluation, when non-nil (§11 tracing). Left
	// nil, Authorize runs without tracing overhead.
	Tracer oteltrace.Tracer
}

// DefaultCoordinatorConfig returns the §5/§7 defaults: a 50ms engine
// watchdog and degraded mode after 5 consecutive faults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		EngineTimeout:     50 * time.Millisecond,
		TTLs:              DefaultTTLTable(),
		DegradedThreshold: 5,
	}
}

// Sink is the subset of the decision audit sink the coordinator depends
// on, letting tests substitute a fake without pulling in the channel
// machinery of DecisionSinkService.
type Sink interface {
	Record(rec decision.Record)
}

// Coordinator implements the authorization hot path (C4, §4.4): validate,
// fingerprint, consult the cache, fall through to the policy engine on a
// miss, apply the MFA obligation rewrite, populate the cache, and emit a
// decision record — synchronously except for the final audit emission,
// which the sink buffers asynchronously.
type Coordinator struct {
	cache      cache.Cache
	engine     engine.Engine
	classifier classifier.Classifier
	sink       Sink
	logger     *slog.Logger
	cfg        CoordinatorConfig

	consecutiveFaults int
	degradedSince     time.Time
}

// NewCoordinator constructs a Coordinator. A non-positive EngineTimeout
// (50ms) or DegradedThreshold (5) and a nil TTLs table (DefaultTTLTable())
// are replaced with the default shown; other cfg fields are used as given.
func NewCoordinator(c cache.Cache, e engine.Engine, cl classifier.Classifier, sink Sink, logger *slog.Logger, cfg CoordinatorConfig) *Coordinator {
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 50 * time.Millisecond
	}
	if cfg.TTLs == nil {
		cfg.TTLs = DefaultTTLTable()
	}
	if cfg.DegradedThreshold <= 0 {
		cfg.DegradedThreshold = 5
	}
	return &Coordinator{
		cache:      c,
		engine:     e,
		classifier: cl,
		sink:       sink,
		logger:     logger,
		cfg:        cfg,
	}
}

// Authorize runs the full authorization algorithm for in and returns the
// resulting decision. It never panics on a malformed bundle or engine
// fault; those surface as fail-closed Decision values, ErrInvalidInput, or
// ErrEngineDegraded while degraded mode is active.
func (c *Coordinator) Authorize(ctx context.Context, in authz.AuthorizationInput) (authz.Decision, error) {
	if c.cfg.Tracer != nil {
		var span oteltrace.Span
		ctx, span = c.cfg.Tracer.Start(ctx, "authorize")
		defer span.End()
		span.SetAttributes(
			attribute.String("mcpguard.principal_id", in.Principal.ID),
			attribute.String("mcpguard.action", string(in.Action)),
			attribute.String("mcpguard.resource_id", in.Resource.ID),
		)
	}

	now := time.Now().UTC()
	if err := in.Validate(now); err != nil {
		return authz.Decision{}, err
	}

	fp := fingerprint.Of(in)

	if entry, ok := c.cache.Get(fp); ok {
		sensitivity := c.classifier.Classify(in, entry.Decision)
		c.emit(in, fp, entry.Decision, true, 0, sensitivity)
		c.annotateSpan(ctx, entry.Decision, true)
		return entry.Decision, nil
	}

	if c.isDegraded() {
		return authz.Decision{}, authz.ErrEngineDegraded
	}

	start := time.Now()
	evalCtx, cancel := context.WithTimeout(ctx, c.cfg.EngineTimeout)
	defer cancel()

	d, err := c.evaluate(evalCtx, in)
	latency := time.Since(start)

	if err != nil {
		c.noteFault()
		d = authz.Decision{
			Allow:         false,
			Reason:        "policy engine fault: " + err.Error(),
			PolicyVersion: c.engine.Version(),
			EvaluatedAt:   now,
			Error:         true,
		}
		c.emit(in, fp, d, false, latency, authz.SensitivityUnset)
		return d, nil
	}
	c.noteSuccess()

	d = c.applyMFARewrite(in, d)

	sensitivity := authz.SensitivityUnset
	if !d.Error {
		sensitivity = c.classifier.Classify(in, d)
		ttl := c.cfg.TTLs.ttlFor(sensitivity)
		c.cache.Put(fp, d, ttl, in.Principal.ID, d.PolicyVersion)
	}

	c.emit(in, fp, d, false, latency, sensitivity)
	c.annotateSpan(ctx, d, false)
	return d, nil
}

// evaluate wraps the engine call in an "engine.evaluate" child span when
// tracing is enabled, so a slow Rego bundle shows up distinctly from
// cache/classifier overhead in the authorize span tree.
func (c *Coordinator) evaluate(ctx context.Context, in authz.AuthorizationInput) (authz.Decision, error) {
	if c.cfg.Tracer == nil {
		return c.engine.Evaluate(ctx, in)
	}
	ctx, span := c.cfg.Tracer.Start(ctx, "engine.evaluate")
	defer span.End()
	d, err := c.engine.Evaluate(ctx, in)
	if err != nil {
		span.RecordError(err)
	}
	return d, err
}

func (c *Coordinator) annotateSpan(ctx context.Context, d authz.Decision, cacheHit bool) {
	if c.cfg.Tracer == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Bool("mcpguard.allow", d.Allow),
		attribute.Bool("mcpguard.cache_hit", cacheHit),
	)
}

// applyMFARewrite enforces the standardized obligation rewrite (§11,
// §14): an allow decision carrying require_mfa is downgraded to a deny
// when the principal has not completed MFA for this session, rather than
// leaving obligation enforcement to each caller.
func (c *Coordinator) applyMFARewrite(in authz.AuthorizationInput, d authz.Decision) authz.Decision {
	if !d.Allow || !d.HasObligation(authz.ObligationRequireMFA) || in.Principal.MFAVerified {
		return d
	}
	rewritten := d
	rewritten.Allow = false
	rewritten.Reason = "mfa required: " + d.Reason
	return rewritten
}

func (c *Coordinator) emit(in authz.AuthorizationInput, fp fingerprint.Fingerprint, d authz.Decision, cacheHit bool, latency time.Duration, sensitivity authz.Sensitivity) {
	if c.sink == nil {
		return
	}
	c.sink.Record(decision.FromDecision(in, fp, d, cacheHit, latency, sensitivity))
}

func (c *Coordinator) noteFault() {
	c.consecutiveFaults++
	if c.consecutiveFaults >= c.cfg.DegradedThreshold && c.degradedSince.IsZero() {
		c.degradedSince = time.Now()
		if c.logger != nil {
			c.logger.Error("authorization coordinator entering degraded mode",
				"consecutive_faults", c.consecutiveFaults)
		}
	}
}

func (c *Coordinator) noteSuccess() {
	if c.consecutiveFaults > 0 && c.logger != nil && !c.degradedSince.IsZero() {
		c.logger.Info("authorization coordinator leaving degraded mode")
	}
	c.consecutiveFaults = 0
	c.degradedSince = time.Time{}
}

func (c *Coordinator) isDegraded() bool {
	return !c.degradedSince.IsZero()
}
