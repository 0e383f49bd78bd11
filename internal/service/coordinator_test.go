package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/mcp-guard/mcp-guard/internal/domain/authz"
	"github.com/mcp-guard/mcp-guard/internal/domain/cache"
	"github.com/mcp-guard/mcp-guard/internal/domain/classifier"
	"github.com/mcp-guard/mcp-guard/internal/domain/decision"
	"github.com/mcp-guard/mcp-guard/internal/domain/fingerprint"
)

// fakeCache is a minimal in-memory cache.Cache for coordinator and
// invalidation-controller tests; it does not implement TTL expiry or
// eviction, only what the services under test exercise. The invalidateBy*Fn
// hooks let a test observe which key a controller method was called with.
type fakeCache struct {
	entries map[fingerprint.Fingerprint]cache.Entry
	puts    int

	invalidateByPrincipalFn     func(string)
	invalidateByPolicyVersionFn func(string)
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[fingerprint.Fingerprint]cache.Entry)}
}

func (f *fakeCache) Get(fp fingerprint.Fingerprint) (cache.Entry, bool) {
	e, ok := f.entries[fp]
	return e, ok
}

func (f *fakeCache) Put(fp fingerprint.Fingerprint, d authz.Decision, ttl time.Duration, principalID, policyVersion string) {
	f.puts++
	f.entries[fp] = cache.Entry{
		Fingerprint:   fp,
		Decision:      d,
		PrincipalID:   principalID,
		PolicyVersion: policyVersion,
		ExpiresAt:     time.Now().Add(ttl),
	}
}

func (f *fakeCache) Invalidate(fp fingerprint.Fingerprint) { delete(f.entries, fp) }

func (f *fakeCache) InvalidateByPrincipal(principalID string) {
	if f.invalidateByPrincipalFn != nil {
		f.invalidateByPrincipalFn(principalID)
	}
}

func (f *fakeCache) InvalidateByPolicyVersion(policyVersion string) {
	if f.invalidateByPolicyVersionFn != nil {
		f.invalidateByPolicyVersionFn(policyVersion)
	}
}

func (f *fakeCache) InvalidateMatching(cache.MatchPredicate) {}
func (f *fakeCache) SweepExpired()                           {}
func (f *fakeCache) BulkFlush()                              { f.entries = make(map[fingerprint.Fingerprint]cache.Entry) }
func (f *fakeCache) Stats() cache.Stats                       { return cache.Stats{Size: len(f.entries)} }

func fp(b byte) fingerprint.Fingerprint {
	var f fingerprint.Fingerprint
	f[0] = b
	return f
}

func allowDecisionForTest() authz.Decision {
	return authz.Decision{Allow: true, Reason: "ok", EvaluatedAt: time.Now().UTC()}
}

// fakeEngine lets each test script a canned response or error.
type fakeEngine struct {
	decision authz.Decision
	err      error
	version  string
	calls    int
}

func (e *fakeEngine) Evaluate(ctx context.Context, in authz.AuthorizationInput) (authz.Decision, error) {
	e.calls++
	if e.err != nil {
		return authz.Decision{}, e.err
	}
	return e.decision, nil
}
func (e *fakeEngine) Load(ctx context.Context, bundlePath string) error { return nil }
func (e *fakeEngine) Version() string                                  { return e.version }
func (e *fakeEngine) Ready() bool                                      { return true }

type fakeClassifier struct {
	sensitivity authz.Sensitivity
}

func (c *fakeClassifier) Classify(in authz.AuthorizationInput, d authz.Decision) authz.Sensitivity {
	return c.sensitivity
}
func (c *fakeClassifier) Reload(cfg classifier.Config) error { return nil }

type fakeSink struct {
	records []decision.Record
}

func (s *fakeSink) Record(rec decision.Record) { s.records = append(s.records, rec) }

func testInput() authz.AuthorizationInput {
	return inputForResource("deploy")
}

func inputForResource(resourceID string) authz.AuthorizationInput {
	return authz.AuthorizationInput{
		Principal: authz.Principal{ID: "alice"},
		Action:    authz.ActionToolInvoke,
		Resource:  authz.Resource{Kind: authz.ResourceTool, ID: resourceID},
	}
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCoordinator_AuthorizeCacheHitSkipsEngine(t *testing.T) {
	c := newFakeCache()
	in := testInput()
	fp := fingerprint.Of(in)
	c.entries[fp] = cache.Entry{Decision: authz.Decision{Allow: true}}

	eng := &fakeEngine{}
	sink := &fakeSink{}
	coord := NewCoordinator(c, eng, &fakeClassifier{}, sink, silentLogger(), DefaultCoordinatorConfig())

	d, err := coord.Authorize(context.Background(), in)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allow {
		t.Error("expected cached allow decision")
	}
	if eng.calls != 0 {
		t.Errorf("engine.Evaluate called %d times, want 0 on cache hit", eng.calls)
	}
	if len(sink.records) != 1 || !sink.records[0].CacheHit {
		t.Errorf("expected one cache-hit audit record, got %+v", sink.records)
	}
}

func TestCoordinator_AuthorizeCacheMissEvaluatesAndCaches(t *testing.T) {
	c := newFakeCache()
	eng := &fakeEngine{decision: authz.Decision{Allow: true, PolicyVersion: "v1", EvaluatedAt: time.Now()}, version: "v1"}
	sink := &fakeSink{}
	coord := NewCoordinator(c, eng, &fakeClassifier{sensitivity: authz.SensitivityLow}, sink, silentLogger(), DefaultCoordinatorConfig())

	in := testInput()
	d, err := coord.Authorize(context.Background(), in)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allow {
		t.Error("expected allow")
	}
	if eng.calls != 1 {
		t.Errorf("engine.Evaluate called %d times, want 1", eng.calls)
	}
	if c.puts != 1 {
		t.Errorf("cache.Put called %d times, want 1", c.puts)
	}
	if len(sink.records) != 1 || sink.records[0].CacheHit {
		t.Errorf("expected one non-cache-hit audit record, got %+v", sink.records)
	}
}

func TestCoordinator_AuthorizeRejectsInvalidInput(t *testing.T) {
	coord := NewCoordinator(newFakeCache(), &fakeEngine{}, &fakeClassifier{}, &fakeSink{}, silentLogger(), DefaultCoordinatorConfig())

	_, err := coord.Authorize(context.Background(), authz.AuthorizationInput{})
	if !errors.Is(err, authz.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestCoordinator_MFARewriteDowngradesUnverifiedAllow(t *testing.T) {
	c := newFakeCache()
	eng := &fakeEngine{decision: authz.Decision{
		Allow:       true,
		Obligations: []authz.Obligation{authz.ObligationRequireMFA},
		EvaluatedAt: time.Now(),
	}}
	sink := &fakeSink{}
	coord := NewCoordinator(c, eng, &fakeClassifier{}, sink, silentLogger(), DefaultCoordinatorConfig())

	in := testInput()
	in.Principal.MFAVerified = false
	d, err := coord.Authorize(context.Background(), in)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allow {
		t.Error("expected MFA rewrite to downgrade allow to deny")
	}
}

func TestCoordinator_MFARewritePassesThroughWhenVerified(t *testing.T) {
	c := newFakeCache()
	eng := &fakeEngine{decision: authz.Decision{
		Allow:       true,
		Obligations: []authz.Obligation{authz.ObligationRequireMFA},
		EvaluatedAt: time.Now(),
	}}
	coord := NewCoordinator(c, eng, &fakeClassifier{}, &fakeSink{}, silentLogger(), DefaultCoordinatorConfig())

	in := testInput()
	in.Principal.MFAVerified = true
	d, err := coord.Authorize(context.Background(), in)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allow {
		t.Error("expected MFA-verified principal to keep the allow decision")
	}
}

func TestCoordinator_EngineFaultReturnsFailClosedDecision(t *testing.T) {
	eng := &fakeEngine{err: errors.New("boom"), version: "v1"}
	sink := &fakeSink{}
	coord := NewCoordinator(newFakeCache(), eng, &fakeClassifier{}, sink, silentLogger(), DefaultCoordinatorConfig())

	d, err := coord.Authorize(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Authorize should not surface engine faults as an error: %v", err)
	}
	if d.Allow {
		t.Error("expected fail-closed deny on engine fault")
	}
	if !d.Error {
		t.Error("expected Decision.Error to be set on engine fault")
	}
}

func TestCoordinator_EntersDegradedModeAfterThreshold(t *testing.T) {
	eng := &fakeEngine{err: errors.New("boom")}
	cfg := DefaultCoordinatorConfig()
	cfg.DegradedThreshold = 2
	coord := NewCoordinator(newFakeCache(), eng, &fakeClassifier{}, &fakeSink{}, silentLogger(), cfg)

	for i := 0; i < 2; i++ {
		if _, err := coord.Authorize(context.Background(), testInput()); err != nil {
			t.Fatalf("Authorize: %v", err)
		}
	}

	_, err := coord.Authorize(context.Background(), testInput())
	if !errors.Is(err, authz.ErrEngineDegraded) {
		t.Errorf("err = %v, want ErrEngineDegraded after %d consecutive faults", err, cfg.DegradedThreshold)
	}
}

func TestCoordinator_FaultCounterResetsOnSuccessBeforeThreshold(t *testing.T) {
	eng := &fakeEngine{err: errors.New("boom")}
	cfg := DefaultCoordinatorConfig()
	cfg.DegradedThreshold = 2
	coord := NewCoordinator(newFakeCache(), eng, &fakeClassifier{}, &fakeSink{}, silentLogger(), cfg)

	if _, err := coord.Authorize(context.Background(), inputForResource("r1")); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	eng.err = nil
	eng.decision = authz.Decision{Allow: true, EvaluatedAt: time.Now()}
	if _, err := coord.Authorize(context.Background(), inputForResource("r2")); err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	eng.err = errors.New("boom again")
	if _, err := coord.Authorize(context.Background(), inputForResource("r3")); err != nil {
		t.Fatalf("single fault after a success should not yet trip degraded mode: %v", err)
	}
}

func TestCoordinator_EmitsSpansWhenTracerConfigured(t *testing.T) {
	eng := &fakeEngine{decision: allowDecisionForTest()}
	cfg := DefaultCoordinatorConfig()
	cfg.Tracer = otel.Tracer("test")
	coord := NewCoordinator(newFakeCache(), eng, &fakeClassifier{}, &fakeSink{}, silentLogger(), cfg)

	d, err := coord.Authorize(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !d.Allow {
		t.Errorf("d.Allow = false, want true")
	}

	// Second call hits the cache; exercises the cache-hit span-annotation
	// path with a real (no-op, since no SDK TracerProvider is configured)
	// tracer.
	if _, err := coord.Authorize(context.Background(), testInput()); err != nil {
		t.Fatalf("Authorize (cache hit): %v", err)
	}
}
