package service

import "testing"

func TestInvalidationController_OnPolicyUpdatedInvalidatesByVersion(t *testing.T) {
	c := newFakeCache()
	var calledWith string
	c.invalidateByPolicyVersionFn = func(v string) { calledWith = v }

	ctrl := NewInvalidationController(c, silentLogger())
	ctrl.OnPolicyUpdated("v1")

	if calledWith != "v1" {
		t.Errorf("InvalidateByPolicyVersion called with %q, want v1", calledWith)
	}
}

func TestInvalidationController_OnPrincipalChangedInvalidatesByPrincipal(t *testing.T) {
	c := newFakeCache()
	var calledWith string
	c.invalidateByPrincipalFn = func(p string) { calledWith = p }

	ctrl := NewInvalidationController(c, silentLogger())
	ctrl.OnPrincipalChanged("alice")

	if calledWith != "alice" {
		t.Errorf("InvalidateByPrincipal called with %q, want alice", calledWith)
	}
}

func TestInvalidationController_OnResourceChangedIsNoOp(t *testing.T) {
	c := newFakeCache()
	ctrl := NewInvalidationController(c, silentLogger())
	// Should not touch the cache at all; relies on TTL expiry.
	ctrl.OnResourceChanged("res-1")
	if len(c.entries) != 0 {
		t.Errorf("expected no cache mutation, got %d entries", len(c.entries))
	}
}

func TestInvalidationController_BulkFlushClearsCache(t *testing.T) {
	c := newFakeCache()
	c.Put(fp(1), allowDecisionForTest(), 0, "alice", "v1")

	ctrl := NewInvalidationController(c, silentLogger())
	ctrl.BulkFlush()

	if len(c.entries) != 0 {
		t.Errorf("expected BulkFlush to clear the cache, got %d entries", len(c.entries))
	}
}
