package http

import (
	"context"
	"net/http"
)

// Reloader is the subset of the policy engine's reload path the admin
// endpoint depends on: load a new bundle, then invalidate every decision
// cached under the version being replaced (§4.4, §12 bundle hot-reload).
type Reloader interface {
	Load(ctx context.Context, bundlePath string) error
	Version() string
}

// CacheInvalidator invalidates cached decisions tied to a policy version.
type CacheInvalidator interface {
	OnPolicyUpdated(policyVersion string)
}

type reloadRequest struct {
	BundlePath string `json:"bundle_path"`
}

type reloadResponse struct {
	PreviousVersion string `json:"previous_version"`
	CurrentVersion  string `json:"current_version"`
}

// HandleReload processes POST /api/v1/admin/reload: an operator-triggered
// bundle reload (§10.3 reload.go, §12). It is not on the authorize hot
// path and is expected to be called rarely, from a CLI or deploy hook.
func (h *Handler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		h.respondError(w, http.StatusServiceUnavailable, "reload not configured")
		return
	}

	var req reloadRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.BundlePath == "" {
		h.respondError(w, http.StatusBadRequest, "bundle_path is required")
		return
	}

	previous := h.reloader.Version()
	if err := h.reloader.Load(r.Context(), req.BundlePath); err != nil {
		h.logger.Error("bundle reload failed", "error", err, "bundle_path", req.BundlePath)
		h.respondError(w, http.StatusBadRequest, "bundle reload failed: "+err.Error())
		return
	}

	if h.invalidator != nil && previous != "" {
		h.invalidator.OnPolicyUpdated(previous)
	}

	h.logger.Info("bundle reloaded", "previous_version", previous, "current_version", h.reloader.Version())
	h.respondJSON(w, http.StatusOK, reloadResponse{
		PreviousVersion: previous,
		CurrentVersion:  h.reloader.Version(),
	})
}
