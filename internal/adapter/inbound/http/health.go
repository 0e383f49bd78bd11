package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mcp-guard/mcp-guard/internal/domain/cache"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// SinkHealth is the subset of the decision sink's counters the health
// checker needs, satisfied by *service.DecisionSinkService.
type SinkHealth interface {
	ChannelDepth() int
	ChannelCapacity() int
	DroppedRecords() int64
}

// EngineHealth is the subset of the engine's status the health checker
// needs, satisfied by any domain/engine.Engine implementation.
type EngineHealth interface {
	Ready() bool
	Version() string
}

// HealthChecker reports the C1/C2/C5 component health §12 requires:
// cache size vs capacity, audit channel depth vs capacity (degrading past
// 90% full, exactly as the teacher's audit channel check does), and the
// active bundle version.
type HealthChecker struct {
	cache   cache.Cache
	sink    SinkHealth
	engine  EngineHealth
	version string
}

// NewHealthChecker creates a HealthChecker. Pass nil for sink/engine if
// not yet wired (e.g. during early boot).
func NewHealthChecker(c cache.Cache, sink SinkHealth, engine EngineHealth, version string) *HealthChecker {
	return &HealthChecker{cache: c, sink: sink, engine: engine, version: version}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.cache != nil {
		stats := h.cache.Stats()
		checks["cache"] = fmt.Sprintf("size=%d/%d", stats.Size, stats.Capacity)
	} else {
		checks["cache"] = "not configured"
	}

	if h.engine != nil {
		if h.engine.Ready() {
			checks["engine"] = "ready version=" + h.engine.Version()
		} else {
			checks["engine"] = "not ready"
			healthy = false
		}
	} else {
		checks["engine"] = "not configured"
	}

	if h.sink != nil {
		depth := h.sink.ChannelDepth()
		capacity := h.sink.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.sink.DroppedRecords(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the /healthz endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
