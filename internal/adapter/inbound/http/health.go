package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"github.com/llm-dev-ops/policy-engine/internal/service"
)

// HealthResponse is the JSON response from the /healthz endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// HealthChecker verifies component health.
type HealthChecker struct {
	engine     *service.Engine
	cache      *service.DecisionCache
	dispatcher *service.RecordDispatcher
	version    string
}

// NewHealthChecker creates a HealthChecker with optional components.
// Pass nil for components that aren't available.
func NewHealthChecker(
	engine *service.Engine,
	cache *service.DecisionCache,
	dispatcher *service.RecordDispatcher,
	version string,
) *HealthChecker {
	return &HealthChecker{
		engine:     engine,
		cache:      cache,
		dispatcher: dispatcher,
		version:    version,
	}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check() HealthResponse {
	checks := make(map[string]string)
	healthy := true

	// Check the active corpus. An engine with zero policies still serves
	// (everything allows), so this is informational only.
	if h.engine != nil {
		checks["policies"] = fmt.Sprintf("%d active", h.engine.PolicyCount())
	} else {
		checks["policies"] = "not configured"
	}

	if h.cache != nil {
		stats := h.cache.Stats()
		checks["cache"] = fmt.Sprintf("ok: %d entries, hit rate %.2f", stats.Entries, stats.HitRate)
	} else {
		checks["cache"] = "disabled"
	}

	// Check dispatcher queue depth
	if h.dispatcher != nil {
		depth := h.dispatcher.ChannelDepth()
		capacity := h.dispatcher.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}

		if percentFull > 90 {
			// >90% full is unhealthy - the sink is not keeping up
			checks["record_sink"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["record_sink"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}

		// Also check dropped records (warning indicator)
		drops := h.dispatcher.DroppedRecords()
		if drops > 0 {
			checks["record_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["record_sink"] = "not configured"
	}

	// Add Go runtime info
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

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

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable) // 503
		} else {
			w.WriteHeader(http.StatusOK) // 200
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
