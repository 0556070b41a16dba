package admin

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/sadewadee/wpsuper/internal/manager"
)

var startTime = time.Now()

// HealthHandler serves liveness and readiness endpoints across every pool
// owned by the manager.
type HealthHandler struct {
	mgr *manager.Manager
}

// NewHealthHandler creates a new health check handler.
func NewHealthHandler(mgr *manager.Manager) *HealthHandler {
	return &HealthHandler{mgr: mgr}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ready", "/readyz":
		h.readiness(w)
	default:
		h.liveness(w)
	}
}

func (h *HealthHandler) liveness(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(startTime).String(),
	})
}

func (h *HealthHandler) readiness(w http.ResponseWriter) {
	pools := h.mgr.Pools()
	ready := len(pools) > 0

	poolStats := make(map[string]interface{}, len(pools))
	for name, p := range pools {
		s := p.Stats()
		if s.Active == 0 {
			ready = false
		}
		poolStats[name] = map[string]interface{}{
			"total":        s.Total,
			"startup":      s.Startup,
			"active":       s.Active,
			"maint":        s.Maint,
			"shutdown":     s.Shutdown,
			"active_reqs":  s.NumActiveRequests,
		}
	}

	status := http.StatusOK
	statusStr := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		statusStr = "not_ready"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         statusStr,
		"uptime":         time.Since(startTime).String(),
		"uptime_seconds": time.Since(startTime).Seconds(),
		"pools":          poolStats,
		"memory": map[string]interface{}{
			"alloc_mb":  mem.Alloc / 1024 / 1024,
			"sys_mb":    mem.Sys / 1024 / 1024,
			"gc_cycles": mem.NumGC,
		},
		"go_version": runtime.Version(),
		"goroutines": runtime.NumGoroutine(),
	})
}
