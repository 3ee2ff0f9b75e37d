package handlers

import (
	"net/http"
	"time"
)

// Health handles GET /health. It reports process liveness, the resident
// model set, and runtime memory; the supervisor polls it.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	mem, estimate := h.Manager.Memory()
	loaded := h.Manager.Loaded()
	names := make([]string, 0, len(loaded))
	for _, m := range loaded {
		names = append(names, m.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.Started).Seconds()),
		"loaded_models":  names,
		"memory": map[string]any{
			"active_gb":   mem.ActiveGB,
			"peak_gb":     mem.PeakGB,
			"cache_gb":    mem.CacheGB,
			"estimate_gb": estimate,
			"limit_gb":    h.Cfg.Models.MaxModelMemoryGB,
		},
	})
}

// Memory handles GET {prefix}/memory with just the memory block.
func (h *Handlers) Memory(w http.ResponseWriter, r *http.Request) {
	mem, estimate := h.Manager.Memory()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_gb":   mem.ActiveGB,
		"peak_gb":     mem.PeakGB,
		"cache_gb":    mem.CacheGB,
		"estimate_gb": estimate,
		"limit_gb":    h.Cfg.Models.MaxModelMemoryGB,
	})
}
