package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/libraxisai/lbrxserve/api"
	"github.com/libraxisai/lbrxserve/manager"
	"github.com/libraxisai/lbrxserve/types"
)

// ListModels handles GET {prefix}/models. The catalog is the source of
// truth; directories in the model cache that are not in the catalog are
// listed too, so operators can see what is on disk.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	loaded := make(map[string]bool)
	for _, m := range h.Manager.Loaded() {
		loaded[m.Name] = true
	}

	created := h.Started.Unix()
	list := api.ModelList{Object: "list"}
	seen := make(map[string]bool)
	for _, name := range h.Registry.Names() {
		d, _ := h.Registry.Resolve(name)
		list.Data = append(list.Data, api.Model{
			ID:      d.ID,
			Object:  "model",
			Created: created,
			OwnedBy: "lbrxserve",
			Loaded:  loaded[d.Name],
		})
		seen[d.ID] = true
	}

	// On-disk extras outside the catalog. Not loadable, but visible.
	if entries, err := os.ReadDir(h.Cfg.Models.Dir); err == nil {
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id := manager.DecodeModelPath(e.Name())
			if seen[id] {
				continue
			}
			list.Data = append(list.Data, api.Model{
				ID:      id,
				Object:  "model",
				Created: created,
				OwnedBy: "local",
			})
		}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetModel handles GET {prefix}/models/{id}. The id may use the on-disk
// "--" encoding in place of "/".
func (h *Handlers) GetModel(w http.ResponseWriter, r *http.Request) {
	id := manager.DecodeModelPath(r.PathValue("id"))
	d, ok := h.Registry.Resolve(id)
	if !ok {
		h.writeError(w, types.NewError(types.ErrModelNotFound, "unknown model: "+id))
		return
	}
	writeJSON(w, http.StatusOK, api.Model{
		ID:      d.ID,
		Object:  "model",
		Created: h.Started.Unix(),
		OwnedBy: "lbrxserve",
		Loaded:  h.Manager.IsLoaded(d.Name),
	})
}

// LoadModel handles POST {prefix}/models/{id}/load.
func (h *Handlers) LoadModel(w http.ResponseWriter, r *http.Request) {
	name := manager.DecodeModelPath(r.PathValue("id"))
	if !h.Preloader.AllowJIT(name) {
		h.writeError(w, types.NewError(types.ErrModelNotAdmissible,
			"model is not in the warm set: "+name))
		return
	}
	start := time.Now()
	if err := h.Manager.Load(r.Context(), name); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "loaded",
		"model":   name,
		"took_ms": time.Since(start).Milliseconds(),
	})
}

// UnloadModel handles POST {prefix}/models/{id}/unload.
func (h *Handlers) UnloadModel(w http.ResponseWriter, r *http.Request) {
	name := manager.DecodeModelPath(r.PathValue("id"))
	if err := h.Manager.Unload(name); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "unloaded",
		"model":  name,
	})
}
