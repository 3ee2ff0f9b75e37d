// Package router maps caller identity to a model. Resolution order is
// strict: an explicit whitelisted model in the request wins, then a
// per-user override for the calling service, then the user's wildcard
// override, then the service's configured model, then the global default.
// The literal "default" is a routing request, not a model name, and an
// explicit model outside the whitelist falls through to the later rules.
package router

import (
	"sort"
	"strings"
	"sync"

	"github.com/libraxisai/lbrxserve/registry"
	"github.com/libraxisai/lbrxserve/types"
)

// Source names where a routing decision came from.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceOverride Source = "user_override"
	SourceService  Source = "service"
	SourceDefault  Source = "default"
)

// Wildcard matches any service in a user override.
const Wildcard = "*"

// DefaultServiceModels is the production service-to-model table.
func DefaultServiceModels() map[string]string {
	return map[string]string{
		"vista":       "qwen3-14b",
		"forkmeASAPp": "deepseek-coder",
		"anydatanext": "qwen3-14b",
		"lbrxvoice":   "phi-3",
		"whisplbrx":   "whisper-large-v3",
		"default":     "default",
	}
}

// DefaultFallbacks is the production degradation chain.
func DefaultFallbacks() map[string]string {
	return map[string]string{
		"qwen3-14b":      "mistral-7b",
		"mistral-7b":     "llama-3.2-3b",
		"deepseek-coder": "qwen3-14b",
		"phi-3":          "llama-3.2-1b",
	}
}

// keyPrefixes maps API key prefixes to service names. Longer prefixes are
// matched first.
var keyPrefixes = map[string]string{
	"vista": "vista",
	"vis":   "vista",
	"whisp": "whisplbrx",
	"whi":   "whisplbrx",
	"fork":  "forkmeASAPp",
	"for":   "forkmeASAPp",
	"data":  "anydatanext",
	"any":   "anydatanext",
	"voice": "lbrxvoice",
	"lbrx":  "lbrxvoice",
}

// Decision is the outcome of a routing call.
type Decision struct {
	Model  string
	Source Source
}

// Router resolves routing decisions. Service and fallback tables are fixed
// at construction; user overrides are mutable at runtime.
type Router struct {
	reg          *registry.Registry
	defaultModel string
	services     map[string]string
	fallbacks    map[string]string

	mu        sync.RWMutex
	overrides map[string]map[string]string
}

// New creates a Router. Nil tables select the production defaults.
func New(reg *registry.Registry, defaultModel string, services, fallbacks map[string]string) *Router {
	if services == nil {
		services = DefaultServiceModels()
	}
	if fallbacks == nil {
		fallbacks = DefaultFallbacks()
	}
	return &Router{
		reg:          reg,
		defaultModel: defaultModel,
		services:     services,
		fallbacks:    fallbacks,
		overrides:    make(map[string]map[string]string),
	}
}

// ServiceForKey derives the calling service from an API key, after stripping
// an optional "Bearer " prefix. Unrecognized keys map to "default".
func ServiceForKey(key string) string {
	key = strings.TrimPrefix(key, "Bearer ")
	// Longest prefix first so "vista" wins over "vis".
	prefixes := make([]string, 0, len(keyPrefixes))
	for p := range keyPrefixes {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return keyPrefixes[p]
		}
	}
	return "default"
}

// Route resolves the model for a request. explicit may be empty or the
// sentinel "default"; both ask the router to decide. An explicit model
// outside the catalog also falls through to the override, service, and
// default rules instead of failing the request.
func (r *Router) Route(explicit, user, service string) (Decision, error) {
	if explicit != "" && explicit != "default" {
		if d, ok := r.reg.Resolve(explicit); ok {
			return Decision{Model: d.Name, Source: SourceExplicit}, nil
		}
	}

	if user != "" {
		r.mu.RLock()
		byService := r.overrides[user]
		var override string
		if byService != nil {
			if m, ok := byService[service]; ok {
				override = m
			} else if m, ok := byService[Wildcard]; ok {
				override = m
			}
		}
		r.mu.RUnlock()
		if override != "" {
			if d, ok := r.reg.Resolve(override); ok {
				return Decision{Model: d.Name, Source: SourceOverride}, nil
			}
		}
	}

	if m, ok := r.services[service]; ok {
		if d, ok := r.reg.Resolve(m); ok {
			return Decision{Model: d.Name, Source: SourceService}, nil
		}
	}
	if m, ok := r.services["default"]; ok {
		if d, ok := r.reg.Resolve(m); ok {
			return Decision{Model: d.Name, Source: SourceService}, nil
		}
	}

	d, ok := r.reg.Resolve(r.defaultModel)
	if !ok {
		return Decision{}, types.NewError(types.ErrModelNotFound,
			"default model not in catalog: "+r.defaultModel)
	}
	return Decision{Model: d.Name, Source: SourceDefault}, nil
}

// Fallback returns the degradation target for model, if one is configured
// and resolvable.
func (r *Router) Fallback(model string) (string, bool) {
	d, ok := r.reg.Resolve(model)
	if !ok {
		return "", false
	}
	next, ok := r.fallbacks[d.Name]
	if !ok {
		return "", false
	}
	nd, ok := r.reg.Resolve(next)
	if !ok {
		return "", false
	}
	return nd.Name, true
}

// SetOverride pins a model for a user and service. Service may be Wildcard.
// The model must resolve in the catalog.
func (r *Router) SetOverride(user, service, model string) error {
	d, ok := r.reg.Resolve(model)
	if !ok {
		return types.NewError(types.ErrModelNotAdmissible, "model not in catalog: "+model)
	}
	if service == "" {
		service = Wildcard
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overrides[user] == nil {
		r.overrides[user] = make(map[string]string)
	}
	r.overrides[user][service] = d.Name
	return nil
}

// ClearOverride removes a user's override for a service, or all of the
// user's overrides when service is empty.
func (r *Router) ClearOverride(user, service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if service == "" {
		delete(r.overrides, user)
		return
	}
	if byService := r.overrides[user]; byService != nil {
		delete(byService, service)
		if len(byService) == 0 {
			delete(r.overrides, user)
		}
	}
}

// Overrides returns a copy of the user's override table.
func (r *Router) Overrides(user string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byService := r.overrides[user]
	if len(byService) == 0 {
		return nil
	}
	out := make(map[string]string, len(byService))
	for k, v := range byService {
		out[k] = v
	}
	return out
}
