// Package registry holds the static model catalog: every model the gateway
// may ever load, its aliases, and its resource envelope. The catalog doubles
// as the whitelist; identifiers that do not resolve here are rejected
// upstream and never reach the inference kernel.
package registry

import (
	"fmt"
	"sort"
)

// Kind distinguishes the kernel flavor a model requires.
type Kind string

const (
	KindText   Kind = "llm"
	KindVision Kind = "vlm"
)

// Descriptor is an immutable catalog entry.
type Descriptor struct {
	// Name is the short catalog key, e.g. "qwen3-14b".
	Name string
	// ID is the canonical namespace/name identifier used on disk and on
	// the wire, e.g. "LibraxisAI/Qwen3-14b-MLX-Q5".
	ID string
	// Description is a human-readable summary.
	Description string
	// MemoryGB is the declared memory estimate.
	MemoryGB float64
	// ContextLength is the declared context window in tokens.
	ContextLength int
	// AutoLoad marks the model for loading at startup.
	AutoLoad bool
	// Priority orders auto-loading; lower loads earlier.
	Priority int
	// Kind selects the kernel flavor.
	Kind Kind
}

// Registry resolves names and aliases to descriptors and answers the
// whitelist query. Read-only after construction.
type Registry struct {
	byName  map[string]*Descriptor
	byID    map[string]*Descriptor
	aliases map[string]string
	names   []string
}

// New builds a registry, validating that ids and aliases share a flat
// namespace and are pairwise unique, and that every alias resolves.
func New(descriptors []Descriptor, aliases map[string]string) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]*Descriptor, len(descriptors)),
		byID:    make(map[string]*Descriptor, len(descriptors)),
		aliases: make(map[string]string, len(aliases)),
	}
	for i := range descriptors {
		d := &descriptors[i]
		if d.Name == "" || d.ID == "" {
			return nil, fmt.Errorf("descriptor %q: name and id are required", d.Name)
		}
		if d.MemoryGB <= 0 {
			return nil, fmt.Errorf("descriptor %q: memory estimate must be positive", d.Name)
		}
		if d.ContextLength <= 0 {
			return nil, fmt.Errorf("descriptor %q: context length must be positive", d.Name)
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("duplicate model name %q", d.Name)
		}
		r.byName[d.Name] = d
		r.byID[d.ID] = d
		r.names = append(r.names, d.Name)
	}
	for alias, target := range aliases {
		if _, clash := r.byName[alias]; clash {
			return nil, fmt.Errorf("alias %q collides with a model name", alias)
		}
		if _, ok := r.byName[target]; !ok {
			return nil, fmt.Errorf("alias %q targets unknown model %q", alias, target)
		}
		r.aliases[alias] = target
	}
	sort.Strings(r.names)
	return r, nil
}

// Resolve maps a short name, canonical id, or alias to its descriptor.
// Resolution is idempotent: resolving an already-resolved name returns the
// same descriptor.
func (r *Registry) Resolve(name string) (*Descriptor, bool) {
	if d, ok := r.byName[name]; ok {
		return d, true
	}
	if d, ok := r.byID[name]; ok {
		return d, true
	}
	if target, ok := r.aliases[name]; ok {
		return r.Resolve(target)
	}
	return nil, false
}

// Admissible reports whether the identifier is in the whitelist.
func (r *Registry) Admissible(name string) bool {
	_, ok := r.Resolve(name)
	return ok
}

// AutoLoadSet returns the descriptors flagged for startup loading, ordered
// by ascending priority.
func (r *Registry) AutoLoadSet() []*Descriptor {
	var out []*Descriptor
	for _, name := range r.names {
		if d := r.byName[name]; d.AutoLoad {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Estimate sums the declared memory of the named models, in GB. Unknown
// names contribute zero.
func (r *Registry) Estimate(names []string) float64 {
	var total float64
	for _, n := range names {
		if d, ok := r.Resolve(n); ok {
			total += d.MemoryGB
		}
	}
	return total
}

// Names returns all catalog names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Default returns the production catalog.
func Default() *Registry {
	r, err := New(defaultDescriptors, defaultAliases)
	if err != nil {
		// The built-in catalog is validated by tests; a failure here is a
		// programming error.
		panic(err)
	}
	return r
}

var defaultDescriptors = []Descriptor{
	{
		Name:          "llama-3.2-1b",
		ID:            "mlx-community/Llama-3.2-1B-Instruct-4bit",
		Description:   "Llama 3.2 1B - ultra-fast, minimal resource usage",
		MemoryGB:      2,
		ContextLength: 131072,
		Priority:      10,
		Kind:          KindText,
	},
	{
		Name:          "llama-3.2-3b",
		ID:            "mlx-community/Llama-3.2-3B-Instruct-4bit",
		Description:   "Llama 3.2 3B - good balance of speed and quality",
		MemoryGB:      4,
		ContextLength: 131072,
		Priority:      5,
		Kind:          KindText,
	},
	{
		Name:          "qwen3-14b",
		ID:            "LibraxisAI/Qwen3-14b-MLX-Q5",
		Description:   "Qwen3 14B Q5 - premium quality, excellent reasoning",
		MemoryGB:      10,
		ContextLength: 32768,
		AutoLoad:      true,
		Priority:      1,
		Kind:          KindText,
	},
	{
		Name:          "mistral-7b",
		ID:            "mlx-community/Mistral-7B-Instruct-v0.3-4bit",
		Description:   "Mistral 7B - efficient general-purpose model",
		MemoryGB:      8,
		ContextLength: 32768,
		Priority:      6,
		Kind:          KindText,
	},
	{
		Name:          "phi-3",
		ID:            "mlx-community/Phi-3.5-mini-instruct-4bit",
		Description:   "Phi 3.5 Mini - efficient small model",
		MemoryGB:      5,
		ContextLength: 131072,
		Priority:      7,
		Kind:          KindText,
	},
	{
		Name:          "deepseek-coder",
		ID:            "mlx-community/DeepSeek-Coder-V2-Lite-Instruct-4bit",
		Description:   "DeepSeek Coder - code generation",
		MemoryGB:      9,
		ContextLength: 131072,
		Priority:      4,
		Kind:          KindText,
	},
	{
		Name:          "qwq-32b",
		ID:            "LibraxisAI/QwQ-32b-MLX-Q5",
		Description:   "QwQ 32B - deep reasoning",
		MemoryGB:      32,
		ContextLength: 32768,
		Priority:      3,
		Kind:          KindText,
	},
	{
		Name:          "nemotron-49b",
		ID:            "LibraxisAI/Nemotron-49b-MLX-Q5",
		Description:   "Nemotron 49B - medical and general reasoning",
		MemoryGB:      49,
		ContextLength: 131072,
		Priority:      2,
		Kind:          KindText,
	},
	{
		Name:          "c4ai-03-2025",
		ID:            "LibraxisAI/c4ai-command-a-03-2025-MLX-Q5",
		Description:   "Command A 03-2025 - medical specialist",
		MemoryGB:      85,
		ContextLength: 262144,
		Priority:      8,
		Kind:          KindText,
	},
	{
		Name:          "llama-vision",
		ID:            "mlx-community/Llama-3.2-11B-Vision-Instruct-4bit",
		Description:   "Llama 3.2 Vision - multimodal understanding",
		MemoryGB:      12,
		ContextLength: 131072,
		Priority:      9,
		Kind:          KindVision,
	},
	{
		Name:          "qwen-vl",
		ID:            "mlx-community/Qwen2-VL-2B-Instruct-4bit",
		Description:   "Qwen2 VL - efficient vision-language model",
		MemoryGB:      4,
		ContextLength: 32768,
		Priority:      11,
		Kind:          KindVision,
	},
}

var defaultAliases = map[string]string{
	"default":     "qwen3-14b",
	"fast":        "llama-3.2-1b",
	"vision":      "llama-vision",
	"qwen":        "qwen3-14b",
	"qwen3":       "qwen3-14b",
	"llama":       "llama-3.2-3b",
	"llama-small": "llama-3.2-1b",
	"mistral":     "mistral-7b",
	"phi":         "phi-3",
}
