// =============================================================================
// lbrxserve model manager
// =============================================================================
// Owns the loaded-model table and serializes every call into the inference
// runtime behind a single kernel mutex. Loads are idempotent, unloads are
// explicit, and a resident model stays resident until unloaded or shutdown.
// =============================================================================
package manager

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/libraxisai/lbrxserve/kernel"
	"github.com/libraxisai/lbrxserve/registry"
	"github.com/libraxisai/lbrxserve/types"
)

// MemoryGauge receives per-model memory updates for the metrics exporter.
type MemoryGauge interface {
	SetModelMemory(model string, gb float64)
}

// ModelStatus is a snapshot of one loaded model.
type ModelStatus struct {
	Name     string    `json:"name"`
	ID       string    `json:"id"`
	MemoryGB float64   `json:"memory_gb"`
	LoadedAt time.Time `json:"loaded_at"`
	LastUsed time.Time `json:"last_used"`
	Requests int64     `json:"requests"`
}

type loadedModel struct {
	desc     *registry.Descriptor
	model    kernel.Model
	loadedAt time.Time
	lastUsed time.Time
	requests int64
}

// Options configures a Manager.
type Options struct {
	// ModelsDir is the on-disk model cache root.
	ModelsDir string
	// MaxMemoryGB is the soft cap for the resident set. Loads that push the
	// declared estimate past it still proceed, with a warning; nothing is
	// ever evicted to make room.
	MaxMemoryGB float64
	// Gauge is optional.
	Gauge MemoryGauge
}

// Manager serializes model lifecycle and generation.
type Manager struct {
	log      *zap.Logger
	registry *registry.Registry
	runtime  kernel.Runtime
	opts     Options

	// mu is the kernel mutex. It guards loaded and every runtime call, so
	// at most one load or generation is in flight at any time.
	mu     sync.Mutex
	loaded map[string]*loadedModel
}

// New creates a Manager.
func New(log *zap.Logger, reg *registry.Registry, rt kernel.Runtime, opts Options) *Manager {
	return &Manager{
		log:      log.Named("manager"),
		registry: reg,
		runtime:  rt,
		opts:     opts,
		loaded:   make(map[string]*loadedModel),
	}
}

// EncodeModelPath maps a canonical id to its on-disk directory name.
func EncodeModelPath(id string) string {
	return strings.ReplaceAll(id, "/", "--")
}

// DecodeModelPath reverses EncodeModelPath.
func DecodeModelPath(name string) string {
	return strings.ReplaceAll(name, "--", "/")
}

// PathFor returns the on-disk path for a descriptor.
func (m *Manager) PathFor(d *registry.Descriptor) string {
	return filepath.Join(m.opts.ModelsDir, EncodeModelPath(d.ID))
}

// Load resolves name and loads the model if it is not already resident.
// Loading an already-loaded model is a no-op.
func (m *Manager) Load(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.ensureLoadedLocked(ctx, name)
	return err
}

// ensureLoadedLocked resolves and loads under the kernel mutex.
func (m *Manager) ensureLoadedLocked(ctx context.Context, name string) (*loadedModel, error) {
	d, ok := m.registry.Resolve(name)
	if !ok {
		return nil, types.NewError(types.ErrModelNotFound, "unknown model: "+name)
	}
	if lm, ok := m.loaded[d.Name]; ok {
		return lm, nil
	}

	m.warnOverBudgetLocked(d)

	start := time.Now()
	m.log.Info("loading model",
		zap.String("model", d.Name),
		zap.String("id", d.ID),
		zap.Float64("memory_gb", d.MemoryGB))

	model, err := m.runtime.Load(ctx, m.PathFor(d), string(d.Kind))
	if err != nil {
		m.log.Error("model load failed", zap.String("model", d.Name), zap.Error(err))
		return nil, types.NewError(types.ErrLoadFailed, "failed to load "+d.Name).
			WithCause(err).WithRetryable(true)
	}

	lm := &loadedModel{
		desc:     d,
		model:    model,
		loadedAt: time.Now(),
		lastUsed: time.Now(),
	}
	m.loaded[d.Name] = lm
	if m.opts.Gauge != nil {
		m.opts.Gauge.SetModelMemory(d.Name, d.MemoryGB)
	}
	m.log.Info("model loaded",
		zap.String("model", d.Name),
		zap.Duration("took", time.Since(start)))
	return lm, nil
}

// warnOverBudgetLocked flags a load that pushes the declared estimate past
// the soft cap. Residency is persistent, so the load proceeds either way.
func (m *Manager) warnOverBudgetLocked(incoming *registry.Descriptor) {
	if m.opts.MaxMemoryGB <= 0 {
		return
	}
	if est := m.residentEstimateLocked() + incoming.MemoryGB; est > m.opts.MaxMemoryGB {
		m.log.Warn("resident set over memory budget, loading anyway",
			zap.String("model", incoming.Name),
			zap.Float64("estimate_gb", est),
			zap.Float64("budget_gb", m.opts.MaxMemoryGB))
	}
}

func (m *Manager) residentEstimateLocked() float64 {
	var total float64
	for _, lm := range m.loaded {
		total += lm.desc.MemoryGB
	}
	return total
}

func (m *Manager) closeLocked(lm *loadedModel) {
	if err := lm.model.Close(); err != nil {
		m.log.Warn("model close failed", zap.String("model", lm.desc.Name), zap.Error(err))
	}
	delete(m.loaded, lm.desc.Name)
	if m.opts.Gauge != nil {
		m.opts.Gauge.SetModelMemory(lm.desc.Name, 0)
	}
}

// Unload closes a resident model. Unknown or not-loaded names are errors.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.registry.Resolve(name)
	if !ok {
		return types.NewError(types.ErrModelNotFound, "unknown model: "+name)
	}
	lm, ok := m.loaded[d.Name]
	if !ok {
		return types.NewError(types.ErrModelNotFound, "model not loaded: "+d.Name)
	}
	m.closeLocked(lm)
	m.log.Info("model unloaded", zap.String("model", d.Name))
	return nil
}

// UnloadAll closes every resident model. Called on shutdown.
func (m *Manager) UnloadAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lm := range m.loaded {
		m.closeLocked(lm)
	}
}

// IsLoaded reports whether the named model is resident.
func (m *Manager) IsLoaded(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.registry.Resolve(name)
	if !ok {
		return false
	}
	_, ok = m.loaded[d.Name]
	return ok
}

// Loaded returns a snapshot of all resident models, sorted by name.
func (m *Manager) Loaded() []ModelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ModelStatus, 0, len(m.loaded))
	for _, lm := range m.loaded {
		out = append(out, ModelStatus{
			Name:     lm.desc.Name,
			ID:       lm.desc.ID,
			MemoryGB: lm.desc.MemoryGB,
			LoadedAt: lm.loadedAt,
			LastUsed: lm.lastUsed,
			Requests: lm.requests,
		})
	}
	sortStatuses(out)
	return out
}

func sortStatuses(s []ModelStatus) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Name < s[j-1].Name; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// Memory reports runtime memory usage plus the declared resident estimate.
func (m *Manager) Memory() (kernel.MemoryStats, float64) {
	m.mu.Lock()
	est := m.residentEstimateLocked()
	m.mu.Unlock()
	return m.runtime.Memory(), est
}

// StreamGenerate renders the conversation and streams a completion from the
// named model, loading it first when needed. The kernel mutex is held for
// the full duration of the stream, so concurrent generations queue up.
func (m *Manager) StreamGenerate(ctx context.Context, name string, messages []types.Message, opts kernel.GenerateOptions) (<-chan kernel.Chunk, error) {
	m.mu.Lock()
	lm, err := m.ensureLoadedLocked(ctx, name)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	lm.lastUsed = time.Now()
	lm.requests++

	prompt := kernel.RenderPrompt(messages)
	src, err := lm.model.Stream(ctx, prompt, opts)
	if err != nil {
		m.mu.Unlock()
		return nil, types.NewError(types.ErrGenerationFailed, "generation failed").
			WithCause(err).WithRetryable(true)
	}

	out := make(chan kernel.Chunk, 8)
	go func() {
		defer m.mu.Unlock()
		defer close(out)
		for c := range src {
			out <- c
			if c.Done {
				return
			}
		}
	}()
	return out, nil
}

// Generate is the blocking variant of StreamGenerate. It returns the full
// completion text and the finish reason.
func (m *Manager) Generate(ctx context.Context, name string, messages []types.Message, opts kernel.GenerateOptions) (string, string, error) {
	ch, err := m.StreamGenerate(ctx, name, messages, opts)
	if err != nil {
		return "", "", err
	}
	var b strings.Builder
	for c := range ch {
		if c.Done {
			if c.Err != nil {
				if ctx.Err() != nil {
					return "", "", types.NewError(types.ErrCancelled, "generation cancelled").WithCause(c.Err)
				}
				return "", "", types.NewError(types.ErrGenerationFailed, "generation failed").
					WithCause(c.Err).WithRetryable(true)
			}
			return b.String(), c.FinishReason, nil
		}
		b.WriteString(c.Text)
	}
	return b.String(), "stop", nil
}
