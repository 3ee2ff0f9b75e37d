// Package preloader warms the resident model set at startup and, when
// strict, vetoes just-in-time loads of anything outside that set. Instance
// counts are logical: one physical copy serves all instances, and
// InstanceFor rotates the instance label for log correlation.
package preloader

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/libraxisai/lbrxserve/registry"
)

// Entry names one model to preload and how many logical instances it gets.
type Entry struct {
	Model     string `yaml:"model"`
	Instances int    `yaml:"instances"`
}

// DefaultEntries is the production warm set.
func DefaultEntries() []Entry {
	return []Entry{
		{Model: "nemotron-49b", Instances: 2},
		{Model: "qwen3-14b", Instances: 2},
		{Model: "c4ai-03-2025", Instances: 1},
		{Model: "qwq-32b", Instances: 1},
	}
}

// Loader is the slice of the model manager the preloader drives.
type Loader interface {
	Load(ctx context.Context, name string) error
}

// Preloader warms models and answers the JIT admission question.
type Preloader struct {
	log     *zap.Logger
	reg     *registry.Registry
	loader  Loader
	entries []Entry
	// strict rejects just-in-time loads of models outside the warm set.
	strict bool
	// budgetGB is the soft memory budget the declared set is checked
	// against. Zero disables the check.
	budgetGB float64

	mu       sync.Mutex
	counters map[string]int
	warmed   map[string]bool
}

// New creates a Preloader. Entries with unknown models are dropped with a
// warning; instance counts below one are raised to one.
func New(log *zap.Logger, reg *registry.Registry, loader Loader, entries []Entry, strict bool, budgetGB float64) *Preloader {
	p := &Preloader{
		log:      log.Named("preloader"),
		reg:      reg,
		loader:   loader,
		strict:   strict,
		budgetGB: budgetGB,
		counters: make(map[string]int),
		warmed:   make(map[string]bool),
	}
	for _, e := range entries {
		d, ok := reg.Resolve(e.Model)
		if !ok {
			p.log.Warn("dropping unknown preload entry", zap.String("model", e.Model))
			continue
		}
		if e.Instances < 1 {
			e.Instances = 1
		}
		e.Model = d.Name
		p.entries = append(p.entries, e)
	}
	return p
}

// Preload loads every entry in order. A declared set larger than the
// memory budget is warned about but still loaded; individual failures are
// logged and skipped, and the error reports how many entries failed.
func (p *Preloader) Preload(ctx context.Context) error {
	if p.budgetGB > 0 {
		names := make([]string, len(p.entries))
		for i, e := range p.entries {
			names[i] = e.Model
		}
		if declared := p.reg.Estimate(names); declared > p.budgetGB {
			p.log.Warn("declared warm set exceeds memory budget, proceeding",
				zap.Float64("declared_gb", declared),
				zap.Float64("budget_gb", p.budgetGB))
		}
	}

	var failed int
	for _, e := range p.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.loader.Load(ctx, e.Model); err != nil {
			p.log.Error("preload failed", zap.String("model", e.Model), zap.Error(err))
			failed++
			continue
		}
		p.mu.Lock()
		p.warmed[e.Model] = true
		p.mu.Unlock()
		p.log.Info("model preloaded",
			zap.String("model", e.Model),
			zap.Int("instances", e.Instances))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d preload entries failed", failed, len(p.entries))
	}
	return nil
}

// AllowJIT reports whether a just-in-time load of name is admissible. In
// strict mode only warmed models pass; otherwise everything passes.
func (p *Preloader) AllowJIT(name string) bool {
	if !p.strict {
		return true
	}
	d, ok := p.reg.Resolve(name)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.warmed[d.Name]
}

// InstanceFor returns the logical instance label for the next request to
// name, rotating round-robin over the entry's instance count. Models outside
// the warm set get instance 0.
func (p *Preloader) InstanceFor(name string) string {
	d, ok := p.reg.Resolve(name)
	if !ok {
		return name + "#0"
	}
	instances := 1
	for _, e := range p.entries {
		if e.Model == d.Name {
			instances = e.Instances
			break
		}
	}
	p.mu.Lock()
	n := p.counters[d.Name]
	p.counters[d.Name] = n + 1
	p.mu.Unlock()
	return fmt.Sprintf("%s#%d", d.Name, n%instances)
}

// Warmed returns the warmed model names.
func (p *Preloader) Warmed() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.warmed))
	for name := range p.warmed {
		out = append(out, name)
	}
	return out
}
