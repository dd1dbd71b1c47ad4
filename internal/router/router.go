package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
	"github.com/felipepmaragno/llm-gateway/internal/metrics"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
)

// Adapter talks to one kind of model backend.
//
// CompleteStream returns a channel that yields zero or more chunk items
// followed by exactly one terminal item (done or error) and is then closed.
// Implementations stop producing promptly once ctx is canceled.
type Adapter interface {
	Complete(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) (*domain.ChatResponse, error)
	CompleteStream(ctx context.Context, req domain.ChatRequest, model domain.ModelDescriptor) <-chan domain.StreamItem
}

// TokenEstimator is implemented by adapters that count streamed tokens their
// own way.
type TokenEstimator interface {
	EstimateTokens(text string) int
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EstimateTokens counts tokens of streamed text with the adapter's estimator,
// falling back to one token per four characters.
func EstimateTokens(a Adapter, text string) int {
	if e, ok := a.(TokenEstimator); ok {
		return e.EstimateTokens(text)
	}
	return ApproxTokens(text)
}

// ApproxTokens is ceil(runes/4).
func ApproxTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// Registry maps provider names to adapters. It is built once and read-only
// afterwards.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters map[string]Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for name, a := range adapters {
		r.adapters[strings.ToLower(name)] = a
	}
	return r
}

func (r *Registry) Get(provider string) (Adapter, bool) {
	a, ok := r.adapters[strings.ToLower(provider)]
	return a, ok
}

func (r *Registry) Providers() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Router resolves model names to an active descriptor and its adapter.
type Router struct {
	catalog  repository.ModelCatalog
	registry *Registry
	logger   *slog.Logger

	mu          sync.RWMutex
	descriptors map[string]domain.ModelDescriptor
}

func New(catalog repository.ModelCatalog, registry *Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		catalog:  catalog,
		registry: registry,
		logger:   logger,
	}
}

// Resolve looks the model up by exact name.
func (r *Router) Resolve(ctx context.Context, name string) (domain.ModelDescriptor, Adapter, error) {
	desc, err := r.lookup(ctx, name)
	if err != nil {
		return domain.ModelDescriptor{}, nil, err
	}

	if !desc.IsActive {
		return desc, nil, fmt.Errorf("%w: %s", domain.ErrModelInactive, name)
	}

	adapter, ok := r.registry.Get(desc.Provider)
	if !ok {
		return desc, nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, desc.Provider)
	}

	return desc, adapter, nil
}

func (r *Router) lookup(ctx context.Context, name string) (domain.ModelDescriptor, error) {
	r.mu.RLock()
	desc, ok := r.descriptors[name]
	r.mu.RUnlock()
	if ok {
		return desc, nil
	}

	m, err := r.catalog.GetByName(ctx, name)
	if errors.Is(err, domain.ErrModelNotFound) {
		return domain.ModelDescriptor{}, fmt.Errorf("%w: %s", domain.ErrModelNotFound, name)
	}
	if err != nil {
		return domain.ModelDescriptor{}, fmt.Errorf("lookup model: %w", err)
	}
	return *m, nil
}

// Refresh replaces the cached descriptors with the current catalog.
func (r *Router) Refresh(ctx context.Context) error {
	models, err := r.catalog.List(ctx)
	metrics.RecordCatalogRefresh(err)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	next := make(map[string]domain.ModelDescriptor, len(models))
	for _, m := range models {
		next[m.Name] = m
	}

	r.mu.Lock()
	r.descriptors = next
	r.mu.Unlock()
	return nil
}

// Run refreshes the cache every interval until ctx is done. A non-positive
// interval disables background refresh.
func (r *Router) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.logger.Warn("model catalog refresh disabled", "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("model catalog refresh failed", "error", err)
			}
		}
	}
}

// Validate fails when an active catalog model names a provider with no
// registered adapter.
func (r *Router) Validate(ctx context.Context) error {
	models, err := r.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	var missing []string
	for _, m := range models {
		if !m.IsActive {
			continue
		}
		if _, ok := r.registry.Get(m.Provider); !ok {
			missing = append(missing, fmt.Sprintf("%s (provider %q)", m.Name, m.Provider))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedProvider, strings.Join(missing, ", "))
	}
	return nil
}

// Models returns the active catalog entries.
func (r *Router) Models(ctx context.Context) ([]domain.ModelDescriptor, error) {
	models, err := r.catalog.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}

	active := make([]domain.ModelDescriptor, 0, len(models))
	for _, m := range models {
		if m.IsActive {
			active = append(active, m)
		}
	}
	return active, nil
}

// HealthCheck probes every adapter that supports it, keyed by provider.
func (r *Router) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, name := range r.registry.Providers() {
		a, _ := r.registry.Get(name)
		if hc, ok := a.(HealthChecker); ok {
			results[name] = hc.HealthCheck(ctx)
		}
	}
	return results
}
