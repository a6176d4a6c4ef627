package destination

import (
	"context"
	"sort"
	"sync"

	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"go.uber.org/zap"
)

// Factory creates a destination from its configuration.
type Factory func(ctx context.Context, cfg config.DestinationConfig, logger *zap.Logger) (Destination, error)

// Registry maps destination types to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates a registry holding the built-in destinations.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.factories[config.DestinationStdout] = newStdoutFromConfig
	r.factories[config.DestinationFile] = newFileFromConfig
	r.factories[config.DestinationS3] = newS3FromConfig
	r.factories[config.DestinationKafka] = newKafkaFromConfig
	r.factories[config.DestinationPostgres] = newPostgresFromConfig
	return r
}

// Register adds a factory. Registering an existing type fails.
func (r *Registry) Register(typ string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "destination %s already registered", typ)
	}
	r.factories[typ] = factory
	return nil
}

// Create builds the destination selected by cfg.Type.
func (r *Registry) Create(ctx context.Context, cfg config.DestinationConfig, logger *zap.Logger) (Destination, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, nebulaerrors.Newf(nebulaerrors.ErrorTypeConfig, "destination %s not found", cfg.Type)
	}

	dest, err := factory(ctx, cfg, logger.With(zap.String("destination", cfg.Type)))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to create destination "+cfg.Type)
	}
	return dest, nil
}

// Types lists registered destination types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

var globalRegistry = NewRegistry()

// Register adds a factory to the global registry.
func Register(typ string, factory Factory) error {
	return globalRegistry.Register(typ, factory)
}

// New creates a destination from the global registry.
func New(ctx context.Context, cfg config.DestinationConfig, logger *zap.Logger) (Destination, error) {
	return globalRegistry.Create(ctx, cfg, logger)
}
