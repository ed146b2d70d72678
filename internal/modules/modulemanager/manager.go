package modulemanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"
)

// Module defines the interface that all modules must implement
type Module interface {
	ID() string                // Unique identifier for the module
	Name() string              // Display name for the module
	Core() bool                // Whether this is a core module
	Migrate(db *gorm.DB) error // Run database migrations
	Init() error               // Initialize the module
}

// RouteRegistrar is an optional interface for modules that register routes
type RouteRegistrar interface {
	RegisterRoutes(router *gin.Engine)
}

// Shutdowner is an optional interface for modules with teardown work
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Registry manages module registration and initialization. Modules are
// constructed with their dependencies and registered explicitly at startup.
type Registry struct {
	logger      hclog.Logger
	mu          sync.RWMutex
	order       []Module
	byID        map[string]Module
	initialized bool
}

// NewRegistry creates an empty module registry.
func NewRegistry(logger hclog.Logger) *Registry {
	return &Registry{
		logger: logger.Named("modules"),
		byID:   make(map[string]Module),
	}
}

// Register adds a module to the registry. Registration order is load order.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		r.logger.Warn("module registered after initialization", "id", m.ID())
	}
	if _, exists := r.byID[m.ID()]; exists {
		r.logger.Warn("module registered twice", "id", m.ID())
		return
	}
	r.byID[m.ID()] = m
	r.order = append(r.order, m)
	r.logger.Info("module registered", "name", m.Name(), "id", m.ID())
}

// LoadAll migrates and initializes all registered modules in order.
func (r *Registry) LoadAll(db *gorm.DB) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		r.logger.Warn("module system already initialized")
		return nil
	}

	r.logger.Info("loading modules", "count", len(r.order))
	for _, module := range r.order {
		if err := module.Migrate(db); err != nil {
			return fmt.Errorf("failed to migrate %s: %w", module.Name(), err)
		}
		if err := module.Init(); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", module.Name(), err)
		}
		r.logger.Info("module loaded", "name", module.Name())
	}

	r.initialized = true
	return nil
}

// RegisterRoutes registers routes for all modules implementing RouteRegistrar.
func (r *Registry) RegisterRoutes(router *gin.Engine) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, module := range r.order {
		if registrar, ok := module.(RouteRegistrar); ok {
			r.logger.Debug("registering routes", "module", module.Name())
			registrar.RegisterRoutes(router)
		}
	}
}

// Shutdown tears down modules in reverse load order.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for i := len(r.order) - 1; i >= 0; i-- {
		if s, ok := r.order[i].(Shutdowner); ok {
			if err := s.Shutdown(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	r.initialized = false
	return firstErr
}

// GetModule returns a module by ID
func (r *Registry) GetModule(id string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	module, exists := r.byID[id]
	return module, exists
}

// ListModules returns all registered modules in load order
func (r *Registry) ListModules() []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modules := make([]Module, len(r.order))
	copy(modules, r.order)
	return modules
}
