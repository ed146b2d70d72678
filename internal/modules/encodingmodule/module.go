package encodingmodule

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hlsvault/hlsvault/internal/database"
	"github.com/hlsvault/hlsvault/internal/events"
)

// Module is the encoding pipeline module: the job state machine, the worker
// callback endpoints, and the aggregate progress endpoint players poll.
type Module struct {
	id   string
	name string
	core bool

	db     *gorm.DB
	bus    events.EventBus
	logger hclog.Logger
	store  *JobStore

	initialized bool
}

// New creates the encoding module.
func New(db *gorm.DB, bus events.EventBus, logger hclog.Logger) *Module {
	moduleLogger := logger.Named("encodingmodule")
	return &Module{
		id:     "system.encoding",
		name:   "Encoding Pipeline",
		core:   true,
		db:     db,
		bus:    bus,
		logger: moduleLogger,
		store:  NewJobStore(db, bus, moduleLogger),
	}
}

// ID returns the module ID
func (m *Module) ID() string { return m.id }

// Name returns the module name
func (m *Module) Name() string { return m.name }

// Core returns whether this is a core module
func (m *Module) Core() bool { return m.core }

// Migrate runs the encoding module schema migrations
func (m *Module) Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&database.EncodingJob{}); err != nil {
		return fmt.Errorf("failed to migrate encoding schema: %w", err)
	}
	return nil
}

// Init initializes the module
func (m *Module) Init() error {
	m.initialized = true
	m.logger.Info("encoding module initialized")
	return nil
}

// Store exposes the job store to other modules and tests.
func (m *Module) Store() *JobStore {
	return m.store
}

// RegisterRoutes registers the encoding module API routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	router.GET("/api/progress/:videoId", m.getProgress)

	jobs := router.Group("/api/jobs")
	{
		jobs.GET("/pending", m.listPendingJobs)
		jobs.POST("/:videoId/:quality/start", m.startJob)
		jobs.POST("/:videoId/:quality/progress", m.updateProgress)
		jobs.POST("/:videoId/:quality/complete", m.completeJob)
		jobs.POST("/:videoId/:quality/fail", m.failJob)
	}

	router.POST("/api/videos/:id/jobs", m.queueJobs)
}

// Shutdown gracefully shuts down the module
func (m *Module) Shutdown(ctx context.Context) error {
	m.initialized = false
	return nil
}
