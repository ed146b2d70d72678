package uploadmodule

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hlsvault/hlsvault/internal/database"
	"github.com/hlsvault/hlsvault/internal/events"
	"github.com/hlsvault/hlsvault/internal/storage"
)

// Module is the upload coordinator module: chunked and whole-file ingest,
// video registration, and the video management endpoints.
type Module struct {
	id   string
	name string
	core bool

	db            *gorm.DB
	bus           events.EventBus
	logger        hclog.Logger
	hlsStore      storage.Storage
	coordinator   *Coordinator
	baseURL       string
	maxUploadSize int64

	initialized bool
}

// Options carries the module dependencies and configuration.
type Options struct {
	DB            *gorm.DB
	UploadStore   storage.Storage
	HLSStore      storage.Storage
	Bus           events.EventBus
	Logger        hclog.Logger
	BaseURL       string
	MaxUploadSize int64
	AllowedExts   []string
}

// New creates the upload module.
func New(opts Options) *Module {
	logger := opts.Logger.Named("uploadmodule")
	return &Module{
		id:            "system.upload",
		name:          "Upload Coordinator",
		core:          true,
		db:            opts.DB,
		bus:           opts.Bus,
		logger:        logger,
		hlsStore:      opts.HLSStore,
		coordinator:   NewCoordinator(opts.DB, opts.UploadStore, opts.Bus, logger, opts.AllowedExts),
		baseURL:       opts.BaseURL,
		maxUploadSize: opts.MaxUploadSize,
	}
}

// ID returns the module ID
func (m *Module) ID() string { return m.id }

// Name returns the module name
func (m *Module) Name() string { return m.name }

// Core returns whether this is a core module
func (m *Module) Core() bool { return m.core }

// Migrate runs the upload module schema migrations
func (m *Module) Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&database.Video{}, &database.EncodingJob{}); err != nil {
		return fmt.Errorf("failed to migrate upload schema: %w", err)
	}
	return nil
}

// Init initializes the module
func (m *Module) Init() error {
	m.initialized = true
	m.logger.Info("upload module initialized")
	return nil
}

// Coordinator exposes the upload coordinator to other modules and tests.
func (m *Module) Coordinator() *Coordinator {
	return m.coordinator
}

// RegisterRoutes registers the upload module API routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	videos := router.Group("/api/videos")
	{
		videos.POST("", m.uploadVideo)
		videos.GET("", m.listVideos)
		videos.GET("/:id", m.getVideo)
		videos.DELETE("/:id", m.deleteVideo)
		videos.PATCH("/:id/metadata", m.updateMetadata)
	}
}

// Shutdown gracefully shuts down the module
func (m *Module) Shutdown(ctx context.Context) error {
	m.initialized = false
	return nil
}
