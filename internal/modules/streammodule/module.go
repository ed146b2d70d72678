package streammodule

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hlsvault/hlsvault/internal/storage"
	"github.com/hlsvault/hlsvault/internal/token"
)

// Module is the delivery module: token minting and the token-gated playlist
// and segment endpoints.
type Module struct {
	id   string
	name string
	core bool

	db      *gorm.DB
	logger  hclog.Logger
	store   storage.Storage
	tokens  *token.Service
	baseURL string

	initialized bool
}

// Options carries the module dependencies and configuration.
type Options struct {
	DB       *gorm.DB
	HLSStore storage.Storage
	Tokens   *token.Service
	Logger   hclog.Logger
	BaseURL  string
}

// New creates the stream module.
func New(opts Options) *Module {
	return &Module{
		id:      "system.stream",
		name:    "Stream Delivery",
		core:    true,
		db:      opts.DB,
		logger:  opts.Logger.Named("streammodule"),
		store:   opts.HLSStore,
		tokens:  opts.Tokens,
		baseURL: opts.BaseURL,
	}
}

// ID returns the module ID
func (m *Module) ID() string { return m.id }

// Name returns the module name
func (m *Module) Name() string { return m.name }

// Core returns whether this is a core module
func (m *Module) Core() bool { return m.core }

// Migrate runs the stream module schema migrations
func (m *Module) Migrate(db *gorm.DB) error {
	// Delivery is stateless; the video table belongs to the upload module.
	return nil
}

// Init initializes the module
func (m *Module) Init() error {
	m.initialized = true
	m.logger.Info("stream module initialized")
	return nil
}

// RegisterRoutes registers the stream module API routes
func (m *Module) RegisterRoutes(router *gin.Engine) {
	stream := router.Group("/api/stream")
	{
		stream.GET("/playlist", m.getPlaylist)
		stream.GET("/segment", m.getSegment)
		stream.POST("/tokens", m.mintToken)
	}
}

// Shutdown gracefully shuts down the module
func (m *Module) Shutdown(ctx context.Context) error {
	m.initialized = false
	return nil
}
