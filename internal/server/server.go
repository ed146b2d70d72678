// Package server assembles the application: configuration, database,
// storage, event bus, token service, and the module registry behind one
// gin router.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/hlsvault/hlsvault/internal/config"
	"github.com/hlsvault/hlsvault/internal/database"
	"github.com/hlsvault/hlsvault/internal/events"
	"github.com/hlsvault/hlsvault/internal/logger"
	"github.com/hlsvault/hlsvault/internal/modules/encodingmodule"
	"github.com/hlsvault/hlsvault/internal/modules/modulemanager"
	"github.com/hlsvault/hlsvault/internal/modules/streammodule"
	"github.com/hlsvault/hlsvault/internal/modules/uploadmodule"
	"github.com/hlsvault/hlsvault/internal/storage"
	"github.com/hlsvault/hlsvault/internal/token"
)

// Server is the assembled application.
type Server struct {
	cfg      *config.Config
	logger   hclog.Logger
	db       *gorm.DB
	bus      events.EventBus
	registry *modulemanager.Registry
	router   *gin.Engine
	http     *http.Server
}

// New builds the server from configuration. Every dependency is constructed
// here and handed down; nothing reaches for globals.
func New(cfg *config.Config) (*Server, error) {
	logger.Init(cfg.Logging.Level, cfg.Logging.Format == "json")
	log := logger.Root()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	uploadStore, err := storage.NewDisk(cfg.Ingest.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open upload storage: %w", err)
	}
	hlsStore, err := storage.NewDisk(cfg.Stream.HLSDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open hls storage: %w", err)
	}

	tokens, err := token.NewService(cfg.Stream.SecretKey, cfg.Stream.TokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to create token service: %w", err)
	}

	bus := events.NewEventBus(log, 256)

	registry := modulemanager.NewRegistry(log)
	registry.Register(uploadmodule.New(uploadmodule.Options{
		DB:            db,
		UploadStore:   uploadStore,
		HLSStore:      hlsStore,
		Bus:           bus,
		Logger:        log,
		BaseURL:       cfg.Server.BaseURL,
		MaxUploadSize: cfg.Ingest.MaxUploadSize,
		AllowedExts:   cfg.Ingest.AllowedExtensions,
	}))
	registry.Register(encodingmodule.New(db, bus, log))
	registry.Register(streammodule.New(streammodule.Options{
		DB:       db,
		HLSStore: hlsStore,
		Tokens:   tokens,
		Logger:   log,
		BaseURL:  cfg.Server.BaseURL,
	}))

	s := &Server{
		cfg:      cfg,
		logger:   log,
		db:       db,
		bus:      bus,
		registry: registry,
	}
	s.router = s.setupRouter()
	return s, nil
}

// setupRouter configures and returns the main router
func (s *Server) setupRouter() *gin.Engine {
	if s.cfg.Logging.Level != "debug" && s.cfg.Logging.Level != "trace" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = 32 << 20

	if s.cfg.Server.EnableCORS {
		r.Use(corsMiddleware())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.registry.RegisterRoutes(r)
	return r
}

// corsMiddleware allows the web player to call the API cross-origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start loads the modules, starts the event bus, and begins serving.
func (s *Server) Start(ctx context.Context) error {
	if err := s.bus.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	if err := s.registry.LoadAll(s.db); err != nil {
		return fmt.Errorf("failed to load modules: %w", err)
	}

	startup := events.NewEvent(events.EventSystemStarted, "server",
		"System Started", "hlsvault is ready")
	if err := s.bus.PublishAsync(startup); err != nil {
		s.logger.Warn("failed to publish startup event", "error", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.logger.Info("server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP listener, the modules, and the event bus.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error

	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.registry.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	stopped := events.NewEvent(events.EventSystemStopped, "server",
		"System Stopped", "hlsvault is shutting down")
	_ = s.bus.PublishAsync(stopped)
	if err := s.bus.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("server stopped")
	return firstErr
}
