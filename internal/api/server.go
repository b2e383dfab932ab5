// Package api exposes the capture, recognition, ledger, and report
// operations over HTTP.
package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/expensio/expensio/internal/blob"
	"github.com/expensio/expensio/internal/capture"
	"github.com/expensio/expensio/internal/config"
	"github.com/expensio/expensio/internal/ledger"
	"github.com/expensio/expensio/internal/metrics"
	"github.com/expensio/expensio/internal/recognition"
	"github.com/expensio/expensio/internal/report"
)

// Server handles the HTTP API.
type Server struct {
	app        *fiber.App
	config     *config.Config
	ledger     *ledger.Store
	blobs      *blob.Store
	capture    *capture.Controller
	recognizer *recognition.Adapter
	assembler  *report.Assembler
	logger     *zap.Logger
}

// New creates the API server and wires its routes.
func New(cfg *config.Config, ledgerStore *ledger.Store, blobs *blob.Store, captureCtrl *capture.Controller, recognizer *recognition.Adapter, assembler *report.Assembler, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    32 << 20, // receipt uploads
	})

	s := &Server{
		app:        app,
		config:     cfg,
		ledger:     ledgerStore,
		blobs:      blobs,
		capture:    captureCtrl,
		recognizer: recognizer,
		assembler:  assembler,
		logger:     logger,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Use(recover.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(s.config.Security.AllowOrigins, ","),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	s.app.Get("/api/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	api := s.app.Group("/api")
	api.Post("/auth/login", s.handleLogin)

	protected := api.Use(s.authMiddleware())

	protected.Post("/capture", s.handleCapture)
	protected.Post("/recognize", s.handleRecognize)

	protected.Get("/entries", s.handleListEntries)
	protected.Post("/entries", s.handleCreateEntry)
	protected.Put("/entries/:id", s.handleUpdateEntry)
	protected.Delete("/entries/:id", s.handleDeleteEntry)
	protected.Post("/entries/sort", s.handleSortEntries)
	protected.Get("/receipts/:id", s.handleGetReceipt)

	protected.Get("/metadata", s.handleGetMetadata)
	protected.Put("/metadata", s.handlePutMetadata)
	protected.Post("/signature", s.handleSignature)

	protected.Get("/report", s.handleReport)
	protected.Post("/ledger/clear", s.handleClearLedger)
}

// Start begins listening on the configured port.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Address, s.config.Server.Port)
	s.logger.Info("API server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}
