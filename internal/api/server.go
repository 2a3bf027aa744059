// Package api exposes the reconciliation operations over a small admin REST
// surface: manual sync triggers, the conflict query and the sync status
// screen. It has no authentication and is meant to listen on a private
// address.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/njoerd114/leavesync/internal/calendar"
	"github.com/njoerd114/leavesync/internal/conflict"
	"github.com/njoerd114/leavesync/internal/model"
	syncp "github.com/njoerd114/leavesync/internal/sync"
)

const (
	headerRequestID = "X-Request-ID"
	defaultLogLimit = 20
	maxLogLimit     = 200
)

// Service is the set of engine operations the API exposes.
// Implemented by [syncp.Engine].
type Service interface {
	SyncOne(ctx context.Context, id string) syncp.Result
	SyncAll(ctx context.Context) (syncp.BatchResult, error)
	ImportRemoteChanges(ctx context.Context) (syncp.ImportResult, error)
	FindConflicts(ctx context.Context, scope string, start, end model.Date, excludeID string) ([]model.Conflict, error)
	Status(ctx context.Context, limit int) (*syncp.Status, error)
}

// Server wires the routes to a Service.
type Server struct {
	app *fiber.App
	svc Service
	log *slog.Logger
}

// NewServer creates a Server with all routes registered.
func NewServer(svc Service, logger *slog.Logger) *Server {
	s := &Server{svc: svc, log: logger}
	s.app = fiber.New(fiber.Config{
		AppName:               "leavesync",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		// Outbound batches may take a while against a slow provider.
		WriteTimeout: 5 * time.Minute,
		ErrorHandler: s.handleError,
	})

	s.app.Use(s.requestID, s.accessLog)

	api := s.app.Group("/api")
	api.Post("/sync", s.syncAll)
	api.Post("/sync/:id", s.syncOne)
	api.Post("/import", s.importRemote)
	api.Get("/conflicts", s.conflicts)
	api.Get("/status", s.status)
	return s
}

// App returns the underlying fiber application.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.app.Listen(addr) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin API on %s: %w", addr, err)
	case <-ctx.Done():
		s.log.Info("admin API shutting down")
		if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
			return fmt.Errorf("shutting down admin API: %w", err)
		}
		return nil
	}
}

// --- middleware --------------------------------------------------------------

func (s *Server) requestID(c *fiber.Ctx) error {
	id := c.Get(headerRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	c.Locals("request_id", id)
	c.Set(headerRequestID, id)
	return c.Next()
}

func (s *Server) accessLog(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.log.Debug("admin API request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start),
		"request_id", c.Locals("request_id"),
	)
	return err
}

// --- handlers ----------------------------------------------------------------

// POST /api/sync/:id
func (s *Server) syncOne(c *fiber.Ctx) error {
	res := s.svc.SyncOne(c.UserContext(), c.Params("id"))

	status := fiber.StatusOK
	switch {
	case res.Outcome == syncp.OutcomeNotFound:
		status = fiber.StatusNotFound
	case res.Err != nil:
		status = statusFor(res.Err)
	}
	return c.Status(status).JSON(res)
}

// POST /api/sync
func (s *Server) syncAll(c *fiber.Ctx) error {
	batch, err := s.svc.SyncAll(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(batch)
}

// POST /api/import
func (s *Server) importRemote(c *fiber.Ctx) error {
	res, err := s.svc.ImportRemoteChanges(c.UserContext())
	if errors.Is(err, syncp.ErrImportInProgress) {
		return fiber.NewError(fiber.StatusConflict, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(res)
}

// GET /api/conflicts?company=&start=&end=&exclude=
func (s *Server) conflicts(c *fiber.Ctx) error {
	company := c.Query("company")
	if company == "" {
		return fiber.NewError(fiber.StatusBadRequest, "company is required")
	}
	start, err := model.ParseDate(c.Query("start"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "start: "+err.Error())
	}
	end, err := model.ParseDate(c.Query("end"))
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "end: "+err.Error())
	}

	found, err := s.svc.FindConflicts(c.UserContext(), company, start, end, c.Query("exclude"))
	if errors.Is(err, conflict.ErrInvalidRange) {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}
	if found == nil {
		found = []model.Conflict{}
	}
	return c.JSON(fiber.Map{"conflicts": found})
}

// GET /api/status?limit=
func (s *Server) status(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", defaultLogLimit)
	if limit <= 0 || limit > maxLogLimit {
		return fiber.NewError(fiber.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLogLimit))
	}
	st, err := s.svc.Status(c.UserContext(), limit)
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// --- errors ------------------------------------------------------------------

// handleError renders every error as {"error": "..."}.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	if status >= fiber.StatusInternalServerError {
		s.log.Error("admin API request failed",
			"path", c.Path(),
			"error", err,
			"request_id", c.Locals("request_id"),
		)
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, calendar.ErrInvalidPayload):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, calendar.ErrProviderUnavailable):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
