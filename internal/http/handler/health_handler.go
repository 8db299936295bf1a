package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const healthPingTimeout = 2 * time.Second

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves liveness probes.
type HealthHandler struct {
	logger *zap.Logger
	db     Pinger
}

// NewHealthHandler returns a handler that also pings db when it is set.
func NewHealthHandler(logger *zap.Logger, db Pinger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{logger: logger, db: db}
}

// Register wires health routes onto the provided router.
func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)
}

// Health is a simple endpoint so we know the service is running.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	status := fiber.StatusOK
	body := fiber.Map{
		"service":  "HookRelay",
		"status":   "ok",
		"database": "ok",
		"time":     time.Now().UTC().Format(time.RFC3339),
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthPingTimeout)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("database ping failed", zap.Error(err))
			status = fiber.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "unreachable"
		}
	}

	return c.Status(status).JSON(body)
}
