package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sifan077/HookRelay/config"
	"github.com/sifan077/HookRelay/internal/app/service"
	inthttp "github.com/sifan077/HookRelay/internal/http/handler"
	"github.com/sifan077/HookRelay/internal/http/middleware"
	"go.uber.org/zap"
)

// Registry is everything the HTTP layer needs from the endpoint registry.
type Registry interface {
	inthttp.EndpointResolver
	inthttp.EndpointRegistry
}

// Dependencies bundles infrastructure dependencies required by the HTTP server.
type Dependencies struct {
	Logger      *zap.Logger
	Server      config.ServerConfig
	Relay       config.RelayConfig
	AdminToken  string
	Registry    Registry
	Deliverer   inthttp.MessageDeliverer
	Stats       service.StatRecorder
	StatsReader inthttp.StatsReader
	Database    inthttp.Pinger
	Redis       *redis.Client
	Observer    inthttp.RelayObserver
}

// Server wraps the Fiber application and its dependencies.
type Server struct {
	app  *fiber.App
	deps Dependencies
}

// New creates a new HTTP server instance with default routes.
func New(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	cfg := fiber.Config{
		AppName:               "HookRelay",
		BodyLimit:             deps.Server.BodyLimit,
		ReadTimeout:           deps.Server.ReadTimeout,
		WriteTimeout:          deps.Server.WriteTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(deps.Logger),
	}
	if deps.Server.Concurrency > 0 {
		cfg.Concurrency = deps.Server.Concurrency
	}
	app := fiber.New(cfg)

	s := &Server{
		app:  app,
		deps: deps,
	}

	s.registerRoutes()
	return s
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the Fiber server on the given address.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the Fiber server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) registerRoutes() {
	log := s.deps.Logger

	s.app.Use(
		middleware.RequestID(),
		middleware.Logger(log),
		middleware.Recovery(log),
		middleware.CORS(),
	)

	inthttp.NewHealthHandler(log, s.deps.Database).Register(s.app)

	if s.deps.AdminToken != "" {
		inthttp.NewAPIHandler(inthttp.APIDeps{
			Logger:   log,
			Registry: s.deps.Registry,
			Stats:    s.deps.StatsReader,
			Token:    s.deps.AdminToken,
		}).Register(s.app)
	} else {
		log.Info("admin API disabled, no admin token configured")
	}

	relay := inthttp.NewRelayHandler(inthttp.RelayDeps{
		Logger:            log,
		Resolver:          s.deps.Registry,
		Deliverer:         s.deps.Deliverer,
		Stats:             s.deps.Stats,
		Observer:          s.deps.Observer,
		FanoutConcurrency: s.deps.Relay.FanoutConcurrency,
	})
	relay.Register(s.app, s.rateLimiter()...)

	s.app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	})
}

func (s *Server) rateLimiter() []fiber.Handler {
	if !s.deps.Relay.RateLimitEnabled || s.deps.Relay.RateLimitPerMin <= 0 {
		return nil
	}
	rl := middleware.DefaultRateLimitConfig()
	rl.MaxRequests = s.deps.Relay.RateLimitPerMin
	rl.Window = time.Minute
	rl.Burst = s.deps.Relay.RateLimitBurst

	if s.deps.Redis != nil {
		return []fiber.Handler{middleware.RateLimit(s.deps.Redis, rl, s.deps.Logger)}
	}
	return []fiber.Handler{middleware.LocalRateLimit(rl)}
}

func errorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "Internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		} else {
			logger.Error("unhandled request error", zap.Error(err))
		}
		return c.Status(code).JSON(fiber.Map{"error": message})
	}
}
