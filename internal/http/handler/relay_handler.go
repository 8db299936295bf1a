package handler

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/app/service"
	"github.com/sifan077/HookRelay/internal/http/util"
	"github.com/sourcegraph/conc/pool"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	webhookPrefix            = "/webhook/"
	defaultFanoutConcurrency = 4
)

// EndpointResolver looks up routing for an inbound path.
type EndpointResolver interface {
	ResolveByPath(ctx context.Context, path string) (*model.Endpoint, error)
	ResolveCrossServerTargets(ctx context.Context, path string) ([]model.CrossServerLink, error)
}

// MessageDeliverer sends one payload to one channel.
type MessageDeliverer interface {
	Deliver(ctx context.Context, channelID string, payload gjson.Result, endpointName string) bool
}

// RelayObserver receives per-request and per-delivery measurements.
type RelayObserver interface {
	ObserveRequest(status int)
	ObserveDelivery(target string, ok bool, elapsed time.Duration)
}

type noopRelayObserver struct{}

func (noopRelayObserver) ObserveRequest(int)                         {}
func (noopRelayObserver) ObserveDelivery(string, bool, time.Duration) {}

// RelayDeps groups dependencies required by the relay handler.
type RelayDeps struct {
	Logger            *zap.Logger
	Resolver          EndpointResolver
	Deliverer         MessageDeliverer
	Stats             service.StatRecorder
	Observer          RelayObserver
	FanoutConcurrency int
}

// RelayHandler accepts posts on /webhook/{path} and forwards them to chat
// channels.
type RelayHandler struct {
	logger    *zap.Logger
	resolver  EndpointResolver
	deliverer MessageDeliverer
	stats     service.StatRecorder
	observer  RelayObserver
	fanout    int
}

// NewRelayHandler creates a relay handler with the provided dependencies.
func NewRelayHandler(deps RelayDeps) *RelayHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	observer := deps.Observer
	if observer == nil {
		observer = noopRelayObserver{}
	}
	fanout := deps.FanoutConcurrency
	if fanout <= 0 {
		fanout = defaultFanoutConcurrency
	}
	return &RelayHandler{
		logger:    logger,
		resolver:  deps.Resolver,
		deliverer: deps.Deliverer,
		stats:     deps.Stats,
		observer:  observer,
		fanout:    fanout,
	}
}

// Register wires relay routes onto the provided router. Extra handlers, such
// as a rate limiter, run before the relay.
func (h *RelayHandler) Register(router fiber.Router, middlewares ...fiber.Handler) {
	handlers := append(middlewares, h.Relay)
	router.All("/webhook", handlers...)
	router.All("/webhook/*", handlers...)
}

// Relay handles POST /webhook/:path
func (h *RelayHandler) Relay(c *fiber.Ctx) error {
	path := c.Path()
	if !strings.HasPrefix(path, webhookPrefix) {
		return h.fail(c, fiber.StatusNotFound, "Not found")
	}
	if c.Method() != fiber.MethodPost {
		return h.fail(c, fiber.StatusMethodNotAllowed, "Method not allowed")
	}
	if !util.IsWebhookPath(path) {
		return h.fail(c, fiber.StatusNotFound, "Invalid webhook path format")
	}
	token := strings.TrimPrefix(path, webhookPrefix)

	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}

	endpoint, err := h.resolver.ResolveByPath(ctx, token)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			return h.fail(c, fiber.StatusNotFound, "Webhook not found or disabled")
		}
		h.logger.Error("failed to resolve webhook", zap.Error(err))
		return h.fail(c, fiber.StatusInternalServerError, "Internal server error")
	}

	body := c.Body()
	if !gjson.ValidBytes(body) {
		return h.fail(c, fiber.StatusBadRequest, "Invalid JSON")
	}
	payload := gjson.ParseBytes(body)
	if !payload.IsObject() {
		return h.fail(c, fiber.StatusBadRequest, "Invalid JSON")
	}

	delivered := h.deliver(ctx, "primary", endpoint.ChannelID, payload, endpoint.Name)
	fanout := h.fanOut(ctx, token, payload)

	if !delivered {
		return h.fail(c, fiber.StatusInternalServerError, "Failed to send message")
	}

	if h.stats != nil {
		h.stats.Record(token, endpoint.GuildID, fanout)
	}

	h.observer.ObserveRequest(fiber.StatusOK)
	return c.JSON(fiber.Map{"success": true})
}

// fanOut delivers to every cross-server target and returns how many
// succeeded. Failures never affect the primary outcome.
func (h *RelayHandler) fanOut(ctx context.Context, token string, payload gjson.Result) int {
	targets, err := h.resolver.ResolveCrossServerTargets(ctx, token)
	if err != nil {
		h.logger.Warn("failed to resolve cross-server targets", zap.Error(err))
		return 0
	}
	if len(targets) == 0 {
		return 0
	}

	var succeeded atomic.Int64
	p := pool.New().WithMaxGoroutines(min(h.fanout, len(targets)))
	for _, target := range targets {
		p.Go(func() {
			if h.deliver(ctx, "fanout", target.TargetChannelID, payload, target.WebhookName) {
				succeeded.Add(1)
				return
			}
			h.logger.Warn("cross-server delivery failed",
				zap.Int64("link_id", target.ID),
				zap.String("target_guild_id", target.TargetGuildID),
			)
		})
	}
	p.Wait()
	return int(succeeded.Load())
}

func (h *RelayHandler) deliver(ctx context.Context, kind, channelID string, payload gjson.Result, name string) bool {
	start := time.Now()
	ok := h.deliverer.Deliver(ctx, channelID, payload, name)
	h.observer.ObserveDelivery(kind, ok, time.Since(start))
	return ok
}

func (h *RelayHandler) fail(c *fiber.Ctx, status int, message string) error {
	h.observer.ObserveRequest(status)
	return c.Status(status).JSON(fiber.Map{"error": message})
}
