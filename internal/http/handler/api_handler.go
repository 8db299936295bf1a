package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/app/service"
	"go.uber.org/zap"
)

const (
	callerIDHeader       = "X-Caller-ID"
	callerElevatedHeader = "X-Caller-Elevated"
)

// EndpointRegistry is the registry surface exposed to the command layer.
type EndpointRegistry interface {
	CreateEndpoint(ctx context.Context, input service.CreateEndpointInput) (*model.Endpoint, error)
	ListEndpointsForGuild(ctx context.Context, guildID string) ([]model.Endpoint, error)
	DeleteEndpoint(ctx context.Context, endpointID int64, guildID, callerID string, elevated bool) error
	CreateCrossServerLink(ctx context.Context, input service.CreateLinkInput) (*model.CrossServerLink, error)
	ListCrossServerLinksForGuild(ctx context.Context, guildID string) ([]model.CrossServerLink, error)
	ResolveCrossServerTargets(ctx context.Context, path string) ([]model.CrossServerLink, error)
	DeleteCrossServerLink(ctx context.Context, linkID int64, callerGuildID, callerID string, elevated bool) error
}

// StatsReader reports delivery counters.
type StatsReader interface {
	ListByGuild(ctx context.Context, guildID string) ([]model.DeliveryStat, error)
}

// APIDeps groups dependencies required by API handlers.
type APIDeps struct {
	Logger   *zap.Logger
	Registry EndpointRegistry
	Stats    StatsReader
	Token    string
}

// APIHandler implements the management API used by the command layer.
type APIHandler struct {
	logger   *zap.Logger
	registry EndpointRegistry
	stats    StatsReader
	token    string
}

// NewAPIHandler creates an API handler with the provided dependencies.
func NewAPIHandler(deps APIDeps) *APIHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{
		logger:   logger,
		registry: deps.Registry,
		stats:    deps.Stats,
		token:    deps.Token,
	}
}

// Register wires API routes onto the provided router.
func (h *APIHandler) Register(router fiber.Router) {
	api := router.Group("/api", h.authenticate)
	{
		guilds := api.Group("/guilds/:guild")
		{
			guilds.Post("/endpoints", h.CreateEndpoint)
			guilds.Get("/endpoints", h.ListEndpoints)
			guilds.Delete("/endpoints/:id", h.DeleteEndpoint)

			guilds.Post("/links", h.CreateLink)
			guilds.Get("/links", h.ListLinks)
			guilds.Delete("/links/:id", h.DeleteLink)

			guilds.Get("/stats", h.ListStats)
		}
		api.Get("/links/:path", h.ResolveLinks)
	}
}

func (h *APIHandler) authenticate(c *fiber.Ctx) error {
	auth := c.Get(fiber.HeaderAuthorization)
	token, found := strings.CutPrefix(auth, "Bearer ")
	if h.token == "" || !found || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "unauthorized",
		})
	}
	return c.Next()
}

// EndpointResponse is the wire form of an endpoint.
type EndpointResponse struct {
	ID        int64     `json:"id"`
	GuildID   string    `json:"guild_id"`
	Path      string    `json:"path"`
	URL       string    `json:"url"`
	ChannelID string    `json:"channel_id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func newEndpointResponse(e model.Endpoint) EndpointResponse {
	return EndpointResponse{
		ID:        e.ID,
		GuildID:   e.GuildID,
		Path:      e.Path,
		URL:       webhookPrefix + e.Path,
		ChannelID: e.ChannelID,
		Name:      e.Name,
		CreatedBy: e.CreatedBy,
		CreatedAt: e.CreatedAt,
	}
}

// LinkResponse is the wire form of a cross-server link.
type LinkResponse struct {
	ID              int64     `json:"id"`
	SourceGuildID   string    `json:"source_guild_id"`
	TargetGuildID   string    `json:"target_guild_id"`
	TargetChannelID string    `json:"target_channel_id"`
	WebhookPath     string    `json:"webhook_path"`
	WebhookName     string    `json:"webhook_name"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

func newLinkResponse(l model.CrossServerLink) LinkResponse {
	return LinkResponse{
		ID:              l.ID,
		SourceGuildID:   l.SourceGuildID,
		TargetGuildID:   l.TargetGuildID,
		TargetChannelID: l.TargetChannelID,
		WebhookPath:     l.WebhookPath,
		WebhookName:     l.WebhookName,
		CreatedBy:       l.CreatedBy,
		CreatedAt:       l.CreatedAt,
	}
}

func newLinkResponses(links []model.CrossServerLink) []LinkResponse {
	out := make([]LinkResponse, len(links))
	for i, l := range links {
		out[i] = newLinkResponse(l)
	}
	return out
}

// CreateEndpointRequest represents the request body for creating an endpoint.
type CreateEndpointRequest struct {
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
}

// CreateEndpoint handles POST /api/guilds/:guild/endpoints
func (h *APIHandler) CreateEndpoint(c *fiber.Ctx) error {
	var req CreateEndpointRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.ChannelID == "" || strings.TrimSpace(req.Name) == "" {
		return badRequest(c, "channel_id and name are required")
	}

	endpoint, err := h.registry.CreateEndpoint(requestContext(c), service.CreateEndpointInput{
		GuildID:   c.Params("guild"),
		ChannelID: req.ChannelID,
		Name:      req.Name,
		CreatorID: c.Get(callerIDHeader),
	})
	if err != nil {
		return h.registryError(c, "create endpoint", err)
	}
	return c.Status(fiber.StatusCreated).JSON(newEndpointResponse(*endpoint))
}

// ListEndpoints handles GET /api/guilds/:guild/endpoints
func (h *APIHandler) ListEndpoints(c *fiber.Ctx) error {
	endpoints, err := h.registry.ListEndpointsForGuild(requestContext(c), c.Params("guild"))
	if err != nil {
		return h.registryError(c, "list endpoints", err)
	}

	response := make([]EndpointResponse, len(endpoints))
	for i, e := range endpoints {
		response[i] = newEndpointResponse(e)
	}
	return c.JSON(fiber.Map{
		"endpoints": response,
		"count":     len(response),
		"limit":     model.MaxActiveEndpointsPerGuild,
	})
}

// DeleteEndpoint handles DELETE /api/guilds/:guild/endpoints/:id
func (h *APIHandler) DeleteEndpoint(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid id")
	}
	callerID, elevated := caller(c)
	if err := h.registry.DeleteEndpoint(requestContext(c), int64(id), c.Params("guild"), callerID, elevated); err != nil {
		return h.registryError(c, "delete endpoint", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// CreateLinkRequest represents the request body for subscribing the guild in
// the URL to another guild's endpoint.
type CreateLinkRequest struct {
	SourceGuildID   string `json:"source_guild_id"`
	TargetChannelID string `json:"target_channel_id"`
	Path            string `json:"webhook_path"`
	Name            string `json:"webhook_name"`
}

// CreateLink handles POST /api/guilds/:guild/links
func (h *APIHandler) CreateLink(c *fiber.Ctx) error {
	var req CreateLinkRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SourceGuildID == "" || req.TargetChannelID == "" || req.Path == "" || req.Name == "" {
		return badRequest(c, "source_guild_id, target_channel_id, webhook_path and webhook_name are required")
	}

	link, err := h.registry.CreateCrossServerLink(requestContext(c), service.CreateLinkInput{
		SourceGuildID:   req.SourceGuildID,
		TargetGuildID:   c.Params("guild"),
		TargetChannelID: req.TargetChannelID,
		Path:            req.Path,
		ClaimedName:     req.Name,
		CreatorID:       c.Get(callerIDHeader),
	})
	if err != nil {
		return h.registryError(c, "create link", err)
	}
	return c.Status(fiber.StatusCreated).JSON(newLinkResponse(*link))
}

// ListLinks handles GET /api/guilds/:guild/links
func (h *APIHandler) ListLinks(c *fiber.Ctx) error {
	links, err := h.registry.ListCrossServerLinksForGuild(requestContext(c), c.Params("guild"))
	if err != nil {
		return h.registryError(c, "list links", err)
	}
	response := newLinkResponses(links)
	return c.JSON(fiber.Map{"links": response, "count": len(response)})
}

// ResolveLinks handles GET /api/links/:path
func (h *APIHandler) ResolveLinks(c *fiber.Ctx) error {
	links, err := h.registry.ResolveCrossServerTargets(requestContext(c), c.Params("path"))
	if err != nil {
		return h.registryError(c, "resolve links", err)
	}
	response := newLinkResponses(links)
	return c.JSON(fiber.Map{"links": response, "count": len(response)})
}

// DeleteLink handles DELETE /api/guilds/:guild/links/:id
func (h *APIHandler) DeleteLink(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return badRequest(c, "invalid id")
	}
	callerID, elevated := caller(c)
	if err := h.registry.DeleteCrossServerLink(requestContext(c), int64(id), c.Params("guild"), callerID, elevated); err != nil {
		return h.registryError(c, "delete link", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListStats handles GET /api/guilds/:guild/stats
func (h *APIHandler) ListStats(c *fiber.Ctx) error {
	stats, err := h.stats.ListByGuild(requestContext(c), c.Params("guild"))
	if err != nil {
		h.logger.Error("failed to list stats", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list stats",
		})
	}
	if stats == nil {
		stats = []model.DeliveryStat{}
	}
	return c.JSON(fiber.Map{"stats": stats, "count": len(stats)})
}

// registryError maps registry outcomes to responses. Every denial gets the
// same answer so callers cannot probe which rule refused them.
func (h *APIHandler) registryError(c *fiber.Ctx, op string, err error) error {
	status, message := fiber.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, service.ErrDenied):
		status, message = fiber.StatusForbidden, "operation denied"
	case errors.Is(err, service.ErrInvalidInput):
		status, message = fiber.StatusBadRequest, "invalid input"
	case errors.Is(err, service.ErrCapacityReached):
		status, message = fiber.StatusConflict, "endpoint limit reached"
	case errors.Is(err, service.ErrDuplicateLink):
		status, message = fiber.StatusConflict, "link already exists"
	case errors.Is(err, service.ErrCollisionExhausted):
		status, message = fiber.StatusServiceUnavailable, "could not allocate a path, try again"
	}

	if status >= fiber.StatusInternalServerError {
		h.logger.Error("registry operation failed", zap.String("op", op), zap.Error(err))
	} else {
		h.logger.Debug("registry operation refused", zap.String("op", op), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": message})
}

func caller(c *fiber.Ctx) (string, bool) {
	return c.Get(callerIDHeader), strings.EqualFold(c.Get(callerElevatedHeader), "true")
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}
