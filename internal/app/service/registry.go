package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/app/repository"
	"github.com/sifan077/HookRelay/internal/http/util"
	"go.uber.org/zap"
)

const maxPathAttempts = 10

// EndpointHook runs after an endpoint is stored. Failures are logged and do
// not undo the creation.
type EndpointHook func(ctx context.Context, endpoint model.Endpoint) error

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithTokenGenerator replaces the crypto/rand path generator.
func WithTokenGenerator(fn func() (string, error)) RegistryOption {
	return func(r *Registry) {
		r.newToken = fn
	}
}

// WithEndpointHook appends a post-create hook.
func WithEndpointHook(hook EndpointHook) RegistryOption {
	return func(r *Registry) {
		r.hooks = append(r.hooks, hook)
	}
}

// WithPathFilter enables the negative-lookup filter in ResolveByPath. Call
// Warm before serving traffic so existing paths are known.
func WithPathFilter(capacity uint, falsePositive float64) RegistryOption {
	return func(r *Registry) {
		if capacity == 0 || falsePositive <= 0 || falsePositive >= 1 {
			return
		}
		r.filter = bloom.NewWithEstimates(capacity, falsePositive)
	}
}

// CreateEndpointInput captures data required to create an endpoint.
type CreateEndpointInput struct {
	GuildID   string
	ChannelID string
	Name      string
	CreatorID string
}

// CreateLinkInput captures data required to create a cross-server link.
// TargetGuildID is the guild asking for the copy.
type CreateLinkInput struct {
	SourceGuildID   string
	TargetGuildID   string
	TargetChannelID string
	Path            string
	ClaimedName     string
	CreatorID       string
}

// Registry owns endpoint and cross-server link lifecycles.
type Registry struct {
	logger    *zap.Logger
	endpoints repository.EndpointRepository
	links     repository.CrossServerLinkRepository
	newToken  func() (string, error)
	hooks     []EndpointHook

	// createMu serialises capacity and uniqueness checks with the insert.
	createMu sync.Mutex

	filterMu sync.RWMutex
	filter   *bloom.BloomFilter
}

// NewRegistry returns a Registry backed by the given repositories.
func NewRegistry(logger *zap.Logger, endpoints repository.EndpointRepository, links repository.CrossServerLinkRepository, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger:    logger,
		endpoints: endpoints,
		links:     links,
		newToken:  util.NewPathToken,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Warm loads every issued path, disabled ones included, into the filter.
func (r *Registry) Warm(ctx context.Context) int {
	if r.filter == nil {
		return 0
	}
	paths := r.endpoints.ListPaths(ctx)

	r.filterMu.Lock()
	defer r.filterMu.Unlock()
	for _, p := range paths {
		r.filter.AddString(p)
	}
	r.logger.Info("path filter warmed", zap.Int("paths", len(paths)))
	return len(paths)
}

func (r *Registry) CreateEndpoint(ctx context.Context, input CreateEndpointInput) (*model.Endpoint, error) {
	if input.GuildID == "" || input.ChannelID == "" || strings.TrimSpace(input.Name) == "" {
		return nil, ErrInvalidInput
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if r.endpoints.CountActiveByGuild(ctx, input.GuildID) >= model.MaxActiveEndpointsPerGuild {
		return nil, ErrCapacityReached
	}

	for attempt := 1; attempt <= maxPathAttempts; attempt++ {
		path, err := r.newToken()
		if err != nil {
			return nil, fmt.Errorf("generate path: %w", err)
		}
		if r.endpoints.PathExists(ctx, path) {
			r.logger.Debug("path collision", zap.Int("attempt", attempt))
			continue
		}

		r.remember(path)
		endpoint := &model.Endpoint{
			GuildID:   input.GuildID,
			Path:      path,
			ChannelID: input.ChannelID,
			Name:      strings.TrimSpace(input.Name),
			CreatedBy: input.CreatorID,
		}
		if err := r.endpoints.Create(ctx, endpoint); err != nil {
			if r.endpoints.PathExists(ctx, path) {
				r.logger.Debug("path collision on insert", zap.Int("attempt", attempt))
				continue
			}
			return nil, fmt.Errorf("%w: create endpoint: %v", ErrStorage, err)
		}

		r.runHooks(ctx, *endpoint)
		r.logger.Info("endpoint created",
			zap.String("guild_id", endpoint.GuildID),
			zap.Int64("endpoint_id", endpoint.ID),
			zap.String("name", endpoint.Name),
		)
		return endpoint, nil
	}
	return nil, ErrCollisionExhausted
}

func (r *Registry) DeleteEndpoint(ctx context.Context, endpointID int64, guildID, callerID string, elevated bool) error {
	endpoint, err := r.endpoints.GetByID(ctx, endpointID)
	if err != nil || !endpoint.State.Active() || endpoint.GuildID != guildID {
		return ErrNotFound
	}
	if !canMutate(endpoint.CreatedBy, callerID, elevated) {
		return ErrForbidden
	}
	if _, changed := endpoint.State.Disable(); !changed {
		return ErrNotFound
	}
	if err := r.endpoints.Disable(ctx, endpoint.ID); err != nil {
		return fmt.Errorf("%w: disable endpoint: %v", ErrStorage, err)
	}
	r.logger.Info("endpoint disabled",
		zap.String("guild_id", guildID),
		zap.Int64("endpoint_id", endpointID),
		zap.String("caller_id", callerID),
	)
	return nil
}

// ResolveByPath returns the enabled endpoint behind path.
func (r *Registry) ResolveByPath(ctx context.Context, path string) (*model.Endpoint, error) {
	if !util.IsPathToken(path) || !r.mayExist(path) {
		return nil, ErrNotFound
	}
	endpoint, err := r.endpoints.GetByPath(ctx, path)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: resolve path: %v", ErrStorage, err)
	}
	if !endpoint.State.Active() {
		return nil, ErrNotFound
	}
	return endpoint, nil
}

// ListEndpointsForGuild returns enabled endpoints, oldest first.
func (r *Registry) ListEndpointsForGuild(ctx context.Context, guildID string) ([]model.Endpoint, error) {
	endpoints, err := r.endpoints.ListActiveByGuild(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: list endpoints: %v", ErrStorage, err)
	}
	return endpoints, nil
}

// CreateCrossServerLink subscribes TargetGuildID to an endpoint of
// SourceGuildID. Knowing the path and the name is the only proof asked.
func (r *Registry) CreateCrossServerLink(ctx context.Context, input CreateLinkInput) (*model.CrossServerLink, error) {
	if input.SourceGuildID == "" || input.TargetGuildID == "" || input.TargetChannelID == "" {
		return nil, ErrInvalidInput
	}

	endpoint, err := r.endpoints.GetByPath(ctx, input.Path)
	if err != nil || !endpoint.State.Active() || endpoint.GuildID != input.SourceGuildID {
		return nil, ErrNotFound
	}
	if endpoint.Name != input.ClaimedName {
		return nil, ErrNameMismatch
	}

	r.createMu.Lock()
	defer r.createMu.Unlock()

	if r.links.ExistsActive(ctx, input.SourceGuildID, input.TargetGuildID, input.Path) {
		return nil, ErrDuplicateLink
	}

	link := &model.CrossServerLink{
		SourceGuildID:   input.SourceGuildID,
		TargetGuildID:   input.TargetGuildID,
		TargetChannelID: input.TargetChannelID,
		WebhookPath:     endpoint.Path,
		WebhookName:     endpoint.Name,
		CreatedBy:       input.CreatorID,
	}
	if err := r.links.Create(ctx, link); err != nil {
		if r.links.ExistsActive(ctx, input.SourceGuildID, input.TargetGuildID, input.Path) {
			return nil, ErrDuplicateLink
		}
		return nil, fmt.Errorf("%w: create link: %v", ErrStorage, err)
	}

	r.logger.Info("cross-server link created",
		zap.String("source_guild_id", link.SourceGuildID),
		zap.String("target_guild_id", link.TargetGuildID),
		zap.Int64("link_id", link.ID),
	)
	return link, nil
}

// ResolveCrossServerTargets returns every enabled link for path.
func (r *Registry) ResolveCrossServerTargets(ctx context.Context, path string) ([]model.CrossServerLink, error) {
	links, err := r.links.ListActiveByPath(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve targets: %v", ErrStorage, err)
	}
	return links, nil
}

// ListCrossServerLinksForGuild returns enabled links where guildID is the
// source or the target.
func (r *Registry) ListCrossServerLinksForGuild(ctx context.Context, guildID string) ([]model.CrossServerLink, error) {
	links, err := r.links.ListActiveByGuild(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: list links: %v", ErrStorage, err)
	}
	return links, nil
}

func (r *Registry) DeleteCrossServerLink(ctx context.Context, linkID int64, callerGuildID, callerID string, elevated bool) error {
	link, err := r.links.GetByID(ctx, linkID)
	if err != nil || !link.State.Active() || !link.Involves(callerGuildID) {
		return ErrNotFound
	}
	if !canMutate(link.CreatedBy, callerID, elevated) {
		return ErrForbidden
	}
	if _, changed := link.State.Disable(); !changed {
		return ErrNotFound
	}
	if err := r.links.Disable(ctx, link.ID); err != nil {
		return fmt.Errorf("%w: disable link: %v", ErrStorage, err)
	}
	r.logger.Info("cross-server link disabled",
		zap.Int64("link_id", linkID),
		zap.String("caller_guild_id", callerGuildID),
		zap.String("caller_id", callerID),
	)
	return nil
}

func canMutate(creatorID, callerID string, elevated bool) bool {
	return elevated || (callerID != "" && creatorID == callerID)
}

func (r *Registry) remember(path string) {
	if r.filter == nil {
		return
	}
	r.filterMu.Lock()
	r.filter.AddString(path)
	r.filterMu.Unlock()
}

func (r *Registry) mayExist(path string) bool {
	if r.filter == nil {
		return true
	}
	r.filterMu.RLock()
	defer r.filterMu.RUnlock()
	return r.filter.TestString(path)
}

func (r *Registry) runHooks(ctx context.Context, endpoint model.Endpoint) {
	for _, hook := range r.hooks {
		if err := hook(ctx, endpoint); err != nil {
			r.logger.Warn("endpoint hook failed",
				zap.String("guild_id", endpoint.GuildID),
				zap.Error(err),
			)
		}
	}
}

// NewLocaleSeeder returns a hook that makes sure the owning guild has a
// locale row.
func NewLocaleSeeder(repo repository.LocaleRepository) EndpointHook {
	return func(ctx context.Context, endpoint model.Endpoint) error {
		return repo.EnsureGuild(ctx, endpoint.GuildID)
	}
}
