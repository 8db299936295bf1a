package repository

import (
	"context"
	"errors"

	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/infra/sqlite"
)

const endpointsTable = "webhooks"

var (
	// ErrNotFound signals that the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrWriteRejected signals that the store refused a write, either a
	// constraint violation or a driver failure.
	ErrWriteRejected = errors.New("write rejected")
)

// EndpointRepository defines the data access contract for relay endpoints.
type EndpointRepository interface {
	Create(ctx context.Context, endpoint *model.Endpoint) error
	GetByID(ctx context.Context, id int64) (*model.Endpoint, error)
	GetByPath(ctx context.Context, path string) (*model.Endpoint, error)
	PathExists(ctx context.Context, path string) bool
	CountActiveByGuild(ctx context.Context, guildID string) int
	ListActiveByGuild(ctx context.Context, guildID string) ([]model.Endpoint, error)
	ListPaths(ctx context.Context) []string
	Disable(ctx context.Context, id int64) error
}

type endpointRepository struct {
	dal *sqlite.DAL
}

// NewEndpointRepository returns an EndpointRepository over the DAL.
func NewEndpointRepository(dal *sqlite.DAL) EndpointRepository {
	return &endpointRepository{dal: dal}
}

func (r *endpointRepository) Create(ctx context.Context, endpoint *model.Endpoint) error {
	ok := r.dal.Insert(ctx, endpointsTable, sqlite.Row{
		"guild_id":   endpoint.GuildID,
		"path":       endpoint.Path,
		"channel_id": endpoint.ChannelID,
		"name":       endpoint.Name,
		"enabled":    true,
		"created_by": endpoint.CreatedBy,
	})
	if !ok {
		return ErrWriteRejected
	}

	row, found := r.dal.FindOne(ctx, endpointsTable, sqlite.Row{"path": endpoint.Path})
	if !found {
		return ErrWriteRejected
	}
	*endpoint = endpointFromRow(row)
	return nil
}

func (r *endpointRepository) GetByID(ctx context.Context, id int64) (*model.Endpoint, error) {
	return r.findOne(ctx, sqlite.Row{"id": id})
}

// GetByPath returns the endpoint regardless of state.
func (r *endpointRepository) GetByPath(ctx context.Context, path string) (*model.Endpoint, error) {
	return r.findOne(ctx, sqlite.Row{"path": path})
}

// PathExists checks disabled rows too; tokens are never reissued.
func (r *endpointRepository) PathExists(ctx context.Context, path string) bool {
	return r.dal.Count(ctx, endpointsTable, sqlite.Row{"path": path}) > 0
}

func (r *endpointRepository) CountActiveByGuild(ctx context.Context, guildID string) int {
	return r.dal.Count(ctx, endpointsTable, sqlite.Row{"guild_id": guildID, "enabled": true})
}

func (r *endpointRepository) ListActiveByGuild(ctx context.Context, guildID string) ([]model.Endpoint, error) {
	rows := r.dal.Select(ctx, endpointsTable,
		sqlite.Row{"guild_id": guildID, "enabled": true},
		sqlite.SelectOptions{OrderBy: "id ASC"},
	)

	result := make([]model.Endpoint, 0, len(rows))
	for _, row := range rows {
		result = append(result, endpointFromRow(row))
	}
	return result, nil
}

func (r *endpointRepository) ListPaths(ctx context.Context) []string {
	rows := r.dal.Select(ctx, endpointsTable, nil, sqlite.SelectOptions{Columns: []string{"path"}})
	paths := make([]string, 0, len(rows))
	for _, row := range rows {
		paths = append(paths, row.String("path"))
	}
	return paths
}

func (r *endpointRepository) Disable(ctx context.Context, id int64) error {
	if !r.dal.Update(ctx, endpointsTable, sqlite.Row{"enabled": false}, sqlite.Row{"id": id}) {
		return ErrWriteRejected
	}
	return nil
}

func (r *endpointRepository) findOne(ctx context.Context, where sqlite.Row) (*model.Endpoint, error) {
	row, ok := r.dal.FindOne(ctx, endpointsTable, where)
	if !ok {
		return nil, ErrNotFound
	}
	endpoint := endpointFromRow(row)
	return &endpoint, nil
}

func endpointFromRow(row sqlite.Row) model.Endpoint {
	return model.Endpoint{
		ID:        row.Int64("id"),
		GuildID:   row.String("guild_id"),
		Path:      row.String("path"),
		ChannelID: row.String("channel_id"),
		Name:      row.String("name"),
		State:     model.StateFromEnabled(row.Bool("enabled")),
		CreatedBy: row.String("created_by"),
		CreatedAt: row.Time("created_at"),
		UpdatedAt: row.Time("updated_at"),
	}
}
