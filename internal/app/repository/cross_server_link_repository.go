package repository

import (
	"context"

	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/infra/sqlite"
)

const crossLinksTable = "cross_server_webhooks"

// CrossServerLinkRepository defines the data access contract for fanout links.
type CrossServerLinkRepository interface {
	Create(ctx context.Context, link *model.CrossServerLink) error
	GetByID(ctx context.Context, id int64) (*model.CrossServerLink, error)
	ExistsActive(ctx context.Context, sourceGuildID, targetGuildID, path string) bool
	ListActiveByPath(ctx context.Context, path string) ([]model.CrossServerLink, error)
	ListActiveByGuild(ctx context.Context, guildID string) ([]model.CrossServerLink, error)
	Disable(ctx context.Context, id int64) error
}

type crossServerLinkRepository struct {
	dal *sqlite.DAL
}

// NewCrossServerLinkRepository returns a CrossServerLinkRepository over the DAL.
func NewCrossServerLinkRepository(dal *sqlite.DAL) CrossServerLinkRepository {
	return &crossServerLinkRepository{dal: dal}
}

func (r *crossServerLinkRepository) Create(ctx context.Context, link *model.CrossServerLink) error {
	ok := r.dal.Insert(ctx, crossLinksTable, sqlite.Row{
		"source_guild_id":   link.SourceGuildID,
		"target_guild_id":   link.TargetGuildID,
		"target_channel_id": link.TargetChannelID,
		"webhook_path":      link.WebhookPath,
		"webhook_name":      link.WebhookName,
		"enabled":           true,
		"created_by":        link.CreatedBy,
	})
	if !ok {
		return ErrWriteRejected
	}

	row, found := r.dal.FindOne(ctx, crossLinksTable, activeTriple(link.SourceGuildID, link.TargetGuildID, link.WebhookPath))
	if !found {
		return ErrWriteRejected
	}
	*link = crossLinkFromRow(row)
	return nil
}

func (r *crossServerLinkRepository) GetByID(ctx context.Context, id int64) (*model.CrossServerLink, error) {
	row, ok := r.dal.FindOne(ctx, crossLinksTable, sqlite.Row{"id": id})
	if !ok {
		return nil, ErrNotFound
	}
	link := crossLinkFromRow(row)
	return &link, nil
}

func (r *crossServerLinkRepository) ExistsActive(ctx context.Context, sourceGuildID, targetGuildID, path string) bool {
	return r.dal.Count(ctx, crossLinksTable, activeTriple(sourceGuildID, targetGuildID, path)) > 0
}

func (r *crossServerLinkRepository) ListActiveByPath(ctx context.Context, path string) ([]model.CrossServerLink, error) {
	rows := r.dal.Select(ctx, crossLinksTable,
		sqlite.Row{"webhook_path": path, "enabled": true},
		sqlite.SelectOptions{OrderBy: "id ASC"},
	)
	return crossLinksFromRows(rows), nil
}

func (r *crossServerLinkRepository) ListActiveByGuild(ctx context.Context, guildID string) ([]model.CrossServerLink, error) {
	rows := r.dal.Query(ctx,
		"SELECT * FROM "+crossLinksTable+
			" WHERE enabled = 1 AND (source_guild_id = ? OR target_guild_id = ?) ORDER BY id ASC",
		guildID, guildID,
	)
	return crossLinksFromRows(rows), nil
}

func (r *crossServerLinkRepository) Disable(ctx context.Context, id int64) error {
	if !r.dal.Update(ctx, crossLinksTable, sqlite.Row{"enabled": false}, sqlite.Row{"id": id}) {
		return ErrWriteRejected
	}
	return nil
}

func activeTriple(sourceGuildID, targetGuildID, path string) sqlite.Row {
	return sqlite.Row{
		"source_guild_id": sourceGuildID,
		"target_guild_id": targetGuildID,
		"webhook_path":    path,
		"enabled":         true,
	}
}

func crossLinksFromRows(rows []sqlite.Row) []model.CrossServerLink {
	result := make([]model.CrossServerLink, 0, len(rows))
	for _, row := range rows {
		result = append(result, crossLinkFromRow(row))
	}
	return result
}

func crossLinkFromRow(row sqlite.Row) model.CrossServerLink {
	return model.CrossServerLink{
		ID:              row.Int64("id"),
		SourceGuildID:   row.String("source_guild_id"),
		TargetGuildID:   row.String("target_guild_id"),
		TargetChannelID: row.String("target_channel_id"),
		WebhookPath:     row.String("webhook_path"),
		WebhookName:     row.String("webhook_name"),
		State:           model.StateFromEnabled(row.Bool("enabled")),
		CreatedBy:       row.String("created_by"),
		CreatedAt:       row.Time("created_at"),
		UpdatedAt:       row.Time("updated_at"),
	}
}
