package repository

import (
	"context"

	"github.com/sifan077/HookRelay/internal/infra/sqlite"
)

// LocaleRepository manages the per-guild locale rows owned by the command layer.
type LocaleRepository interface {
	EnsureGuild(ctx context.Context, guildID string) error
}

type localeRepository struct {
	dal *sqlite.DAL
}

// NewLocaleRepository returns a LocaleRepository over the DAL.
func NewLocaleRepository(dal *sqlite.DAL) LocaleRepository {
	return &localeRepository{dal: dal}
}

// EnsureGuild inserts a placeholder row and leaves an existing one untouched.
func (r *localeRepository) EnsureGuild(ctx context.Context, guildID string) error {
	if !r.dal.Upsert(ctx, "guild_i18n", sqlite.Row{"guild_id": guildID}, []string{"guild_id"}) {
		return ErrWriteRejected
	}
	return nil
}
