package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/infra/sqlite/sqlitetest"
)

func TestEndpointRepository_CreateAndLookup(t *testing.T) {
	_, dal := sqlitetest.Open(t)
	repo := NewEndpointRepository(dal)
	ctx := context.Background()

	endpoint := &model.Endpoint{
		GuildID:   "g1",
		Path:      "0123456789ab",
		ChannelID: "c1",
		Name:      "alerts",
		CreatedBy: "u1",
	}
	if err := repo.Create(ctx, endpoint); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if endpoint.ID == 0 {
		t.Fatal("expected Create to fill in the row id")
	}
	if endpoint.State != model.StateActive {
		t.Fatalf("expected new endpoint to be active, got %s", endpoint.State)
	}
	if endpoint.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be populated")
	}

	got, err := repo.GetByPath(ctx, "0123456789ab")
	if err != nil {
		t.Fatalf("GetByPath returned error: %v", err)
	}
	if got.ID != endpoint.ID || got.Name != "alerts" {
		t.Fatalf("unexpected endpoint: %+v", got)
	}

	if _, err := repo.GetByID(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEndpointRepository_DuplicatePathRejected(t *testing.T) {
	_, dal := sqlitetest.Open(t)
	repo := NewEndpointRepository(dal)
	ctx := context.Background()

	first := &model.Endpoint{GuildID: "g1", Path: "aaaaaaaaaaaa", ChannelID: "c", Name: "a", CreatedBy: "u"}
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	second := &model.Endpoint{GuildID: "g2", Path: "aaaaaaaaaaaa", ChannelID: "c", Name: "b", CreatedBy: "u"}
	if err := repo.Create(ctx, second); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("expected ErrWriteRejected, got %v", err)
	}
}

func TestEndpointRepository_DisableHidesFromActiveQueries(t *testing.T) {
	_, dal := sqlitetest.Open(t)
	repo := NewEndpointRepository(dal)
	ctx := context.Background()

	endpoint := &model.Endpoint{GuildID: "g1", Path: "bbbbbbbbbbbb", ChannelID: "c", Name: "a", CreatedBy: "u"}
	if err := repo.Create(ctx, endpoint); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := repo.Disable(ctx, endpoint.ID); err != nil {
		t.Fatalf("Disable returned error: %v", err)
	}

	if n := repo.CountActiveByGuild(ctx, "g1"); n != 0 {
		t.Fatalf("expected 0 active endpoints, got %d", n)
	}
	list, _ := repo.ListActiveByGuild(ctx, "g1")
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
	if !repo.PathExists(ctx, "bbbbbbbbbbbb") {
		t.Fatal("expected disabled path to still count as existing")
	}
	got, err := repo.GetByPath(ctx, "bbbbbbbbbbbb")
	if err != nil {
		t.Fatalf("GetByPath returned error: %v", err)
	}
	if got.State != model.StateDisabled {
		t.Fatalf("expected disabled state, got %s", got.State)
	}
	if paths := repo.ListPaths(ctx); len(paths) != 1 || paths[0] != "bbbbbbbbbbbb" {
		t.Fatalf("unexpected paths %v", paths)
	}
}

func TestCrossServerLinkRepository_ActiveUniqueness(t *testing.T) {
	_, dal := sqlitetest.Open(t)
	repo := NewCrossServerLinkRepository(dal)
	ctx := context.Background()

	newLink := func() *model.CrossServerLink {
		return &model.CrossServerLink{
			SourceGuildID:   "src",
			TargetGuildID:   "dst",
			TargetChannelID: "chan",
			WebhookPath:     "cccccccccccc",
			WebhookName:     "alerts",
			CreatedBy:       "u1",
		}
	}

	first := newLink()
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := repo.Create(ctx, newLink()); !errors.Is(err, ErrWriteRejected) {
		t.Fatalf("expected duplicate active link to be rejected, got %v", err)
	}

	if err := repo.Disable(ctx, first.ID); err != nil {
		t.Fatalf("Disable returned error: %v", err)
	}
	if repo.ExistsActive(ctx, "src", "dst", "cccccccccccc") {
		t.Fatal("expected no active link after disable")
	}
	if err := repo.Create(ctx, newLink()); err != nil {
		t.Fatalf("expected re-link after disable to succeed, got %v", err)
	}
}

func TestCrossServerLinkRepository_ListActiveByGuild(t *testing.T) {
	_, dal := sqlitetest.Open(t)
	repo := NewCrossServerLinkRepository(dal)
	ctx := context.Background()

	for _, l := range []model.CrossServerLink{
		{SourceGuildID: "a", TargetGuildID: "b", TargetChannelID: "c1", WebhookPath: "111111111111", WebhookName: "x", CreatedBy: "u"},
		{SourceGuildID: "c", TargetGuildID: "a", TargetChannelID: "c2", WebhookPath: "222222222222", WebhookName: "y", CreatedBy: "u"},
		{SourceGuildID: "c", TargetGuildID: "d", TargetChannelID: "c3", WebhookPath: "333333333333", WebhookName: "z", CreatedBy: "u"},
	} {
		link := l
		if err := repo.Create(ctx, &link); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	links, err := repo.ListActiveByGuild(ctx, "a")
	if err != nil {
		t.Fatalf("ListActiveByGuild returned error: %v", err)
	}
	if len(links) != 2 {
		t.Fatalf("expected 2 links for guild a, got %d", len(links))
	}
	for _, l := range links {
		if !l.Involves("a") {
			t.Fatalf("unexpected link %+v", l)
		}
	}

	byPath, _ := repo.ListActiveByPath(ctx, "333333333333")
	if len(byPath) != 1 || byPath[0].TargetChannelID != "c3" {
		t.Fatalf("unexpected links by path: %+v", byPath)
	}
}

func TestStatRepository_ApplyIncrementsAccumulates(t *testing.T) {
	db, dal := sqlitetest.Open(t)
	repo := NewStatRepository(dal, db)
	ctx := context.Background()
	now := time.Now()

	if err := repo.ApplyIncrements(ctx, []StatIncrement{
		{Path: "dddddddddddd", GuildID: "g1", Requests: 1, Fanout: 2, LastUsedAt: now},
	}); err != nil {
		t.Fatalf("ApplyIncrements returned error: %v", err)
	}
	if err := repo.ApplyIncrements(ctx, []StatIncrement{
		{Path: "dddddddddddd", GuildID: "g1", Requests: 3, Fanout: 1, LastUsedAt: now.Add(time.Second)},
		{Path: "eeeeeeeeeeee", GuildID: "g1", Requests: 1, LastUsedAt: now},
	}); err != nil {
		t.Fatalf("ApplyIncrements returned error: %v", err)
	}

	stats, err := repo.ListByGuild(ctx, "g1")
	if err != nil {
		t.Fatalf("ListByGuild returned error: %v", err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 stat rows, got %d", len(stats))
	}
	if stats[0].Path != "dddddddddddd" || stats[0].RequestCount != 4 || stats[0].FanoutCount != 3 {
		t.Fatalf("unexpected first row: %+v", stats[0])
	}
	if stats[0].LastUsedAt == nil {
		t.Fatal("expected last_used_at to be set")
	}
}

func TestLocaleRepository_EnsureGuildKeepsExisting(t *testing.T) {
	_, dal := sqlitetest.Open(t)
	repo := NewLocaleRepository(dal)
	ctx := context.Background()

	if !dal.Insert(ctx, "guild_i18n", map[string]any{"guild_id": "g1", "locale": "de"}) {
		t.Fatal("seed insert failed")
	}
	if err := repo.EnsureGuild(ctx, "g1"); err != nil {
		t.Fatalf("EnsureGuild returned error: %v", err)
	}
	if err := repo.EnsureGuild(ctx, "g2"); err != nil {
		t.Fatalf("EnsureGuild returned error: %v", err)
	}

	row, ok := dal.FindOne(ctx, "guild_i18n", map[string]any{"guild_id": "g1"})
	if !ok || row.String("locale") != "de" {
		t.Fatalf("expected existing locale to survive, got %v", row)
	}
	if dal.Count(ctx, "guild_i18n", nil) != 2 {
		t.Fatal("expected placeholder row for g2")
	}
}
