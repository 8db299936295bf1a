package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/app/repository"
	"github.com/sifan077/HookRelay/internal/app/service"
	"github.com/sifan077/HookRelay/internal/infra/sqlite/sqlitetest"
	"go.uber.org/zap"
)

const adminToken = "s3cret"

func newAPIApp(t *testing.T) *fiber.App {
	t.Helper()
	db, dal := sqlitetest.Open(t)
	registry := service.NewRegistry(zap.NewNop(),
		repository.NewEndpointRepository(dal),
		repository.NewCrossServerLinkRepository(dal),
	)

	app := fiber.New()
	NewAPIHandler(APIDeps{
		Logger:   zap.NewNop(),
		Registry: registry,
		Stats:    repository.NewStatRepository(dal, db),
		Token:    adminToken,
	}).Register(app)
	return app
}

type apiCall struct {
	method   string
	target   string
	body     string
	caller   string
	elevated bool
	token    string
}

func callAPI(t *testing.T, app *fiber.App, call apiCall) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if call.body != "" {
		reader = strings.NewReader(call.body)
	}
	req := httptest.NewRequest(call.method, call.target, reader)
	req.Header.Set("Content-Type", "application/json")
	token := call.token
	if token == "" {
		token = adminToken
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if call.caller != "" {
		req.Header.Set(callerIDHeader, call.caller)
	}
	if call.elevated {
		req.Header.Set(callerElevatedHeader, "true")
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test returned error: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp.StatusCode, decoded
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	app := newAPIApp(t)

	status, _ := callAPI(t, app, apiCall{method: http.MethodGet, target: "/api/guilds/g1/endpoints", token: "wrong"})
	if status != fiber.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/guilds/g1/endpoints", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test returned error: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 without header, got %d", resp.StatusCode)
	}
}

func TestAPI_EndpointLifecycle(t *testing.T) {
	app := newAPIApp(t)

	var id float64
	for i := 0; i < model.MaxActiveEndpointsPerGuild; i++ {
		status, body := callAPI(t, app, apiCall{
			method: http.MethodPost,
			target: "/api/guilds/g1/endpoints",
			body:   `{"channel_id":"c1","name":"alerts"}`,
			caller: "u1",
		})
		if status != fiber.StatusCreated {
			t.Fatalf("create %d: expected 201, got %d %v", i, status, body)
		}
		if !strings.HasPrefix(body["url"].(string), "/webhook/") {
			t.Fatalf("unexpected url %v", body["url"])
		}
		if i == 0 {
			id = body["id"].(float64)
		}
	}

	status, body := callAPI(t, app, apiCall{
		method: http.MethodPost,
		target: "/api/guilds/g1/endpoints",
		body:   `{"channel_id":"c1","name":"sixth"}`,
		caller: "u1",
	})
	if status != fiber.StatusConflict || body["error"] != "endpoint limit reached" {
		t.Fatalf("expected capacity conflict, got %d %v", status, body)
	}

	status, body = callAPI(t, app, apiCall{method: http.MethodGet, target: "/api/guilds/g1/endpoints"})
	if status != fiber.StatusOK || body["count"].(float64) != float64(model.MaxActiveEndpointsPerGuild) {
		t.Fatalf("unexpected list %d %v", status, body)
	}

	target := "/api/guilds/g1/endpoints/" + jsonInt(id)
	status, forbidden := callAPI(t, app, apiCall{method: http.MethodDelete, target: target, caller: "u2"})
	if status != fiber.StatusForbidden {
		t.Fatalf("expected 403 for stranger, got %d", status)
	}
	status, _ = callAPI(t, app, apiCall{method: http.MethodDelete, target: target, caller: "u1"})
	if status != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	status, again := callAPI(t, app, apiCall{method: http.MethodDelete, target: target, caller: "u1"})
	if status != fiber.StatusForbidden || again["error"] != forbidden["error"] {
		t.Fatalf("expected second delete to get the same generic denial, got %d %v", status, again)
	}
}

func TestAPI_LinkLifecycle(t *testing.T) {
	app := newAPIApp(t)

	_, created := callAPI(t, app, apiCall{
		method: http.MethodPost,
		target: "/api/guilds/src/endpoints",
		body:   `{"channel_id":"c1","name":"alerts"}`,
		caller: "owner",
	})
	path := created["path"].(string)

	status, body := callAPI(t, app, apiCall{
		method: http.MethodPost,
		target: "/api/guilds/dst/links",
		body:   `{"source_guild_id":"src","target_channel_id":"dst-chan","webhook_path":"` + path + `","webhook_name":"wrong"}`,
		caller: "linker",
	})
	if status != fiber.StatusForbidden {
		t.Fatalf("expected name mismatch to be denied, got %d %v", status, body)
	}

	linkBody := `{"source_guild_id":"src","target_channel_id":"dst-chan","webhook_path":"` + path + `","webhook_name":"alerts"}`
	status, link := callAPI(t, app, apiCall{method: http.MethodPost, target: "/api/guilds/dst/links", body: linkBody, caller: "linker"})
	if status != fiber.StatusCreated || link["target_guild_id"] != "dst" {
		t.Fatalf("unexpected create %d %v", status, link)
	}
	status, _ = callAPI(t, app, apiCall{method: http.MethodPost, target: "/api/guilds/dst/links", body: linkBody, caller: "linker"})
	if status != fiber.StatusConflict {
		t.Fatalf("expected duplicate conflict, got %d", status)
	}

	status, resolved := callAPI(t, app, apiCall{method: http.MethodGet, target: "/api/links/" + path})
	if status != fiber.StatusOK || resolved["count"].(float64) != 1 {
		t.Fatalf("unexpected resolve %d %v", status, resolved)
	}
	status, listed := callAPI(t, app, apiCall{method: http.MethodGet, target: "/api/guilds/src/links"})
	if status != fiber.StatusOK || listed["count"].(float64) != 1 {
		t.Fatalf("unexpected list %d %v", status, listed)
	}

	target := "/api/guilds/src/links/" + jsonInt(link["id"].(float64))
	status, _ = callAPI(t, app, apiCall{method: http.MethodDelete, target: target, caller: "owner", elevated: true})
	if status != fiber.StatusNoContent {
		t.Fatalf("expected elevated source-guild caller to delete, got %d", status)
	}
}

func TestAPI_Stats(t *testing.T) {
	db, dal := sqlitetest.Open(t)
	stats := repository.NewStatRepository(dal, db)
	if err := stats.ApplyIncrements(context.Background(), []repository.StatIncrement{{Path: "0123456789ab", GuildID: "g1", Requests: 4}}); err != nil {
		t.Fatalf("seed stats: %v", err)
	}

	app := fiber.New()
	NewAPIHandler(APIDeps{Stats: stats, Token: adminToken}).Register(app)

	status, body := callAPI(t, app, apiCall{method: http.MethodGet, target: "/api/guilds/g1/stats"})
	if status != fiber.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("unexpected stats %d %v", status, body)
	}
	row := body["stats"].([]any)[0].(map[string]any)
	if row["request_count"].(float64) != 4 {
		t.Fatalf("unexpected row %v", row)
	}
}

type failingStats struct{}

func (failingStats) ListByGuild(context.Context, string) ([]model.DeliveryStat, error) {
	return nil, errors.New("no such table")
}

func TestAPI_StatsFailure(t *testing.T) {
	app := fiber.New()
	NewAPIHandler(APIDeps{Stats: failingStats{}, Token: adminToken}).Register(app)

	status, _ := callAPI(t, app, apiCall{method: http.MethodGet, target: "/api/guilds/g1/stats"})
	if status != fiber.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
}

func TestHealth(t *testing.T) {
	_, dal := sqlitetest.Open(t)
	app := fiber.New()
	NewHealthHandler(zap.NewNop(), dal).Register(app)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("app.Test returned error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	down := fiber.New()
	NewHealthHandler(zap.NewNop(), pingerFunc(func(context.Context) error { return errors.New("closed") })).Register(down)
	resp, err = down.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	if err != nil {
		t.Fatalf("app.Test returned error: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func jsonInt(v float64) string {
	b, _ := json.Marshal(int64(v))
	return string(b)
}
