package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sifan077/HookRelay/internal/app/model"
	"github.com/sifan077/HookRelay/internal/app/service"
	"github.com/sifan077/HookRelay/internal/http/middleware"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const testPath = "0123456789ab"

type mockResolver struct {
	mu        sync.Mutex
	calls     int
	resolveFn func(ctx context.Context, path string) (*model.Endpoint, error)
	targetsFn func(ctx context.Context, path string) ([]model.CrossServerLink, error)
}

func (m *mockResolver) ResolveByPath(ctx context.Context, path string) (*model.Endpoint, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.resolveFn != nil {
		return m.resolveFn(ctx, path)
	}
	return nil, service.ErrNotFound
}

func (m *mockResolver) ResolveCrossServerTargets(ctx context.Context, path string) ([]model.CrossServerLink, error) {
	if m.targetsFn != nil {
		return m.targetsFn(ctx, path)
	}
	return nil, nil
}

type mockDeliverer struct {
	mu        sync.Mutex
	channels  []string
	deliverFn func(channelID string, payload gjson.Result, name string) bool
}

func (m *mockDeliverer) Deliver(ctx context.Context, channelID string, payload gjson.Result, name string) bool {
	m.mu.Lock()
	m.channels = append(m.channels, channelID)
	m.mu.Unlock()
	if m.deliverFn != nil {
		return m.deliverFn(channelID, payload, name)
	}
	return true
}

type recordedStat struct {
	path    string
	guildID string
	fanout  int
}

type mockRecorder struct {
	records []recordedStat
}

func (m *mockRecorder) Record(path, guildID string, fanout int) {
	m.records = append(m.records, recordedStat{path: path, guildID: guildID, fanout: fanout})
}

func activeEndpoint() *model.Endpoint {
	return &model.Endpoint{
		ID:        1,
		GuildID:   "g1",
		Path:      testPath,
		ChannelID: "primary-chan",
		Name:      "alerts",
		State:     model.StateActive,
	}
}

func newRelayApp(resolver *mockResolver, deliverer MessageDeliverer, stats service.StatRecorder) *fiber.App {
	app := fiber.New()
	app.Use(middleware.CORS(), middleware.Recovery(zap.NewNop()))
	NewRelayHandler(RelayDeps{
		Logger:    zap.NewNop(),
		Resolver:  resolver,
		Deliverer: deliverer,
		Stats:     stats,
	}).Register(app)
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	})
	return app
}

func doRequest(t *testing.T, app *fiber.App, method, target, body string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test returned error: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("response is not JSON: %s", raw)
		}
	}
	return resp.StatusCode, decoded
}

func TestRelay_RejectsBeforeTouchingRegistry(t *testing.T) {
	cases := []struct {
		name   string
		method string
		target string
		status int
		errMsg string
	}{
		{"short path", http.MethodPost, "/webhook/abc", fiber.StatusNotFound, "Invalid webhook path format"},
		{"uppercase path", http.MethodPost, "/webhook/0123456789AB", fiber.StatusNotFound, "Invalid webhook path format"},
		{"nested path", http.MethodPost, "/webhook/" + testPath + "/x", fiber.StatusNotFound, "Invalid webhook path format"},
		{"wrong method", http.MethodGet, "/webhook/" + testPath, fiber.StatusMethodNotAllowed, "Method not allowed"},
		{"bare prefix", http.MethodPost, "/webhook", fiber.StatusNotFound, "Not found"},
		{"other path", http.MethodPost, "/hooks/" + testPath, fiber.StatusNotFound, "Not found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resolver := &mockResolver{}
			app := newRelayApp(resolver, &mockDeliverer{}, &mockRecorder{})

			status, body := doRequest(t, app, tc.method, tc.target, `{"content":"hi"}`)
			if status != tc.status || body["error"] != tc.errMsg {
				t.Fatalf("got %d %v, want %d %q", status, body, tc.status, tc.errMsg)
			}
			if resolver.calls != 0 {
				t.Fatalf("expected no registry calls, got %d", resolver.calls)
			}
		})
	}
}

func TestRelay_OptionsPreflight(t *testing.T) {
	resolver := &mockResolver{}
	app := newRelayApp(resolver, &mockDeliverer{}, &mockRecorder{})

	status, _ := doRequest(t, app, http.MethodOptions, "/webhook/"+testPath, "")
	if status != fiber.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if resolver.calls != 0 {
		t.Fatal("expected preflight not to hit the registry")
	}
}

func TestRelay_UnknownOrDisabledEndpoint(t *testing.T) {
	deliverer := &mockDeliverer{}
	app := newRelayApp(&mockResolver{}, deliverer, &mockRecorder{})

	status, body := doRequest(t, app, http.MethodPost, "/webhook/"+testPath, `{"content":"hi"}`)
	if status != fiber.StatusNotFound || body["error"] != "Webhook not found or disabled" {
		t.Fatalf("unexpected response %d %v", status, body)
	}
	if len(deliverer.channels) != 0 {
		t.Fatal("expected nothing to be delivered")
	}
}

func TestRelay_RegistryFailureIsInternalError(t *testing.T) {
	resolver := &mockResolver{resolveFn: func(context.Context, string) (*model.Endpoint, error) {
		return nil, service.ErrStorage
	}}
	app := newRelayApp(resolver, &mockDeliverer{}, &mockRecorder{})

	status, body := doRequest(t, app, http.MethodPost, "/webhook/"+testPath, `{"content":"hi"}`)
	if status != fiber.StatusInternalServerError || body["error"] != "Internal server error" {
		t.Fatalf("unexpected response %d %v", status, body)
	}
}

func TestRelay_InvalidJSON(t *testing.T) {
	resolver := &mockResolver{resolveFn: func(context.Context, string) (*model.Endpoint, error) {
		return activeEndpoint(), nil
	}}

	for _, body := range []string{`{"content":`, `[1,2]`, `"text"`, ``} {
		app := newRelayApp(resolver, &mockDeliverer{}, &mockRecorder{})
		status, decoded := doRequest(t, app, http.MethodPost, "/webhook/"+testPath, body)
		if status != fiber.StatusBadRequest || decoded["error"] != "Invalid JSON" {
			t.Fatalf("body %q: unexpected response %d %v", body, status, decoded)
		}
	}
}

func TestRelay_DeliversAndRecordsStats(t *testing.T) {
	resolver := &mockResolver{resolveFn: func(ctx context.Context, path string) (*model.Endpoint, error) {
		if path != testPath {
			t.Fatalf("unexpected path %q", path)
		}
		return activeEndpoint(), nil
	}}
	var gotContent string
	deliverer := &mockDeliverer{deliverFn: func(channelID string, payload gjson.Result, name string) bool {
		gotContent = payload.Get("content").String()
		return true
	}}
	recorder := &mockRecorder{}
	app := newRelayApp(resolver, deliverer, recorder)

	status, body := doRequest(t, app, http.MethodPost, "/webhook/"+testPath, `{"content":"hello"}`)
	if status != fiber.StatusOK || body["success"] != true {
		t.Fatalf("unexpected response %d %v", status, body)
	}
	if gotContent != "hello" || deliverer.channels[0] != "primary-chan" {
		t.Fatalf("unexpected delivery %q to %v", gotContent, deliverer.channels)
	}
	if len(recorder.records) != 1 || recorder.records[0] != (recordedStat{path: testPath, guildID: "g1"}) {
		t.Fatalf("unexpected stats %+v", recorder.records)
	}
}

func TestRelay_FanoutFailureDoesNotFailRequest(t *testing.T) {
	resolver := &mockResolver{
		resolveFn: func(context.Context, string) (*model.Endpoint, error) {
			return activeEndpoint(), nil
		},
		targetsFn: func(context.Context, string) ([]model.CrossServerLink, error) {
			return []model.CrossServerLink{
				{ID: 1, TargetGuildID: "g2", TargetChannelID: "fan-ok", WebhookName: "alerts"},
				{ID: 2, TargetGuildID: "g3", TargetChannelID: "fan-broken", WebhookName: "alerts"},
				{ID: 3, TargetGuildID: "g4", TargetChannelID: "fan-ok-2", WebhookName: "alerts"},
			}, nil
		},
	}
	deliverer := &mockDeliverer{deliverFn: func(channelID string, _ gjson.Result, _ string) bool {
		return channelID != "fan-broken"
	}}
	recorder := &mockRecorder{}
	app := newRelayApp(resolver, deliverer, recorder)

	status, body := doRequest(t, app, http.MethodPost, "/webhook/"+testPath, `{"content":"hello"}`)
	if status != fiber.StatusOK || body["success"] != true {
		t.Fatalf("unexpected response %d %v", status, body)
	}
	if len(deliverer.channels) != 4 {
		t.Fatalf("expected primary plus 3 fanout deliveries, got %v", deliverer.channels)
	}
	if len(recorder.records) != 1 || recorder.records[0].fanout != 2 {
		t.Fatalf("expected 2 successful fanout deliveries recorded, got %+v", recorder.records)
	}
}

func TestRelay_PrimaryFailure(t *testing.T) {
	resolver := &mockResolver{
		resolveFn: func(context.Context, string) (*model.Endpoint, error) {
			return activeEndpoint(), nil
		},
		targetsFn: func(context.Context, string) ([]model.CrossServerLink, error) {
			return []model.CrossServerLink{{ID: 1, TargetChannelID: "fan"}}, nil
		},
	}
	deliverer := &mockDeliverer{deliverFn: func(channelID string, _ gjson.Result, _ string) bool {
		return channelID != "primary-chan"
	}}
	recorder := &mockRecorder{}
	app := newRelayApp(resolver, deliverer, recorder)

	status, body := doRequest(t, app, http.MethodPost, "/webhook/"+testPath, `{"content":"hello"}`)
	if status != fiber.StatusInternalServerError || body["error"] != "Failed to send message" {
		t.Fatalf("unexpected response %d %v", status, body)
	}
	if len(deliverer.channels) != 2 {
		t.Fatalf("expected fanout to still run, got %v", deliverer.channels)
	}
	if len(recorder.records) != 0 {
		t.Fatal("expected no stats for a failed primary delivery")
	}
}

func TestRelay_TargetLookupFailureStillSucceeds(t *testing.T) {
	resolver := &mockResolver{
		resolveFn: func(context.Context, string) (*model.Endpoint, error) {
			return activeEndpoint(), nil
		},
		targetsFn: func(context.Context, string) ([]model.CrossServerLink, error) {
			return nil, errors.New("disk I/O error")
		},
	}
	app := newRelayApp(resolver, &mockDeliverer{}, &mockRecorder{})

	status, _ := doRequest(t, app, http.MethodPost, "/webhook/"+testPath, `{"content":"hello"}`)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
}

func TestRelay_PanicBecomesInternalError(t *testing.T) {
	resolver := &mockResolver{resolveFn: func(context.Context, string) (*model.Endpoint, error) {
		panic("resolver exploded")
	}}
	app := newRelayApp(resolver, &mockDeliverer{}, &mockRecorder{})

	status, body := doRequest(t, app, http.MethodPost, "/webhook/"+testPath, `{"content":"hello"}`)
	if status != fiber.StatusInternalServerError || body["error"] != "Internal server error" {
		t.Fatalf("unexpected response %d %v", status, body)
	}
}

// The synthesized embed path runs end to end through the real Deliverer.
func TestRelay_SynthesizedEmbedThroughDeliverer(t *testing.T) {
	var sent model.Message
	sender := senderFunc(func(ctx context.Context, channelID string, msg model.Message) error {
		sent = msg
		return nil
	})
	resolver := &mockResolver{resolveFn: func(context.Context, string) (*model.Endpoint, error) {
		return activeEndpoint(), nil
	}}
	app := newRelayApp(resolver, service.NewDeliverer(sender, zap.NewNop(), "footer"), &mockRecorder{})

	status, _ := doRequest(t, app, http.MethodPost, "/webhook/"+testPath, `{"level":"critical","service":"api"}`)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(sent.Embeds) != 1 {
		t.Fatalf("expected one synthesized embed, got %+v", sent)
	}
	var embed model.Embed
	if err := json.Unmarshal(sent.Embeds[0], &embed); err != nil {
		t.Fatalf("decode embed: %v", err)
	}
	if embed.Title != "Webhook: alerts" || len(embed.Fields) != 2 {
		t.Fatalf("unexpected embed %+v", embed)
	}
	if embed.Fields[0].Name != "level" || embed.Fields[0].Value != "critical" || !embed.Fields[0].Inline {
		t.Fatalf("unexpected first field %+v", embed.Fields[0])
	}
	if embed.Fields[1].Name != "service" || embed.Fields[1].Value != "api" || !embed.Fields[1].Inline {
		t.Fatalf("unexpected second field %+v", embed.Fields[1])
	}
}

type senderFunc func(ctx context.Context, channelID string, msg model.Message) error

func (f senderFunc) SendToChannel(ctx context.Context, channelID string, msg model.Message) error {
	return f(ctx, channelID, msg)
}
