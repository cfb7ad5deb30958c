package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

type appsFixture struct {
	app          *fiber.App
	manifestPath string
	mu           sync.Mutex
	missing      map[string]bool
}

func newAppsFixture(t *testing.T) *appsFixture {
	t.Helper()
	fx := &appsFixture{missing: map[string]bool{}}
	dir := t.TempDir()
	fx.manifestPath = filepath.Join(dir, "manifest.json")
	fx.writeManifest(t, `{"resources":{"/":"r1","lazy.js":"l1"},"core":["/"]}`)

	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Apps: []config.AppConfig{
			{Name: "docs", Domain: "docs.local", Origin: "http://docs.local", Upstream: "http://upstream.local", Manifest: fx.manifestPath},
			{Name: "admin", Domain: "admin.local", Origin: "http://admin.local", Upstream: "http://upstream.local", Manifest: fx.manifestPath},
		},
	}
	registry, err := server.NewAppRegistry(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	fetchers := func(route *server.AppRoute) worker.Fetcher {
		return worker.FetcherFunc(func(ctx context.Context, req *worker.Request) (*cache.Response, error) {
			fx.mu.Lock()
			missing := fx.missing[req.URL]
			fx.mu.Unlock()
			if missing {
				return &cache.Response{Status: http.StatusNotFound}, nil
			}
			return &cache.Response{Status: http.StatusOK, Body: []byte(req.URL)}, nil
		})
	}
	if err := server.BindHosts(registry, cache.NewMemoryStorage(), fetchers, logger); err != nil {
		t.Fatalf("bind: %v", err)
	}
	server.RegisterAll(context.Background(), registry, logger)

	app := fiber.New()
	RegisterAppRoutes(app, registry, logger)
	fx.app = app
	return fx
}

func (fx *appsFixture) writeManifest(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(fx.manifestPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
}

func (fx *appsFixture) do(t *testing.T, method, target, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	resp, err := fx.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test %s %s: %v", method, target, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("decode %s: %v (%s)", target, err, raw)
	}
	return resp.StatusCode, payload
}

func TestListApps(t *testing.T) {
	fx := newAppsFixture(t)
	status, payload := fx.do(t, http.MethodGet, "/-/apps", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	apps, ok := payload["apps"].([]any)
	if !ok || len(apps) != 2 {
		t.Fatalf("expected 2 apps, got %v", payload["apps"])
	}
	first := apps[0].(map[string]any)
	if first["name"] != "admin" {
		t.Fatalf("apps should be sorted by name, got %v", first["name"])
	}
	lifecycle := first["lifecycle"].(map[string]any)
	active := lifecycle["active"].(map[string]any)
	if active["state"] != string(worker.StateActive) {
		t.Fatalf("expected active state, got %v", active["state"])
	}
}

func TestAppDetailIncludesContentKeys(t *testing.T) {
	fx := newAppsFixture(t)
	status, payload := fx.do(t, http.MethodGet, "/-/apps/docs", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	content, _ := payload["content"].([]any)
	if len(content) != 1 || content[0] != "http://docs.local/" {
		t.Fatalf("expected root in content store, got %v", payload["content"])
	}

	status, payload = fx.do(t, http.MethodGet, "/-/apps/unknown", "")
	if status != http.StatusNotFound || payload["error"] != "app_not_found" {
		t.Fatalf("expected app_not_found, got %d %v", status, payload)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	fx := newAppsFixture(t)

	status, payload := fx.do(t, http.MethodPost, "/-/apps/docs/messages", `"downloadOffline"`)
	if status != http.StatusOK || payload["message"] != worker.MessageDownloadOffline {
		t.Fatalf("unexpected response %d %v", status, payload)
	}
	_, detail := fx.do(t, http.MethodGet, "/-/apps/docs", "")
	if content, _ := detail["content"].([]any); len(content) != 2 {
		t.Fatalf("downloadOffline should prefetch lazy.js, got %v", detail["content"])
	}

	status, payload = fx.do(t, http.MethodPost, "/-/apps/docs/messages", "reboot")
	if status != http.StatusBadRequest || payload["error"] != "unknown_message" {
		t.Fatalf("expected unknown_message, got %d %v", status, payload)
	}
}

func TestRegisterEndpoint(t *testing.T) {
	fx := newAppsFixture(t)
	_, before := fx.do(t, http.MethodGet, "/-/apps/docs", "")
	oldVersion := before["lifecycle"].(map[string]any)["active"].(map[string]any)["version"]

	fx.writeManifest(t, `{"resources":{"/":"r2","lazy.js":"l2"},"core":["/"]}`)
	status, payload := fx.do(t, http.MethodPost, "/-/apps/docs/register", "")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", status, payload)
	}
	if payload["version"] == oldVersion || payload["state"] != string(worker.StateActive) {
		t.Fatalf("expected a new active version, got %v", payload)
	}

	fx.mu.Lock()
	fx.missing["http://docs.local/main.js"] = true
	fx.mu.Unlock()
	fx.writeManifest(t, `{"resources":{"/":"r3","main.js":"m3"},"core":["/","main.js"]}`)
	status, payload = fx.do(t, http.MethodPost, "/-/apps/docs/register", "")
	if status != http.StatusBadGateway || payload["error"] != "install_failed" {
		t.Fatalf("expected install_failed, got %d %v", status, payload)
	}

	fx.writeManifest(t, `{"resources":{}}`)
	status, payload = fx.do(t, http.MethodPost, "/-/apps/docs/register", "")
	if status != http.StatusUnprocessableEntity || payload["error"] != "manifest_invalid" {
		t.Fatalf("expected manifest_invalid, got %d %v", status, payload)
	}
}

func TestDecodeMessage(t *testing.T) {
	cases := map[string]string{
		"skipWaiting":          "skipWaiting",
		`"downloadOffline"`:    "downloadOffline",
		"  skipWaiting\n":      "skipWaiting",
		`{"type":"unrelated"}`: `{"type":"unrelated"}`,
	}
	for input, want := range cases {
		if got := decodeMessage([]byte(input)); got != want {
			t.Fatalf("decodeMessage(%q) = %q, want %q", input, got, want)
		}
	}
}
