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
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/reconciler"
	"github.com/any-hub/offline-hub/internal/server"
)

func TestListApps(t *testing.T) {
	app, _ := newDiagnosticsApp(t, `{"resources": {"index.html": "h1"}, "core": ["index.html"]}`)

	resp := do(t, app, http.MethodGet, "/-/apps", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var payload struct {
		Apps []appPayload `json:"apps"`
	}
	decode(t, resp, &payload)
	if len(payload.Apps) != 1 || payload.Apps[0].Name != "web" {
		t.Fatalf("unexpected apps %+v", payload.Apps)
	}
	if payload.Apps[0].Origin != "http://web.local" || !payload.Apps[0].SkipWaiting {
		t.Fatalf("unexpected app payload %+v", payload.Apps[0])
	}
	if payload.Apps[0].Runtime == nil || payload.Apps[0].Runtime.Active != nil {
		t.Fatalf("runtime should be reported without an active version")
	}
}

func TestAppDetailNotFound(t *testing.T) {
	app, _ := newDiagnosticsApp(t, `{"resources": {"index.html": "h1"}}`)
	resp := do(t, app, http.MethodGet, "/-/apps/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUpdateRegistersNewVersionAndReportsDiff(t *testing.T) {
	app, manifestPath := newDiagnosticsApp(t, `{"resources": {"index.html": "h1", "a.js": "a1"}, "core": ["index.html"]}`)

	resp := do(t, app, http.MethodPost, "/-/apps/web/update", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("first update failed: %d", resp.StatusCode)
	}
	resp.Body.Close()

	writeFile(t, manifestPath, `{"resources": {"index.html": "h2", "b.js": "b1"}, "core": ["index.html"]}`)
	resp = do(t, app, http.MethodPost, "/-/apps/web/update", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("second update failed: %d", resp.StatusCode)
	}
	var payload struct {
		Diff *manifest.Diff `json:"diff"`
	}
	decode(t, resp, &payload)
	if payload.Diff == nil {
		t.Fatalf("diff should be reported for an upgrade")
	}
	if len(payload.Diff.Removed) != 1 || payload.Diff.Removed[0] != "a.js" {
		t.Fatalf("unexpected removed list %v", payload.Diff.Removed)
	}
	if len(payload.Diff.Added) != 1 || payload.Diff.Added[0] != "b.js" {
		t.Fatalf("unexpected added list %v", payload.Diff.Added)
	}

	resp = do(t, app, http.MethodGet, "/-/apps/web", "")
	var detail appPayload
	decode(t, resp, &detail)
	if len(detail.Resources) != 2 || detail.Resources[0] != "b.js" {
		t.Fatalf("detail should list the active manifest: %v", detail.Resources)
	}
}

func TestUpdateRejectsInvalidManifest(t *testing.T) {
	app, manifestPath := newDiagnosticsApp(t, `{"resources": {"index.html": "h1"}}`)
	writeFile(t, manifestPath, `{"resources": {}}`)

	resp := do(t, app, http.MethodPost, "/-/apps/web/update", "")
	if resp.StatusCode != fiber.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}

func TestMessageRouting(t *testing.T) {
	app, _ := newDiagnosticsApp(t, `{"resources": {"index.html": "h1", "a.js": "a1"}}`)

	resp := do(t, app, http.MethodPost, "/-/apps/web/message", "downloadOffline")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("message without a version should conflict, got %d", resp.StatusCode)
	}

	resp = do(t, app, http.MethodPost, "/-/apps/web/update", "")
	resp.Body.Close()

	for _, payload := range []string{"downloadOffline", "skipWaiting", "hello"} {
		resp = do(t, app, http.MethodPost, "/-/apps/web/message", payload)
		if resp.StatusCode != fiber.StatusAccepted {
			t.Fatalf("message %q: expected 202, got %d", payload, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func newDiagnosticsApp(t *testing.T, manifestJSON string) (*fiber.App, string) {
	t.Helper()
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "manifest.json")
	writeFile(t, manifestPath, manifestJSON)

	appCfg := config.AppConfig{
		Name:     "web",
		Domain:   "web.local",
		Upstream: "https://cdn.example.com",
		Manifest: manifestPath,
	}
	cfg := &config.Config{Global: config.GlobalConfig{ListenPort: 5000}, Apps: []config.AppConfig{appCfg}}
	registry, err := server.NewAppRegistry(cfg, []config.AppRuntime{{Config: appCfg, Origin: appCfg.Origin()}})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	err = server.AttachRuntimes(registry, server.RuntimeOptions{
		StoragePath:    filepath.Join(dir, "storage"),
		Network:        func(*server.AppRoute) reconciler.Network { return echoNetwork{} },
		Logger:         logger,
		InitialBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:   logger,
		Registry: registry,
		Proxy: server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.AppRoute) error {
			return c.SendStatus(fiber.StatusNoContent)
		}),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app: %v", err)
	}
	RegisterAppRoutes(app, registry, logger)
	return app, manifestPath
}

func do(t *testing.T, app *fiber.App, method, target, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://127.0.0.1:5000"+target, strings.NewReader(body))
	resp, err := app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

type echoNetwork struct{}

func (echoNetwork) Fetch(_ context.Context, req *cache.Request) (*cache.Response, error) {
	return &cache.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(req.URL)}, nil
}
