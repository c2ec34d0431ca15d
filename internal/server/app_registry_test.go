package server

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/reconciler"
)

func TestAppRegistryLookupByHost(t *testing.T) {
	cfg := testConfig(
		config.AppConfig{
			Name:     "web",
			Domain:   "web.local",
			Upstream: "https://cdn.example.com/web",
			Manifest: "web.json",
		},
		config.AppConfig{
			Name:     "admin",
			Domain:   "admin.local",
			Upstream: "https://cdn.example.com/admin",
			Proxy:    "http://127.0.0.1:3128",
			Manifest: "admin.json",
		},
	)

	registry, err := NewAppRegistry(cfg, testRuntimes(cfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("web.local")
	if !ok {
		t.Fatalf("expected web route")
	}
	if route.Config.Name != "web" {
		t.Errorf("wrong app returned: %s", route.Config.Name)
	}
	if route.Origin != "http://web.local" {
		t.Errorf("unexpected origin: %s", route.Origin)
	}
	if route.UpstreamURL.String() != "https://cdn.example.com/web" {
		t.Errorf("unexpected upstream URL: %s", route.UpstreamURL)
	}
	if route.ProxyURL != nil {
		t.Errorf("expected nil proxy")
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}

	admin, ok := registry.LookupName("admin")
	if !ok || admin.ProxyURL == nil || admin.ProxyURL.Host != "127.0.0.1:3128" {
		t.Fatalf("admin route should carry the proxy url: %+v", admin)
	}

	list := registry.List()
	if len(list) != 2 || list[0].Config.Name != "web" || list[1].Config.Name != "admin" {
		t.Fatalf("list should follow config order")
	}
}

func TestAppRegistryParsesHostHeaderPort(t *testing.T) {
	cfg := testConfig(config.AppConfig{Name: "web", Domain: "web.local", Upstream: "https://cdn.example.com", Manifest: "web.json"})
	registry, err := NewAppRegistry(cfg, testRuntimes(cfg))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, host := range []string{"web.local:6000", "WEB.local", "web.local."} {
		if _, ok := registry.Lookup(host); !ok {
			t.Fatalf("expected lookup to normalize %q", host)
		}
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("empty host must not match")
	}
}

func TestAppRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := testConfig(
		config.AppConfig{Name: "web", Domain: "web.local", Upstream: "https://cdn.example.com", Manifest: "web.json"},
		config.AppConfig{Name: "web-alt", Domain: "web.local", Upstream: "https://mirror.example.com", Manifest: "web.json"},
	)

	if _, err := NewAppRegistry(cfg, testRuntimes(cfg)); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestStartRuntimesRegistersEveryApp(t *testing.T) {
	cfg := testConfig(
		config.AppConfig{Name: "web", Domain: "web.local", Upstream: "https://cdn.example.com", Manifest: "web.json"},
		config.AppConfig{Name: "admin", Domain: "admin.local", Upstream: "https://cdn.example.com", Manifest: "admin.json"},
	)
	registry, err := NewAppRegistry(cfg, testRuntimes(cfg))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	err = AttachRuntimes(registry, RuntimeOptions{
		StoragePath:    t.TempDir(),
		Network:        func(*AppRoute) reconciler.Network { return staticNetwork{} },
		Logger:         logger,
		InitialBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if err := StartRuntimes(context.Background(), registry, logger); err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, route := range registry.List() {
		st := route.Runtime.Status()
		if st.Active == nil {
			t.Fatalf("app %s should have an active version", route.Config.Name)
		}
		if st.Origin != route.Origin {
			t.Fatalf("runtime origin mismatch: %s", st.Origin)
		}
	}
}

func TestAttachRuntimesRequiresNetwork(t *testing.T) {
	cfg := testConfig(config.AppConfig{Name: "web", Domain: "web.local", Upstream: "https://cdn.example.com", Manifest: "web.json"})
	registry, err := NewAppRegistry(cfg, testRuntimes(cfg))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	if err := AttachRuntimes(registry, RuntimeOptions{StoragePath: t.TempDir()}); err == nil {
		t.Fatalf("missing network factory should fail")
	}
	network := func(*AppRoute) reconciler.Network { return staticNetwork{} }
	if err := AttachRuntimes(registry, RuntimeOptions{Network: network}); err == nil {
		t.Fatalf("missing storage path should fail")
	}
}

func TestAttachRuntimesIsolatesAppCaches(t *testing.T) {
	cfg := testConfig(
		config.AppConfig{Name: "web", Domain: "web.local", Upstream: "https://cdn.example.com", Manifest: "web.json"},
		config.AppConfig{Name: "admin", Domain: "admin.local", Upstream: "https://cdn.example.com", Manifest: "admin.json"},
	)
	registry, err := NewAppRegistry(cfg, testRuntimes(cfg))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	root := t.TempDir()

	err = AttachRuntimes(registry, RuntimeOptions{
		StoragePath:    root,
		Network:        func(*AppRoute) reconciler.Network { return staticNetwork{} },
		Logger:         logger,
		InitialBackoff: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}

	web, _ := registry.LookupName("web")
	admin, _ := registry.LookupName("admin")
	ctx := context.Background()
	// 依次完成首次安装：admin 的首装不能清掉 web 已激活的内容。
	if err := web.Runtime.Register(ctx, web.Manifest); err != nil {
		t.Fatalf("register web: %v", err)
	}
	if err := admin.Runtime.Register(ctx, admin.Manifest); err != nil {
		t.Fatalf("register admin: %v", err)
	}

	for _, route := range []*AppRoute{web, admin} {
		res, err := route.Runtime.Fetch(ctx, cache.NewRequest(http.MethodGet, route.Origin+"/index.html"))
		if err != nil {
			t.Fatalf("fetch %s: %v", route.Config.Name, err)
		}
		if !res.Intercepted || res.Source != reconciler.SourceCache {
			t.Fatalf("app %s shell file should be served from its own cache, got %+v", route.Config.Name, res.Source)
		}

		store, err := cache.NewStore(filepath.Join(root, route.Config.Name))
		if err != nil {
			t.Fatalf("store: %v", err)
		}
		content, err := store.Open(ctx, reconciler.PartitionContent)
		if err != nil {
			t.Fatalf("open content: %v", err)
		}
		keys, err := content.Keys(ctx)
		if err != nil {
			t.Fatalf("keys: %v", err)
		}
		if len(keys) != 1 || keys[0].URL != route.Origin+"/index.html" {
			t.Fatalf("app %s content should only hold its own entries, got %d keys", route.Config.Name, len(keys))
		}
	}
}

func testConfig(apps ...config.AppConfig) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Apps:   apps,
	}
}

func testRuntimes(cfg *config.Config) []config.AppRuntime {
	result := make([]config.AppRuntime, 0, len(cfg.Apps))
	for _, app := range cfg.Apps {
		result = append(result, config.AppRuntime{
			Config: app,
			Origin: app.Origin(),
			Manifest: &manifest.Manifest{
				Resources: manifest.Resources{"index.html": "h1"},
				Core:      []string{"index.html"},
			},
		})
	}
	return result
}

type staticNetwork struct{}

func (staticNetwork) Fetch(context.Context, *cache.Request) (*cache.Response, error) {
	return &cache.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("ok")}, nil
}
