package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/worker"
)

// AppRoute 将 App 配置与派生属性（源、解析后的 Upstream/Proxy URL、清单）
// 聚合在一起，供路由/代理层直接复用。
type AppRoute struct {
	// Config 是 config.toml 中声明的 App 字段副本。
	Config config.AppConfig
	// ListenPort 记录当前监听端口，方便日志输出。
	ListenPort int
	// Origin 是客户端视角的站点源，所有缓存键以它为前缀。
	Origin string
	// UpstreamURL/ProxyURL 在构造 Registry 时提前解析完成。
	UpstreamURL *url.URL
	ProxyURL    *url.URL
	// Manifest 是启动时加载的清单；update 接口会重新读取文件。
	Manifest *manifest.Manifest
	// Runtime 由 AttachRuntimes 注入，负责该 App 的版本生命周期。
	Runtime *worker.Runtime
}

// AppRegistry 提供 Host/Host:port 到 AppRoute 的查询能力，所有 App 共享同一个监听端口。
type AppRegistry struct {
	routes  map[string]*AppRoute
	byName  map[string]*AppRoute
	ordered []*AppRoute
}

// NewAppRegistry 根据配置与已加载的清单构建 Host 映射。调用方应在启动阶段创建一次并复用。
func NewAppRegistry(cfg *config.Config, apps []config.AppRuntime) (*AppRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &AppRegistry{
		routes: make(map[string]*AppRoute, len(apps)),
		byName: make(map[string]*AppRoute, len(apps)),
	}

	for _, app := range apps {
		normalizedHost := normalizeDomain(app.Config.Domain)
		if normalizedHost == "" {
			return nil, fmt.Errorf("invalid domain for app %s", app.Config.Name)
		}
		if _, exists := registry.routes[normalizedHost]; exists {
			return nil, fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}
		if _, exists := registry.byName[app.Config.Name]; exists {
			return nil, fmt.Errorf("duplicate app name %s", app.Config.Name)
		}

		route, err := buildAppRoute(cfg, app)
		if err != nil {
			return nil, err
		}

		registry.routes[normalizedHost] = route
		registry.byName[route.Config.Name] = route
		registry.ordered = append(registry.ordered, route)
	}

	return registry, nil
}

// Lookup 根据 Host 或 Host:port 查找 AppRoute。
func (r *AppRegistry) Lookup(host string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}

	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}

	route, ok := r.routes[normalizedHost]
	return route, ok
}

// LookupName 按 App 名称查找，供诊断接口使用。
func (r *AppRegistry) LookupName(name string) (*AppRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[strings.TrimSpace(name)]
	return route, ok
}

// List 返回按配置顺序排列的 AppRoute 指针。
func (r *AppRegistry) List() []*AppRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*AppRoute(nil), r.ordered...)
}

func buildAppRoute(cfg *config.Config, app config.AppRuntime) (*AppRoute, error) {
	upstreamURL, err := url.Parse(app.Config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for app %s: %w", app.Config.Name, err)
	}

	var proxyURL *url.URL
	if app.Config.Proxy != "" {
		proxyURL, err = url.Parse(app.Config.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy for app %s: %w", app.Config.Name, err)
		}
	}

	origin := app.Origin
	if origin == "" {
		origin = app.Config.Origin()
	}

	return &AppRoute{
		Config:      app.Config,
		ListenPort:  cfg.Global.ListenPort,
		Origin:      origin,
		UpstreamURL: upstreamURL,
		ProxyURL:    proxyURL,
		Manifest:    app.Manifest,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
