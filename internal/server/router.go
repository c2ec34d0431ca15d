package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DiagnosticsPrefix 下的路径不按 Host 路由，由 routes 包注册的诊断接口处理。
	DiagnosticsPrefix = "/-/apps"
	// HeaderApp 标明请求被映射到的 App 名称。
	HeaderApp = "X-Offline-Hub-App"
	// HeaderHost 在 Host 未映射时回显原始 Host，便于排查 DNS/hosts 配置。
	HeaderHost = "X-Offline-Hub-Host"

	contextKeyRoute     = "_offlinehub_route"
	contextKeyRequestID = "_offlinehub_request_id"
)

// ProxyHandler 处理已映射到 App 的请求：命中离线缓存或透传上游。
type ProxyHandler interface {
	Handle(fiber.Ctx, *AppRoute) error
}

// ProxyHandlerFunc 让普通函数满足 ProxyHandler。
type ProxyHandlerFunc func(fiber.Ctx, *AppRoute) error

// Handle 调用 f 本身。
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *AppRoute) error {
	return f(c, route)
}

// AppOptions 描述网关 Fiber 应用的依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *AppRegistry
	Proxy      ProxyHandler
	ListenPort int
}

// NewApp 构建网关：recover → 请求 ID → Host 映射 → ProxyHandler。
// 诊断路径跳过 Host 映射，其余未映射的 Host 一律 404 app_not_configured。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("app registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		AppName:       "offline-hub",
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	app.Use(appRouteMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		route, ok := getRouteFromContext(c)
		if !ok {
			// 诊断路径交给随后注册的 /-/apps 路由；都未命中时由 ErrorHandler 返回 404。
			return c.Next()
		}
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// appRouteMiddleware 基于 Host/Host:port 查找 AppRoute 并写入上下文。
func appRouteMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		if IsDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}

		rawHost := strings.TrimSpace(getHostHeader(c))
		route, ok := opts.Registry.Lookup(rawHost)
		if !ok {
			return renderAppNotConfigured(c, opts, rawHost)
		}

		c.Locals(contextKeyRoute, route)
		c.Set(HeaderApp, route.Config.Name)
		return c.Next()
	}
}

func renderAppNotConfigured(c fiber.Ctx, opts AppOptions, host string) error {
	opts.Logger.WithFields(logrus.Fields{
		"action":     "host_lookup",
		"host":       host,
		"port":       opts.ListenPort,
		"request_id": RequestID(c),
	}).Warn("app_not_configured")

	if host != "" {
		c.Set(HeaderHost, host)
	}

	routes := opts.Registry.List()
	domains := make([]string, 0, len(routes))
	for _, route := range routes {
		domains = append(domains, route.Config.Domain)
	}
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
		"error":   "app_not_configured",
		"host":    host,
		"domains": domains,
	})
}

func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status, code := fiber.StatusInternalServerError, "internal_error"
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status, code = fe.Code, "request_error"
		}
		if status >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "request",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).WithError(err).Error("request_failed")
		}
		return c.Status(status).JSON(fiber.Map{"error": code, "detail": err.Error()})
	}
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getRouteFromContext(c fiber.Ctx) (*AppRoute, bool) {
	route, ok := c.Locals(contextKeyRoute).(*AppRoute)
	return route, ok && route != nil
}

// RequestID 返回中间件生成的请求 ID。
func RequestID(c fiber.Ctx) string {
	reqID, _ := c.Locals(contextKeyRequestID).(string)
	return reqID
}

// IsDiagnosticsPath 判断路径是否属于诊断接口。
func IsDiagnosticsPath(path string) bool {
	return path == DiagnosticsPrefix || strings.HasPrefix(path, DiagnosticsPrefix+"/")
}
