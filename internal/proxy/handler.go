package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/reconciler"
	"github.com/any-hub/offline-hub/internal/server"
)

// HeaderSource 标识响应来自缓存、网络还是降级副本；透传请求为 passthrough。
const HeaderSource = "X-Offline-Hub-Source"

// Handler 把 fiber 请求转换为 App 运行时的 fetch 事件；未被拦截的请求直接透传上游，不写缓存。
type Handler struct {
	client  *http.Client
	logger  *logrus.Logger
	clients sync.Map // key: app name, value: *http.Client
}

// NewHandler constructs a proxy handler with the shared HTTP client and logger.
func NewHandler(client *http.Client, logger *logrus.Logger) *Handler {
	return &Handler{
		client: client,
		logger: logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.AppRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if route.Runtime != nil {
		req := buildCacheRequest(c, route)
		result, err := route.Runtime.Fetch(ctx, req)
		if result.Intercepted {
			if err != nil {
				h.logResult(route, req.URL, requestID, 0, "", started, err)
				return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
			}
			return h.serveResult(c, route, req.URL, result, requestID, started)
		}
	}

	return h.passthrough(c, route, requestID, started, ctx)
}

func (h *Handler) serveResult(
	c fiber.Ctx,
	route *server.AppRoute,
	requestURL string,
	result reconciler.FetchResult,
	requestID string,
	started time.Time,
) error {
	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Response().Header.Del(fiber.HeaderContentLength)
	c.Set(HeaderSource, string(result.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)
	h.logResult(route, requestURL, requestID, resp.StatusCode, string(result.Source), started, nil)
	return c.Send(resp.Body)
}

// passthrough 原样转发到上游并流式返回，保留方法、请求体与查询串。
func (h *Handler) passthrough(c fiber.Ctx, route *server.AppRoute, requestID string, started time.Time, ctx context.Context) error {
	upstreamURL := resolveUpstreamURL(route, c)
	req, err := h.buildUpstreamRequest(c, ctx, upstreamURL, route)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, 0, "", started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp, err := h.clientFor(route).Do(req)
	if err != nil {
		h.logResult(route, upstreamURL.String(), requestID, 0, "", started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderSource, "passthrough")
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, "", started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(route, upstreamURL.String(), requestID, resp.StatusCode, "", started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, ctx context.Context, upstream *url.URL, route *server.AppRoute) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", routePort(route))

	if authHeader := buildCredentialHeader(route.Config.Username, route.Config.Password); authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return req, nil
}

func (h *Handler) clientFor(route *server.AppRoute) *http.Client {
	if route.ProxyURL == nil {
		return h.client
	}
	if value, ok := h.clients.Load(route.Config.Name); ok {
		return value.(*http.Client)
	}
	value, _ := h.clients.LoadOrStore(route.Config.Name, server.NewRouteClient(h.client, route.ProxyURL))
	return value.(*http.Client)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.AppRoute,
	target string,
	requestID string,
	status int,
	source string,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.AuthMode(),
		source,
		source == string(reconciler.SourceCache) || source == string(reconciler.SourceFallback),
	)
	fields["action"] = "proxy"
	fields["url"] = target
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildCacheRequest 以客户端视角的源重建请求 URL，保留原始路径与查询串。
func buildCacheRequest(c fiber.Ctx, route *server.AppRoute) *cache.Request {
	uri := c.Request().URI()
	target := route.Origin + requestPath(c)
	if query := uri.QueryString(); len(query) > 0 {
		target += "?" + string(query)
	}
	req := cache.NewRequest(c.Method(), target)
	req.Header = fiberHeadersAsHTTP(c)
	return req
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	pathVal := string(uri.PathOriginal())
	if pathVal == "" {
		return "/"
	}
	if i := strings.IndexByte(pathVal, '?'); i >= 0 {
		pathVal = pathVal[:i]
	}
	return pathVal
}

func resolveUpstreamURL(route *server.AppRoute, c fiber.Ctx) *url.URL {
	relative := &url.URL{Path: requestPath(c)}
	if query := c.Request().URI().QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return joinUpstream(route.UpstreamURL, relative)
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(b)
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return strconv.Itoa(route.ListenPort)
}
