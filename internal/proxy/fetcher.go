package proxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/server"
)

// conditionalHeaders 会让上游返回 304，缓存需要完整响应体，因此回源前移除。
var conditionalHeaders = []string{
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
	"Range",
}

// Fetcher 把 reconciler 的网络请求映射到 App 的上游，响应体整体读入内存。
type Fetcher struct {
	client   *http.Client
	origin   string
	upstream *url.URL
	username string
	password string
}

// NewFetcher 为 route 构造网络实现，必要时派生走正向代理的 client。
func NewFetcher(client *http.Client, route *server.AppRoute) *Fetcher {
	return &Fetcher{
		client:   server.NewRouteClient(client, route.ProxyURL),
		origin:   route.Origin,
		upstream: route.UpstreamURL,
		username: route.Config.Username,
		password: route.Config.Password,
	}
}

// Fetch 实现 reconciler.Network。
func (f *Fetcher) Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error) {
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, method, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}
	if req.Header != nil {
		server.CopyHeaders(upstreamReq.Header, req.Header)
	}
	for _, key := range conditionalHeaders {
		upstreamReq.Header.Del(key)
	}
	upstreamReq.Header.Del("Accept-Encoding")
	upstreamReq.Header.Del("Host")
	upstreamReq.Host = target.Host
	if auth := buildCredentialHeader(f.username, f.password); auth != "" {
		upstreamReq.Header.Set("Authorization", auth)
	}

	resp, err := f.client.Do(upstreamReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	header.Del("Content-Encoding")
	header.Del("Set-Cookie")
	return &cache.Response{StatusCode: resp.StatusCode, Header: header, Body: body}, nil
}

// resolve 将 origin 下的请求 URL 映射到上游：保留上游的路径前缀，拼接请求路径与查询串。
func (f *Fetcher) resolve(rawURL string) (*url.URL, error) {
	if f.upstream == nil {
		return nil, fmt.Errorf("upstream is not configured")
	}
	rest := rawURL
	if f.origin != "" && strings.HasPrefix(rawURL, f.origin) {
		rest = strings.TrimPrefix(rawURL, f.origin)
	} else if parsed, err := url.Parse(rawURL); err == nil && parsed.IsAbs() {
		rest = parsed.RequestURI()
	}
	if i := strings.IndexByte(rest, '#'); i >= 0 {
		rest = rest[:i]
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}

	relative, err := url.Parse(rest)
	if err != nil {
		return nil, fmt.Errorf("invalid request url %q: %w", rawURL, err)
	}
	return joinUpstream(f.upstream, relative), nil
}

// joinUpstream 在上游路径之后追加请求路径。
func joinUpstream(base *url.URL, relative *url.URL) *url.URL {
	joined := *base
	joined.Path = strings.TrimRight(base.Path, "/") + relative.Path
	joined.RawPath = ""
	joined.RawQuery = relative.RawQuery
	joined.Fragment = ""
	return &joined
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	token := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(token))
}
