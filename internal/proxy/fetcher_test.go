package proxy

import (
	"context"
	"net/http"
	"testing"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/server"
)

func TestFetcherResolvesAgainstUpstreamPrefix(t *testing.T) {
	route := &server.AppRoute{
		Origin:      "http://web.local",
		UpstreamURL: mustParse(t, "https://cdn.example.com/releases/42/"),
	}
	f := NewFetcher(nil, route)

	cases := map[string]string{
		"http://web.local":                     "https://cdn.example.com/releases/42/",
		"http://web.local/":                    "https://cdn.example.com/releases/42/",
		"http://web.local/main.dart.js?v=7":    "https://cdn.example.com/releases/42/main.dart.js?v=7",
		"http://web.local/assets/NOTICES#frag": "https://cdn.example.com/releases/42/assets/NOTICES",
		"http://other.local/x.js":              "https://cdn.example.com/releases/42/x.js",
	}
	for raw, want := range cases {
		got, err := f.resolve(raw)
		if err != nil {
			t.Fatalf("resolve %s: %v", raw, err)
		}
		if got.String() != want {
			t.Fatalf("resolve %s: expected %s, got %s", raw, want, got)
		}
	}
}

func TestFetcherSendsCredentialsAndDropsConditionals(t *testing.T) {
	upstream := newUpstream(t)
	route := &server.AppRoute{
		Config:      config.AppConfig{Name: "web", Username: "ci", Password: "secret"},
		Origin:      "http://web.local",
		UpstreamURL: mustParse(t, upstream.URL()),
	}
	f := NewFetcher(server.NewUpstreamClient(nil), route)

	req := cache.NewRequest(http.MethodGet, "http://web.local/main.dart.js")
	req.Header = http.Header{}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("If-None-Match", `"abc"`)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Connection", "keep-alive")

	resp, err := f.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "content of /main.dart.js" {
		t.Fatalf("unexpected response %d %s", resp.StatusCode, resp.Body)
	}
	if resp.Header.Get("Content-Length") != "" {
		t.Fatalf("content length should not be stored")
	}

	sent := upstream.lastHeader("/main.dart.js")
	if user, pass, ok := (&http.Request{Header: sent}).BasicAuth(); !ok || user != "ci" || pass != "secret" {
		t.Fatalf("basic credentials missing: %v", sent)
	}
	if sent.Get("Cache-Control") != "no-cache" {
		t.Fatalf("cache bypass header should be forwarded")
	}
	if sent.Get("If-None-Match") != "" {
		t.Fatalf("conditional headers must be removed")
	}
}

func TestFetcherReturnsTransportErrors(t *testing.T) {
	upstream := newUpstream(t)
	route := &server.AppRoute{Origin: "http://web.local", UpstreamURL: mustParse(t, upstream.URL())}
	f := NewFetcher(server.NewUpstreamClient(nil), route)
	upstream.server.Close()

	if _, err := f.Fetch(context.Background(), cache.NewRequest("", "http://web.local/a.js")); err == nil {
		t.Fatalf("closed upstream should produce an error")
	}
}
