package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应被转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.InitialBackoff.DurationValue() != 500*time.Millisecond {
		t.Fatalf("InitialBackoff 解析错误: %v", cfg.Global.InitialBackoff.DurationValue())
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("纯数字应按秒解析: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.LogMaxSize != 100 || !cfg.Global.LogCompress {
		t.Fatalf("日志默认值未注入: %+v", cfg.Global)
	}
	if len(cfg.Apps) != 2 {
		t.Fatalf("应解析出 2 个 App，实际 %d", len(cfg.Apps))
	}

	web := cfg.Apps[0]
	if web.Domain != "web.local" {
		t.Fatalf("Domain 应统一为小写: %s", web.Domain)
	}
	if web.Upstream != "https://static.example.com/app" {
		t.Fatalf("Upstream 末尾斜杠应去除: %s", web.Upstream)
	}
	if web.Manifest != filepath.Join("testdata", "web.manifest.json") {
		t.Fatalf("相对 Manifest 应以配置目录为基准: %s", web.Manifest)
	}
	if !web.SkipWaiting() {
		t.Fatalf("SkipWaitingOnInstall 默认应为 true")
	}
	if cfg.Apps[1].SkipWaiting() {
		t.Fatalf("显式关闭 SkipWaitingOnInstall 应生效")
	}
	if web.Origin() != "http://web.local" {
		t.Fatalf("Origin 错误: %s", web.Origin())
	}

	modes := CredentialModes(cfg.Apps)
	if modes[0] != "web:anonymous" || modes[1] != "admin:credentialed" {
		t.Fatalf("鉴权模式摘要错误: %v", modes)
	}
}

func TestBuildAppRuntimesLoadsManifest(t *testing.T) {
	cfg, err := Load(testConfigPath(t, "valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	runtimes, err := cfg.BuildAppRuntimes()
	if err != nil {
		t.Fatalf("加载清单失败: %v", err)
	}
	if len(runtimes) != 2 {
		t.Fatalf("应生成 2 个运行时，实际 %d", len(runtimes))
	}
	if runtimes[0].Origin != "http://web.local" {
		t.Fatalf("Origin 错误: %s", runtimes[0].Origin)
	}
	if !runtimes[0].Manifest.IsCore("main.dart.js") {
		t.Fatalf("清单核心文件未加载")
	}
}

func TestBuildAppRuntimeReportsMissingManifest(t *testing.T) {
	app := validConfig().Apps[0]
	app.Manifest = filepath.Join(t.TempDir(), "absent.json")
	_, err := BuildAppRuntime(app)
	if err == nil {
		t.Fatalf("清单不存在时应报错")
	}
}

func TestValidateRejectsBadApp(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateAppFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"missing name", func(c *Config) { c.Apps[0].Name = "" }, "App[].Name"},
		{"name with slash", func(c *Config) { c.Apps[0].Name = "a/b" }, "App[a/b].Name"},
		{"missing manifest", func(c *Config) { c.Apps[0].Manifest = "" }, "App[web].Manifest"},
		{"credential pair", func(c *Config) { c.Apps[0].Username = "foo" }, "App[web].Username/Password"},
		{"duplicate name", func(c *Config) {
			dup := c.Apps[0]
			dup.Domain = "other.local"
			c.Apps = append(c.Apps, dup)
		}, "App[web].Name"},
		{"duplicate domain", func(c *Config) {
			dup := c.Apps[0]
			dup.Name = "other"
			c.Apps = append(c.Apps, dup)
		}, "App[other].Domain"},
		{"bad log level", func(c *Config) { c.Global.LogLevel = "loud" }, "Global.LogLevel"},
		{"negative retries", func(c *Config) { c.Global.MaxRetries = -1 }, "Global.MaxRetries"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("期望 FieldError，实际 %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("字段路径错误: %s", fieldErr.Field)
			}
		})
	}
}

func TestValidateUpstreamAndDomain(t *testing.T) {
	testCases := []struct {
		name      string
		domain    string
		upstream  string
		proxy     string
		shouldErr bool
	}{
		{"ok", "web.local", "https://cdn.example.com", "", false},
		{"ok with proxy", "web.local", "https://cdn.example.com", "http://127.0.0.1:8080", false},
		{"domain with scheme", "http://web.local", "https://cdn.example.com", "", true},
		{"domain with path", "web.local/app", "https://cdn.example.com", "", true},
		{"ftp upstream", "web.local", "ftp://cdn.example.com", "", true},
		{"upstream without host", "web.local", "https://", "", true},
		{"bad proxy", "web.local", "https://cdn.example.com", "socks", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Apps[0].Domain = tc.domain
			cfg.Apps[0].Upstream = tc.upstream
			cfg.Apps[0].Proxy = tc.proxy
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogLevel:        "info",
			StoragePath:     "./data",
			MaxRetries:      1,
			InitialBackoff:  Duration(time.Second),
			UpstreamTimeout: Duration(time.Second),
		},
		Apps: []AppConfig{
			{
				Name:     "web",
				Domain:   "web.local",
				Upstream: "https://cdn.example.com",
				Manifest: "web.manifest.json",
			},
		},
	}
}
