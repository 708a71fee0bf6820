package config

import (
	"errors"
	"testing"
	"time"

	"github.com/any-hub/swproxy/internal/worker"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.ListenPort == 0 {
		t.Fatalf("ListenPort 应当被解析")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 应解析为 10s，得到 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if len(cfg.Scopes) != 1 {
		t.Fatalf("应解析出 1 个 Scope，得到 %d", len(cfg.Scopes))
	}
	scope := cfg.Scopes[0]
	if scope.Policy != worker.NetworkFirstNavigateOnly {
		t.Fatalf("Policy 解析错误: %s", scope.Policy)
	}
	if len(scope.SeedURLs) != 2 || scope.SeedURLs[1] != "/static/style.css" {
		t.Fatalf("SeedURLs 解析错误: %v", scope.SeedURLs)
	}
	if !scope.ClaimsClients() {
		t.Fatalf("未配置 ClaimClients 时默认应接管页面")
	}
}

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
Origin = "http://127.0.0.1:8004"
UpstreamTimeout = "boom"

[[Scope]]
Name = "app"
Path = "/"
Policy = "network-first-always"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadNormalizesPolicyAndCacheName(t *testing.T) {
	cfg := `
StoragePath = "./data"
Origin = "http://127.0.0.1:8004/"
ListenPort = 5001

[[Scope]]
Name = "app"
Path = "app/"
Policy = "  Network-First-Always "
ClaimClients = false
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	scope := loaded.Scopes[0]
	if scope.Policy != worker.NetworkFirstAlways {
		t.Fatalf("Policy 应归一化，得到 %q", scope.Policy)
	}
	if scope.CacheName != "app" {
		t.Fatalf("CacheName 缺省时应等于 Name，得到 %q", scope.CacheName)
	}
	if scope.Path != "/app/" {
		t.Fatalf("Path 应归一化为 /app/，得到 %q", scope.Path)
	}
	if scope.ClaimsClients() {
		t.Fatalf("显式关闭 ClaimClients 后不应接管页面")
	}
	if loaded.Global.Origin != "http://127.0.0.1:8004" {
		t.Fatalf("Origin 末尾的 / 应被去除，得到 %q", loaded.Global.Origin)
	}
}

func TestValidateRequiresExplicitPolicy(t *testing.T) {
	cfg := validConfig()
	cfg.Scopes[0].Policy = ""
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("缺少 Policy 应返回 FieldError，得到 %v", err)
	}
	if fieldErr.Field != "Scope[app].Policy" {
		t.Fatalf("字段路径错误: %s", fieldErr.Field)
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Global.LogFormat = "xml"
	var fieldErr FieldError
	if err := cfg.Validate(); !errors.As(err, &fieldErr) || fieldErr.Field != "Global.LogFormat" {
		t.Fatalf("expected LogFormat field error, got %v", err)
	}
}

func TestScopeValidation(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Config)
		shouldErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"badger backend", func(c *Config) { c.Global.StoreBackend = StoreBackendBadger }, false},
		{"unknown backend", func(c *Config) { c.Global.StoreBackend = "redis" }, true},
		{"unknown policy", func(c *Config) { c.Scopes[0].Policy = "cache-first" }, true},
		{"origin with path", func(c *Config) { c.Global.Origin = "http://example.com/app" }, true},
		{"origin scheme", func(c *Config) { c.Global.Origin = "ftp://example.com" }, true},
		{"cache name slash", func(c *Config) { c.Scopes[0].CacheName = "a/b" }, true},
		{"relative seed", func(c *Config) { c.Scopes[0].SeedURLs = []string{"style.css"} }, true},
		{"cross origin seed", func(c *Config) { c.Scopes[0].SeedURLs = []string{"//cdn.example.com/x.js"} }, true},
		{"no scopes", func(c *Config) { c.Scopes = nil }, true},
		{"duplicate name", func(c *Config) {
			c.Scopes = append(c.Scopes, ScopeConfig{Name: "app", Path: "/other/", CacheName: "o", Policy: worker.NetworkFirstAlways})
		}, true},
		{"duplicate path", func(c *Config) {
			c.Scopes = append(c.Scopes, ScopeConfig{Name: "other", Path: "/", CacheName: "o", Policy: worker.NetworkFirstAlways})
		}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for %s: %v", tc.name, err)
			}
		})
	}
}

func TestWorkerOptionsCopiesSeeds(t *testing.T) {
	scope := validConfig().Scopes[0]
	opts := scope.WorkerOptions()
	opts.SeedURLs[0] = "/mutated"
	if scope.SeedURLs[0] != "/" {
		t.Fatalf("WorkerOptions 不应共享 SeedURLs 底层数组")
	}
	if opts.Policy != worker.NetworkFirstNavigateOnly || !opts.ClaimClients {
		t.Fatalf("WorkerOptions 字段映射错误: %+v", opts)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			LogFormat:       LogFormatJSON,
			StoragePath:     "./data",
			StoreBackend:    StoreBackendFS,
			Origin:          "http://127.0.0.1:8004",
			UpstreamTimeout: Duration(time.Second),
		},
		Scopes: []ScopeConfig{
			{
				Name:      "app",
				Path:      "/",
				CacheName: "app-v1",
				Policy:    worker.NetworkFirstNavigateOnly,
				SeedURLs:  []string{"/", "/static/style.css"},
			},
		},
	}
}
