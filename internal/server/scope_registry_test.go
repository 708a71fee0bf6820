package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/config"
	"github.com/any-hub/swproxy/internal/worker"
)

func testDeps(t *testing.T, fetch worker.FetcherFunc) worker.Dependencies {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	if fetch == nil {
		fetch = func(ctx context.Context, req *worker.Request) (*worker.Response, error) {
			return &worker.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte(req.URL)}, nil
		}
	}
	return worker.Dependencies{Fetcher: fetch, Store: store, Logger: logger}
}

func testScopeConfig(scopes ...config.ScopeConfig) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			ListenPort: 5000,
			Origin:     "http://127.0.0.1:8004",
		},
		Scopes: scopes,
	}
}

func scope(name, path string) config.ScopeConfig {
	return config.ScopeConfig{
		Name:      name,
		Path:      path,
		CacheName: name + "-v1",
		Policy:    worker.NetworkFirstNavigateOnly,
		SeedURLs:  []string{path},
	}
}

func TestScopeRegistryLookupPrefersLongestPrefix(t *testing.T) {
	cfg := testScopeConfig(scope("root", "/"), scope("docs", "/docs/"), scope("api", "/docs/api/"))
	registry, err := NewScopeRegistry(cfg, testDeps(t, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	testCases := map[string]string{
		"/":                "root",
		"/index.html":      "root",
		"/docs":            "root",
		"/docs/":           "docs",
		"/docs/intro.html": "docs",
		"/docs/api/v1":     "api",
	}
	for path, want := range testCases {
		route, ok := registry.Lookup(path)
		if !ok {
			t.Fatalf("%s: expected a scope", path)
		}
		if route.Config.Name != want {
			t.Fatalf("%s: expected scope %s, got %s", path, want, route.Config.Name)
		}
		if route.ListenPort != 5000 {
			t.Fatalf("route listen port mismatch: %d", route.ListenPort)
		}
	}

	if got := len(registry.List()); got != 3 {
		t.Fatalf("expected 3 routes, got %d", got)
	}
	if registry.List()[0].Config.Name != "root" {
		t.Fatalf("list should keep config order")
	}
}

func TestScopeRegistryLookupOutsideEveryScope(t *testing.T) {
	registry, err := NewScopeRegistry(testScopeConfig(scope("app", "/app/")), testDeps(t, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.Lookup("/other/page"); ok {
		t.Fatalf("expected no scope for /other/page")
	}
	if _, ok := registry.Lookup(""); ok {
		t.Fatalf("empty path must not match")
	}
	if _, ok := registry.Get("app"); !ok {
		t.Fatalf("expected Get to find app")
	}
}

func TestScopeRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewScopeRegistry(testScopeConfig(scope("a", "/"), scope("a", "/x/")), testDeps(t, nil)); err == nil {
		t.Fatalf("expected duplicate name error")
	}
	if _, err := NewScopeRegistry(testScopeConfig(scope("a", "/"), scope("b", "/")), testDeps(t, nil)); err == nil {
		t.Fatalf("expected duplicate path error")
	}
}

func TestScopeRegistryUpdateAll(t *testing.T) {
	registry, err := NewScopeRegistry(testScopeConfig(scope("root", "/"), scope("docs", "/docs/")), testDeps(t, nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.UpdateAll(context.Background()); err != nil {
		t.Fatalf("update all: %v", err)
	}
	for _, route := range registry.List() {
		status := route.Registration.Status()
		if status.State != worker.StateActivated || status.Version != 1 {
			t.Fatalf("%s: unexpected status %+v", route.Config.Name, status)
		}
		urls, err := route.Registration.CachedURLs(context.Background())
		if err != nil || len(urls) != 1 || urls[0] != route.Config.Path {
			t.Fatalf("%s: unexpected cached urls %v (%v)", route.Config.Name, urls, err)
		}
	}
}

func TestScopeRegistryUpdateAllReportsFailures(t *testing.T) {
	deps := testDeps(t, nil)
	deps.Store = failingOpenStore{Store: deps.Store}
	registry, err := NewScopeRegistry(testScopeConfig(scope("root", "/")), deps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.UpdateAll(context.Background()); err == nil {
		t.Fatalf("expected update failure")
	}
}

type failingOpenStore struct {
	cache.Store
}

func (failingOpenStore) Open(context.Context, string) error {
	return errors.New("read-only filesystem")
}
