package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/any-hub/swproxy/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if NewUpstreamClient(nil).Timeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s")
	}
}

func TestUpstreamClientDoesNotFollowRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	resp, err := NewUpstreamClient(nil).Get(origin.URL + "/old")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to be passed through, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/new" {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
}

func TestCopyHeadersSkipsConnectionListedHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "keep-alive, X-Debug-Token")
	src.Set("X-Debug-Token", "secret")
	src.Set("Accept", "text/html")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if dst.Get("X-Debug-Token") != "" {
		t.Fatalf("Connection 中点名的头不应透传")
	}
	if dst.Get("Connection") != "" {
		t.Fatalf("Connection 头不应透传")
	}
	if dst.Get("Accept") != "text/html" {
		t.Fatalf("端到端头应保留")
	}
}
