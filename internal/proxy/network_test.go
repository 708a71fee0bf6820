package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/any-hub/swproxy/internal/server"
	"github.com/any-hub/swproxy/internal/worker"
)

func TestNetworkForwardsRequest(t *testing.T) {
	var seen *http.Request
	var seenBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		body, _ := io.ReadAll(r.Body)
		seenBody = string(body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer origin.Close()

	network, err := NewNetwork(server.NewUpstreamClient(nil), origin.URL, 5000)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}

	header := http.Header{}
	header.Set("Host", "proxy.local:5000")
	header.Set("X-Custom", "1")
	header.Set("Proxy-Authorization", "secret")
	resp, err := network.Fetch(context.Background(), &worker.Request{
		URL:    "/items?id=7",
		Method: http.MethodPost,
		Header: header,
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if resp.Status != http.StatusCreated || string(resp.Body) != "created" {
		t.Fatalf("unexpected response %d %s", resp.Status, resp.Body)
	}
	if resp.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop response headers must be stripped")
	}
	if seen.URL.Path != "/items" || seen.URL.RawQuery != "id=7" || seen.Method != http.MethodPost {
		t.Fatalf("unexpected upstream request %s %s", seen.Method, seen.URL)
	}
	if seenBody != "payload" {
		t.Fatalf("body not forwarded: %q", seenBody)
	}
	if seen.Header.Get("X-Custom") != "1" {
		t.Fatalf("end-to-end header not forwarded")
	}
	if seen.Header.Get("Proxy-Authorization") != "" {
		t.Fatalf("hop-by-hop request header forwarded")
	}
	if seen.Header.Get("X-Forwarded-Host") != "proxy.local:5000" || seen.Header.Get("X-Forwarded-Port") != "5000" {
		t.Fatalf("forwarding headers missing: %v", seen.Header)
	}
}

func TestNetworkTreatsHTTPErrorsAsResponses(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	defer origin.Close()

	network, err := NewNetwork(server.NewUpstreamClient(nil), origin.URL, 0)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	resp, err := network.Fetch(context.Background(), &worker.Request{URL: "/", Method: http.MethodGet, Header: http.Header{}})
	if err != nil {
		t.Fatalf("5xx must not be a network failure: %v", err)
	}
	if resp.Status != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", resp.Status)
	}
}

func TestNetworkWrapsTransportErrors(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	addr := origin.URL
	origin.Close()

	network, err := NewNetwork(server.NewUpstreamClient(nil), addr, 0)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	_, err = network.Fetch(context.Background(), &worker.Request{URL: "/", Method: http.MethodGet, Header: http.Header{}})
	if !errors.Is(err, worker.ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestNetworkRejectsForeignURLs(t *testing.T) {
	network, err := NewNetwork(server.NewUpstreamClient(nil), "http://127.0.0.1:1", 0)
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	for _, raw := range []string{"//evil.example/x", "http://evil.example/"} {
		if _, err := network.Fetch(context.Background(), &worker.Request{URL: raw, Method: http.MethodGet}); !errors.Is(err, worker.ErrNetwork) {
			t.Fatalf("%s: expected rejection, got %v", raw, err)
		}
	}
}

func TestNewNetworkValidatesOrigin(t *testing.T) {
	client := server.NewUpstreamClient(nil)
	for _, origin := range []string{"", "ftp://example.com", "http://"} {
		if _, err := NewNetwork(client, origin, 0); err == nil {
			t.Fatalf("%q: expected error", origin)
		}
	}
	if _, err := NewNetwork(nil, "http://example.com", 0); err == nil {
		t.Fatalf("expected error for nil client")
	}
	network, err := NewNetwork(client, "http://example.com/", 0)
	if err != nil || network.Origin() != "http://example.com" {
		t.Fatalf("unexpected origin normalisation: %v %v", network, err)
	}
}

func TestNetworkPreservesEncodedPath(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.EscapedPath() + "|" + r.URL.RawQuery))
	}))
	defer origin.Close()

	for _, base := range []string{origin.URL, origin.URL + "/mirror/"} {
		network, err := NewNetwork(server.NewUpstreamClient(nil), base, 5000)
		if err != nil {
			t.Fatalf("new network: %v", err)
		}
		prefix := ""
		if base != origin.URL {
			prefix = "/mirror"
		}
		cases := map[string]string{
			"/a%3Fb":                prefix + "/a%3Fb|",
			"/a%23frag":             prefix + "/a%23frag|",
			"/files/a%2Fb":          prefix + "/files/a%2Fb|",
			"/static/my%20file.css": prefix + "/static/my%20file.css|",
			"/search?q=a%26b":       prefix + "/search|q=a%26b",
		}
		for raw, want := range cases {
			resp, err := network.Fetch(context.Background(), &worker.Request{URL: raw, Method: http.MethodGet, Header: http.Header{}})
			if err != nil {
				t.Fatalf("fetch %s: %v", raw, err)
			}
			if string(resp.Body) != want {
				t.Fatalf("%s reached origin as %q, want %q", raw, resp.Body, want)
			}
		}
	}
}
