package worker

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/cache"
)

// fakeNetwork 模拟源站：按 URL 返回固定响应，offline 时所有请求都失败。
type fakeNetwork struct {
	mu      sync.Mutex
	pages   map[string]*Response
	offline bool
	calls   map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		pages: make(map[string]*Response),
		calls: make(map[string]int),
	}
}

func (n *fakeNetwork) serve(url string, status int, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pages[url] = &Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[req.URL]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n.offline {
		return nil, ErrNetwork
	}
	page, ok := n.pages[req.URL]
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return &Response{
		Status: page.Status,
		Header: page.Header.Clone(),
		Body:   append([]byte(nil), page.Body...),
	}, nil
}

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestStore(t *testing.T) cache.Store {
	t.Helper()
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func testOptions(policy Policy, seeds ...string) Options {
	return Options{
		Scope:        "app",
		Path:         "/",
		CacheName:    "app-v1",
		Policy:       policy,
		SeedURLs:     seeds,
		ClaimClients: true,
	}
}

func testDeps(t *testing.T, network Fetcher) Dependencies {
	t.Helper()
	return Dependencies{
		Fetcher: network,
		Store:   newTestStore(t),
		Logger:  newTestLogger(),
	}
}

// activeWorker 返回完成安装与激活的 worker。
func activeWorker(t *testing.T, opts Options, deps Dependencies) *Worker {
	t.Helper()
	w := NewWorker(1, opts, deps)
	if _, err := w.Install(context.Background()); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	return w
}

func navigate(url string) *Request {
	return &Request{URL: url, Method: http.MethodGet, Header: http.Header{}, Mode: ModeNavigate}
}

func subresource(url string) *Request {
	return &Request{URL: url, Method: http.MethodGet, Header: http.Header{}, Mode: ModeSubresource}
}
