package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/swproxy/internal/server"
	"github.com/any-hub/swproxy/internal/worker"
)

// Network 将被拦截的请求转发到源站，实现 worker.Fetcher。
// 只有传输层失败才返回 error（包装 worker.ErrNetwork），任意状态码都原样返回。
type Network struct {
	client     *http.Client
	origin     *url.URL
	listenPort int
}

// NewNetwork 校验源站地址并创建 Network。client 应来自 server.NewUpstreamClient。
func NewNetwork(client *http.Client, origin string, listenPort int) (*Network, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(origin), "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("invalid origin scheme: %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, errors.New("origin host is required")
	}
	return &Network{client: client, origin: parsed, listenPort: listenPort}, nil
}

// Origin 返回源站地址。
func (n *Network) Origin() string {
	return n.origin.String()
}

// Fetch 实现 worker.Fetcher。
func (n *Network) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", worker.ErrNetwork)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	target, err := n.resolve(req.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", worker.ErrNetwork, err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", worker.ErrNetwork, err)
	}
	n.prepareHeaders(upstreamReq, req)

	resp, err := n.client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", worker.ErrNetwork, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", worker.ErrNetwork, err)
	}

	header := make(http.Header, len(resp.Header))
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	return &worker.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

// resolve 将同源相对地址（转义后的路径 + 查询串）挂到源站下。
// 通过 url.URL 组装而非字符串拼接，保留路径中的 %3F、%23、%2F。
func (n *Network) resolve(raw string) (*url.URL, error) {
	if raw == "" {
		raw = "/"
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return nil, fmt.Errorf("not an origin-relative url: %q", raw)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if ref.Scheme != "" || ref.Host != "" {
		return nil, fmt.Errorf("not an origin-relative url: %q", raw)
	}

	target := *n.origin
	target.Path = strings.TrimRight(n.origin.Path, "/") + ref.Path
	target.RawPath = strings.TrimRight(n.origin.EscapedPath(), "/") + ref.EscapedPath()
	target.RawQuery = ref.RawQuery
	target.Fragment = ""
	target.RawFragment = ""
	return &target, nil
}

func (n *Network) prepareHeaders(dst *http.Request, src *worker.Request) {
	server.CopyHeaders(dst.Header, src.Header)
	dst.Header.Del("Host")
	// 交给 transport 协商压缩并透明解压，缓存中只保存明文。
	dst.Header.Del("Accept-Encoding")
	dst.Host = n.origin.Host

	if host := src.Header.Get("Host"); host != "" {
		dst.Header.Set("X-Forwarded-Host", host)
	}
	if n.listenPort > 0 {
		dst.Header.Set("X-Forwarded-Port", strconv.Itoa(n.listenPort))
	}
}
