package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

// Mode 区分顶层页面加载与子资源请求。
type Mode string

const (
	ModeNavigate    Mode = "navigate"
	ModeSubresource Mode = "subresource"
)

// Request 描述一次被拦截的页面请求，URL 为同源相对地址（路径 + 查询串）。
type Request struct {
	URL      string
	Method   string
	Header   http.Header
	Body     []byte
	Mode     Mode
	ClientID string
}

// IsNavigation 报告该请求是否为顶层页面加载。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// CacheKey 把同源地址规范化为缓存键：路径逐段解码后按统一规则重新转义，
// 使 /my%20file.css 与 /my%20file%2Ecss 落到同一条目，%2F 仍与 / 区分。
// 查询串保持原样。无法解析的地址原样返回。
func CacheKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	segments := strings.Split(u.EscapedPath(), "/")
	for i, segment := range segments {
		decoded, err := url.PathUnescape(segment)
		if err != nil {
			return raw
		}
		segments[i] = url.PathEscape(decoded)
	}
	key := strings.Join(segments, "/")
	if key == "" {
		key = "/"
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// Source 标记响应来自网络、缓存，还是未经拦截直接透传。
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceBypass  Source = "bypass"
)

// Response 是返回给页面的完整响应。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
	Source Source
}

// OK 对齐 fetch 的 response.ok：2xx 视为成功。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Fetcher 代表网络。只有传输层失败（拒绝连接、超时、取消）才返回 error，
// 任意 HTTP 状态码都属于成功的网络调用。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

var (
	// ErrNetwork 包装所有网络层失败，页面侧表现为一次失败的资源加载。
	ErrNetwork = errors.New("network request failed")
	// ErrNotActive 表示 worker 尚未激活或已被替换，不能处理 fetch 事件。
	ErrNotActive = errors.New("worker not active")
	// ErrCacheWriteForbidden 表示在安装阶段之外尝试写缓存。
	ErrCacheWriteForbidden = errors.New("cache writes are only allowed while installing")
)
