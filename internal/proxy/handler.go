package proxy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/logging"
	"github.com/any-hub/swproxy/internal/metrics"
	"github.com/any-hub/swproxy/internal/server"
	"github.com/any-hub/swproxy/internal/worker"
)

// SourceHeader 标记响应来自网络、缓存还是直接透传。
const SourceHeader = "X-Swproxy-Source"

// Handler 把 Fiber 请求转换为 worker.Request，交给作用域的 Registration 处理，
// 作用域之外的请求直接走网络。
type Handler struct {
	network worker.Fetcher
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewHandler constructs a proxy handler around the shared network fetcher.
func NewHandler(network worker.Fetcher, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		network: network,
		logger:  logger,
		metrics: m,
	}
}

// Handle 实现 server.ProxyHandler。拦截失败时返回空 body 的 502，对应页面侧一次失败的加载。
func (h *Handler) Handle(c fiber.Ctx, route *server.ScopeRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c, server.ClientID(c))

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	resp, err := h.dispatch(ctx, route, req)
	elapsed := time.Since(started)

	scopeLabel := ""
	if route != nil {
		scopeLabel = route.Config.Name
	}

	if err != nil {
		h.metrics.RecordIntercept(scopeLabel, "", "failed", elapsed.Seconds())
		h.logResult(route, req, requestID, 0, "", elapsed, err)
		if requestID != "" {
			c.Set("X-Request-ID", requestID)
		}
		c.Status(fiber.StatusBadGateway)
		return nil
	}

	h.metrics.RecordIntercept(scopeLabel, string(resp.Source), "ok", elapsed.Seconds())
	h.logResult(route, req, requestID, resp.Status, resp.Source, elapsed, nil)
	return writeResponse(c, resp, requestID)
}

func (h *Handler) dispatch(ctx context.Context, route *server.ScopeRoute, req *worker.Request) (*worker.Response, error) {
	if route != nil && route.Registration != nil {
		return route.Registration.Dispatch(ctx, req)
	}
	if h.network == nil {
		return nil, errors.New("network fetcher not configured")
	}
	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, worker.ErrNetwork
	}
	resp.Source = worker.SourceBypass
	return resp, nil
}

func writeResponse(c fiber.Ctx, resp *worker.Response, requestID string) error {
	for key, values := range resp.Header {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Response().Header.Add(key, value)
		}
	}
	c.Set(SourceHeader, string(resp.Source))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// buildRequest 复制请求的方法、地址、头与 body，并标记导航类型。
// 地址保留页面发出时的转义形式，%3F、%23、%2F 不会被当成分隔符。
func buildRequest(c fiber.Ctx, clientID string) *worker.Request {
	uri := c.Request().URI()
	target := string(uri.PathOriginal())
	if target == "" || !strings.HasPrefix(target, "/") {
		target = (&url.URL{Path: string(uri.Path())}).EscapedPath()
	}
	if target == "" {
		target = "/"
	}
	if query := uri.QueryString(); len(query) > 0 {
		target += "?" + string(query)
	}

	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())

	method := c.Method()
	mode := worker.ModeSubresource
	if isNavigation(method, header) {
		mode = worker.ModeNavigate
	}

	return &worker.Request{
		URL:      target,
		Method:   method,
		Header:   header,
		Body:     append([]byte(nil), c.Body()...),
		Mode:     mode,
		ClientID: clientID,
	}
}

// isNavigation 优先使用 Sec-Fetch-Mode；缺失时把接受 HTML 的 GET 视为页面加载。
func isNavigation(method string, header http.Header) bool {
	if mode := strings.TrimSpace(header.Get("Sec-Fetch-Mode")); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	if !strings.EqualFold(method, http.MethodGet) {
		return false
	}
	accept := strings.ToLower(header.Get("Accept"))
	return strings.Contains(accept, "text/html") || strings.Contains(accept, "application/xhtml+xml")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func (h *Handler) logResult(
	route *server.ScopeRoute,
	req *worker.Request,
	requestID string,
	status int,
	source worker.Source,
	elapsed time.Duration,
	err error,
) {
	var fields logrus.Fields
	if route != nil {
		fields = logging.RequestFields(route.Config.Name, route.Config.CacheName, string(route.Config.Policy), req.ClientID, string(source))
	} else {
		fields = logging.RequestFields("", "", "", req.ClientID, string(source))
	}
	fields["action"] = "intercept"
	fields["method"] = req.Method
	fields["url"] = req.URL
	fields["mode"] = string(req.Mode)
	fields["status"] = status
	fields["elapsed_ms"] = elapsed.Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("intercept_failed")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}
