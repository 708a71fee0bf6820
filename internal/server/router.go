package server

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component responsible for answering page
// requests. route is nil when the request is outside every scope.
type ProxyHandler interface {
	Handle(fiber.Ctx, *ScopeRoute) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *ScopeRoute) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, route *ScopeRoute) error {
	return f(c, route)
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Registry   *ScopeRegistry
	Proxy      ProxyHandler
	ListenPort int
}

// ClientCookie 标识一个已打开的页面（client），由首次请求时签发。
const ClientCookie = "swproxy_client"

const (
	contextKeyRoute     = "_swproxy_route"
	contextKeyRequestID = "_swproxy_request_id"
	contextKeyClientID  = "_swproxy_client_id"
)

// NewApp builds a Fiber application with scope routing middleware and
// structured error handling.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("scope registry is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts))

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		route, _ := getRouteFromContext(c)
		return opts.Proxy.Handle(c, route)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID、识别页面 client，并按路径查找 ScopeRoute。
func requestContextMiddleware(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		path := string(c.Request().URI().Path())
		if isDiagnosticsPath(path) {
			return c.Next()
		}

		c.Locals(contextKeyClientID, ensureClientID(c))

		route, ok := opts.Registry.Lookup(path)
		if !ok {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "scope_lookup",
				"path":       path,
				"request_id": reqID,
			}).Debug("scope_unmatched")
			return c.Next()
		}

		c.Locals(contextKeyRoute, route)
		return c.Next()
	}
}

// ensureClientID 读取 client cookie，缺失或非法时签发新的 uuid。
func ensureClientID(c fiber.Ctx) string {
	if raw := strings.TrimSpace(c.Cookies(ClientCookie)); raw != "" {
		if _, err := uuid.Parse(raw); err == nil {
			return raw
		}
	}
	id := uuid.NewString()
	c.Cookie(&fiber.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HTTPOnly: true,
		SameSite: fiber.CookieSameSiteLaxMode,
	})
	return id
}

func getRouteFromContext(c fiber.Ctx) (*ScopeRoute, bool) {
	if value := c.Locals(contextKeyRoute); value != nil {
		if route, ok := value.(*ScopeRoute); ok {
			return route, true
		}
	}
	return nil, false
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// ClientID returns the page client identifier resolved by the router middleware.
func ClientID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyClientID); value != nil {
		if id, ok := value.(string); ok {
			return id
		}
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
