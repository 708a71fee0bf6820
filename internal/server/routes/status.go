package routes

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/server"
	"github.com/any-hub/swproxy/internal/version"
	"github.com/any-hub/swproxy/internal/worker"
)

// Options 汇总诊断接口依赖。Gatherer 为空时不暴露 /-/metrics。
type Options struct {
	Registry *server.ScopeRegistry
	Gatherer prometheus.Gatherer
	Logger   *logrus.Logger
}

// RegisterStatusRoutes 暴露 /-/ 下的诊断接口，供运维查询作用域状态、缓存内容与指标。
func RegisterStatusRoutes(app *fiber.App, opts Options) {
	if app == nil || opts.Registry == nil {
		return
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	registry := opts.Registry

	app.Get("/-/status", func(c fiber.Ctx) error {
		return c.JSON(statusPayload{
			Version: version.Full(),
			Scopes:  encodeScopes(registry.List()),
		})
	})

	app.Get("/-/scopes/:name", func(c fiber.Ctx) error {
		route, err := lookupScope(c, registry)
		if route == nil {
			return err
		}
		return c.JSON(route.Registration.Status())
	})

	app.Get("/-/scopes/:name/cache", func(c fiber.Ctx) error {
		route, err := lookupScope(c, registry)
		if route == nil {
			return err
		}
		urls, err := route.Registration.CachedURLs(requestContext(c))
		if err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_keys",
				"scope":  route.Config.Name,
			}).Warn("cache_keys_failed")
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_unavailable"})
		}
		if urls == nil {
			urls = []string{}
		}
		return c.JSON(cachePayload{
			Scope:     route.Config.Name,
			CacheName: route.Config.CacheName,
			URLs:      urls,
		})
	})

	app.Post("/-/scopes/:name/update", func(c fiber.Ctx) error {
		route, err := lookupScope(c, registry)
		if route == nil {
			return err
		}
		w, report, err := route.Registration.Update(requestContext(c))
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":  "update_failed",
				"report": report,
			})
		}
		return c.JSON(updatePayload{
			Scope:   route.Config.Name,
			Version: w.Version(),
			State:   w.State(),
			Report:  report,
		})
	})

	if opts.Gatherer != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}
}

type statusPayload struct {
	Version string          `json:"version"`
	Scopes  []worker.Status `json:"scopes"`
}

type cachePayload struct {
	Scope     string   `json:"scope"`
	CacheName string   `json:"cache_name"`
	URLs      []string `json:"urls"`
}

type updatePayload struct {
	Scope   string               `json:"scope"`
	Version int                  `json:"version"`
	State   worker.State         `json:"state"`
	Report  worker.InstallReport `json:"report"`
}

func encodeScopes(routes []*server.ScopeRoute) []worker.Status {
	result := make([]worker.Status, 0, len(routes))
	for _, route := range routes {
		result = append(result, route.Registration.Status())
	}
	return result
}

// lookupScope 在未找到作用域时直接写出 404，调用方只需检查返回的 route。
func lookupScope(c fiber.Ctx, registry *server.ScopeRegistry) (*server.ScopeRoute, error) {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return nil, c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "scope_name_required"})
	}
	route, ok := registry.Get(name)
	if !ok {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "scope_not_found"})
	}
	return route, nil
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
