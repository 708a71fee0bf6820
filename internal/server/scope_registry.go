package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/any-hub/swproxy/internal/config"
	"github.com/any-hub/swproxy/internal/worker"
)

// ScopeRoute 将 Scope 配置与其运行期注册聚合在一起，供路由/代理层直接复用。
type ScopeRoute struct {
	// Config 是用户在 config.toml 中声明的 Scope 字段副本，避免外部修改。
	Config config.ScopeConfig
	// ListenPort 记录当前监听端口，方便日志/转发头输出。
	ListenPort int
	// Registration 持有该作用域的 worker 版本与页面。
	Registration *worker.Registration
}

// ScopeRegistry 按路径前缀把请求映射到 ScopeRoute，多个作用域重叠时取最长前缀。
type ScopeRegistry struct {
	byName  map[string]*ScopeRoute
	ordered []*ScopeRoute
	// byPathLen 按 Path 长度倒序，Lookup 依次匹配。
	byPathLen []*ScopeRoute
}

// NewScopeRegistry 根据配置为每个 Scope 创建 Registration。调用方应在启动阶段创建一次并复用。
func NewScopeRegistry(cfg *config.Config, deps worker.Dependencies) (*ScopeRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}

	registry := &ScopeRegistry{
		byName: make(map[string]*ScopeRoute, len(cfg.Scopes)),
	}
	paths := make(map[string]string, len(cfg.Scopes))

	for _, scope := range cfg.Scopes {
		if _, exists := registry.byName[scope.Name]; exists {
			return nil, fmt.Errorf("duplicate scope name %s", scope.Name)
		}
		if other, exists := paths[scope.Path]; exists {
			return nil, fmt.Errorf("scope %s: path %s already used by %s", scope.Name, scope.Path, other)
		}

		reg, err := worker.NewRegistration(scope.WorkerOptions(), deps)
		if err != nil {
			return nil, err
		}
		route := &ScopeRoute{
			Config:       scope,
			ListenPort:   cfg.Global.ListenPort,
			Registration: reg,
		}
		registry.byName[scope.Name] = route
		registry.ordered = append(registry.ordered, route)
		paths[scope.Path] = scope.Name
	}

	registry.byPathLen = append([]*ScopeRoute(nil), registry.ordered...)
	sort.SliceStable(registry.byPathLen, func(i, j int) bool {
		return len(registry.byPathLen[i].Config.Path) > len(registry.byPathLen[j].Config.Path)
	})
	return registry, nil
}

// Lookup 返回控制该请求路径的 ScopeRoute（最长前缀优先）。
func (r *ScopeRegistry) Lookup(path string) (*ScopeRoute, bool) {
	if r == nil || path == "" {
		return nil, false
	}
	for _, route := range r.byPathLen {
		if strings.HasPrefix(path, route.Config.Path) {
			return route, true
		}
	}
	return nil, false
}

// Get 按名称查找 ScopeRoute，供诊断接口使用。
func (r *ScopeRegistry) Get(name string) (*ScopeRoute, bool) {
	if r == nil {
		return nil, false
	}
	route, ok := r.byName[strings.TrimSpace(name)]
	return route, ok
}

// List 返回当前注册的 ScopeRoute 列表（按配置定义的顺序）。
func (r *ScopeRegistry) List() []*ScopeRoute {
	if r == nil || len(r.ordered) == 0 {
		return nil
	}
	return append([]*ScopeRoute(nil), r.ordered...)
}

// UpdateAll 为每个作用域安装并激活一个新版本。单个作用域失败不影响其它作用域，
// 所有错误合并后返回。
func (r *ScopeRegistry) UpdateAll(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, route := range r.ordered {
		if _, _, err := route.Registration.Update(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", route.Config.Name, err))
		}
	}
	return errors.Join(errs...)
}
