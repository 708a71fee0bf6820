package worker

import (
	"fmt"
	"net/http"
	"strings"
)

// Policy 是拦截器的回退策略，必须由配置显式给出。
type Policy string

const (
	// NetworkFirstAlways 对所有请求先走网络，失败时回退到缓存。
	NetworkFirstAlways Policy = "network-first-always"
	// NetworkFirstNavigateOnly 只对页面导航回退缓存，子资源网络失败直接透出。
	NetworkFirstNavigateOnly Policy = "network-first-navigate-only"
)

// PolicyList 用于错误提示。
const PolicyList = "network-first-always|network-first-navigate-only"

// ParsePolicy 解析配置中的策略名，大小写与首尾空白不敏感。
func ParsePolicy(raw string) (Policy, error) {
	policy := Policy(strings.ToLower(strings.TrimSpace(raw)))
	if !policy.Valid() {
		return "", fmt.Errorf("unknown policy %q, expected %s", raw, PolicyList)
	}
	return policy, nil
}

// Valid 报告策略是否为已知取值。
func (p Policy) Valid() bool {
	switch p {
	case NetworkFirstAlways, NetworkFirstNavigateOnly:
		return true
	default:
		return false
	}
}

// Plan 是针对单个请求的决策结果。
type Plan struct {
	// Network 为 true 时先发起网络请求。两种策略都是网络优先。
	Network bool
	// CacheFallback 为 true 时网络失败后查询缓存。
	CacheFallback bool
}

// Decide 根据策略与请求计算处理方式，不做任何 I/O。
// 只有 GET 能命中缓存，因为缓存只保存 GET 响应。
func Decide(policy Policy, req *Request) Plan {
	plan := Plan{Network: true}
	if req == nil || !strings.EqualFold(req.Method, http.MethodGet) {
		return plan
	}
	switch policy {
	case NetworkFirstAlways:
		plan.CacheFallback = true
	case NetworkFirstNavigateOnly:
		plan.CacheFallback = req.IsNavigation()
	}
	return plan
}
