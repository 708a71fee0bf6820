package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Registration 持有一个作用域下的 worker 版本与已知页面（client）。
// 同一时间最多只有一个 active 版本；新版本安装期间旧版本继续服务。
type Registration struct {
	opts Options
	deps Dependencies

	// updateMu 串行化 Update，保证缓存写入只发生在单个安装阶段内。
	updateMu sync.Mutex

	mu          sync.RWMutex
	active      *Worker
	installing  *Worker
	nextVersion int
	lastReport  *InstallReport
	clients     map[string]*client
	now         func() time.Time

	// clientTTL 之内未再出现的页面视为已关闭；maxClients 限制同时跟踪的页面数。
	clientTTL  time.Duration
	maxClients int
	lastSweep  time.Time
}

const (
	defaultClientTTL  = 30 * time.Minute
	defaultMaxClients = 10000
	sweepInterval     = time.Minute
)

type client struct {
	// controller 为控制该页面的 worker 版本，0 表示未受控。
	controller int
	firstSeen  time.Time
	lastSeen   time.Time
}

// Status 是供诊断接口输出的快照。
type Status struct {
	Scope        string         `json:"scope"`
	Path         string         `json:"path"`
	CacheName    string         `json:"cache_name"`
	Policy       Policy         `json:"policy"`
	ClaimClients bool           `json:"claim_clients"`
	Version      int            `json:"version"`
	State        State          `json:"state"`
	Installing   int            `json:"installing_version,omitempty"`
	Clients      int            `json:"clients"`
	Controlled   int            `json:"controlled_clients"`
	LastInstall  *InstallReport `json:"last_install,omitempty"`
}

// NewRegistration 校验作用域参数并创建尚无 worker 的注册。
func NewRegistration(opts Options, deps Dependencies) (*Registration, error) {
	if strings.TrimSpace(opts.Scope) == "" {
		return nil, errors.New("scope name required")
	}
	if !strings.HasPrefix(opts.Path, "/") {
		return nil, fmt.Errorf("scope %s: path must start with /", opts.Scope)
	}
	if strings.TrimSpace(opts.CacheName) == "" {
		return nil, fmt.Errorf("scope %s: cache name required", opts.Scope)
	}
	if !opts.Policy.Valid() {
		return nil, fmt.Errorf("scope %s: unknown policy %q", opts.Scope, opts.Policy)
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("scope %s: fetcher required", opts.Scope)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("scope %s: cache store required", opts.Scope)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	opts.SeedURLs = append([]string(nil), opts.SeedURLs...)
	return &Registration{
		opts:    opts,
		deps:    deps,
		clients:    make(map[string]*client),
		now:        time.Now,
		clientTTL:  defaultClientTTL,
		maxClients: defaultMaxClients,
	}, nil
}

// Options 返回作用域配置副本。
func (r *Registration) Options() Options {
	opts := r.opts
	opts.SeedURLs = append([]string(nil), r.opts.SeedURLs...)
	return opts
}

// Active 返回当前 active worker，可能为 nil。
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Update 安装一个新版本并立即激活（跳过等待），旧版本随之变为 redundant。
// 安装失败时保留旧版本继续服务。
func (r *Registration) Update(ctx context.Context) (*Worker, InstallReport, error) {
	r.updateMu.Lock()
	defer r.updateMu.Unlock()

	r.mu.Lock()
	r.nextVersion++
	w := NewWorker(r.nextVersion, r.opts, r.deps)
	r.installing = w
	r.mu.Unlock()

	report, err := w.Install(ctx)

	r.mu.Lock()
	r.installing = nil
	r.lastReport = &report
	r.mu.Unlock()

	if err != nil {
		r.logger().WithError(err).WithField("version", w.Version()).Error("worker_install_failed")
		return nil, report, err
	}

	if err := w.Activate(ctx); err != nil {
		w.retire()
		return nil, report, err
	}

	r.mu.Lock()
	previous := r.active
	r.active = w
	r.mu.Unlock()

	if previous != nil {
		previous.retire()
	}
	r.deps.Metrics.SetActiveVersion(r.opts.Scope, w.Version())

	claimed := 0
	if r.opts.ClaimClients {
		claimed = r.Claim()
	}

	fields := logrus.Fields{
		"action":  "update",
		"version": w.Version(),
		"claimed": claimed,
	}
	if previous != nil {
		fields["replaced_version"] = previous.Version()
	}
	r.logger().WithFields(fields).Info("worker_updated")
	return w, report, nil
}

// Claim 让所有已知页面立即受 active worker 控制，无需刷新。返回接管数量。
func (r *Registration) Claim() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return 0
	}
	version := r.active.Version()
	claimed := 0
	for _, c := range r.clients {
		if c.controller != version {
			c.controller = version
			claimed++
		}
	}
	return claimed
}

// Dispatch 处理作用域内的一次请求：受控页面交给 active worker 拦截，
// 其余请求直接走网络。
func (r *Registration) Dispatch(ctx context.Context, req *Request) (*Response, error) {
	w := r.controllerFor(req)
	if w != nil {
		return w.Intercept(ctx, req)
	}

	resp, err := r.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrNetwork)
	}
	resp.Source = SourceBypass
	return resp, nil
}

// controllerFor 记录页面并返回控制它的 worker。规则：
//   - 已受控页面在新版本激活后自动跟随 active 版本（跳过等待的语义）；
//   - ClaimClients 开启时，激活后首次出现的页面同样视为已被接管，
//     例如进程重启前就已打开、带着旧 cookie 的标签页；
//   - 未受控页面发起导航即视为重新加载，纳入控制；
//   - 其余未受控页面的子资源请求不被拦截。
func (r *Registration) controllerFor(req *Request) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := r.active
	if req.ClientID == "" {
		return active
	}

	now := r.now()
	c, ok := r.clients[req.ClientID]
	if !ok {
		r.reapClientsLocked(now)
		c = &client{firstSeen: now}
		r.clients[req.ClientID] = c
	}
	c.lastSeen = now

	if active == nil {
		return nil
	}
	if c.controller == 0 && !req.IsNavigation() && !r.opts.ClaimClients {
		return nil
	}
	c.controller = active.Version()
	return active
}

// reapClientsLocked 清理超过 clientTTL 未出现的页面；仍超出 maxClients 时
// 按 lastSeen 淘汰最旧的一批。调用方需持有 r.mu。
func (r *Registration) reapClientsLocked(now time.Time) {
	full := r.maxClients > 0 && len(r.clients) >= r.maxClients
	if !full && now.Sub(r.lastSweep) < sweepInterval {
		return
	}
	r.lastSweep = now

	if r.clientTTL > 0 {
		for id, c := range r.clients {
			if now.Sub(c.lastSeen) > r.clientTTL {
				delete(r.clients, id)
			}
		}
	}
	if r.maxClients <= 0 || len(r.clients) < r.maxClients {
		return
	}

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.clients[ids[i]].lastSeen.Before(r.clients[ids[j]].lastSeen)
	})
	// 一次腾出 1/10 的空间，避免每个新页面都触发排序
	evict := len(ids) - r.maxClients + r.maxClients/10 + 1
	if evict > len(ids) {
		evict = len(ids)
	}
	for _, id := range ids[:evict] {
		delete(r.clients, id)
	}
	r.deps.Logger.WithFields(logrus.Fields{
		"scope":   r.opts.Scope,
		"action":  "reap_clients",
		"evicted": evict,
	}).Debug("client_limit_reached")
}

// Controlled 报告页面当前是否受控，主要用于诊断与测试。
func (r *Registration) Controlled(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	return ok && r.active != nil && c.controller == r.active.Version()
}

// Status 返回注册当前的快照。
func (r *Registration) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{
		Scope:        r.opts.Scope,
		Path:         r.opts.Path,
		CacheName:    r.opts.CacheName,
		Policy:       r.opts.Policy,
		ClaimClients: r.opts.ClaimClients,
		Clients:      len(r.clients),
	}
	if r.active != nil {
		status.Version = r.active.Version()
		status.State = r.active.State()
		for _, c := range r.clients {
			if c.controller == status.Version {
				status.Controlled++
			}
		}
	}
	if r.installing != nil {
		status.Installing = r.installing.Version()
		if r.active == nil {
			status.State = r.installing.State()
		}
	}
	if r.lastReport != nil {
		report := *r.lastReport
		status.LastInstall = &report
	}
	return status
}

// CachedURLs 列出作用域缓存中的地址。
func (r *Registration) CachedURLs(ctx context.Context) ([]string, error) {
	return r.deps.Store.Keys(ctx, r.opts.CacheName)
}

func (r *Registration) logger() *logrus.Entry {
	return r.deps.Logger.WithFields(logrus.Fields{
		"scope":      r.opts.Scope,
		"cache_name": r.opts.CacheName,
		"policy":     string(r.opts.Policy),
	})
}
