package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/metrics"
)

// Options 是一个作用域的静态配置，对同一脚本版本保持不变。
type Options struct {
	Scope        string
	Path         string
	CacheName    string
	Policy       Policy
	SeedURLs     []string
	ClaimClients bool
}

// Dependencies 汇总 worker 需要的外部组件，便于在测试中替换。
type Dependencies struct {
	Fetcher Fetcher
	Store   cache.Store
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
}

// SeedFailure 记录一个未能预缓存的地址。
type SeedFailure struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// InstallReport 汇总一次安装的预缓存结果，失败项只记录不重试。
type InstallReport struct {
	Version    int           `json:"version"`
	Stored     []string      `json:"stored"`
	Failed     []SeedFailure `json:"failed"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Worker 是一个已安装的拦截器版本。
type Worker struct {
	version int
	opts    Options
	deps    Dependencies

	mu    sync.RWMutex
	state State
}

// NewWorker 构造处于 installing 状态的 worker。
func NewWorker(version int, opts Options, deps Dependencies) *Worker {
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	return &Worker{
		version: version,
		opts:    opts,
		deps:    deps,
		state:   StateInstalling,
	}
}

// Version 返回单调递增的版本号。
func (w *Worker) Version() int {
	return w.version
}

// State 返回当前生命周期状态。
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Policy 返回该版本生效的回退策略。
func (w *Worker) Policy() Policy {
	return w.opts.Policy
}

func (w *Worker) transition(event Event) error {
	w.mu.Lock()
	next, err := Transition(w.state, event)
	if err == nil {
		w.state = next
	}
	w.mu.Unlock()
	if err != nil {
		return err
	}
	w.deps.Metrics.RecordTransition(w.opts.Scope, string(next))
	w.logger().WithFields(logrus.Fields{
		"action": "lifecycle",
		"event":  string(event),
		"state":  string(next),
	}).Debug("worker_transition")
	return nil
}

// Install 打开命名缓存并逐个预缓存种子地址。单个地址失败不会中断安装，
// 只有缓存本身无法打开时才返回 error，此时 worker 进入 redundant。
func (w *Worker) Install(ctx context.Context) (InstallReport, error) {
	report := InstallReport{Version: w.version, StartedAt: time.Now().UTC()}
	if state := w.State(); state != StateInstalling {
		return report, fmt.Errorf("%w: install on %s", ErrInvalidTransition, state)
	}
	if w.deps.Store == nil || w.deps.Fetcher == nil {
		_ = w.transition(EventInstallFailed)
		return report, errors.New("worker dependencies missing")
	}

	if err := w.deps.Store.Open(ctx, w.opts.CacheName); err != nil {
		_ = w.transition(EventInstallFailed)
		report.FinishedAt = time.Now().UTC()
		return report, fmt.Errorf("open cache %s: %w", w.opts.CacheName, err)
	}

	for _, seed := range w.opts.SeedURLs {
		if err := w.prime(ctx, seed); err != nil {
			report.Failed = append(report.Failed, SeedFailure{URL: seed, Reason: err.Error()})
			w.deps.Metrics.RecordSeed(w.opts.Scope, "failed")
			w.logger().WithError(err).WithFields(logrus.Fields{
				"action": "install_seed",
				"url":    seed,
			}).Warn("seed_prime_failed")
			continue
		}
		report.Stored = append(report.Stored, seed)
		w.deps.Metrics.RecordSeed(w.opts.Scope, "stored")
	}

	report.FinishedAt = time.Now().UTC()
	if err := w.transition(EventInstalled); err != nil {
		return report, err
	}
	w.logger().WithFields(logrus.Fields{
		"action": "install",
		"stored": len(report.Stored),
		"failed": len(report.Failed),
	}).Info("worker_installed")
	return report, nil
}

func (w *Worker) prime(ctx context.Context, seed string) error {
	req := &Request{
		URL:    seed,
		Method: http.MethodGet,
		Header: http.Header{},
		Mode:   ModeSubresource,
	}
	resp, err := w.deps.Fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil {
		return fmt.Errorf("%w: empty response", ErrNetwork)
	}
	if !resp.OK() {
		return fmt.Errorf("unexpected status %d", resp.Status)
	}
	return w.putCache(ctx, seed, resp)
}

// putCache 是缓存的唯一写入口，仅在 installing 状态下放行。
func (w *Worker) putCache(ctx context.Context, url string, resp *Response) error {
	if w.State() != StateInstalling {
		return ErrCacheWriteForbidden
	}
	_, err := w.deps.Store.Put(ctx, w.locator(url), cache.Record{
		Status: resp.Status,
		Header: resp.Header,
		Body:   resp.Body,
	})
	return err
}

// Activate 完成 installed → activating → activated。接管页面由 Registration 负责。
func (w *Worker) Activate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.transition(EventActivate); err != nil {
		return err
	}
	if err := w.transition(EventActivated); err != nil {
		return err
	}
	w.logger().WithField("action", "activate").Info("worker_activated")
	return nil
}

// retire 在新版本激活后将旧版本标记为 redundant。
func (w *Worker) retire() {
	if err := w.transition(EventReplaced); err != nil {
		w.logger().WithError(err).WithField("action", "retire").Warn("worker_retire_failed")
	}
}

// Intercept 按策略处理一次 fetch 事件：先走网络，网络失败且计划允许时查缓存。
// 两者都失败时原样返回网络错误，不重试。
func (w *Worker) Intercept(ctx context.Context, req *Request) (*Response, error) {
	if state := w.State(); state != StateActivated {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, state)
	}

	plan := Decide(w.opts.Policy, req)
	resp, netErr := w.deps.Fetcher.Fetch(ctx, req)
	if netErr == nil && resp == nil {
		netErr = fmt.Errorf("%w: empty response", ErrNetwork)
	}
	if netErr == nil {
		resp.Source = SourceNetwork
		return resp, nil
	}
	// 页面已放弃该请求时不再查缓存
	if !plan.CacheFallback || ctx.Err() != nil {
		return nil, netErr
	}

	entry, err := w.deps.Store.Match(ctx, w.locator(req.URL))
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger().WithError(err).WithFields(logrus.Fields{
				"action": "cache_match",
				"url":    req.URL,
			}).Warn("cache_match_failed")
		}
		return nil, netErr
	}

	return &Response{
		Status: entry.Record.Status,
		Header: entry.Record.Header.Clone(),
		Body:   entry.Record.Body,
		Source: SourceCache,
	}, nil
}

// locator 对种子与请求使用同一缓存键，两种存储后端因此按相同规则命中。
func (w *Worker) locator(url string) cache.Locator {
	return cache.Locator{CacheName: w.opts.CacheName, URL: CacheKey(url)}
}

func (w *Worker) logger() *logrus.Entry {
	return w.deps.Logger.WithFields(logrus.Fields{
		"scope":      w.opts.Scope,
		"cache_name": w.opts.CacheName,
		"version":    w.version,
	})
}
