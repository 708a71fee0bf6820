package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/swproxy/internal/cache"
	"github.com/any-hub/swproxy/internal/config"
	"github.com/any-hub/swproxy/internal/logging"
	"github.com/any-hub/swproxy/internal/metrics"
	"github.com/any-hub/swproxy/internal/proxy"
	"github.com/any-hub/swproxy/internal/server"
	"github.com/any-hub/swproxy/internal/server/routes"
	"github.com/any-hub/swproxy/internal/version"
	"github.com/any-hub/swproxy/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

const shutdownTimeout = 10 * time.Second

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["scopes"] = len(cfg.Scopes)
		fields["policies"] = config.PolicySummary(cfg.Scopes)
		fields["store_backend"] = cfg.Global.StoreBackend
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "启动失败: %v\n", err)
		return 1
	}
	defer a.close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["scopes"] = len(cfg.Scopes)
	fields["policies"] = config.PolicySummary(cfg.Scopes)
	fields["origin"] = cfg.Global.Origin
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_backend"] = cfg.Global.StoreBackend
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := a.serve(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("swproxy", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SWPROXY_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SWPROXY_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}

// application 聚合一次运行所需的组件，便于测试直接驱动 Fiber app。
type application struct {
	app      *fiber.App
	registry *server.ScopeRegistry
	store    cache.Store
	logger   *logrus.Logger
}

// bootstrap 遵循“缓存 → 指标 → 网络 → 作用域注册（安装并激活）→ Fiber”的顺序，
// 保证首个请求到达前每个作用域都已有 active worker。
func bootstrap(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*application, error) {
	store, err := cache.NewBackend(cfg.Global.StoreBackend, cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("初始化缓存失败: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	network, err := proxy.NewNetwork(server.NewUpstreamClient(cfg), cfg.Global.Origin, cfg.Global.ListenPort)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry, err := server.NewScopeRegistry(cfg, worker.Dependencies{
		Fetcher: network,
		Store:   store,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("构建作用域注册表失败: %w", err)
	}
	if err := registry.UpdateAll(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("安装 worker 失败: %w", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(network, logger, m),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	routes.RegisterStatusRoutes(app, routes.Options{
		Registry: registry,
		Gatherer: promRegistry,
		Logger:   logger,
	})

	return &application{
		app:      app,
		registry: registry,
		store:    store,
		logger:   logger,
	}, nil
}

// serve 监听端口直到 ctx 结束，随后在 shutdownTimeout 内优雅关闭。
func (a *application) serve(ctx context.Context, port int) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.WithFields(logrus.Fields{
			"action": "listen",
			"port":   port,
		}).Info("Fiber 服务启动")
		errCh <- a.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.WithField("action", "shutdown").Info("收到退出信号，停止服务")
	if err := a.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *application) close() {
	if err := a.store.Close(); err != nil {
		a.logger.WithError(err).WithField("action", "shutdown").Warn("cache_close_failed")
	}
}
