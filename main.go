package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/reconciler"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
)

// cliOptions 汇总命令行解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

// exitCode 让子命令把退出码透传给 main，而不是由 cobra 打印错误。
type exitCode int

func (e exitCode) Error() string {
	return fmt.Sprintf("exit status %d", int(e))
}

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行，返回进程退出码。
func execute(args []string) int {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)

	err := cmd.Execute()
	if err == nil {
		return 0
	}
	var code exitCode
	if errors.As(err, &code) {
		return int(code)
	}
	fmt.Fprintln(stdErr, err.Error())
	return 2
}

func newRootCommand() *cobra.Command {
	var configFlag string

	root := &cobra.Command{
		Use:           "offline-hub",
		Short:         "按清单缓存 Web 应用资源的离线网关",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return codeError(run(cliOptions{configPath: resolveConfigPath(configFlag)}))
		},
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+config.EnvConfigPath+" 覆盖）")

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "仅校验配置与清单后退出",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return codeError(run(cliOptions{configPath: resolveConfigPath(configFlag), checkOnly: true}))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return codeError(run(cliOptions{showVersion: true}))
		},
	})
	root.AddCommand(newManifestCommand())
	return root
}

func newManifestCommand() *cobra.Command {
	manifestCmd := &cobra.Command{
		Use:   "manifest",
		Short: "清单工具",
	}
	manifestCmd.AddCommand(&cobra.Command{
		Use:   "diff <old.json> <new.json>",
		Short: "预览升级时各路径会被淘汰、保留还是重新暂存",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return codeError(diffManifests(args[0], args[1]))
		},
	})
	return manifestCmd
}

func codeError(code int) error {
	if code == 0 {
		return nil
	}
	return exitCode(code)
}

// resolveConfigPath 按 --config、环境变量、默认文件的顺序确定配置路径。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(config.EnvConfigPath); env != "" {
		return env
	}
	return "config.toml"
}

// run 根据解析到的选项执行业务流程，并返回退出码，方便测试。
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

	apps, err := cfg.BuildAppRuntimes()
	if err != nil {
		fmt.Fprintf(stdErr, "加载清单失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["apps"] = len(cfg.Apps)
		fields["credentials"] = config.CredentialModes(cfg.Apps)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	app, registry, err := buildGateway(cfg, apps, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建网关失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["apps"] = len(cfg.Apps)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Apps)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 注册与监听并行：版本激活前的请求直接透传上游。
	go func() {
		_ = server.StartRuntimes(ctx, registry, logger)
	}()

	if err := startHTTPServer(ctx, app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// buildGateway 按“清单 → AppRegistry → 运行时 → Fiber”顺序组装网关。
// 所有 App 共享监听端口与上游 client，缓存目录按 App 名称隔离。
func buildGateway(cfg *config.Config, apps []config.AppRuntime, logger *logrus.Logger) (*fiber.App, *server.AppRegistry, error) {
	registry, err := server.NewAppRegistry(cfg, apps)
	if err != nil {
		return nil, nil, fmt.Errorf("构建 App 注册表失败: %w", err)
	}

	httpClient := server.NewUpstreamClient(cfg)
	err = server.AttachRuntimes(registry, server.RuntimeOptions{
		StoragePath: cfg.Global.StoragePath,
		Network: func(route *server.AppRoute) reconciler.Network {
			return proxy.NewFetcher(httpClient, route)
		},
		Logger:         logger,
		MaxRetries:     cfg.Global.MaxRetries,
		InitialBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})
	if err != nil {
		return nil, nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxy.NewHandler(httpClient, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, nil, err
	}
	routes.RegisterAppRoutes(app, registry, logger)
	return app, registry, nil
}

func startHTTPServer(ctx context.Context, app *fiber.App, port int, logger *logrus.Logger) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_failed")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}

// diffManifests 以 JSON 输出 old → new 升级时的路径分类。
func diffManifests(oldPath, newPath string) int {
	previous, err := manifest.Load(oldPath)
	if err != nil {
		fmt.Fprintf(stdErr, "读取旧清单失败: %v\n", err)
		return 1
	}
	next, err := manifest.Load(newPath)
	if err != nil {
		fmt.Fprintf(stdErr, "读取新清单失败: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdOut)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest.Compare(previous.Resources, next)); err != nil {
		fmt.Fprintf(stdErr, "输出差异失败: %v\n", err)
		return 1
	}
	return 0
}
