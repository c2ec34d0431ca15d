package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/reconciler"
	"github.com/any-hub/offline-hub/internal/worker"
)

// NetworkFactory 为每个 App 构造 reconciler 使用的网络实现。
type NetworkFactory func(*AppRoute) reconciler.Network

// RuntimeOptions 描述挂载生命周期运行时所需的共享依赖。
// StoragePath 是缓存根目录，每个 App 在其下拥有独立的 <name>/ 子目录。
type RuntimeOptions struct {
	StoragePath    string
	Network        NetworkFactory
	Logger         *logrus.Logger
	MaxRetries     int
	InitialBackoff time.Duration
}

// AttachRuntimes 为 registry 中的每个 App 创建 worker.Runtime。
func AttachRuntimes(registry *AppRegistry, opts RuntimeOptions) error {
	if registry == nil {
		return errors.New("app registry is required")
	}
	if opts.Network == nil {
		return errors.New("network factory is required")
	}
	if opts.StoragePath == "" {
		return errors.New("storage path is required")
	}
	for _, route := range registry.List() {
		// 分区名在各 App 间相同，必须按 App 隔离根目录。
		store, err := cache.NewStore(filepath.Join(opts.StoragePath, route.Config.Name))
		if err != nil {
			return fmt.Errorf("app %s: init cache: %w", route.Config.Name, err)
		}
		rt, err := worker.New(worker.Options{
			Name:                 route.Config.Name,
			Origin:               route.Origin,
			Storage:              store,
			Network:              opts.Network(route),
			Logger:               opts.Logger,
			SkipWaitingOnInstall: route.Config.SkipWaiting(),
			MaxRetries:           opts.MaxRetries,
			InitialBackoff:       opts.InitialBackoff,
		})
		if err != nil {
			return fmt.Errorf("app %s: %w", route.Config.Name, err)
		}
		route.Runtime = rt
	}
	return nil
}

// StartRuntimes 并发注册各 App 启动时加载的清单。单个 App 失败只影响自身，
// 其请求继续透传上游；返回第一个失败。
func StartRuntimes(ctx context.Context, registry *AppRegistry, logger *logrus.Logger) error {
	var g errgroup.Group
	for _, route := range registry.List() {
		route := route
		if route.Runtime == nil || route.Manifest == nil {
			continue
		}
		g.Go(func() error {
			fields := logrus.Fields{"action": "register", "app": route.Config.Name}
			if err := route.Runtime.Register(ctx, route.Manifest); err != nil {
				logger.WithFields(fields).WithError(err).Error("register_failed")
				return fmt.Errorf("app %s: %w", route.Config.Name, err)
			}
			logger.WithFields(fields).Info("register_complete")
			return nil
		})
	}
	return g.Wait()
}
