// Package worker hosts reconciler versions for one app and drives their
// lifecycle the way a browser drives a service worker registration:
// installing → installed (waiting) → activating → activated, with superseded
// versions becoming redundant. Fetch and message events are dispatched to the
// right version and every event returns its error to the caller.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/reconciler"
)

// State 是版本的生命周期状态。
type State string

const (
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrNoVersion 表示当前没有可接收消息的版本。
	ErrNoVersion = errors.New("no version available")
	// ErrSuperseded 表示安装期间已有更新的版本注册，本版本被废弃。
	ErrSuperseded = errors.New("version superseded by a newer registration")
)

// Options 描述 Runtime 的依赖与生命周期策略。
type Options struct {
	Name    string
	Origin  string
	Storage cache.Storage
	Network reconciler.Network
	Logger  *logrus.Logger
	// SkipWaitingOnInstall 为 true 时安装完成即激活，不等待旧版本释放。
	SkipWaitingOnInstall bool
	// MaxRetries/InitialBackoff 控制安装失败后的指数退避重试。
	MaxRetries     int
	InitialBackoff time.Duration
}

// Runtime 是单个 app 的宿主运行时。
type Runtime struct {
	opts   Options
	logger *logrus.Logger

	// gate 让 fetch 与激活互斥：激活期间新的 fetch 等待激活完成。
	gate sync.RWMutex
	// stageMu 串行化对 staging 分区的写入（安装与激活）。加锁顺序为 gate → stageMu。
	stageMu sync.Mutex

	mu         sync.Mutex
	installing *Version
	waiting    *Version
	active     *Version
	// staged 是 staging 分区当前内容所属的版本。
	staged    *Version
	claimedAt time.Time
}

// Version 是一次 Register 产生的 reconciler 实例。
type Version struct {
	ID         string
	manifest   *manifest.Manifest
	reconciler *reconciler.Reconciler

	// 以下字段由 Runtime.mu 保护。
	state       State
	skipWaiting bool
	installedAt time.Time
	activatedAt time.Time
}

// New 校验依赖并构造 Runtime。
func New(opts Options) (*Runtime, error) {
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Runtime{opts: opts, logger: logger}, nil
}

// Name 返回 app 名称。
func (rt *Runtime) Name() string {
	return rt.opts.Name
}

// Register 以新清单注册一个版本：安装（失败按退避重试），进入等待，
// 满足条件时立即激活。激活失败时版本仍会接管，错误原样返回。
func (rt *Runtime) Register(ctx context.Context, m *manifest.Manifest) error {
	v := &Version{ID: uuid.NewString(), manifest: m}
	rec, err := reconciler.New(reconciler.Options{
		Config: reconciler.Config{
			Name:     rt.opts.Name,
			Origin:   rt.opts.Origin,
			Manifest: m,
		},
		Storage: rt.opts.Storage,
		Network: rt.opts.Network,
		Host:    versionHost{rt: rt, v: v},
		Logger:  rt.logger,
	})
	if err != nil {
		return fmt.Errorf("build reconciler: %w", err)
	}
	v.reconciler = rec

	rt.mu.Lock()
	if prev := rt.installing; prev != nil {
		prev.state = StateRedundant
	}
	rt.installing = v
	v.state = StateInstalling
	rt.mu.Unlock()
	rt.logTransition(v, StateInstalling)

	rt.stageMu.Lock()
	if err := rt.install(ctx, v); err != nil {
		rt.stageMu.Unlock()
		rt.mu.Lock()
		if rt.installing == v {
			rt.installing = nil
		}
		v.state = StateRedundant
		rt.mu.Unlock()
		rt.logTransition(v, StateRedundant)
		return err
	}

	rt.mu.Lock()
	if rt.installing != v {
		v.state = StateRedundant
		rt.mu.Unlock()
		rt.stageMu.Unlock()
		rt.logTransition(v, StateRedundant)
		return ErrSuperseded
	}
	rt.installing = nil
	if prev := rt.waiting; prev != nil {
		prev.state = StateRedundant
	}
	rt.waiting = v
	v.state = StateInstalled
	v.installedAt = time.Now().UTC()
	activateNow := v.skipWaiting || rt.opts.SkipWaitingOnInstall || rt.active == nil
	rt.mu.Unlock()
	rt.stageMu.Unlock()
	rt.logTransition(v, StateInstalled)

	if !activateNow {
		return nil
	}
	return rt.activate(ctx, v)
}

// install 以退避策略执行 v 的安装，调用方需持有 stageMu。
// 成功后 staging 归属 v；失败时 staging 内容不再可信。
func (rt *Runtime) install(ctx context.Context, v *Version) error {
	rt.mu.Lock()
	rt.staged = nil
	rt.mu.Unlock()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = rt.opts.InitialBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(rt.opts.MaxRetries)), ctx)

	attempt := 0
	operation := func() error {
		attempt++
		return v.reconciler.Install(ctx)
	}
	notify := func(err error, wait time.Duration) {
		fields := logging.LifecycleFields(rt.opts.Name, v.ID, string(StateInstalling))
		fields["attempt"] = attempt
		fields["retry_in_ms"] = wait.Milliseconds()
		rt.logger.WithFields(fields).WithError(err).Warn("install_retry")
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		fields := logging.LifecycleFields(rt.opts.Name, v.ID, string(StateInstalling))
		fields["attempts"] = attempt
		rt.logger.WithFields(fields).WithError(err).Error("install_failed")
		return fmt.Errorf("install version %s: %w", v.ID, err)
	}

	rt.mu.Lock()
	rt.staged = v
	rt.mu.Unlock()
	return nil
}

// activate 将等待中的 v 切换为活动版本；v 已不在等待状态时直接返回。
// staging 已被其他版本覆盖时先重新安装 v，失败则 v 保持等待。
func (rt *Runtime) activate(ctx context.Context, v *Version) error {
	rt.gate.Lock()
	defer rt.gate.Unlock()
	rt.stageMu.Lock()
	defer rt.stageMu.Unlock()

	rt.mu.Lock()
	if rt.waiting != v {
		rt.mu.Unlock()
		return nil
	}
	restage := rt.staged != v
	rt.mu.Unlock()

	if restage {
		rt.logger.WithFields(logging.LifecycleFields(rt.opts.Name, v.ID, string(StateInstalled))).Info("restage")
		if err := rt.install(ctx, v); err != nil {
			return err
		}
	}

	rt.mu.Lock()
	rt.waiting = nil
	v.state = StateActivating
	rt.mu.Unlock()
	rt.logTransition(v, StateActivating)

	_, err := v.reconciler.Activate(ctx)

	rt.mu.Lock()
	// 激活成功会删除 staging，失败会重置全部分区。
	rt.staged = nil
	prev := rt.active
	if prev != nil {
		prev.state = StateRedundant
	}
	rt.active = v
	v.state = StateActivated
	v.activatedAt = time.Now().UTC()
	rt.mu.Unlock()

	if prev != nil {
		rt.logTransition(prev, StateRedundant)
	}
	rt.logTransition(v, StateActivated)
	return err
}

// skipWaitingFor 标记 v 跳过等待；v 已安装完成时立即激活。
func (rt *Runtime) skipWaitingFor(ctx context.Context, v *Version) error {
	rt.mu.Lock()
	v.skipWaiting = true
	isWaiting := rt.waiting == v
	rt.mu.Unlock()
	if !isWaiting {
		return nil
	}
	return rt.activate(ctx, v)
}

func (rt *Runtime) claim(v *Version) {
	rt.mu.Lock()
	rt.claimedAt = time.Now().UTC()
	rt.mu.Unlock()
	rt.logger.WithFields(logging.LifecycleFields(rt.opts.Name, v.ID, string(StateActivating))).Info("clients_claimed")
}

// Fetch 把请求交给活动版本；没有活动版本时不拦截。
func (rt *Runtime) Fetch(ctx context.Context, req *cache.Request) (reconciler.FetchResult, error) {
	rt.gate.RLock()
	defer rt.gate.RUnlock()

	rt.mu.Lock()
	active := rt.active
	rt.mu.Unlock()
	if active == nil {
		return reconciler.FetchResult{}, nil
	}
	return active.reconciler.HandleFetch(ctx, req)
}

// PostMessage 分发外部消息。skipWaiting 发给等待（或安装中）的版本，其余发给活动版本；
// 未识别的负载直接忽略。
func (rt *Runtime) PostMessage(ctx context.Context, payload string) error {
	if !reconciler.IsRecognizedMessage(payload) {
		rt.logger.WithFields(logrus.Fields{"action": "message", "app": rt.opts.Name}).Debug("message_ignored")
		return nil
	}

	if payload == reconciler.MessageSkipWaiting {
		rt.mu.Lock()
		target := rt.waiting
		if target == nil {
			target = rt.installing
		}
		if target == nil {
			target = rt.active
		}
		rt.mu.Unlock()
		if target == nil {
			return ErrNoVersion
		}
		return target.reconciler.HandleMessage(ctx, payload)
	}

	rt.gate.RLock()
	defer rt.gate.RUnlock()
	rt.mu.Lock()
	target := rt.active
	rt.mu.Unlock()
	if target == nil {
		return ErrNoVersion
	}
	return target.reconciler.HandleMessage(ctx, payload)
}

func (rt *Runtime) logTransition(v *Version, state State) {
	fields := logging.LifecycleFields(rt.opts.Name, v.ID, string(state))
	fields["resources"] = len(v.manifest.Resources)
	rt.logger.WithFields(fields).Info("lifecycle_transition")
}

// versionHost 把 reconciler 的宿主回调绑定到具体版本。
type versionHost struct {
	rt *Runtime
	v  *Version
}

func (h versionHost) SkipWaiting(ctx context.Context) error {
	return h.rt.skipWaitingFor(ctx, h.v)
}

func (h versionHost) ClaimClients(context.Context) error {
	h.rt.claim(h.v)
	return nil
}
