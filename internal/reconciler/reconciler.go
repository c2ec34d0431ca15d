// Package reconciler implements the offline caching policy of a packaged
// front-end build: shell files are staged during install, the durable content
// cache is reconciled against the previous manifest during activate, and
// fetches are answered cache-first (or online-first for the document root).
//
// The reconciler never drives its own lifecycle. A host runtime raises the
// install/activate/fetch/message signals and consumes the returned errors.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

// 分区名称与生成模板保持一致，便于和既有缓存目录互认。
const (
	PartitionStaging  = "flutter-temp-cache"
	PartitionContent  = "flutter-app-cache"
	PartitionManifest = "flutter-app-manifest"

	manifestEntry = "manifest"
)

// 可识别的消息负载，其余消息一律忽略。
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// Source 标记 fetch 响应的来源。
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

var (
	// ErrActivationReset 表示激活失败，三个分区已被整体清空。
	ErrActivationReset = errors.New("activation failed, caches reset")
	// ErrUnexpectedStatus 表示批量拉取时上游返回了非 2xx。
	ErrUnexpectedStatus = errors.New("unexpected upstream status")
)

// Network 负责真正的回源请求。返回的非 2xx 响应不视为错误。
type Network interface {
	Fetch(ctx context.Context, req *cache.Request) (*cache.Response, error)
}

// Host 是承载 reconciler 的运行时，负责版本切换。
type Host interface {
	// SkipWaiting 请求立即激活当前处于等待状态的版本。
	SkipWaiting(ctx context.Context) error
	// ClaimClients 让刚激活的版本立即接管已打开的页面。
	ClaimClients(ctx context.Context) error
}

// Config 是构造期注入的只读配置。
type Config struct {
	// Name 仅用于日志。
	Name string
	// Origin 是页面所在的 scope origin，例如 http://app.local，不带结尾斜杠。
	Origin   string
	Manifest *manifest.Manifest
}

// Options 汇总 Reconciler 的依赖。
type Options struct {
	Config  Config
	Storage cache.Storage
	Network Network
	Host    Host
	Logger  *logrus.Logger
}

// Reconciler 管理 staging/content/manifest 三个分区。
type Reconciler struct {
	name     string
	origin   string
	manifest *manifest.Manifest
	storage  cache.Storage
	network  Network
	host     Host
	logger   *logrus.Logger
}

// FetchResult 描述一次 fetch 拦截的结果。Intercepted 为 false 时调用方应自行透传。
type FetchResult struct {
	Intercepted bool
	Response    *cache.Response
	Source      Source
}

// Activation 汇总一次成功激活的结果，便于运行时输出日志。
type Activation struct {
	FirstInstall bool
	Evicted      []string
	Staged       int
}

// New 校验依赖并构造 Reconciler。
func New(opts Options) (*Reconciler, error) {
	if opts.Config.Manifest == nil {
		return nil, errors.New("manifest is required")
	}
	if err := opts.Config.Manifest.Validate(); err != nil {
		return nil, err
	}
	origin := strings.TrimSuffix(strings.TrimSpace(opts.Config.Origin), "/")
	if origin == "" {
		return nil, errors.New("origin is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("cache storage is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Host == nil {
		return nil, errors.New("host is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		name:     opts.Config.Name,
		origin:   origin,
		manifest: opts.Config.Manifest,
		storage:  opts.Storage,
		network:  opts.Network,
		host:     opts.Host,
		logger:   logger,
	}, nil
}

// Manifest 返回当前版本的清单。
func (r *Reconciler) Manifest() *manifest.Manifest {
	return r.manifest
}

// Install 绕过 HTTP 缓存并发拉取全部壳文件，全部成功后才写入 staging。
// staging 只保存本版本的壳文件，写入前先清掉其他版本遗留的条目。
func (r *Reconciler) Install(ctx context.Context) error {
	responses, err := r.fetchAll(ctx, r.manifest.Core, true)
	if err != nil {
		return fmt.Errorf("install shell files: %w", err)
	}

	if _, err := r.storage.Delete(ctx, PartitionStaging); err != nil {
		return fmt.Errorf("drop staging: %w", err)
	}
	staging, err := r.storage.Open(ctx, PartitionStaging)
	if err != nil {
		return fmt.Errorf("open staging: %w", err)
	}
	for i, p := range r.manifest.Core {
		if err := staging.Put(ctx, r.resourceRequest(p), responses[i]); err != nil {
			return fmt.Errorf("stage %s: %w", p, err)
		}
	}

	r.logger.WithFields(r.fields("install")).
		WithField("staged", len(r.manifest.Core)).
		Info("install_complete")
	return nil
}

// Activate 依据上一版本清单整理 content 分区。任何失败都会清空全部分区，
// 返回的错误包装 ErrActivationReset。
func (r *Reconciler) Activate(ctx context.Context) (Activation, error) {
	result, err := r.reconcile(ctx)
	if err == nil {
		fields := r.fields("activate")
		fields["first_install"] = result.FirstInstall
		fields["evicted"] = len(result.Evicted)
		fields["staged"] = result.Staged
		r.logger.WithFields(fields).Info("activate_complete")
		return result, nil
	}

	r.logger.WithFields(r.fields("activate")).WithError(err).Error("activate_failed")
	resetErr := r.reset(context.WithoutCancel(ctx))
	if resetErr != nil {
		r.logger.WithFields(r.fields("activate")).WithError(resetErr).Error("activate_reset_failed")
	} else {
		r.logger.WithFields(r.fields("activate")).Warn("activate_reset")
	}
	return Activation{}, errors.Join(fmt.Errorf("%w: %w", ErrActivationReset, err), resetErr)
}

func (r *Reconciler) reconcile(ctx context.Context) (Activation, error) {
	content, err := r.storage.Open(ctx, PartitionContent)
	if err != nil {
		return Activation{}, fmt.Errorf("open content: %w", err)
	}
	staging, err := r.storage.Open(ctx, PartitionStaging)
	if err != nil {
		return Activation{}, fmt.Errorf("open staging: %w", err)
	}
	manifestStore, err := r.storage.Open(ctx, PartitionManifest)
	if err != nil {
		return Activation{}, fmt.Errorf("open manifest store: %w", err)
	}

	persisted, err := manifestStore.Match(ctx, r.manifestRequest())
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		return Activation{}, fmt.Errorf("read previous manifest: %w", err)
	}

	// 没有旧清单：整体丢弃 content，用 staging 重新填充。
	if persisted == nil {
		if _, err := r.storage.Delete(ctx, PartitionContent); err != nil {
			return Activation{}, fmt.Errorf("drop content: %w", err)
		}
		content, err = r.storage.Open(ctx, PartitionContent)
		if err != nil {
			return Activation{}, fmt.Errorf("reopen content: %w", err)
		}
		staged, err := copyPartition(ctx, staging, content)
		if err != nil {
			return Activation{}, err
		}
		if _, err := r.storage.Delete(ctx, PartitionStaging); err != nil {
			return Activation{}, fmt.Errorf("drop staging: %w", err)
		}
		if err := r.persistManifest(ctx, manifestStore); err != nil {
			return Activation{}, err
		}
		r.claim(ctx)
		return Activation{FirstInstall: true, Staged: staged}, nil
	}

	previous, err := manifest.DecodeResources(persisted.Body)
	if err != nil {
		return Activation{}, err
	}

	keys, err := content.Keys(ctx)
	if err != nil {
		return Activation{}, fmt.Errorf("list content: %w", err)
	}
	var evicted []string
	for _, key := range keys {
		p := r.cachedPath(key.URL)
		if !manifest.Stale(previous, r.manifest.Resources, p) {
			continue
		}
		if _, err := content.Delete(ctx, key); err != nil {
			return Activation{}, fmt.Errorf("evict %s: %w", p, err)
		}
		evicted = append(evicted, p)
	}

	// 壳文件总是覆盖 content，即便上一步保留了旧副本。
	staged, err := copyPartition(ctx, staging, content)
	if err != nil {
		return Activation{}, err
	}
	if err := r.persistManifest(ctx, manifestStore); err != nil {
		return Activation{}, err
	}
	if _, err := r.storage.Delete(ctx, PartitionStaging); err != nil {
		return Activation{}, fmt.Errorf("drop staging: %w", err)
	}
	r.claim(ctx)
	return Activation{Evicted: evicted, Staged: staged}, nil
}

// reset 删除全部分区，后续请求按需回源重建缓存。
func (r *Reconciler) reset(ctx context.Context) error {
	var errs []error
	for _, name := range []string{PartitionContent, PartitionStaging, PartitionManifest} {
		if _, err := r.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) claim(ctx context.Context) {
	if err := r.host.ClaimClients(ctx); err != nil {
		r.logger.WithFields(r.fields("activate")).WithError(err).Warn("claim_clients_failed")
	}
}

func (r *Reconciler) persistManifest(ctx context.Context, store cache.Partition) error {
	body, err := manifest.EncodeResources(r.manifest.Resources)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	resp := &cache.Response{StatusCode: http.StatusOK, Header: header, Body: body}
	if err := store.Put(ctx, r.manifestRequest(), resp); err != nil {
		return fmt.Errorf("persist manifest: %w", err)
	}
	return nil
}

func copyPartition(ctx context.Context, from, to cache.Partition) (int, error) {
	keys, err := from.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", from.Name(), err)
	}
	for _, key := range keys {
		resp, err := from.Match(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("read %s from %s: %w", key.URL, from.Name(), err)
		}
		if err := to.Put(ctx, key, resp); err != nil {
			return 0, fmt.Errorf("copy %s into %s: %w", key.URL, to.Name(), err)
		}
	}
	return len(keys), nil
}

// HandleFetch 按路由策略处理一次请求：非 GET 或不在清单内的路径不拦截。
func (r *Reconciler) HandleFetch(ctx context.Context, req *cache.Request) (FetchResult, error) {
	if req == nil || !strings.EqualFold(req.Method, http.MethodGet) {
		return FetchResult{}, nil
	}
	p, ok := r.requestPath(req.URL)
	if !ok || !r.manifest.Has(p) {
		return FetchResult{}, nil
	}
	if p == manifest.RootPath {
		return r.onlineFirst(ctx, req, p)
	}
	return r.cacheFirst(ctx, req, p)
}

// cacheFirst 命中即返回；未命中回源，仅在 2xx 时写入 content。
func (r *Reconciler) cacheFirst(ctx context.Context, req *cache.Request, p string) (FetchResult, error) {
	key := r.resourceRequest(p)
	content, err := r.storage.Open(ctx, PartitionContent)
	if err != nil {
		return FetchResult{Intercepted: true}, fmt.Errorf("open content: %w", err)
	}

	cached, err := content.Match(ctx, key)
	switch {
	case err == nil:
		return FetchResult{Intercepted: true, Response: cached, Source: SourceCache}, nil
	case errors.Is(err, cache.ErrNotFound):
		// miss
	default:
		r.logger.WithFields(r.fields("fetch")).WithError(err).WithField("path", p).Warn("cache_get_failed")
	}

	resp, err := r.network.Fetch(ctx, req)
	if err != nil {
		return FetchResult{Intercepted: true}, err
	}
	if resp.OK() {
		r.store(ctx, content, key, resp)
	}
	return FetchResult{Intercepted: true, Response: resp, Source: SourceNetwork}, nil
}

// onlineFirst 优先回源；网络失败时退回缓存副本，没有副本则返回原始错误。
func (r *Reconciler) onlineFirst(ctx context.Context, req *cache.Request, p string) (FetchResult, error) {
	key := r.resourceRequest(p)
	content, err := r.storage.Open(ctx, PartitionContent)
	if err != nil {
		return FetchResult{Intercepted: true}, fmt.Errorf("open content: %w", err)
	}

	resp, fetchErr := r.network.Fetch(ctx, req)
	if fetchErr == nil {
		if resp.OK() {
			r.store(ctx, content, key, resp)
		}
		return FetchResult{Intercepted: true, Response: resp, Source: SourceNetwork}, nil
	}

	cached, err := content.Match(ctx, key)
	if err == nil {
		r.logger.WithFields(r.fields("fetch")).WithError(fetchErr).WithField("path", p).Warn("online_first_fallback")
		return FetchResult{Intercepted: true, Response: cached, Source: SourceFallback}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		r.logger.WithFields(r.fields("fetch")).WithError(err).WithField("path", p).Warn("cache_get_failed")
	}
	return FetchResult{Intercepted: true}, fetchErr
}

func (r *Reconciler) store(ctx context.Context, content cache.Partition, key *cache.Request, resp *cache.Response) {
	if err := content.Put(ctx, key, resp.Clone()); err != nil {
		r.logger.WithFields(r.fields("fetch")).WithError(err).WithField("url", key.URL).Warn("cache_put_failed")
	}
}

// DownloadOffline 拉取 content 中尚缺的全部清单资源，已缓存的资源不会重复拉取。
// 返回本次新写入的资源数。
func (r *Reconciler) DownloadOffline(ctx context.Context) (int, error) {
	content, err := r.storage.Open(ctx, PartitionContent)
	if err != nil {
		return 0, fmt.Errorf("open content: %w", err)
	}
	keys, err := content.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list content: %w", err)
	}
	present := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		present[r.cachedPath(key.URL)] = struct{}{}
	}

	var missing []string
	for _, p := range r.manifest.Paths() {
		if _, ok := present[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return 0, nil
	}

	responses, err := r.fetchAll(ctx, missing, false)
	if err != nil {
		return 0, fmt.Errorf("download offline: %w", err)
	}
	for i, p := range missing {
		if err := content.Put(ctx, r.resourceRequest(p), responses[i]); err != nil {
			return i, fmt.Errorf("store %s: %w", p, err)
		}
	}

	r.logger.WithFields(r.fields("download_offline")).
		WithField("fetched", len(missing)).
		Info("download_offline_complete")
	return len(missing), nil
}

// HandleMessage 分发外部消息；未识别的负载被忽略。
func (r *Reconciler) HandleMessage(ctx context.Context, payload string) error {
	switch payload {
	case MessageSkipWaiting:
		return r.host.SkipWaiting(ctx)
	case MessageDownloadOffline:
		_, err := r.DownloadOffline(ctx)
		return err
	default:
		return nil
	}
}

// IsRecognizedMessage 判断负载是否为 skipWaiting/downloadOffline。
func IsRecognizedMessage(payload string) bool {
	return payload == MessageSkipWaiting || payload == MessageDownloadOffline
}

// fetchAll 并发拉取 paths，任一失败或非 2xx 则整体失败。结果与 paths 一一对应。
func (r *Reconciler) fetchAll(ctx context.Context, paths []string, reload bool) ([]*cache.Response, error) {
	responses := make([]*cache.Response, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range paths {
		g.Go(func() error {
			req := r.resourceRequest(p)
			if reload {
				req.Header.Set("Cache-Control", "no-cache")
				req.Header.Set("Pragma", "no-cache")
			}
			resp, err := r.network.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", p, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: %w: %d", p, ErrUnexpectedStatus, resp.StatusCode)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

// requestPath 计算 fetch 请求的逻辑路径：去掉 origin、截断 ?v= 版本参数，
// origin 本身、origin/#... 与空路径统一视为根。跨域请求返回 false。
func (r *Reconciler) requestPath(rawURL string) (string, bool) {
	if rawURL == r.origin {
		return manifest.RootPath, true
	}
	prefix := r.origin + "/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	key := rawURL[len(prefix):]
	if idx := strings.Index(key, "?v="); idx >= 0 {
		key = key[:idx]
	}
	if key == "" || strings.HasPrefix(key, "#") {
		key = manifest.RootPath
	}
	return key, true
}

// cachedPath 计算缓存条目的逻辑路径，空路径视为根。
func (r *Reconciler) cachedPath(rawURL string) string {
	key := strings.TrimPrefix(rawURL, r.origin+"/")
	if key == "" {
		return manifest.RootPath
	}
	return key
}

// resourceRequest 返回逻辑路径对应的规范缓存键。
func (r *Reconciler) resourceRequest(p string) *cache.Request {
	if p == manifest.RootPath {
		return cache.NewRequest(http.MethodGet, r.origin+"/")
	}
	return cache.NewRequest(http.MethodGet, r.origin+"/"+p)
}

func (r *Reconciler) manifestRequest() *cache.Request {
	return cache.NewRequest(http.MethodGet, r.origin+"/"+manifestEntry)
}

func (r *Reconciler) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action": action,
		"app":    r.name,
	}
}
