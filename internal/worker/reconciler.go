package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

// State 描述 Reconciler 生命周期阶段。
type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	// StateFailed 表示本次激活失败，三个 Store 已被清空。
	StateFailed State = "failed"
	// StateRedundant 表示安装失败，该版本被宿主丢弃。
	StateRedundant State = "redundant"
)

// manifestRecordKey 是 Manifest Store 中唯一条目的固定键。
const manifestRecordKey = "manifest"

// maxParallelFetches 限制批量拉取（安装/预取）的并发数。
const maxParallelFetches = 8

var (
	ErrInvalidState     = errors.New("invalid lifecycle state")
	ErrInstallFailed    = errors.New("install failed")
	ErrActivationFailed = errors.New("activation failed")
	ErrUnknownMessage   = errors.New("unknown message")
)

// Platform 由宿主实现，接收 worker 发出的生命周期信号。
type Platform interface {
	// SkipWaiting 请求安装完成后立即激活，无需等待旧版本退出。
	SkipWaiting()
	// ClaimClients 请求立即接管已打开的客户端，而不是等到下一次导航。
	ClaimClients()
}

// Request 是一次 fetch 事件的请求描述。
type Request struct {
	Method string
	URL    string
	Header http.Header
	// Body 仅在透传的非 GET 请求中使用。
	Body []byte
	// Reload 要求绕过中间 HTTP 缓存，强制回源。
	Reload bool
}

// Fetcher 执行网络请求。非 2xx 响应不是错误，仅网络层失败返回 error。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

// Fetch makes FetcherFunc satisfy Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// CacheNames 是单个应用的三个命名 Store。
type CacheNames struct {
	Temp     string
	Content  string
	Manifest string
}

// DefaultCacheNames 以应用名为前缀生成 Store 名称。
func DefaultCacheNames(app string) CacheNames {
	return CacheNames{
		Temp:     app + "-temp",
		Content:  app + "-content",
		Manifest: app + "-manifest",
	}
}

func (n CacheNames) all() []string {
	return []string{n.Content, n.Temp, n.Manifest}
}

// Options 汇总构造 Reconciler 所需的全部依赖。
type Options struct {
	App      string
	Version  string
	Origin   Origin
	Bundle   manifest.Bundle
	Caches   CacheNames
	Storage  cache.Storage
	Fetcher  Fetcher
	Platform Platform
	Logger   *logrus.Logger
}

// Reconciler 负责一个清单版本的 install/activate/fetch 生命周期。
type Reconciler struct {
	app       string
	version   string
	origin    Origin
	resources manifest.Manifest
	core      []string
	caches    CacheNames
	storage   cache.Storage
	fetcher   Fetcher
	platform  Platform
	logger    *logrus.Logger

	mu    sync.Mutex
	state State
}

// New 校验依赖并返回处于 idle 状态的 Reconciler。
func New(opts Options) (*Reconciler, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	if err := opts.Bundle.Validate(); err != nil {
		return nil, err
	}
	caches := opts.Caches
	if caches == (CacheNames{}) {
		caches = DefaultCacheNames(opts.App)
	}
	if caches.Temp == "" || caches.Content == "" || caches.Manifest == "" {
		return nil, errors.New("cache names are required")
	}
	platform := opts.Platform
	if platform == nil {
		platform = noopPlatform{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	version := opts.Version
	if version == "" {
		version = opts.Bundle.Version()
	}

	return &Reconciler{
		app:       opts.App,
		version:   version,
		origin:    opts.Origin,
		resources: opts.Bundle.Resources,
		core:      append([]string(nil), opts.Bundle.Core...),
		caches:    caches,
		storage:   opts.Storage,
		fetcher:   opts.Fetcher,
		platform:  platform,
		logger:    logger,
		state:     StateIdle,
	}, nil
}

// State 返回当前生命周期阶段。
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Version 返回该 Reconciler 对应的版本标识。
func (r *Reconciler) Version() string {
	return r.version
}

// Manifest 返回该版本的资源清单（只读）。
func (r *Reconciler) Manifest() manifest.Manifest {
	return r.resources
}

// Caches 返回该应用的 Store 名称。
func (r *Reconciler) Caches() CacheNames {
	return r.caches
}

// Install 先发出 skip-waiting 信号，再以绕过缓存的方式拉取全部核心资源写入 Temp Store。
// 任一资源拉取失败或状态码非 2xx 时整个安装失败，版本进入 redundant。
func (r *Reconciler) Install(ctx context.Context) error {
	if err := r.transition(StateIdle, StateInstalling); err != nil {
		return err
	}
	started := time.Now()
	r.platform.SkipWaiting()

	if err := r.install(ctx); err != nil {
		r.setState(StateRedundant)
		r.logger.WithFields(r.fields("install")).
			WithError(err).
			Error("install_failed")
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	r.setState(StateInstalled)
	fields := r.fields("install")
	fields["core"] = len(r.core)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	r.logger.WithFields(fields).Info("install_complete")
	return nil
}

// install 只让本次拉取的核心资源进入 Temp：先清掉上一次中断或失败安装的残留，
// 暂存失败时再次丢弃 Temp，Activate 因此不会把旧字节拷进 Content。
func (r *Reconciler) install(ctx context.Context) error {
	if _, err := r.storage.Delete(ctx, r.caches.Temp); err != nil {
		return fmt.Errorf("clear temp store: %w", err)
	}
	urls := make([]string, len(r.core))
	for i, key := range r.core {
		urls[i] = r.origin.URL(key)
	}
	responses, err := r.fetchAll(ctx, urls, true)
	if err != nil {
		return err
	}
	temp, err := r.storage.Open(ctx, r.caches.Temp)
	if err != nil {
		return fmt.Errorf("open temp store: %w", err)
	}
	for i, target := range urls {
		if err := temp.Put(ctx, target, responses[i]); err != nil {
			err = fmt.Errorf("stage %s: %w", target, err)
			if _, delErr := r.storage.Delete(context.WithoutCancel(ctx), r.caches.Temp); delErr != nil {
				err = errors.Join(err, fmt.Errorf("discard temp store: %w", delErr))
			}
			return err
		}
	}
	return nil
}

type activationStats struct {
	cold    bool
	kept    int
	evicted int
	staged  int
}

// Activate 执行缓存对账：对比旧清单与新清单，保留指纹未变的条目、剔除其余条目，
// 再用 Temp Store 覆盖核心资源并持久化新清单。任何一步失败都会清空全部三个 Store。
func (r *Reconciler) Activate(ctx context.Context) error {
	if err := r.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	started := time.Now()

	stats, err := r.activate(ctx)
	if err != nil {
		// 即便调用方已取消，也必须完成清理，否则可能留下新旧混杂的缓存。
		wipeErr := r.wipe(context.WithoutCancel(ctx))
		r.setState(StateFailed)
		fields := r.fields("activate_failed")
		if wipeErr != nil {
			fields["wipe_error"] = wipeErr.Error()
		}
		r.logger.WithFields(fields).WithError(err).Error("activate_failed")
		return errors.Join(fmt.Errorf("%w: %w", ErrActivationFailed, err), wipeErr)
	}

	r.setState(StateActive)
	fields := r.fields("activate")
	fields["cold_start"] = stats.cold
	fields["kept"] = stats.kept
	fields["evicted"] = stats.evicted
	fields["staged"] = stats.staged
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	r.logger.WithFields(fields).Info("activate_complete")
	return nil
}

func (r *Reconciler) activate(ctx context.Context) (activationStats, error) {
	var stats activationStats

	content, err := r.storage.Open(ctx, r.caches.Content)
	if err != nil {
		return stats, fmt.Errorf("open content store: %w", err)
	}
	temp, err := r.storage.Open(ctx, r.caches.Temp)
	if err != nil {
		return stats, fmt.Errorf("open temp store: %w", err)
	}
	manifestStore, err := r.storage.Open(ctx, r.caches.Manifest)
	if err != nil {
		return stats, fmt.Errorf("open manifest store: %w", err)
	}

	record, err := manifestStore.Match(ctx, manifestRecordKey)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		// 没有旧清单时无法判断缓存内容来源，整库重建。
		stats.cold = true
		if _, err := r.storage.Delete(ctx, r.caches.Content); err != nil {
			return stats, fmt.Errorf("reset content store: %w", err)
		}
		content, err = r.storage.Open(ctx, r.caches.Content)
		if err != nil {
			return stats, fmt.Errorf("reopen content store: %w", err)
		}
	case err != nil:
		return stats, fmt.Errorf("read manifest record: %w", err)
	default:
		previous, err := manifest.Decode(record.Body)
		if err != nil {
			return stats, err
		}
		stats.kept, stats.evicted, err = r.evictStale(ctx, content, previous)
		if err != nil {
			return stats, err
		}
	}

	stats.staged, err = copyStore(ctx, temp, content)
	if err != nil {
		return stats, err
	}
	if _, err := r.storage.Delete(ctx, r.caches.Temp); err != nil {
		return stats, fmt.Errorf("delete temp store: %w", err)
	}

	encoded, err := r.resources.Encode()
	if err != nil {
		return stats, err
	}
	if err := manifestStore.Put(ctx, manifestRecordKey, &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   encoded,
	}); err != nil {
		return stats, fmt.Errorf("persist manifest record: %w", err)
	}

	r.platform.ClaimClients()
	return stats, nil
}

// evictStale 删除不在新清单中、或指纹相对旧清单发生变化的条目。
func (r *Reconciler) evictStale(ctx context.Context, content cache.Store, previous manifest.Manifest) (kept, evicted int, err error) {
	keys, err := content.Keys(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list content store: %w", err)
	}
	for _, requestURL := range keys {
		key, ok := r.origin.ResourceKey(requestURL)
		current, inNew := r.resources.Fingerprint(key)
		old, inOld := previous.Fingerprint(key)
		if ok && inNew && inOld && current == old {
			kept++
			continue
		}
		if err := content.Delete(ctx, requestURL); err != nil {
			return kept, evicted, fmt.Errorf("evict %s: %w", requestURL, err)
		}
		evicted++
	}
	return kept, evicted, nil
}

// wipe 无条件删除三个 Store；单个失败不影响其余删除。
func (r *Reconciler) wipe(ctx context.Context) error {
	var errs []error
	for _, name := range r.caches.all() {
		if _, err := r.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete store %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// fetchAll 并发拉取全部 URL，全部成功且为 2xx 才返回；结果与 urls 一一对应。
func (r *Reconciler) fetchAll(ctx context.Context, urls []string, reload bool) ([]*cache.Response, error) {
	responses := make([]*cache.Response, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, target := range urls {
		g.Go(func() error {
			resp, err := r.fetcher.Fetch(gctx, &Request{
				Method: http.MethodGet,
				URL:    target,
				Reload: reload,
			})
			if err != nil {
				return fmt.Errorf("fetch %s: %w", target, err)
			}
			if !resp.OK() {
				return fmt.Errorf("fetch %s: unexpected status %d", target, resp.Status)
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

func copyStore(ctx context.Context, from, to cache.Store) (int, error) {
	keys, err := from.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list temp store: %w", err)
	}
	for _, key := range keys {
		resp, err := from.Match(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("read staged %s: %w", key, err)
		}
		if err := to.Put(ctx, key, resp); err != nil {
			return 0, fmt.Errorf("promote %s: %w", key, err)
		}
	}
	return len(keys), nil
}

func (r *Reconciler) transition(from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != from {
		return fmt.Errorf("%w: %s → %s from %s", ErrInvalidState, from, to, r.state)
	}
	r.state = to
	return nil
}

func (r *Reconciler) setState(state State) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *Reconciler) fields(action string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"app":     r.app,
		"version": r.version,
		"origin":  r.origin.String(),
	}
}

type noopPlatform struct{}

func (noopPlatform) SkipWaiting()  {}
func (noopPlatform) ClaimClients() {}

// ErrNotResumable 表示 Manifest Store 中没有与该清单一致的记录。
var ErrNotResumable = errors.New("no matching activated version")

// Resume 在进程重启后恢复上一次已激活的版本，不重新安装。
// 仅当持久化记录与 opts.Bundle 的清单完全一致时成功，返回的 Reconciler 处于 active 状态。
func Resume(ctx context.Context, opts Options) (*Reconciler, error) {
	r, err := New(opts)
	if err != nil {
		return nil, err
	}
	store, err := r.storage.Open(ctx, r.caches.Manifest)
	if err != nil {
		return nil, fmt.Errorf("open manifest store: %w", err)
	}
	record, err := store.Match(ctx, manifestRecordKey)
	if errors.Is(err, cache.ErrNotFound) {
		return nil, ErrNotResumable
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest record: %w", err)
	}
	previous, err := manifest.Decode(record.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotResumable, err)
	}
	if previous.Digest() != r.resources.Digest() {
		return nil, ErrNotResumable
	}
	r.setState(StateActive)
	r.logger.WithFields(r.fields("resume")).Info("resume_active")
	return r, nil
}
