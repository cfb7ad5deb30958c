package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
	"github.com/any-hub/offline-hub/internal/worker"
)

// ErrNoController 表示当前没有可接收消息的 worker 版本。
var ErrNoController = errors.New("no controlling worker")

// Options 描述一个应用 Host 的依赖。
type Options struct {
	App     string
	Origin  worker.Origin
	Caches  worker.CacheNames
	Storage cache.Storage
	Fetcher worker.Fetcher
	Logger  *logrus.Logger
}

// Host 管理单个应用的 worker 版本：active 控制请求，waiting 已安装待激活，
// pending 已激活但尚未接管（等待下一次导航）。
type Host struct {
	app     string
	origin  worker.Origin
	caches  worker.CacheNames
	storage cache.Storage
	fetcher worker.Fetcher
	logger  *logrus.Logger

	// lifecycle 串行化 install/activate，fetch 不经过此锁。
	lifecycle sync.Mutex
	// content 让控制版本对 Content 的惰性写入与激活互斥：fetch 持读锁，激活持写锁。
	content sync.RWMutex

	mu      sync.RWMutex
	active  *registration
	waiting *registration
	pending *registration
}

// New 创建 Host；尚未注册任何版本时所有请求直接走网络。
func New(opts Options) (*Host, error) {
	if opts.App == "" {
		return nil, errors.New("app name is required")
	}
	if opts.Storage == nil || opts.Fetcher == nil {
		return nil, errors.New("storage and fetcher are required")
	}
	if opts.Origin == "" {
		return nil, errors.New("origin is required")
	}
	caches := opts.Caches
	if caches == (worker.CacheNames{}) {
		caches = worker.DefaultCacheNames(opts.App)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Host{
		app:     opts.App,
		origin:  opts.Origin,
		caches:  caches,
		storage: opts.Storage,
		fetcher: opts.Fetcher,
		logger:  logger,
	}, nil
}

// App 返回应用名。
func (h *Host) App() string {
	return h.app
}

// Origin 返回应用对外服务的源。
func (h *Host) Origin() worker.Origin {
	return h.origin
}

// registration 是一个已注册的 worker 版本，同时实现 worker.Platform 接收信号。
type registration struct {
	id           string
	registeredAt time.Time
	reconciler   *worker.Reconciler

	mu          sync.Mutex
	skipWaiting bool
	claimed     bool
}

func (r *registration) SkipWaiting() {
	r.mu.Lock()
	r.skipWaiting = true
	r.mu.Unlock()
}

func (r *registration) ClaimClients() {
	r.mu.Lock()
	r.claimed = true
	r.mu.Unlock()
}

func (r *registration) signals() (skipWaiting, claimed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipWaiting, r.claimed
}

// Register 注册新的清单版本：执行 install，若收到 skip-waiting 信号则立即 activate。
// 与当前 active 版本相同且状态正常时不做任何事；尚无 active 版本且存储中记录的就是该清单时直接恢复。
// 安装失败时该版本被丢弃，原 active 版本继续服务。
func (h *Host) Register(ctx context.Context, bundle manifest.Bundle) (VersionStatus, error) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	version := bundle.Version()
	h.mu.RLock()
	current := h.active
	h.mu.RUnlock()
	if current != nil && current.reconciler.Version() == version && current.reconciler.State() == worker.StateActive {
		h.logger.WithFields(h.fields("register", version)).Info("register_unchanged")
		return current.status(), nil
	}

	reg := &registration{
		id:           uuid.NewString(),
		registeredAt: time.Now().UTC(),
	}
	opts := worker.Options{
		App:      h.app,
		Version:  version,
		Origin:   h.origin,
		Bundle:   bundle,
		Caches:   h.caches,
		Storage:  h.storage,
		Fetcher:  h.fetcher,
		Platform: reg,
		Logger:   h.logger,
	}

	// 进程重启后，存储中已激活的同一版本直接接管，无需联网重新安装。
	if current == nil {
		resumed, err := worker.Resume(ctx, opts)
		switch {
		case err == nil:
			reg.reconciler = resumed
			h.mu.Lock()
			h.active = reg
			h.mu.Unlock()
			return reg.status(), nil
		case !errors.Is(err, worker.ErrNotResumable):
			h.logger.WithFields(h.fields("register", version)).WithError(err).Warn("resume_failed")
		}
	}

	reconciler, err := worker.New(opts)
	if err != nil {
		return VersionStatus{}, err
	}
	reg.reconciler = reconciler

	fields := h.fields("register", version)
	fields["registration_id"] = reg.id
	fields["resources"] = len(bundle.Resources)
	h.logger.WithFields(fields).Info("register_start")

	if err := reconciler.Install(ctx); err != nil {
		return reg.status(), err
	}

	h.mu.Lock()
	h.waiting = reg
	h.mu.Unlock()

	if skip, _ := reg.signals(); !skip {
		return reg.status(), nil
	}
	return reg.status(), h.activateWaiting(ctx)
}

// activateWaiting 激活 waiting 版本；调用方需持有 lifecycle 锁。
// 激活失败的版本仍会在下一次导航时接管，之后由新的注册恢复缓存。
func (h *Host) activateWaiting(ctx context.Context) error {
	h.mu.RLock()
	reg := h.waiting
	h.mu.RUnlock()
	if reg == nil {
		return nil
	}

	h.content.Lock()
	err := reg.reconciler.Activate(ctx)

	h.mu.Lock()
	h.waiting = nil
	if _, claimed := reg.signals(); claimed {
		h.active = reg
		h.pending = nil
	} else {
		h.pending = reg
	}
	h.mu.Unlock()
	h.content.Unlock()

	if _, claimed := reg.signals(); claimed {
		fields := h.fields("claim", reg.reconciler.Version())
		fields["registration_id"] = reg.id
		h.logger.WithFields(fields).Info("claim_clients")
	}
	return err
}

// Message 将页面消息投递给对应版本：skipWaiting 发给 waiting 版本并触发激活，
// 没有 waiting 版本时忽略；其余消息发给当前控制版本。
func (h *Host) Message(ctx context.Context, data string) error {
	if data == worker.MessageSkipWaiting {
		h.lifecycle.Lock()
		defer h.lifecycle.Unlock()
		h.mu.RLock()
		waiting := h.waiting
		h.mu.RUnlock()
		if waiting == nil {
			return nil
		}
		if err := waiting.reconciler.HandleMessage(ctx, data); err != nil {
			return err
		}
		return h.activateWaiting(ctx)
	}

	controller := h.controller()
	if controller == nil {
		return ErrNoController
	}
	return controller.reconciler.HandleMessage(ctx, data)
}

// FetchResult 是一次 fetch 事件的结果。
type FetchResult struct {
	Response *cache.Response
	Outcome  worker.Outcome
	// Version 为空表示没有控制版本，请求直接走网络。
	Version string
}

// Fetch 将请求交给控制版本处理；未拦截时执行一次默认网络请求。
func (h *Host) Fetch(ctx context.Context, req *worker.Request) (FetchResult, error) {
	if h.isNavigation(req) {
		h.promotePending()
	}

	h.content.RLock()
	controller := h.controller()
	if controller == nil {
		h.content.RUnlock()
		resp, err := h.fetcher.Fetch(ctx, req)
		return FetchResult{Response: resp, Outcome: worker.OutcomePassthrough}, err
	}

	version := controller.reconciler.Version()
	resp, outcome, err := controller.reconciler.Fetch(ctx, req)
	h.content.RUnlock()
	if err != nil {
		return FetchResult{Outcome: outcome, Version: version}, err
	}
	if outcome == worker.OutcomePassthrough {
		resp, err = h.fetcher.Fetch(ctx, req)
	}
	return FetchResult{Response: resp, Outcome: outcome, Version: version}, err
}

func (h *Host) isNavigation(req *worker.Request) bool {
	if req == nil || req.Method != http.MethodGet {
		return false
	}
	if req.Header != nil && req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	key, ok := h.origin.RequestKey(req.URL)
	return ok && key == manifest.RootKey
}

func (h *Host) promotePending() {
	h.mu.Lock()
	reg := h.pending
	if reg != nil {
		h.active = reg
		h.pending = nil
	}
	h.mu.Unlock()
	if reg != nil {
		fields := h.fields("claim", reg.reconciler.Version())
		fields["registration_id"] = reg.id
		h.logger.WithFields(fields).Info("navigation_takeover")
	}
}

func (h *Host) controller() *registration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active
}

// ContentKeys 列出 Content Store 当前的全部请求 URL。
func (h *Host) ContentKeys(ctx context.Context) ([]string, error) {
	store, err := h.storage.Open(ctx, h.caches.Content)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	return store.Keys(ctx)
}

// VersionStatus 是单个 worker 版本的快照。
type VersionStatus struct {
	ID           string       `json:"id"`
	Version      string       `json:"version"`
	State        worker.State `json:"state"`
	Resources    int          `json:"resources"`
	RegisteredAt time.Time    `json:"registeredAt"`
}

func (r *registration) status() VersionStatus {
	status := VersionStatus{ID: r.id, RegisteredAt: r.registeredAt}
	if r.reconciler != nil {
		status.Version = r.reconciler.Version()
		status.State = r.reconciler.State()
		status.Resources = len(r.reconciler.Manifest())
	}
	return status
}

// Status 是 Host 的快照，供诊断接口使用。
type Status struct {
	App     string         `json:"app"`
	Origin  string         `json:"origin"`
	Caches  []string       `json:"caches"`
	Active  *VersionStatus `json:"active,omitempty"`
	Waiting *VersionStatus `json:"waiting,omitempty"`
	Pending *VersionStatus `json:"pending,omitempty"`
}

// Status 返回当前各版本状态。
func (h *Host) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status := Status{
		App:    h.app,
		Origin: h.origin.String(),
		Caches: []string{h.caches.Temp, h.caches.Content, h.caches.Manifest},
	}
	for _, slot := range []struct {
		reg  *registration
		dest **VersionStatus
	}{
		{h.active, &status.Active},
		{h.waiting, &status.Waiting},
		{h.pending, &status.Pending},
	} {
		if slot.reg != nil {
			s := slot.reg.status()
			*slot.dest = &s
		}
	}
	return status
}

func (h *Host) fields(action, version string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"app":     h.app,
		"version": version,
		"origin":  h.origin.String(),
	}
}
