package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

// Outcome 描述 fetch 事件最终由哪条路径应答。
type Outcome string

const (
	// OutcomePassthrough 表示未拦截，交由宿主默认网络处理。
	OutcomePassthrough Outcome = "passthrough"
	OutcomeCacheHit    Outcome = "cache_hit"
	OutcomeNetwork     Outcome = "network"
	// OutcomeOnlineFirst 表示根文档从网络获取并已回写缓存。
	OutcomeOnlineFirst Outcome = "online_first"
	// OutcomeOfflineFallback 表示根文档回源失败，改用缓存副本。
	OutcomeOfflineFallback Outcome = "offline_fallback"
)

// Fetch 处理一次 fetch 事件。返回 OutcomePassthrough 时响应为 nil，调用方应执行默认网络处理；
// 其余情况要么返回响应，要么返回网络错误，不会返回空结果。
func (r *Reconciler) Fetch(ctx context.Context, req *Request) (*cache.Response, Outcome, error) {
	if req == nil || req.Method != http.MethodGet {
		return nil, OutcomePassthrough, nil
	}
	key, ok := r.origin.RequestKey(req.URL)
	if !ok {
		return nil, OutcomePassthrough, nil
	}
	if key == manifest.RootKey {
		return r.onlineFirst(ctx, req)
	}
	if !r.resources.Has(key) {
		return nil, OutcomePassthrough, nil
	}

	content, err := r.storage.Open(ctx, r.caches.Content)
	if err != nil {
		return nil, OutcomeNetwork, err
	}
	cached, err := content.Match(ctx, cacheURL(req.URL))
	switch {
	case err == nil:
		return cached, OutcomeCacheHit, nil
	case errors.Is(err, cache.ErrNotFound):
		// miss, continue
	default:
		r.logger.WithFields(r.fields("fetch")).
			WithField("url", req.URL).
			WithError(err).
			Warn("cache_match_failed")
	}

	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, OutcomeNetwork, err
	}
	// 仅缓存成功响应，非核心资源按需懒加载。
	if resp.OK() {
		if err := content.Put(ctx, cacheURL(req.URL), resp.Clone()); err != nil {
			r.logger.WithFields(r.fields("fetch")).
				WithField("url", req.URL).
				WithError(err).
				Warn("cache_put_failed")
		}
	}
	return resp, OutcomeNetwork, nil
}

// onlineFirst 只用于根文档：优先回源并无条件回写缓存，回源失败时退回缓存副本，
// 缓存也不存在时返回原始网络错误。
func (r *Reconciler) onlineFirst(ctx context.Context, req *Request) (*cache.Response, Outcome, error) {
	resp, fetchErr := r.fetcher.Fetch(ctx, req)
	if fetchErr == nil {
		content, err := r.storage.Open(ctx, r.caches.Content)
		if err == nil {
			err = content.Put(ctx, cacheURL(req.URL), resp.Clone())
		}
		if err != nil {
			r.logger.WithFields(r.fields("fetch")).
				WithField("url", req.URL).
				WithError(err).
				Warn("cache_put_failed")
		}
		return resp, OutcomeOnlineFirst, nil
	}

	content, err := r.storage.Open(ctx, r.caches.Content)
	if err != nil {
		return nil, OutcomeOnlineFirst, fetchErr
	}
	cached, err := content.Match(ctx, cacheURL(req.URL))
	if err != nil {
		return nil, OutcomeOnlineFirst, fetchErr
	}
	return cached, OutcomeOfflineFallback, nil
}

// cacheURL 去掉片段部分，锚点导航与其文档共用同一缓存条目。
func cacheURL(raw string) string {
	if idx := strings.IndexByte(raw, '#'); idx != -1 {
		return raw[:idx]
	}
	return raw
}
