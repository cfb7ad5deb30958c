package worker

import (
	"context"
	"fmt"
	"time"
)

// 页面可发送的消息载荷。
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// HandleMessage 处理页面发来的消息。
func (r *Reconciler) HandleMessage(ctx context.Context, data string) error {
	switch data {
	case MessageSkipWaiting:
		r.platform.SkipWaiting()
		return nil
	case MessageDownloadOffline:
		_, err := r.DownloadOffline(ctx)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, data)
	}
}

// DownloadOffline 找出清单中尚未进入 Content Store 的资源并批量拉取写入。
// 只判断是否存在，不校验指纹；任一拉取失败则本次不写入任何条目。返回写入数量。
func (r *Reconciler) DownloadOffline(ctx context.Context) (int, error) {
	started := time.Now()
	content, err := r.storage.Open(ctx, r.caches.Content)
	if err != nil {
		return 0, fmt.Errorf("open content store: %w", err)
	}
	keys, err := content.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list content store: %w", err)
	}

	present := make(map[string]struct{}, len(keys))
	for _, requestURL := range keys {
		if key, ok := r.origin.ResourceKey(requestURL); ok {
			present[key] = struct{}{}
		}
	}
	var urls []string
	for _, key := range r.resources.Keys() {
		if _, ok := present[key]; !ok {
			urls = append(urls, r.origin.URL(key))
		}
	}
	if len(urls) == 0 {
		return 0, nil
	}

	responses, err := r.fetchAll(ctx, urls, false)
	if err != nil {
		r.logger.WithFields(r.fields("prefetch")).WithError(err).Error("prefetch_failed")
		return 0, err
	}
	for i, target := range urls {
		if err := content.Put(ctx, target, responses[i]); err != nil {
			return i, fmt.Errorf("store %s: %w", target, err)
		}
	}

	fields := r.fields("prefetch")
	fields["downloaded"] = len(urls)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	r.logger.WithFields(fields).Info("prefetch_complete")
	return len(urls), nil
}
