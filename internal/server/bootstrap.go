package server

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/platform"
	"github.com/any-hub/offline-hub/internal/worker"
)

// FetcherFactory 为每个 App 构造回源 Fetcher，通常由 proxy 包提供。
type FetcherFactory func(route *AppRoute) worker.Fetcher

// BindHosts 为每个 AppRoute 创建生命周期宿主，所有 App 共享同一个 Storage。
func BindHosts(registry *AppRegistry, storage cache.Storage, fetchers FetcherFactory, logger *logrus.Logger) error {
	if registry == nil || storage == nil || fetchers == nil {
		return fmt.Errorf("registry, storage and fetcher factory are required")
	}
	for _, route := range registry.List() {
		host, err := platform.New(platform.Options{
			App:     route.Config.Name,
			Origin:  route.Origin,
			Storage: storage,
			Fetcher: fetchers(route),
			Logger:  logger,
		})
		if err != nil {
			return fmt.Errorf("app %s: %w", route.Config.Name, err)
		}
		route.Host = host
	}
	return nil
}

// RegisterAll 依次加载每个 App 的清单并注册。单个 App 失败只记录日志，
// 该 App 在下一次成功注册前保持原控制版本（或直接回源）。返回失败数量。
func RegisterAll(ctx context.Context, registry *AppRegistry, logger *logrus.Logger) int {
	failed := 0
	for _, route := range registry.List() {
		started := time.Now()
		status, err := route.Register(ctx)
		fields := logrus.Fields{
			"action":     "register",
			"app":        route.Config.Name,
			"domain":     route.Config.Domain,
			"manifest":   route.Config.Manifest,
			"version":    status.Version,
			"state":      string(status.State),
			"elapsed_ms": time.Since(started).Milliseconds(),
		}
		if err != nil {
			failed++
			logger.WithFields(fields).WithError(err).Error("应用注册失败")
			continue
		}
		logger.WithFields(fields).Info("应用注册完成")
	}
	return failed
}
