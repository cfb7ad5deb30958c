package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/platform"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// 响应头：应答路径与控制版本，便于排查缓存行为。
const (
	headerOutcome = "X-Offline-Hub-Outcome"
	headerVersion = "X-Offline-Hub-Version"
)

// Handler 将 HTTP 请求转换为 fetch 事件交给 App 的控制版本，并把结果写回客户端。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a fetch handler.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle 执行一次 fetch 事件；网络失败且无缓存兜底时返回 502，任何情况下都不会返回空响应。
func (h *Handler) Handle(c fiber.Ctx, route *server.AppRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	if route.Host == nil {
		h.logResult(route, requestID, platform.FetchResult{}, started, fmt.Errorf("app %s has no host", route.Config.Name))
		return h.writeError(c, fiber.StatusServiceUnavailable, "app_unavailable")
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildFetchRequest(c, route)
	result, err := route.Host.Fetch(ctx, req)
	if err != nil {
		h.logResult(route, requestID, result, started, err)
		if result.Version != "" {
			c.Set(headerVersion, result.Version)
		}
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	resp := result.Response
	copyResponseHeaders(c, resp.Header)
	c.Set(headerOutcome, string(result.Outcome))
	if result.Version != "" {
		c.Set(headerVersion, result.Version)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	h.logResult(route, requestID, result, started, nil)

	c.Status(resp.Status)
	if c.Method() == http.MethodHead {
		return nil
	}
	return c.Send(resp.Body)
}

// buildFetchRequest 以 App 的服务源重建请求 URL，使缓存键与页面看到的地址一致。
func buildFetchRequest(c fiber.Ctx, route *server.AppRoute) *worker.Request {
	target := c.OriginalURL()
	if target == "" || target[0] != '/' {
		target = "/" + target
	}

	header := fiberHeadersAsHTTP(c)
	header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	header.Set("X-Forwarded-Port", routePort(route))

	req := &worker.Request{
		Method: c.Method(),
		URL:    route.Origin.String() + target,
		Header: header,
	}
	if c.Method() != http.MethodGet && c.Method() != http.MethodHead {
		req.Body = append([]byte(nil), c.Body()...)
	}
	// HEAD 与 GET 共用缓存条目，只是不写正文。
	if req.Method == http.MethodHead {
		req.Method = http.MethodGet
	}
	return req
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.AppRoute,
	requestID string,
	result platform.FetchResult,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		result.Version,
		string(result.Outcome),
	)
	fields["auth_mode"] = route.Config.AuthMode()
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if result.Response != nil {
		fields["status"] = result.Response.Status
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("fetch_failed")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}

func routePort(route *server.AppRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}
