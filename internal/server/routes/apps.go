package routes

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/platform"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// RegisterAppRoutes 暴露 /-/apps 诊断与管理接口：查看各 App 的版本状态、触发重新注册、投递页面消息。
func RegisterAppRoutes(app *fiber.App, registry *server.AppRegistry, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/apps", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"apps": encodeApps(registry.List())})
	})

	app.Get("/-/apps/:name", func(c fiber.Ctx) error {
		route, ok := lookupApp(c, registry)
		if !ok {
			return appNotFound(c)
		}
		payload := encodeApp(route)
		if route.Host != nil {
			keys, err := route.Host.ContentKeys(requestContext(c))
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_failed"})
			}
			payload.Content = keys
		}
		return c.JSON(payload)
	})

	app.Post("/-/apps/:name/register", func(c fiber.Ctx) error {
		route, ok := lookupApp(c, registry)
		if !ok {
			return appNotFound(c)
		}
		started := time.Now()
		status, err := route.Register(requestContext(c))
		fields := logging.LifecycleFields("register", route.Config.Name, status.Version)
		fields["request_id"] = server.RequestID(c)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if err != nil {
			if logger != nil {
				logger.WithFields(fields).WithError(err).Error("register_failed")
			}
			code, reason := classifyRegisterError(err)
			return c.Status(code).JSON(fiber.Map{
				"error":   reason,
				"detail":  err.Error(),
				"version": status,
			})
		}
		if logger != nil {
			logger.WithFields(fields).Info("register_complete")
		}
		return c.JSON(status)
	})

	app.Post("/-/apps/:name/messages", func(c fiber.Ctx) error {
		route, ok := lookupApp(c, registry)
		if !ok {
			return appNotFound(c)
		}
		if route.Host == nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "app_unavailable"})
		}
		message := decodeMessage(c.Body())
		if err := route.Host.Message(requestContext(c), message); err != nil {
			code, reason := classifyMessageError(err)
			return c.Status(code).JSON(fiber.Map{"error": reason, "detail": err.Error()})
		}
		return c.JSON(fiber.Map{"message": message, "result": "ok"})
	})
}

type appPayload struct {
	Name     string `json:"name"`
	Domain   string `json:"domain"`
	Origin   string `json:"origin"`
	Upstream string `json:"upstream"`
	Manifest string `json:"manifest"`
	AuthMode string `json:"auth_mode"`
	// Lifecycle 为空表示尚未绑定宿主。
	Lifecycle *platform.Status `json:"lifecycle,omitempty"`
	Content   []string         `json:"content,omitempty"`
}

func encodeApps(routes []*server.AppRoute) []appPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]appPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeApp(route))
	}
	return result
}

func encodeApp(route *server.AppRoute) appPayload {
	payload := appPayload{
		Name:     route.Config.Name,
		Domain:   route.Config.Domain,
		Origin:   route.Origin.String(),
		Manifest: route.Config.Manifest,
		AuthMode: route.Config.AuthMode(),
	}
	if route.UpstreamURL != nil {
		payload.Upstream = route.UpstreamURL.String()
	}
	if route.Host != nil {
		status := route.Host.Status()
		payload.Lifecycle = &status
	}
	return payload
}

// decodeMessage 兼容原始文本与 JSON 字符串两种写法，例如 skipWaiting 或 "skipWaiting"。
func decodeMessage(body []byte) string {
	raw := strings.TrimSpace(string(body))
	var quoted string
	if err := json.Unmarshal([]byte(raw), &quoted); err == nil {
		return quoted
	}
	return raw
}

func classifyRegisterError(err error) (int, string) {
	switch {
	case errors.Is(err, worker.ErrInstallFailed):
		return fiber.StatusBadGateway, "install_failed"
	case errors.Is(err, worker.ErrActivationFailed):
		return fiber.StatusInternalServerError, "activation_failed"
	default:
		return fiber.StatusUnprocessableEntity, "manifest_invalid"
	}
}

func classifyMessageError(err error) (int, string) {
	switch {
	case errors.Is(err, worker.ErrUnknownMessage):
		return fiber.StatusBadRequest, "unknown_message"
	case errors.Is(err, platform.ErrNoController):
		return fiber.StatusConflict, "no_controller"
	case errors.Is(err, worker.ErrActivationFailed):
		return fiber.StatusInternalServerError, "activation_failed"
	default:
		return fiber.StatusBadGateway, "prefetch_failed"
	}
}

func lookupApp(c fiber.Ctx, registry *server.AppRegistry) (*server.AppRoute, bool) {
	name := strings.TrimSpace(c.Params("name"))
	if name == "" {
		return nil, false
	}
	return registry.ByName(name)
}

func appNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "app_not_found"})
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
