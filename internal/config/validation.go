package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/worker"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, err := cache.ParseBackend(g.StorageBackend); err != nil {
		return newFieldError("Global.StorageBackend", "仅支持 fs/sqlite/memory")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(c.Apps) == 0 {
		return errors.New("至少需要配置一个 App")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Apps {
		app := &c.Apps[i]
		if app.Name == "" {
			return newFieldError("App[].Name", "不能为空")
		}
		if strings.ContainsAny(app.Name, `/\ `) || strings.HasPrefix(app.Name, ".") {
			return newFieldError(appField(app.Name, "Name"), "只能包含字母、数字、- 或 _")
		}
		if _, exists := seenNames[app.Name]; exists {
			return newFieldError(appField(app.Name, "Name"), "重复")
		}
		seenNames[app.Name] = struct{}{}

		if err := validateDomain(app.Domain); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Domain"), err)
		}
		if other, exists := seenDomains[app.Domain]; exists {
			return newFieldError(appField(app.Name, "Domain"), fmt.Sprintf("与 %s 重复", other))
		}
		seenDomains[app.Domain] = app.Name

		origin, err := worker.ParseOrigin(app.Origin)
		if err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Origin"), err)
		}
		app.Origin = origin.String()

		if strings.TrimSpace(app.Manifest) == "" {
			return newFieldError(appField(app.Name, "Manifest"), "不能为空")
		}
		if (app.Username == "") != (app.Password == "") {
			return newFieldError(appField(app.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(app.Upstream); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Upstream"), err)
		}
		if app.Proxy != "" {
			if err := validateUpstream(app.Proxy); err != nil {
				return fmt.Errorf("%s: %w", appField(app.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
