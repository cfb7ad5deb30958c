package worker

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/any-hub/offline-hub/internal/manifest"
)

// versionMarker 是页面自带的缓存破坏参数，同一逻辑资源的不同版本 URL 命中同一清单键。
const versionMarker = "?v="

// Origin 是对外服务的源（scheme://host[:port]），不带结尾斜杠。
type Origin string

// ParseOrigin 校验并归一化服务源。
func ParseOrigin(raw string) (Origin, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid origin: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("origin must be http/https: %s", raw)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("origin missing host: %s", raw)
	}
	if strings.Trim(parsed.Path, "/") != "" || parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", fmt.Errorf("origin must not carry a path or query: %s", raw)
	}
	return Origin(strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)), nil
}

// String implements fmt.Stringer.
func (o Origin) String() string {
	return string(o)
}

// URL 将清单键解析为该源下的绝对 URL，根键映射为 origin + "/"。
func (o Origin) URL(key string) string {
	if key == manifest.RootKey {
		return string(o) + "/"
	}
	return string(o) + "/" + strings.TrimPrefix(key, "/")
}

// ResourceKey 将缓存中的请求 URL 还原为清单键（激活与预取使用）。
// 仅剥离源前缀，空路径归一化为 "/"；不属于该源的 URL 返回 false。
func (o Origin) ResourceKey(rawURL string) (string, bool) {
	if rawURL == string(o) {
		return manifest.RootKey, true
	}
	rest, ok := strings.CutPrefix(rawURL, string(o)+"/")
	if !ok {
		return "", false
	}
	if rest == "" {
		return manifest.RootKey, true
	}
	return rest, true
}

// RequestKey 计算 fetch 事件的逻辑键：剥离源前缀与第一个 ?v= 之后的内容，
// 源本身、页内锚点导航（origin/#...）与空键都视为根文档。
func (o Origin) RequestKey(rawURL string) (string, bool) {
	if rawURL == string(o) || strings.HasPrefix(rawURL, string(o)+"/#") {
		return manifest.RootKey, true
	}
	rest, ok := strings.CutPrefix(rawURL, string(o)+"/")
	if !ok {
		return "", false
	}
	if idx := strings.Index(rest, versionMarker); idx != -1 {
		rest = rest[:idx]
	}
	if rest == "" {
		return manifest.RootKey, true
	}
	return rest, true
}
