// Package manifest models the build-time resource manifest of a web bundle:
// logical resource path → content fingerprint, plus the ordered core list
// that must be staged before the application shell can render.
package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// RootKey 是根文档的逻辑键。
const RootKey = "/"

// Manifest 映射逻辑资源路径到内容指纹，加载后视为只读。
type Manifest map[string]string

// Has 判断 key 是否属于清单。
func (m Manifest) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Fingerprint 返回 key 的指纹。
func (m Manifest) Fingerprint(key string) (string, bool) {
	fp, ok := m[key]
	return fp, ok
}

// Keys 返回排序后的全部键。
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Encode 序列化为持久化记录使用的 JSON 对象。
func (m Manifest) Encode() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(m))
}

// Digest 对排序后的键值对做 sha256，作为清单版本标识。
func (m Manifest) Digest() string {
	h := sha256.New()
	for _, key := range m.Keys() {
		h.Write([]byte(key))
		h.Write([]byte{0})
		h.Write([]byte(m[key]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Decode 解析持久化的清单记录。
func Decode(data []byte) (Manifest, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode manifest record: %w", err)
	}
	if raw == nil {
		raw = map[string]string{}
	}
	return Manifest(raw), nil
}

// Bundle 是一次部署的清单与核心资源列表。
type Bundle struct {
	Resources Manifest
	Core      []string
}

// Version 返回 12 位短摘要，用于日志与响应头。
func (b Bundle) Version() string {
	return b.Resources.Digest()[:12]
}

// Validate 确保清单非空且核心资源全部出现在清单中。
func (b Bundle) Validate() error {
	if len(b.Resources) == 0 {
		return fmt.Errorf("manifest has no resources")
	}
	seen := make(map[string]struct{}, len(b.Core))
	for _, key := range b.Core {
		if !b.Resources.Has(key) {
			return fmt.Errorf("core resource %q is not listed in the manifest", key)
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("core resource %q listed twice", key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
