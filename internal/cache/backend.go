package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backend 标识 Storage 的实现类型。
type Backend string

const (
	BackendFS     Backend = "fs"
	BackendSQLite Backend = "sqlite"
	BackendMemory Backend = "memory"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "offline-hub.db"

// ParseBackend 归一化配置中的后端名称，空值回退到 fs。
func ParseBackend(raw string) (Backend, error) {
	switch Backend(strings.ToLower(strings.TrimSpace(raw))) {
	case "", BackendFS:
		return BackendFS, nil
	case BackendSQLite:
		return BackendSQLite, nil
	case BackendMemory:
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("unsupported storage backend: %s", raw)
	}
}

// NewStorage 根据后端类型构造 Storage，basePath 为 StoragePath 根目录。
func NewStorage(backend Backend, basePath string) (Storage, error) {
	switch backend {
	case "", BackendFS:
		return NewFileStorage(basePath)
	case BackendSQLite:
		return OpenSQLiteStorage(filepath.Join(basePath, SQLiteFileName))
	case BackendMemory:
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", backend)
	}
}
