package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Storage 管理一组按名称区分的缓存 Store，对应浏览器 CacheStorage 的 open/delete 语义。
type Storage interface {
	// Open 返回指定名称的 Store，不存在时隐式创建。
	Open(ctx context.Context, name string) (Store, error)

	// Delete 删除整个 Store 及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 列出当前存在的 Store 名称，按字典序排列。
	Names(ctx context.Context) ([]string, error)
}

// Store 是单个命名缓存，key 为请求标识（绝对 URL 或固定键）。
type Store interface {
	// Match 返回 key 对应的响应副本。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Response, error)

	// Put 写入（覆盖）key 对应的响应，实现需保证单条写入的原子性。
	Put(ctx context.Context, key string, resp *Response) error

	// Delete 删除单个条目，条目不存在时不报错。
	Delete(ctx context.Context, key string) error

	// Keys 按写入顺序返回全部 key。
	Keys(ctx context.Context) ([]string, error)
}

// Response 是缓存条目的正文与元信息，正文整体驻留内存，便于 clone 后同时写缓存与回包。
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// OK 对应 fetch Response.ok：状态码位于 200-299。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status <= 299
}

// Clone 深拷贝 Header 与 Body，避免缓存与调用方共享可变切片。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return cloned
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrStoreUnavailable 表示 Store 已被删除或底层存储不可用。
	ErrStoreUnavailable = errors.New("cache store unavailable")
)

func checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
