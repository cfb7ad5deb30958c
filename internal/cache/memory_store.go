package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// NewMemoryStorage 返回进程内的 Storage 实现，重启后数据丢失，适合测试或临时部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryBucket)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryBucket
}

type memoryBucket struct {
	entries map[string]*Response
	order   []string
}

// memoryStore 仅持有名称，每次操作都查找当前桶；Delete 之后的写入会隐式重建。
type memoryStore struct {
	storage *memoryStorage
	name    string
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.bucket(name)
	s.mu.Unlock()
	return &memoryStore{storage: s, name: name}, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.stores[name]
	delete(s.stores, name)
	return existed, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// bucket 需在持有写锁时调用。
func (s *memoryStorage) bucket(name string) *memoryBucket {
	b := s.stores[name]
	if b == nil {
		b = &memoryBucket{entries: make(map[string]*Response)}
		s.stores[name] = b
	}
	return b
}

func (st *memoryStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	st.storage.mu.RLock()
	defer st.storage.mu.RUnlock()
	b := st.storage.stores[st.name]
	if b == nil {
		return nil, ErrNotFound
	}
	resp, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (st *memoryStore) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	if key == "" {
		return errors.New("cache key required")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}

	st.storage.mu.Lock()
	defer st.storage.mu.Unlock()
	b := st.storage.bucket(st.name)
	if _, exists := b.entries[key]; exists {
		b.removeOrder(key)
	}
	b.entries[key] = stored
	b.order = append(b.order, key)
	return nil
}

func (st *memoryStore) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	st.storage.mu.Lock()
	defer st.storage.mu.Unlock()
	b := st.storage.stores[st.name]
	if b == nil {
		return nil
	}
	if _, exists := b.entries[key]; exists {
		delete(b.entries, key)
		b.removeOrder(key)
	}
	return nil
}

func (st *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	st.storage.mu.RLock()
	defer st.storage.mu.RUnlock()
	b := st.storage.stores[st.name]
	if b == nil {
		return nil, nil
	}
	return append([]string(nil), b.order...), nil
}

func (b *memoryBucket) removeOrder(key string) {
	for i, existing := range b.order {
		if existing == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
