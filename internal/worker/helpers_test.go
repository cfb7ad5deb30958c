package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/manifest"
)

const testOrigin = Origin("http://app.local")

var errNetworkDown = errors.New("network down")

// fakeNetwork 按 URL 返回预置响应，并记录每次请求。
type fakeNetwork struct {
	mu       sync.Mutex
	bodies   map[string]string
	statuses map[string]int
	failing  map[string]bool
	offline  bool
	requests []Request
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bodies:   make(map[string]string),
		statuses: make(map[string]int),
		failing:  make(map[string]bool),
	}
}

func (n *fakeNetwork) serve(key, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[testOrigin.URL(key)] = body
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, *req)
	if n.offline || n.failing[req.URL] {
		return nil, errNetworkDown
	}
	body, ok := n.bodies[req.URL]
	status := n.statuses[req.URL]
	if status == 0 {
		status = http.StatusOK
		if !ok {
			status = http.StatusNotFound
		}
	}
	return &cache.Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
	}, nil
}

func (n *fakeNetwork) requestCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requests)
}

type recordingPlatform struct {
	mu          sync.Mutex
	skipWaiting int
	claims      int
}

func (p *recordingPlatform) SkipWaiting() {
	p.mu.Lock()
	p.skipWaiting++
	p.mu.Unlock()
}

func (p *recordingPlatform) ClaimClients() {
	p.mu.Lock()
	p.claims++
	p.mu.Unlock()
}

// storageBackend 为对账测试提供三种真实后端。
type storageBackend struct {
	name string
	new  func(t *testing.T) cache.Storage
}

func storageBackends() []storageBackend {
	return []storageBackend{
		{"memory", func(*testing.T) cache.Storage { return cache.NewMemoryStorage() }},
		{"fs", func(t *testing.T) cache.Storage {
			t.Helper()
			storage, err := cache.NewFileStorage(t.TempDir())
			if err != nil {
				t.Fatalf("fs storage: %v", err)
			}
			return storage
		}},
		{"sqlite", func(t *testing.T) cache.Storage {
			t.Helper()
			storage, err := cache.OpenSQLiteStorage(filepath.Join(t.TempDir(), "cache.db"))
			if err != nil {
				t.Fatalf("sqlite storage: %v", err)
			}
			t.Cleanup(func() { _ = storage.Close() })
			return storage
		}},
	}
}

// faultyStorage 包装 Storage，可让指定 Store（或指定 key）的 Put、整库 Delete 失败，并统计访问次数。
type faultyStorage struct {
	cache.Storage

	mu         sync.Mutex
	failPutIn  string
	failPutKey string
	failDelete string
	operations int
}

var errInjected = errors.New("injected storage failure")

func (s *faultyStorage) Open(ctx context.Context, name string) (cache.Store, error) {
	s.count()
	store, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &faultyStore{Store: store, name: name, parent: s}, nil
}

func (s *faultyStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.count()
	s.mu.Lock()
	fail := s.failDelete == name
	s.mu.Unlock()
	if fail {
		return false, errInjected
	}
	return s.Storage.Delete(ctx, name)
}

func (s *faultyStorage) count() {
	s.mu.Lock()
	s.operations++
	s.mu.Unlock()
}

func (s *faultyStorage) ops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operations
}

type faultyStore struct {
	cache.Store
	name   string
	parent *faultyStorage
}

func (s *faultyStore) Put(ctx context.Context, key string, resp *cache.Response) error {
	s.parent.count()
	s.parent.mu.Lock()
	fail := s.parent.failPutIn == s.name || (s.parent.failPutKey != "" && s.parent.failPutKey == key)
	s.parent.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.Store.Put(ctx, key, resp)
}

func (s *faultyStore) Match(ctx context.Context, key string) (*cache.Response, error) {
	s.parent.count()
	return s.Store.Match(ctx, key)
}

func newTestReconciler(t *testing.T, storage cache.Storage, network Fetcher, platform Platform, bundle manifest.Bundle) *Reconciler {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r, err := New(Options{
		App:      "app",
		Origin:   testOrigin,
		Bundle:   bundle,
		Storage:  storage,
		Fetcher:  network,
		Platform: platform,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func installAndActivate(t *testing.T, r *Reconciler) {
	t.Helper()
	if err := r.Install(context.Background()); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := r.Activate(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
}

func openTestStore(t *testing.T, storage cache.Storage, name string) cache.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return store
}

func seed(t *testing.T, storage cache.Storage, storeName, key, body string) {
	t.Helper()
	store := openTestStore(t, storage, storeName)
	if err := store.Put(context.Background(), testOrigin.URL(key), &cache.Response{Status: 200, Body: []byte(body)}); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func seedRecord(t *testing.T, storage cache.Storage, previous manifest.Manifest) {
	t.Helper()
	data, err := previous.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	store := openTestStore(t, storage, DefaultCacheNames("app").Manifest)
	if err := store.Put(context.Background(), manifestRecordKey, &cache.Response{Status: 200, Body: data}); err != nil {
		t.Fatalf("seed manifest record: %v", err)
	}
}

// snapshot 以 "逻辑键=正文" 的有序列表描述 Content Store。
func snapshot(t *testing.T, storage cache.Storage) []string {
	t.Helper()
	ctx := context.Background()
	store := openTestStore(t, storage, DefaultCacheNames("app").Content)
	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	var out []string
	for _, key := range keys {
		resp, err := store.Match(ctx, key)
		if err != nil {
			t.Fatalf("match %s: %v", key, err)
		}
		logical, _ := testOrigin.ResourceKey(key)
		out = append(out, fmt.Sprintf("%s=%s", logical, resp.Body))
	}
	sort.Strings(out)
	return out
}

func assertSnapshot(t *testing.T, storage cache.Storage, want ...string) {
	t.Helper()
	got := snapshot(t, storage)
	sort.Strings(want)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("content store mismatch:\n got  %v\n want %v", got, want)
	}
}

func storeNames(t *testing.T, storage cache.Storage) []string {
	t.Helper()
	names, err := storage.Names(context.Background())
	if err != nil {
		t.Fatalf("names: %v", err)
	}
	return names
}
