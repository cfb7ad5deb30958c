package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const entrySuffix = ".entry"

// NewFileStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
//
// 每个条目是单个文件：首行为 JSON 元信息（key/状态码/头部），其后为正文。
// 单文件 + rename 保证条目写入要么完整可见，要么完全不可见。
func NewFileStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	// storeMu 保护整库删除与条目读写之间的互斥。
	storeMu sync.RWMutex

	mu      sync.Mutex
	locks   map[string]*entryLock
	lastSeq int64
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fileStore struct {
	storage *fileStorage
	name    string
}

type entryMeta struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	StoredAt int64       `json:"stored_at"`
	Seq      int64       `json:"seq"`
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{storage: s, name: name}, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	dir, err := s.storeDir(name)
	if err != nil {
		return false, err
	}

	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	// 先原子地改名再删除，避免进程中途退出时留下半删除的 Store。
	trash := filepath.Join(s.basePath, ".trash-"+uuid.NewString())
	if err := os.Rename(dir, trash); err != nil {
		return false, err
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, err
	}
	return true, nil
}

func (s *fileStorage) Names(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) storeDir(name string) (string, error) {
	if err := validateStoreName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, name), nil
}

func (st *fileStore) Match(ctx context.Context, key string) (*Response, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	filePath, err := st.entryPath(key)
	if err != nil {
		return nil, err
	}

	st.storage.storeMu.RLock()
	defer st.storage.storeMu.RUnlock()

	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	f, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	meta, err := readEntryMeta(reader)
	if err != nil {
		return nil, fmt.Errorf("read entry meta %s: %w", key, err)
	}
	// 哈希碰撞或路径归一化后的不同 key 不视为命中。
	if meta.Key != key {
		return nil, ErrNotFound
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	return &Response{
		Status:   meta.Status,
		Header:   meta.Header,
		Body:     body,
		StoredAt: time.Unix(0, meta.StoredAt).UTC(),
	}, nil
}

func (st *fileStore) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	if err := checkContext(ctx); err != nil {
		return err
	}
	unlock := st.storage.lockEntry(st.name, key)
	defer unlock()

	filePath, err := st.entryPath(key)
	if err != nil {
		return err
	}

	st.storage.storeMu.RLock()
	defer st.storage.storeMu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	metaLine, err := json.Marshal(entryMeta{
		Key:      key,
		Status:   resp.Status,
		Header:   resp.Header,
		StoredAt: storedAt.UnixNano(),
		Seq:      st.storage.nextSeq(),
	})
	if err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	payload := io.MultiReader(bytes.NewReader(metaLine), strings.NewReader("\n"), bytes.NewReader(resp.Body))
	_, err = copyWithContext(ctx, tempFile, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (st *fileStore) Delete(ctx context.Context, key string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	unlock := st.storage.lockEntry(st.name, key)
	defer unlock()

	filePath, err := st.entryPath(key)
	if err != nil {
		return err
	}

	st.storage.storeMu.RLock()
	defer st.storage.storeMu.RUnlock()

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (st *fileStore) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	dir, err := st.storage.storeDir(st.name)
	if err != nil {
		return nil, err
	}

	st.storage.storeMu.RLock()
	defer st.storage.storeMu.RUnlock()

	var metas []entryMeta
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), entrySuffix) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		meta, err := readEntryMetaFile(p)
		if err != nil {
			return err
		}
		metas = append(metas, meta)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].Seq == metas[j].Seq {
			return metas[i].Key < metas[j].Key
		}
		return metas[i].Seq < metas[j].Seq
	})
	keys := make([]string, len(metas))
	for i, meta := range metas {
		keys[i] = meta.Key
	}
	return keys, nil
}

// entryPath 将请求 URL 映射为 <store>/<scheme>_<host>/<path>.entry；query 与 fragment
// 以 sha1 摘要放入 __qs 子目录，避免文件名过长或包含非法字符。
// 无法无损映射的 key（结尾斜杠、保留段、非常规 URL 等）整体按 sha1 落入 __p / _raw，
// 保证不同 key 永远不会共用同一个文件。
func (st *fileStore) entryPath(key string) (string, error) {
	if key == "" {
		return "", errors.New("cache key required")
	}
	dir, err := st.storage.storeDir(st.name)
	if err != nil {
		return "", err
	}

	rel := entryRel(key)
	filePath := filepath.Join(dir, filepath.FromSlash(rel)) + entrySuffix
	if !strings.HasPrefix(filePath, dir+string(filepath.Separator)) {
		return "", errors.New("invalid cache path")
	}
	return filePath, nil
}

func entryRel(key string) string {
	parsed, err := url.Parse(key)
	if err != nil || parsed.Opaque != "" || parsed.User != nil || parsed.String() != key {
		return "_raw/" + sha1Hex(key)
	}

	var hostDir string
	switch {
	case parsed.Scheme == "" && parsed.Host == "":
		hostDir = "_"
	case plainLabel(parsed.Scheme) && plainLabel(parsed.Host):
		hostDir = parsed.Scheme + "_" + strings.ReplaceAll(parsed.Host, ":", "_")
	default:
		return "_raw/" + sha1Hex(key)
	}

	p := parsed.EscapedPath()
	var rel string
	switch {
	case p == "/":
		rel = "_root"
	case plainPath(p):
		rel = strings.TrimPrefix(p, "/")
	default:
		rel = "__p/" + sha1Hex(p)
	}

	if parsed.ForceQuery || parsed.RawQuery != "" || parsed.Fragment != "" {
		marker := "?" + parsed.RawQuery + "#" + parsed.EscapedFragment()
		rel += "/__qs/" + sha1Hex(marker)
	}
	return hostDir + "/" + rel
}

// plainLabel 仅接受小写字母、数字以及 . - : 组成的 scheme/host。
func plainLabel(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-', r == ':':
		default:
			return false
		}
	}
	return true
}

// plainPath 判断路径能否原样作为文件路径：绝对、已归一化、没有结尾斜杠，
// 且各段既不以 _ 开头也不以 .entry 结尾（这些名字留给占位目录与条目文件）。
func plainPath(p string) bool {
	if !strings.HasPrefix(p, "/") || path.Clean(p) != p {
		return false
	}
	for _, segment := range strings.Split(p[1:], "/") {
		if segment == "" || strings.HasPrefix(segment, "_") || strings.HasPrefix(segment, ".") ||
			strings.HasSuffix(segment, entrySuffix) {
			return false
		}
	}
	return true
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// nextSeq 返回严格递增的写入序号（以纳秒时间为下限），保证 Keys 的写入顺序跨进程重启仍成立。
func (s *fileStorage) nextSeq() int64 {
	now := time.Now().UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now <= s.lastSeq {
		now = s.lastSeq + 1
	}
	s.lastSeq = now
	return now
}

func (s *fileStorage) lockEntry(name, key string) func() {
	lockKey := name + "::" + key
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

func readEntryMetaFile(p string) (entryMeta, error) {
	f, err := os.Open(p)
	if err != nil {
		return entryMeta{}, err
	}
	defer f.Close()
	return readEntryMeta(bufio.NewReader(f))
}

func readEntryMeta(reader *bufio.Reader) (entryMeta, error) {
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(line, &meta); err != nil {
		return entryMeta{}, err
	}
	return meta, nil
}

func validateStoreName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("store name required")
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid store name: %s", name)
	}
	return nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
