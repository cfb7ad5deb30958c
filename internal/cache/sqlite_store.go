package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_stores (
    name TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS cache_entries (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    store TEXT NOT NULL,
    key TEXT NOT NULL,
    status INTEGER NOT NULL,
    header TEXT NOT NULL,
    body BLOB NOT NULL,
    stored_at INTEGER NOT NULL,
    UNIQUE (store, key)
);
`

// SQLiteStorage 将全部命名 Store 存放在单个 SQLite 文件中，整库删除在一个事务内完成。
type SQLiteStorage struct {
	sqlDB *sql.DB
}

type sqliteStore struct {
	storage *SQLiteStorage
	name    string
}

// OpenSQLiteStorage 打开（必要时创建）path 指向的数据库并初始化表结构。
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sqliteSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure cache schema: %w", err)
	}
	return &SQLiteStorage{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *SQLiteStorage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := validateStoreName(name); err != nil {
		return nil, err
	}
	if err := s.ensureStore(ctx, s.sqlDB, name); err != nil {
		return nil, err
	}
	return &sqliteStore{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateStoreName(name); err != nil {
		return false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE store = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete store: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStorage) ensureStore(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_stores (name, created_at) VALUES (?, ?)`,
		name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ensure store %s: %w", name, err)
	}
	return nil
}

func (st *sqliteStore) Match(ctx context.Context, key string) (*Response, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := st.storage.sqlDB.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE store = ? AND key = ?`,
		st.name, key,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	resp := &Response{
		Status:   status,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if header != "" {
		var decoded http.Header
		if err := json.Unmarshal([]byte(header), &decoded); err != nil {
			return nil, fmt.Errorf("decode header %s: %w", key, err)
		}
		resp.Header = decoded
	}
	return resp, nil
}

func (st *sqliteStore) Put(ctx context.Context, key string, resp *Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	if key == "" {
		return errors.New("cache key required")
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return err
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	tx, err := st.storage.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := st.storage.ensureStore(ctx, tx, st.name); err != nil {
		return err
	}
	// REPLACE 会删除旧行再插入，seq 随之递增，Keys 因此保持写入顺序。
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (store, key, status, header, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)`,
		st.name, key, resp.Status, string(header), body, storedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("put entry %s: %w", key, err)
	}
	return tx.Commit()
}

func (st *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := st.storage.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE store = ? AND key = ?`, st.name, key,
	)
	return err
}

func (st *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := st.storage.sqlDB.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE store = ? ORDER BY seq`, st.name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
