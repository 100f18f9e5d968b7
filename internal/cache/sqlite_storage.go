package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	_ "modernc.org/sqlite"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

// SQLiteStorage 持久化缓存代，读路径前面挂一层 LRU
type SQLiteStorage struct {
	db  *sql.DB
	hot *expirable.LRU[string, Snapshot]
}

func hotKey(generation, url string) string {
	return generation + "\x00" + url
}

func OpenSQLiteStorage(ctx context.Context, path string, hotSize int) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if hotSize <= 0 {
		hotSize = 256
	}

	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.InfoF("Cache storage opened at %s", cleanPath)
	return &SQLiteStorage{
		db:  db,
		hot: expirable.NewLRU[string, Snapshot](hotSize, nil, time.Hour),
	}, nil
}

func (s *SQLiteStorage) Put(ctx context.Context, generation string, snapshot Snapshot) error {
	header, err := json.Marshal(snapshot.Header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	body := snapshot.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (generation, url, status, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(generation, url) DO UPDATE SET
		   status = excluded.status,
		   header_json = excluded.header_json,
		   body = excluded.body,
		   stored_at = excluded.stored_at`,
		generation, snapshot.URL, snapshot.Status, string(header), body, snapshot.StoredAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	s.hot.Add(hotKey(generation, snapshot.URL), snapshot.clone())
	return nil
}

func (s *SQLiteStorage) Match(ctx context.Context, generation string, url string) (Snapshot, bool, error) {
	key := hotKey(generation, url)
	if snapshot, ok := s.hot.Get(key); ok {
		// 缓存文件由多个进程共享，命中前先确认行仍在且未被覆盖
		var storedAt int64
		err := s.db.QueryRowContext(ctx,
			`SELECT stored_at FROM cache_entries WHERE generation = ? AND url = ?`,
			generation, url,
		).Scan(&storedAt)
		if err == sql.ErrNoRows {
			s.hot.Remove(key)
			return Snapshot{}, false, nil
		}
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("match cache entry: %w", err)
		}
		if storedAt == snapshot.StoredAt.UTC().UnixMilli() {
			return snapshot.clone(), true, nil
		}
		s.hot.Remove(key)
	}

	var snapshot Snapshot
	var header string
	var storedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT url, status, header_json, body, stored_at FROM cache_entries WHERE generation = ? AND url = ?`,
		generation, url,
	).Scan(&snapshot.URL, &snapshot.Status, &header, &snapshot.Body, &storedAt)
	if err == sql.ErrNoRows {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("match cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(header), &snapshot.Header); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode header: %w", err)
	}
	snapshot.StoredAt = time.UnixMilli(storedAt).UTC()
	s.hot.Add(key, snapshot.clone())
	return snapshot, true, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, generation string, url string) error {
	s.hot.Remove(hotKey(generation, url))
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ? AND url = ?`, generation, url); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT generation FROM cache_entries ORDER BY generation`)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan generation: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteStorage) DeleteGeneration(ctx context.Context, generation string) error {
	prefix := generation + "\x00"
	for _, key := range s.hot.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.hot.Remove(key)
		}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE generation = ?`, generation); err != nil {
		return fmt.Errorf("delete generation %s: %w", generation, err)
	}
	logger.DebugF("Cache generation %s deleted", generation)
	return nil
}

func (s *SQLiteStorage) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cache_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read cache meta %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLiteStorage) SetMeta(ctx context.Context, key string, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("write cache meta %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.hot.Purge()
	return s.db.Close()
}
