// Package cache 保存按代（generation）划分的响应快照
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	KindStatic  = "static"
	KindDynamic = "dynamic"

	MetaActiveVersion = "active_version"
)

var ErrInvalidGeneration = errors.New("invalid generation name")

// Snapshot 一次成功响应的完整副本
type Snapshot struct {
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"stored_at"`
}

// Storage 缓存代存储。Match 未命中时返回 ok=false 而不是错误
type Storage interface {
	Put(ctx context.Context, generation string, snapshot Snapshot) error
	Match(ctx context.Context, generation string, url string) (Snapshot, bool, error)
	Delete(ctx context.Context, generation string, url string) error
	Generations(ctx context.Context) ([]string, error)
	DeleteGeneration(ctx context.Context, generation string) error
	Meta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key string, value string) error
	Close() error
}

// GenerationName 生成形如 <prefix>-static-<version> 的代名称
func GenerationName(prefix, kind, version string) string {
	return prefix + "-" + kind + "-" + version
}

// ParseGeneration 拆分代名称，版本号中允许出现连字符
func ParseGeneration(name string) (prefix, kind, version string, err error) {
	for _, k := range []string{KindStatic, KindDynamic} {
		marker := "-" + k + "-"
		if idx := strings.Index(name, marker); idx > 0 {
			version = name[idx+len(marker):]
			if version == "" {
				break
			}
			return name[:idx], k, version, nil
		}
	}
	return "", "", "", fmt.Errorf("%w: %q", ErrInvalidGeneration, name)
}

// NewSnapshot 读取并替换响应体，调用方之后仍可正常读取 resp.Body
func NewSnapshot(url string, resp *http.Response, now time.Time) (Snapshot, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return Snapshot{
		URL:      url,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: now.UTC(),
	}, nil
}

// Response 将快照还原为响应，每次调用返回独立的 Body
func (s Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(s.Status) + " " + http.StatusText(s.Status),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

func (s Snapshot) clone() Snapshot {
	s.Header = s.Header.Clone()
	s.Body = bytes.Clone(s.Body)
	return s
}
