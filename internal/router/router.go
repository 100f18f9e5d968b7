// Package router 实现按请求类型选择缓存策略的 http.RoundTripper
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/cache"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/manifest"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/update"
)

type Strategy string

const (
	StrategyNetworkOnly          Strategy = "network-only"
	StrategyPassthrough          Strategy = "passthrough"
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

const (
	HeaderStrategy = "X-Cache-Strategy"
	HeaderCache    = "X-Cache"

	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheFallback = "fallback"
)

// ErrOffline 网络请求失败且没有可用的缓存
var ErrOffline = errors.New("network unavailable")

// Resolver 给出当前请求应使用的缓存代，通常是一次加载的租约
type Resolver interface {
	Generation() (update.Generation, bool)
}

// Classify 按优先级选择策略，不产生副作用
func Classify(req *http.Request, m *manifest.Manifest) Strategy {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return StrategyNetworkOnly
	}
	if req.URL.Scheme == "ws" || req.URL.Scheme == "wss" {
		return StrategyPassthrough
	}
	if m == nil {
		return StrategyNetworkOnly
	}
	path := req.URL.Path
	switch {
	case m.IsRealtime(path):
		return StrategyPassthrough
	case m.IsStatic(path):
		return StrategyCacheFirst
	case m.IsAPI(path):
		return StrategyNetworkFirst
	default:
		return StrategyStaleWhileRevalidate
	}
}

type Transport struct {
	next     http.RoundTripper
	storage  cache.Storage
	resolver Resolver
	now      func() time.Time

	revalidating sync.WaitGroup
}

func New(next http.RoundTripper, storage cache.Storage, resolver Resolver) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &Transport{next: next, storage: storage, resolver: resolver, now: time.Now}
}

// Bind 返回共享网络与存储、但使用另一个租约的路由
func (t *Transport) Bind(resolver Resolver) *Transport {
	return &Transport{next: t.next, storage: t.storage, resolver: resolver, now: t.now}
}

// Wait 阻塞直到后台重新验证全部结束
func (t *Transport) Wait() {
	t.revalidating.Wait()
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	gen, ok := t.resolver.Generation()
	var m *manifest.Manifest
	if ok {
		m = gen.Manifest
	}
	strategy := Classify(req, m)

	var resp *http.Response
	var err error
	switch strategy {
	case StrategyCacheFirst:
		resp, err = t.cacheFirst(req, gen)
	case StrategyNetworkFirst:
		resp, err = t.networkFirst(req, gen)
	case StrategyStaleWhileRevalidate:
		resp, err = t.staleWhileRevalidate(req, gen)
	default:
		resp, err = t.fetch(req)
	}
	if err != nil {
		return nil, err
	}
	resp.Header.Set(HeaderStrategy, string(strategy))
	return resp, nil
}

func cacheKey(req *http.Request) string {
	return req.URL.RequestURI()
}

func cacheable(req *http.Request, resp *http.Response) bool {
	return req.Method == http.MethodGet && resp.StatusCode >= 200 && resp.StatusCode <= 299
}

func (t *Transport) fetch(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s %s: %w", ErrOffline, req.Method, req.URL.Path, err)
	}
	return resp, nil
}

func (t *Transport) match(ctx context.Context, generation string, key string) (cache.Snapshot, bool) {
	snapshot, ok, err := t.storage.Match(ctx, generation, key)
	if err != nil {
		logger.WarnF("Cache lookup in %s failed for %s, details: %v", generation, key, err)
		return cache.Snapshot{}, false
	}
	return snapshot, ok
}

func (t *Transport) store(req *http.Request, resp *http.Response, generation string) {
	if !cacheable(req, resp) {
		return
	}
	snapshot, err := cache.NewSnapshot(cacheKey(req), resp, t.now())
	if err != nil {
		logger.WarnF("Fail to snapshot %s, details: %v", req.URL.Path, err)
		return
	}
	if err := t.storage.Put(context.WithoutCancel(req.Context()), generation, snapshot); err != nil {
		logger.WarnF("Fail to store %s in %s, details: %v", req.URL.Path, generation, err)
	}
}

func respond(req *http.Request, snapshot cache.Snapshot, state string) *http.Response {
	resp := snapshot.Response(req)
	if req.Method == http.MethodHead {
		resp.Body = http.NoBody
	}
	resp.Header.Set(HeaderCache, state)
	return resp
}

func (t *Transport) cacheFirst(req *http.Request, gen update.Generation) (*http.Response, error) {
	if snapshot, ok := t.match(req.Context(), gen.Static, cacheKey(req)); ok {
		return respond(req, snapshot, CacheHit), nil
	}
	resp, err := t.fetch(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return t.fallback(req, gen), nil
	}
	t.store(req, resp, gen.Static)
	resp.Header.Set(HeaderCache, CacheMiss)
	return resp, nil
}

func (t *Transport) networkFirst(req *http.Request, gen update.Generation) (*http.Response, error) {
	resp, err := t.fetch(req)
	if err == nil {
		t.store(req, resp, gen.Dynamic)
		resp.Header.Set(HeaderCache, CacheMiss)
		return resp, nil
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	logger.DebugF("Network-first request %s failed, trying cache: %v", req.URL.Path, err)
	if snapshot, ok := t.match(req.Context(), gen.Dynamic, cacheKey(req)); ok {
		return respond(req, snapshot, CacheHit), nil
	}
	return t.fallback(req, gen), nil
}

func (t *Transport) staleWhileRevalidate(req *http.Request, gen update.Generation) (*http.Response, error) {
	if snapshot, ok := t.match(req.Context(), gen.Dynamic, cacheKey(req)); ok {
		t.revalidate(req, gen.Dynamic)
		return respond(req, snapshot, CacheHit), nil
	}
	resp, err := t.fetch(req)
	if err != nil {
		return nil, err
	}
	t.store(req, resp, gen.Dynamic)
	resp.Header.Set(HeaderCache, CacheMiss)
	return resp, nil
}

func (t *Transport) revalidate(req *http.Request, generation string) {
	background := req.Clone(context.WithoutCancel(req.Context()))
	t.revalidating.Add(1)
	go func() {
		defer t.revalidating.Done()
		resp, err := t.fetch(background)
		if err != nil {
			logger.DebugF("Background refresh of %s failed, details: %v", background.URL.Path, err)
			return
		}
		t.store(background, resp, generation)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
}

// fallback 离线兜底：优先使用静态代中的 offline 文档
func (t *Transport) fallback(req *http.Request, gen update.Generation) *http.Response {
	if gen.Manifest != nil && gen.Manifest.OfflineFallback != "" {
		if snapshot, ok := t.match(req.Context(), gen.Static, gen.Manifest.OfflineFallback); ok {
			return respond(req, snapshot, CacheFallback)
		}
	}
	body := "offline"
	resp := &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	if req.Method == http.MethodHead {
		resp.Body = http.NoBody
	}
	resp.Header.Set(HeaderCache, CacheFallback)
	return resp
}
