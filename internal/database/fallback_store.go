package database

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

// FallbackStore 包装持久化存储。持久层第一次失败后进入降级模式，
// 本次会话剩余时间内所有操作都只在内存中进行
type FallbackStore struct {
	primary   ActionStore
	memory    *MemoryStore
	degraded  atomic.Bool
	mu        sync.Mutex
	cause     error
	onDegrade []func(err error)
}

func NewFallbackStore(primary ActionStore, maxAttempts int) *FallbackStore {
	return &FallbackStore{primary: primary, memory: NewMemoryStore(maxAttempts)}
}

// OnDegrade 注册降级回调（用于界面横幅）
func (fs *FallbackStore) OnDegrade(fn func(err error)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.onDegrade = append(fs.onDegrade, fn)
}

func (fs *FallbackStore) Degraded() bool {
	return fs.degraded.Load()
}

func (fs *FallbackStore) Cause() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.cause
}

func (fs *FallbackStore) active() ActionStore {
	if fs.degraded.Load() || fs.primary == nil {
		return fs.memory
	}
	return fs.primary
}

// check 判断错误是否为持久化失败，是则切换到内存模式。返回 true 表示调用方应在内存中重试
func (fs *FallbackStore) check(op string, err error) bool {
	if err == nil || !errors.Is(err, ErrPersistence) {
		return false
	}
	if !fs.degraded.CompareAndSwap(false, true) {
		return true
	}
	logger.ErrorF("Durable store failed during %s, falling back to in-memory queue: %v", op, err)
	fs.mu.Lock()
	fs.cause = err
	callbacks := append([]func(error){}, fs.onDegrade...)
	fs.mu.Unlock()
	for _, fn := range callbacks {
		fn(err)
	}
	return true
}

func (fs *FallbackStore) Enqueue(ctx context.Context, action QueuedAction) error {
	err := fs.active().Enqueue(ctx, action)
	if fs.check("enqueue", err) {
		return fs.memory.Enqueue(ctx, action)
	}
	return err
}

func (fs *FallbackStore) ListPending(ctx context.Context) iter.Seq2[QueuedAction, error] {
	return func(yield func(QueuedAction, error) bool) {
		source := fs.active()
		switched := false
		for action, err := range source.ListPending(ctx) {
			if source != ActionStore(fs.memory) && fs.check("list pending", err) {
				switched = true
				break
			}
			if !yield(action, err) || err != nil {
				return
			}
		}
		if !switched {
			return
		}
		// 遍历途中降级，从内存队列继续
		for action, err := range fs.memory.ListPending(ctx) {
			if !yield(action, err) || err != nil {
				return
			}
		}
	}
}

func (fs *FallbackStore) ListFailed(ctx context.Context) ([]QueuedAction, error) {
	result, err := fs.active().ListFailed(ctx)
	if fs.check("list failed", err) {
		return fs.memory.ListFailed(ctx)
	}
	return result, err
}

func (fs *FallbackStore) Get(ctx context.Context, id string) (*QueuedAction, error) {
	result, err := fs.active().Get(ctx, id)
	if fs.check("get", err) {
		return fs.memory.Get(ctx, id)
	}
	return result, err
}

func (fs *FallbackStore) apply(ctx context.Context, op string, fn func(s ActionStore) error) error {
	err := fn(fs.active())
	if fs.check(op, err) {
		return fn(fs.memory)
	}
	return err
}

func (fs *FallbackStore) MarkInFlight(ctx context.Context, id string) error {
	return fs.apply(ctx, "mark in-flight", func(s ActionStore) error { return s.MarkInFlight(ctx, id) })
}

func (fs *FallbackStore) MarkAcknowledged(ctx context.Context, id string) error {
	return fs.apply(ctx, "mark acknowledged", func(s ActionStore) error { return s.MarkAcknowledged(ctx, id) })
}

func (fs *FallbackStore) MarkFailed(ctx context.Context, id string) error {
	return fs.apply(ctx, "mark failed", func(s ActionStore) error { return s.MarkFailed(ctx, id) })
}

func (fs *FallbackStore) Retry(ctx context.Context, id string) error {
	return fs.apply(ctx, "retry", func(s ActionStore) error { return s.Retry(ctx, id) })
}

func (fs *FallbackStore) Cancel(ctx context.Context, id string) error {
	return fs.apply(ctx, "cancel", func(s ActionStore) error { return s.Cancel(ctx, id) })
}

func (fs *FallbackStore) Recover(ctx context.Context) (int, error) {
	n, err := fs.active().Recover(ctx)
	if fs.check("recover", err) {
		return fs.memory.Recover(ctx)
	}
	return n, err
}

// Degrade 持久层无法打开时直接进入降级模式
func (fs *FallbackStore) Degrade(err error) {
	if !errors.Is(err, ErrPersistence) {
		err = errors.Join(ErrPersistence, err)
	}
	fs.check("open", err)
}

func (fs *FallbackStore) Close() error {
	if fs.primary == nil {
		return nil
	}
	return fs.primary.Close()
}
