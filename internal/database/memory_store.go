package database

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

type MemoryStore struct {
	mu           sync.Mutex
	maxAttempts  int
	actions      map[string]*QueuedAction
	acknowledged map[string]time.Time
	subscription []byte
}

func NewMemoryStore(maxAttempts int) *MemoryStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &MemoryStore{
		maxAttempts:  maxAttempts,
		actions:      make(map[string]*QueuedAction),
		acknowledged: make(map[string]time.Time),
	}
}

func (ms *MemoryStore) Enqueue(_ context.Context, action QueuedAction) error {
	if err := action.Validate(); err != nil {
		return err
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.actions[action.ID]; ok {
		logger.DebugF("Action %s already queued, skip", action.ID)
		return nil
	}
	if _, ok := ms.acknowledged[action.ID]; ok {
		logger.DebugF("Action %s already acknowledged, skip", action.ID)
		return nil
	}
	action.Status = StatusPending
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	action.Payload = slices.Clone(action.Payload)
	ms.actions[action.ID] = &action
	return nil
}

// ListPending 每一步都重新取快照，迭代过程中可以修改存储
func (ms *MemoryStore) ListPending(ctx context.Context) iter.Seq2[QueuedAction, error] {
	return func(yield func(QueuedAction, error) bool) {
		var cursor *QueuedAction
		for {
			if err := ctx.Err(); err != nil {
				yield(QueuedAction{}, err)
				return
			}
			next, ok := ms.nextPending(cursor)
			if !ok {
				return
			}
			if !yield(next, nil) {
				return
			}
			cursor = &next
		}
	}
}

func (ms *MemoryStore) nextPending(after *QueuedAction) (QueuedAction, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var best *QueuedAction
	for _, a := range ms.actions {
		if !a.Replayable(ms.maxAttempts) {
			continue
		}
		if after != nil && !after.before(*a) {
			continue
		}
		if best == nil || a.before(*best) {
			best = a
		}
	}
	if best == nil {
		return QueuedAction{}, false
	}
	return *best, true
}

func (ms *MemoryStore) ListFailed(_ context.Context) ([]QueuedAction, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var result []QueuedAction
	for _, a := range ms.actions {
		if a.PermanentlyFailed(ms.maxAttempts) {
			result = append(result, *a)
		}
	}
	slices.SortFunc(result, func(a, b QueuedAction) int {
		if a.before(b) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (ms *MemoryStore) Get(_ context.Context, id string) (*QueuedAction, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	a, ok := ms.actions[id]
	if !ok {
		return nil, ErrActionNotFound
	}
	copied := *a
	return &copied, nil
}

func (ms *MemoryStore) update(id string, fn func(a *QueuedAction)) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if a, ok := ms.actions[id]; ok {
		fn(a)
	}
}

func (ms *MemoryStore) MarkInFlight(_ context.Context, id string) error {
	ms.update(id, func(a *QueuedAction) { a.Status = StatusInFlight })
	return nil
}

func (ms *MemoryStore) MarkAcknowledged(_ context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if _, ok := ms.actions[id]; !ok {
		return nil
	}
	delete(ms.actions, id)
	ms.acknowledged[id] = time.Now().UTC()
	return nil
}

func (ms *MemoryStore) MarkFailed(_ context.Context, id string) error {
	ms.update(id, func(a *QueuedAction) {
		a.Attempts++
		a.Status = StatusFailed
	})
	return nil
}

func (ms *MemoryStore) Retry(_ context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	a, ok := ms.actions[id]
	if !ok {
		return ErrActionNotFound
	}
	a.Attempts = 0
	a.Status = StatusPending
	return nil
}

func (ms *MemoryStore) Cancel(_ context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.actions, id)
	return nil
}

func (ms *MemoryStore) Recover(_ context.Context) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	recovered := 0
	for _, a := range ms.actions {
		if a.Status == StatusInFlight {
			a.Status = StatusPending
			recovered++
		}
	}
	return recovered, nil
}

func (ms *MemoryStore) Close() error {
	return nil
}

func (ms *MemoryStore) LoadSubscription(_ context.Context) ([]byte, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return slices.Clone(ms.subscription), nil
}

func (ms *MemoryStore) SaveSubscription(_ context.Context, data []byte) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.subscription = slices.Clone(data)
	return nil
}

func (ms *MemoryStore) DeleteSubscription(_ context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.subscription = nil
	return nil
}
