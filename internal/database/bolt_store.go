package database

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

var subscriptionKey = []byte("subscription")

// BoltStore 基于 bbolt 的动作账本。每个变更都在一个读写事务中完成，
// 由 bbolt 保证多个执行上下文之间的串行化
type BoltStore struct {
	db          *bbolt.DB
	maxAttempts int
}

func OpenBoltStore(path string, maxAttempts int) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &BoltStore{db: db, maxAttempts: maxAttempts}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (bs *BoltStore) ensureBuckets() error {
	return bs.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{ActionsBucketName, ActionsByTimeBucketName, AcknowledgedBucketName, PushBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (bs *BoltStore) Close() error {
	if bs == nil || bs.db == nil {
		return nil
	}
	return bs.db.Close()
}

// timeKey 索引键：8 字节大端 createdAt 纳秒 + id，保证按时间升序遍历
func timeKey(a QueuedAction) []byte {
	key := make([]byte, 8, 8+len(a.ID))
	binary.BigEndian.PutUint64(key, uint64(a.CreatedAt.UnixNano()))
	return append(key, a.ID...)
}

func getAction(b *bbolt.Bucket, id string) (*QueuedAction, error) {
	data := b.Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	var action QueuedAction
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("decode action %s: %w", id, err)
	}
	return &action, nil
}

func putAction(b *bbolt.Bucket, action *QueuedAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", action.ID, err)
	}
	return b.Put([]byte(action.ID), data)
}

func persistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

func (bs *BoltStore) Enqueue(ctx context.Context, action QueuedAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := action.Validate(); err != nil {
		return err
	}
	action.Status = StatusPending
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	err := bs.db.Update(func(tx *bbolt.Tx) error {
		actions := tx.Bucket([]byte(ActionsBucketName))
		if actions.Get([]byte(action.ID)) != nil {
			logger.DebugF("Action %s already queued, skip", action.ID)
			return nil
		}
		if tx.Bucket([]byte(AcknowledgedBucketName)).Get([]byte(action.ID)) != nil {
			logger.DebugF("Action %s already acknowledged, skip", action.ID)
			return nil
		}
		if err := putAction(actions, &action); err != nil {
			return err
		}
		return tx.Bucket([]byte(ActionsByTimeBucketName)).Put(timeKey(action), []byte(action.ID))
	})
	return persistenceError("enqueue", err)
}

func (bs *BoltStore) ListPending(ctx context.Context) iter.Seq2[QueuedAction, error] {
	return func(yield func(QueuedAction, error) bool) {
		var cursorKey []byte
		for {
			if err := ctx.Err(); err != nil {
				yield(QueuedAction{}, err)
				return
			}
			next, key, err := bs.nextPending(cursorKey)
			if err != nil {
				yield(QueuedAction{}, persistenceError("list pending", err))
				return
			}
			if next == nil {
				return
			}
			if !yield(*next, nil) {
				return
			}
			cursorKey = key
		}
	}
}

// nextPending 在独立的只读事务中查找 cursorKey 之后的第一个可重放动作
func (bs *BoltStore) nextPending(cursorKey []byte) (*QueuedAction, []byte, error) {
	var found *QueuedAction
	var foundKey []byte
	err := bs.db.View(func(tx *bbolt.Tx) error {
		actions := tx.Bucket([]byte(ActionsBucketName))
		c := tx.Bucket([]byte(ActionsByTimeBucketName)).Cursor()

		var k, v []byte
		if cursorKey == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(cursorKey)
			if k != nil && bytes.Equal(k, cursorKey) {
				k, v = c.Next()
			}
		}
		for ; k != nil; k, v = c.Next() {
			action, err := getAction(actions, string(v))
			if err != nil {
				return err
			}
			if action == nil || !action.Replayable(bs.maxAttempts) {
				continue
			}
			found = action
			foundKey = bytes.Clone(k)
			return nil
		}
		return nil
	})
	return found, foundKey, err
}

func (bs *BoltStore) ListFailed(ctx context.Context) ([]QueuedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []QueuedAction
	err := bs.db.View(func(tx *bbolt.Tx) error {
		actions := tx.Bucket([]byte(ActionsBucketName))
		return tx.Bucket([]byte(ActionsByTimeBucketName)).ForEach(func(_, v []byte) error {
			action, err := getAction(actions, string(v))
			if err != nil {
				return err
			}
			if action != nil && action.PermanentlyFailed(bs.maxAttempts) {
				result = append(result, *action)
			}
			return nil
		})
	})
	return result, persistenceError("list failed", err)
}

func (bs *BoltStore) Get(ctx context.Context, id string) (*QueuedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var action *QueuedAction
	err := bs.db.View(func(tx *bbolt.Tx) error {
		var err error
		action, err = getAction(tx.Bucket([]byte(ActionsBucketName)), id)
		return err
	})
	if err != nil {
		return nil, persistenceError("get", err)
	}
	if action == nil {
		return nil, ErrActionNotFound
	}
	return action, nil
}

// mutate 在读写事务中修改单个动作，id 不存在时返回 ErrActionNotFound
func (bs *BoltStore) mutate(ctx context.Context, op string, id string, fn func(a *QueuedAction)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := bs.db.Update(func(tx *bbolt.Tx) error {
		actions := tx.Bucket([]byte(ActionsBucketName))
		action, err := getAction(actions, id)
		if err != nil {
			return err
		}
		if action == nil {
			return ErrActionNotFound
		}
		fn(action)
		return putAction(actions, action)
	})
	if errors.Is(err, ErrActionNotFound) {
		return err
	}
	return persistenceError(op, err)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrActionNotFound) {
		return nil
	}
	return err
}

func (bs *BoltStore) MarkInFlight(ctx context.Context, id string) error {
	return ignoreNotFound(bs.mutate(ctx, "mark in-flight", id, func(a *QueuedAction) {
		a.Status = StatusInFlight
	}))
}

func (bs *BoltStore) MarkFailed(ctx context.Context, id string) error {
	return ignoreNotFound(bs.mutate(ctx, "mark failed", id, func(a *QueuedAction) {
		a.Attempts++
		a.Status = StatusFailed
	}))
}

func (bs *BoltStore) Retry(ctx context.Context, id string) error {
	return bs.mutate(ctx, "retry", id, func(a *QueuedAction) {
		a.Attempts = 0
		a.Status = StatusPending
	})
}

func (bs *BoltStore) remove(ctx context.Context, op string, id string, tombstone bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := bs.db.Update(func(tx *bbolt.Tx) error {
		actions := tx.Bucket([]byte(ActionsBucketName))
		action, err := getAction(actions, id)
		if err != nil {
			return err
		}
		if action == nil {
			return nil
		}
		if err := actions.Delete([]byte(id)); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(ActionsByTimeBucketName)).Delete(timeKey(*action)); err != nil {
			return err
		}
		if !tombstone {
			return nil
		}
		stamp, _ := time.Now().UTC().MarshalBinary()
		return tx.Bucket([]byte(AcknowledgedBucketName)).Put([]byte(id), stamp)
	})
	return persistenceError(op, err)
}

func (bs *BoltStore) MarkAcknowledged(ctx context.Context, id string) error {
	return bs.remove(ctx, "mark acknowledged", id, true)
}

func (bs *BoltStore) Cancel(ctx context.Context, id string) error {
	return bs.remove(ctx, "cancel", id, false)
}

func (bs *BoltStore) Recover(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	recovered := 0
	err := bs.db.Update(func(tx *bbolt.Tx) error {
		actions := tx.Bucket([]byte(ActionsBucketName))
		var stale []*QueuedAction
		err := actions.ForEach(func(k, v []byte) error {
			var action QueuedAction
			if err := json.Unmarshal(v, &action); err != nil {
				return fmt.Errorf("decode action %s: %w", k, err)
			}
			if action.Status == StatusInFlight {
				stale = append(stale, &action)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, action := range stale {
			action.Status = StatusPending
			if err := putAction(actions, action); err != nil {
				return err
			}
		}
		recovered = len(stale)
		return nil
	})
	return recovered, persistenceError("recover", err)
}

func (bs *BoltStore) LoadSubscription(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := bs.db.View(func(tx *bbolt.Tx) error {
		data = bytes.Clone(tx.Bucket([]byte(PushBucketName)).Get(subscriptionKey))
		return nil
	})
	return data, persistenceError("load subscription", err)
}

func (bs *BoltStore) SaveSubscription(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(PushBucketName)).Put(subscriptionKey, data)
	})
	return persistenceError("save subscription", err)
}

func (bs *BoltStore) DeleteSubscription(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := bs.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(PushBucketName)).Delete(subscriptionKey)
	})
	return persistenceError("delete subscription", err)
}
