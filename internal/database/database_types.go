package database

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"time"

	"github.com/google/uuid"
)

const (
	ActionsBucketName       = "actions"
	ActionsByTimeBucketName = "actions_by_time"
	AcknowledgedBucketName  = "acknowledged"
	PushBucketName          = "push"

	ActionCollectionName       = "queued_actions"
	AcknowledgedCollectionName = "acknowledged_actions"

	DefaultMaxAttempts = 5
)

type Kind string

const (
	KindMessage Kind = "message"
	KindOrder   Kind = "order"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in-flight"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

var (
	ActionIdEmptyError = errors.New("action id is empty")
	ErrUnknownKind     = errors.New("unknown action kind")
	// ErrPersistence 持久化层无法读写
	ErrPersistence = errors.New("persistence failure")
	// ErrActionPermanentlyFailed 超过重试上限，只能由用户手动重试
	ErrActionPermanentlyFailed = errors.New("action permanently failed")
	ErrActionNotFound          = errors.New("action not found")
)

// QueuedAction 待发送的动作（聊天消息或离线订单）
type QueuedAction struct {
	ID        string          `json:"id" bson:"action_id"`
	Kind      Kind            `json:"kind" bson:"kind"`
	Payload   []byte          `json:"payload" bson:"payload"`
	Context   json.RawMessage `json:"context,omitempty" bson:"context,omitempty"`
	CreatedAt time.Time       `json:"created_at" bson:"created_at"`
	Status    Status          `json:"status" bson:"status"`
	Attempts  int             `json:"attempts" bson:"attempts"`
}

func NewMessageAction(text string, context json.RawMessage) QueuedAction {
	return QueuedAction{
		ID:        uuid.NewString(),
		Kind:      KindMessage,
		Payload:   []byte(text),
		Context:   context,
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
}

func NewOrderAction(body []byte) QueuedAction {
	return QueuedAction{
		ID:        uuid.NewString(),
		Kind:      KindOrder,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
}

func (a QueuedAction) Validate() error {
	if a.ID == "" {
		return ActionIdEmptyError
	}
	switch a.Kind {
	case KindMessage, KindOrder:
		return nil
	default:
		return ErrUnknownKind
	}
}

// Replayable 判断动作是否参与自动重放
func (a QueuedAction) Replayable(maxAttempts int) bool {
	switch a.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return a.Attempts < maxAttempts
	default:
		return false
	}
}

// PermanentlyFailed 判断动作是否已超过重试上限
func (a QueuedAction) PermanentlyFailed(maxAttempts int) bool {
	return a.Status == StatusFailed && a.Attempts >= maxAttempts
}

// before 按 createdAt 升序排序，相同时间按 id 排序
func (a QueuedAction) before(b QueuedAction) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ActionStore 持久化的待发送动作账本。所有变更都是按 id 的幂等操作
type ActionStore interface {
	Enqueue(ctx context.Context, action QueuedAction) error
	ListPending(ctx context.Context) iter.Seq2[QueuedAction, error]
	ListFailed(ctx context.Context) ([]QueuedAction, error)
	Get(ctx context.Context, id string) (*QueuedAction, error)
	MarkInFlight(ctx context.Context, id string) error
	MarkAcknowledged(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	Retry(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Recover(ctx context.Context) (int, error)
	Close() error
}

// PushSubscriptionStore 保存推送订阅的原始字节，编解码由 push 包负责
type PushSubscriptionStore interface {
	LoadSubscription(ctx context.Context) ([]byte, error)
	SaveSubscription(ctx context.Context, data []byte) error
	DeleteSubscription(ctx context.Context) error
}
