// Package syncer 在恢复在线或收到后台同步信号时按顺序重放持久队列
package syncer

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
)

type Deliverer interface {
	Deliver(ctx context.Context, action database.QueuedAction) error
}

type DelivererFunc func(ctx context.Context, action database.QueuedAction) error

func (f DelivererFunc) Deliver(ctx context.Context, action database.QueuedAction) error {
	return f(ctx, action)
}

type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, action database.QueuedAction) error
}

// KindDeliverer 消息走实时通道，订单走 REST
type KindDeliverer struct {
	Messages Deliverer
	Orders   OrderSubmitter
}

func (d KindDeliverer) Deliver(ctx context.Context, action database.QueuedAction) error {
	switch action.Kind {
	case database.KindMessage:
		return d.Messages.Deliver(ctx, action)
	case database.KindOrder:
		return d.Orders.SubmitOrder(ctx, action)
	default:
		return fmt.Errorf("%w: %s", database.ErrUnknownKind, action.Kind)
	}
}

type EventType int

const (
	EventAcknowledged EventType = iota
	EventFailed
	EventPermanentlyFailed
	EventDeferred
)

func (t EventType) String() string {
	switch t {
	case EventAcknowledged:
		return "acknowledged"
	case EventFailed:
		return "failed"
	case EventPermanentlyFailed:
		return "permanently-failed"
	case EventDeferred:
		return "deferred"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

type Event struct {
	Type   EventType
	Action database.QueuedAction
	Err    error
}

// Report 一次清扫的结果
type Report struct {
	Delivered         []string
	Deferred          string
	Failed            string
	PermanentlyFailed []string
}

func (r Report) Stopped() bool {
	return r.Deferred != "" || r.Failed != ""
}
