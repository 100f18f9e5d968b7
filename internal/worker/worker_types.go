// Package worker 把后台 worker 的生命周期和请求事件建模为显式的分发表
package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/manifest"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/push"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/syncer"
)

type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventFetch             EventType = "fetch"
	EventPush              EventType = "push"
	EventSync              EventType = "sync"
	EventMessage           EventType = "message"
	EventNotificationClick EventType = "notificationclick"
)

// MessageSkipWaiting 客户端确认更新
const MessageSkipWaiting = "SKIP_WAITING"

var (
	ErrUnknownEvent   = errors.New("unknown worker event")
	ErrUnknownMessage = errors.New("unknown worker message")
	ErrStopped        = errors.New("worker stopped")
)

type Event struct {
	Type EventType
	// install
	Manifest *manifest.Manifest
	// fetch
	Request *http.Request
	// push / message
	Payload []byte
	// sync
	Tag string
	// notificationclick
	Action string
	Data   push.Data
}

// lifecycle 生命周期事件在事件循环上串行处理
func (e Event) lifecycle() bool {
	switch e.Type {
	case EventInstall, EventActivate, EventMessage:
		return true
	default:
		return false
	}
}

type Result struct {
	Response     *http.Response
	Notification *push.Notification
	Intent       push.Intent
	Report       *syncer.Report
	Err          error
}

type Handler func(ctx context.Context, event Event) Result

type Installer interface {
	Install(ctx context.Context, m *manifest.Manifest) error
	Accept(ctx context.Context) error
}

type Sweeper interface {
	Sweep(ctx context.Context) (syncer.Report, error)
}

// Notifier 展示通知
type Notifier interface {
	Notify(ctx context.Context, n push.Notification) error
}
