package syncer

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/utils"
)

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64
	// Transient 判断投递错误是否只是暂时不可达（如通道未打开）；这类失败不计入尝试次数
	Transient func(error) bool
}

// Coordinator 把持久队列中的动作按顺序重放到服务端
type Coordinator struct {
	store     database.ActionStore
	deliverer Deliverer
	opts      Options
	backoff   *backoff.ExponentialBackOff

	sweepMu sync.Mutex
	trigger chan struct{}

	obsMu     sync.RWMutex
	observers []func(Event)
}

// NewCoordinator 创建同步协调器，重试节奏与重连共用同一退避策略
func NewCoordinator(store database.ActionStore, deliverer Deliverer, opts Options) *Coordinator {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = database.DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Transient == nil {
		opts.Transient = func(error) bool { return false }
	}
	return &Coordinator{
		store:     store,
		deliverer: deliverer,
		opts:      opts,
		backoff:   utils.NewBackOff(opts.BaseDelay, opts.Jitter, opts.MaxAttempts),
		trigger:   make(chan struct{}, 1),
	}
}

// OnEvent 注册投递结果观察者
func (c *Coordinator) OnEvent(fn func(Event)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, fn)
}

func (c *Coordinator) emit(event Event) {
	c.obsMu.RLock()
	observers := slices.Clone(c.observers)
	c.obsMu.RUnlock()
	for _, fn := range observers {
		fn(event)
	}
}

// Trigger 请求一次清扫，多个未处理的请求合并为一个
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Sweep 按入队顺序逐个投递，遇到第一个失败即停止。同一时刻只有一个清扫在运行
func (c *Coordinator) Sweep(ctx context.Context) (Report, error) {
	c.sweepMu.Lock()
	defer c.sweepMu.Unlock()

	var report Report
	for action, err := range c.store.ListPending(ctx) {
		if err != nil {
			return report, err
		}
		if err := c.store.MarkInFlight(ctx, action.ID); err != nil {
			return report, err
		}
		action.Status = database.StatusInFlight

		if err := c.deliverer.Deliver(ctx, action); err != nil {
			return c.handleFailure(ctx, report, action, err)
		}

		if err := c.store.MarkAcknowledged(ctx, action.ID); err != nil {
			return report, err
		}
		action.Status = database.StatusAcknowledged
		report.Delivered = append(report.Delivered, action.ID)
		logger.DebugF("Action %s delivered", action.ID)
		c.emit(Event{Type: EventAcknowledged, Action: action})
	}
	return report, nil
}

func (c *Coordinator) handleFailure(ctx context.Context, report Report, action database.QueuedAction, cause error) (Report, error) {
	storeCtx := context.WithoutCancel(ctx)

	if c.opts.Transient(cause) || errors.Is(cause, context.Canceled) {
		// 撤回为 pending，不消耗重试次数
		if _, err := c.store.Recover(storeCtx); err != nil {
			return report, err
		}
		action.Status = database.StatusPending
		report.Deferred = action.ID
		logger.DebugF("Action %s deferred, details: %v", action.ID, cause)
		c.emit(Event{Type: EventDeferred, Action: action, Err: cause})
		return report, nil
	}

	if err := c.store.MarkFailed(storeCtx, action.ID); err != nil {
		return report, err
	}
	action.Status = database.StatusFailed
	action.Attempts++
	report.Failed = action.ID
	logger.WarnF("Delivery of action %s failed (attempt %d/%d), details: %v", action.ID, action.Attempts, c.opts.MaxAttempts, cause)
	c.emit(Event{Type: EventFailed, Action: action, Err: cause})

	if action.PermanentlyFailed(c.opts.MaxAttempts) {
		report.PermanentlyFailed = append(report.PermanentlyFailed, action.ID)
		logger.ErrorF("Action %s permanently failed after %d attempts", action.ID, action.Attempts)
		c.emit(Event{Type: EventPermanentlyFailed, Action: action, Err: errors.Join(database.ErrActionPermanentlyFailed, cause)})
	}
	return report, nil
}

// Run 处理触发信号直到 ctx 取消。清扫中断后按退避时间自动再试
func (c *Coordinator) Run(ctx context.Context) error {
	if n, err := c.store.Recover(ctx); err != nil {
		logger.ErrorF("Fail to recover in-flight actions, details: %v", err)
	} else if n > 0 {
		logger.InfoF("Recovered %d in-flight actions", n)
	}

	var retry <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	c.Trigger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.trigger:
		case <-retry:
		}

		report, err := c.Sweep(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.ErrorF("Sync sweep aborted, details: %v", err)
		}
		if err == nil && !report.Stopped() {
			c.backoff.Reset()
			retry = nil
			continue
		}

		if timer != nil {
			timer.Stop()
		}
		delay := c.backoff.NextBackOff()
		timer = time.NewTimer(delay)
		retry = timer.C
		logger.DebugF("Next sync sweep in %s", delay)
	}
}
