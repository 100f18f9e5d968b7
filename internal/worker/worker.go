package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/push"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/update"
)

// Deps worker 处理器需要的组件
type Deps struct {
	Installer Installer
	Sweeper   Sweeper
	Fetcher   http.RoundTripper
	Notifier  Notifier
	Navigator push.Navigator
}

type envelope struct {
	ctx   context.Context
	event Event
	reply chan Result
}

type Worker struct {
	handlers map[EventType]Handler
	queue    chan envelope
	limit    int
}

// New 按依赖构建事件分发表
func New(deps Deps) *Worker {
	w := &Worker{
		queue: make(chan envelope, 64),
		limit: 16,
	}
	w.handlers = map[EventType]Handler{
		EventInstall:           w.installHandler(deps.Installer),
		EventActivate:          w.activateHandler(deps.Installer),
		EventFetch:             fetchHandler(deps.Fetcher),
		EventPush:              pushHandler(deps.Notifier),
		EventSync:              syncHandler(deps.Sweeper),
		EventMessage:           w.messageHandler(deps.Installer),
		EventNotificationClick: clickHandler(deps.Navigator),
	}
	return w
}

// Handle 替换分发表中的处理器
func (w *Worker) Handle(t EventType, h Handler) {
	w.handlers[t] = h
}

// Dispatch 同步处理一个事件
func (w *Worker) Dispatch(ctx context.Context, event Event) Result {
	handler, ok := w.handlers[event.Type]
	if !ok || handler == nil {
		return Result{Err: fmt.Errorf("%w: %q", ErrUnknownEvent, event.Type)}
	}
	logger.DebugF("Worker event %s", event.Type)
	return handler(ctx, event)
}

// Post 把事件交给事件循环，结果从返回的 channel 读取
func (w *Worker) Post(ctx context.Context, event Event) <-chan Result {
	reply := make(chan Result, 1)
	select {
	case w.queue <- envelope{ctx: ctx, event: event, reply: reply}:
	case <-ctx.Done():
		reply <- Result{Err: ctx.Err()}
	}
	return reply
}

// Run 事件循环：生命周期事件串行处理，其它事件并发处理
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.limit)
	defer func() {
		_ = g.Wait()
	}()

	for {
		select {
		case <-gctx.Done():
			w.drain()
			return ctx.Err()
		case env := <-w.queue:
			if env.event.lifecycle() {
				env.reply <- w.Dispatch(env.ctx, env.event)
				continue
			}
			g.Go(func() error {
				env.reply <- w.Dispatch(env.ctx, env.event)
				return nil
			})
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case env := <-w.queue:
			env.reply <- Result{Err: ErrStopped}
		default:
			return
		}
	}
}

func (w *Worker) installHandler(installer Installer) Handler {
	return func(ctx context.Context, event Event) Result {
		if event.Manifest == nil {
			return Result{Err: errors.New("install event without manifest")}
		}
		return Result{Err: installer.Install(ctx, event.Manifest)}
	}
}

func (w *Worker) activateHandler(installer Installer) Handler {
	return func(ctx context.Context, _ Event) Result {
		err := installer.Accept(ctx)
		if errors.Is(err, update.ErrNoUpdate) {
			err = nil
		}
		return Result{Err: err}
	}
}

type workerMessage struct {
	Type string `json:"type"`
}

func (w *Worker) messageHandler(installer Installer) Handler {
	return func(ctx context.Context, event Event) Result {
		var msg workerMessage
		if err := json.Unmarshal(event.Payload, &msg); err != nil {
			return Result{Err: fmt.Errorf("%w: %w", ErrUnknownMessage, err)}
		}
		switch msg.Type {
		case MessageSkipWaiting:
			logger.Info("Client requested skip waiting")
			return Result{Err: installer.Accept(ctx)}
		default:
			return Result{Err: fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)}
		}
	}
}

func fetchHandler(fetcher http.RoundTripper) Handler {
	return func(ctx context.Context, event Event) Result {
		if event.Request == nil {
			return Result{Err: errors.New("fetch event without request")}
		}
		resp, err := fetcher.RoundTrip(event.Request.WithContext(ctx))
		return Result{Response: resp, Err: err}
	}
}

func pushHandler(notifier Notifier) Handler {
	return func(ctx context.Context, event Event) Result {
		n, err := push.ParseNotification(event.Payload)
		if err != nil {
			return Result{Err: err}
		}
		if err := notifier.Notify(ctx, n); err != nil {
			return Result{Err: err}
		}
		return Result{Notification: &n}
	}
}

func syncHandler(sweeper Sweeper) Handler {
	return func(ctx context.Context, event Event) Result {
		logger.DebugF("Background sync %q", event.Tag)
		report, err := sweeper.Sweep(ctx)
		return Result{Report: &report, Err: err}
	}
}

func clickHandler(nav push.Navigator) Handler {
	return func(ctx context.Context, event Event) Result {
		intent := push.Route(event.Action, event.Data)
		return Result{Intent: intent, Err: push.Dispatch(ctx, nav, intent)}
	}
}
