package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

// Registrar 每个安装实例维护一个订阅：缺失或过期时重新订阅并注册到服务端
type Registrar struct {
	store   database.PushSubscriptionStore
	service Service
	server  Server
	vapid   string
	now     func() time.Time
}

func NewRegistrar(store database.PushSubscriptionStore, service Service, server Server, vapidPublicKey string) *Registrar {
	return &Registrar{store: store, service: service, server: server, vapid: vapidPublicKey, now: time.Now}
}

func (r *Registrar) load(ctx context.Context) (*Subscription, error) {
	data, err := r.store.LoadSubscription(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var sub Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		logger.WarnF("Stored push subscription is corrupt, details: %v", err)
		return nil, nil
	}
	return &sub, nil
}

func (r *Registrar) Current(ctx context.Context) (*Subscription, error) {
	return r.load(ctx)
}

// Ensure 返回有效订阅，必要时向平台重新申请
func (r *Registrar) Ensure(ctx context.Context) (Subscription, error) {
	current, err := r.load(ctx)
	if err != nil {
		return Subscription{}, err
	}
	if current != nil && current.Validate() == nil && !current.Expired(r.now()) {
		return *current, nil
	}
	if current != nil {
		logger.InfoF("Push subscription %s is no longer valid, refreshing", current.Endpoint)
	}
	return r.subscribe(ctx)
}

// Refresh 平台通知订阅失效时调用
func (r *Registrar) Refresh(ctx context.Context) (Subscription, error) {
	if err := r.store.DeleteSubscription(ctx); err != nil {
		return Subscription{}, err
	}
	return r.subscribe(ctx)
}

func (r *Registrar) subscribe(ctx context.Context) (Subscription, error) {
	sub, err := r.service.Subscribe(ctx, r.vapid)
	if err != nil {
		return Subscription{}, fmt.Errorf("subscribe to push service: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return Subscription{}, err
	}
	public, err := json.Marshal(sub.Public())
	if err != nil {
		return Subscription{}, err
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return Subscription{}, err
	}
	if err := r.server.Subscribe(ctx, public); err != nil {
		return Subscription{}, fmt.Errorf("register push subscription: %w", err)
	}
	if err := r.store.SaveSubscription(ctx, data); err != nil {
		return Subscription{}, err
	}
	logger.InfoF("Push subscription registered: %s", sub.Endpoint)
	return sub, nil
}

// Open 用当前订阅的密钥解密一条 aes128gcm 推送消息
func (r *Registrar) Open(ctx context.Context, body []byte) ([]byte, error) {
	current, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNotSubscribed
	}
	return current.Decrypt(body)
}

func (r *Registrar) Unsubscribe(ctx context.Context) error {
	current, err := r.load(ctx)
	if err != nil {
		return err
	}
	if current == nil {
		return ErrNotSubscribed
	}
	var errs []error
	if err := r.service.Unsubscribe(ctx, current.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("push service: %w", err))
	}
	if err := r.server.Unsubscribe(ctx, current.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := r.store.DeleteSubscription(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		logger.InfoF("Push subscription %s removed", current.Endpoint)
	}
	return errors.Join(errs...)
}
