// Package push 管理推送订阅并把通知点击转换为导航意图
package push

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidSubscription = errors.New("invalid push subscription")
	ErrNotSubscribed       = errors.New("no push subscription")
	ErrInvalidPayload      = errors.New("invalid notification payload")
)

type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

type Subscription struct {
	Endpoint       string     `json:"endpoint"`
	Keys           Keys       `json:"keys"`
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
	// PrivateKey 本机 P-256 私钥，只保存在本地，用于解密推送消息
	PrivateKey string `json:"privateKey,omitempty"`
}

// Public 返回去掉私钥的副本，注册到服务端时使用
func (s Subscription) Public() Subscription {
	s.PrivateKey = ""
	return s
}

func (s Subscription) Validate() error {
	if s.Endpoint == "" || s.Keys.P256dh == "" || s.Keys.Auth == "" {
		return ErrInvalidSubscription
	}
	return nil
}

func (s Subscription) Expired(now time.Time) bool {
	return s.ExpirationTime != nil && !now.Before(*s.ExpirationTime)
}

// Service 平台推送通道
type Service interface {
	Subscribe(ctx context.Context, applicationServerKey string) (Subscription, error)
	Unsubscribe(ctx context.Context, endpoint string) error
}

// Server 服务端订阅注册接口
type Server interface {
	Subscribe(ctx context.Context, subscription []byte) error
	Unsubscribe(ctx context.Context, endpoint string) error
}

const (
	ActionView    = "view"
	ActionDismiss = "dismiss"
)

type Data struct {
	URL    string `json:"url"`
	Action string `json:"action"`
}

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

type Notification struct {
	Title   string   `json:"title"`
	Body    string   `json:"body"`
	Data    Data     `json:"data"`
	Actions []Action `json:"actions"`
}

type IntentKind int

const (
	IntentNone IntentKind = iota
	IntentNavigate
)

// Intent 点击通知后的导航目标
type Intent struct {
	Kind IntentKind
	URL  string
}

// Navigator 执行导航副作用：优先聚焦已打开的客户端，否则新开一个
type Navigator interface {
	Focus(ctx context.Context, url string) (bool, error)
	Open(ctx context.Context, url string) error
}
