// Package connection 管理与服务端的实时通道：生命周期、重连、保活和消息发送
package connection

import (
	"context"
	"errors"
	"fmt"
)

// State 通道状态
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateClosed
)

var stateNames = map[State]string{
	StateIdle:         "IDLE",
	StateConnecting:   "CONNECTING",
	StateOpen:         "OPEN",
	StateReconnecting: "RECONNECTING",
	StateClosed:       "CLOSED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	CloseNormal   = 1000
	CloseAbnormal = 1006
)

var (
	// ErrNotOpen 通道当前不可用，属于可恢复的网络错误
	ErrNotOpen = errors.New("realtime channel is not open")
	// ErrChannelTerminated 正常关闭或重连次数耗尽，需要用户手动重连
	ErrChannelTerminated = errors.New("realtime channel terminated")
	ErrUnsupportedKind   = errors.New("action kind cannot be sent over the realtime channel")
)

// CloseError 通道关闭时的状态码
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("channel closed with code %d", e.Code)
	}
	return fmt.Sprintf("channel closed with code %d: %s", e.Code, e.Reason)
}

// IsNormalClosure 判断错误是否为状态码 1000 的正常关闭
func IsNormalClosure(err error) bool {
	var closeErr *CloseError
	return errors.As(err, &closeErr) && closeErr.Code == CloseNormal
}

// Transport 已建立的双向通道
type Transport interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close(code int) error
}

// Dialer 按会话 id 建立通道
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Transport, error)
}

// Session 每个客户端实例一个，只由 Manager 修改
type Session struct {
	ID               string
	State            State
	ReconnectAttempt int
	LastAckedSeq     uint64
}

// StateChange 通知给观察者的状态迁移
type StateChange struct {
	From    State
	To      State
	Attempt int
	Delay   int64 // 下一次重连前的等待（纳秒），仅 RECONNECTING 有值
	Err     error
}
