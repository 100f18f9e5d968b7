// Package frame 定义实时通道上的 JSON 帧格式
package frame

import (
	"encoding/json"
	"time"
)

// Type 帧类型
type Type string

const (
	// 客户端发出
	MESSAGE Type = "message"
	PING    Type = "ping"

	// 服务端发出
	ASSISTANT       Type = "assistant"
	SYSTEM          Type = "system"
	TYPING          Type = "typing"
	PONG            Type = "pong"
	SESSION_EXPIRED Type = "session_expired"
)

var inboundTypes = map[Type]struct{}{
	ASSISTANT:       {},
	SYSTEM:          {},
	TYPING:          {},
	PONG:            {},
	SESSION_EXPIRED: {},
}

// Known 判断是否为已知的入站帧类型
func (t Type) Known() bool {
	_, ok := inboundTypes[t]
	return ok
}

// Outbound 客户端发出的帧
type Outbound struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id,omitempty"`
	Message   string          `json:"message,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// Inbound 服务端发来的帧，未知字段保留在 Raw 中
type Inbound struct {
	Type        Type            `json:"type"`
	Message     string          `json:"message,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	Typing      *bool           `json:"typing,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
	Raw         []byte          `json:"-"`
}

// Time 解析帧时间戳，无法解析时返回零值
func (in Inbound) Time() time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, in.Timestamp); err == nil {
			return t
		}
	}
	return time.Time{}
}
