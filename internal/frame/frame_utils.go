package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrEmptyFrame = errors.New("empty frame")

// NewMessageFrame 构造聊天消息帧，context 为空时发送 {}
func NewMessageFrame(id string, message string, context json.RawMessage, now time.Time) ([]byte, error) {
	if len(bytes.TrimSpace(context)) == 0 {
		context = json.RawMessage("{}")
	}
	if !json.Valid(context) {
		return nil, fmt.Errorf("message context is not valid JSON")
	}
	return json.Marshal(Outbound{
		Type:      MESSAGE,
		ID:        id,
		Message:   message,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		Context:   context,
	})
}

func NewPingFrame() []byte {
	return []byte(`{"type":"ping"}`)
}

// ParseInbound 解析服务端帧。未知类型不报错，原样交给订阅者
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if len(bytes.TrimSpace(data)) == 0 {
		return in, ErrEmptyFrame
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("error occured when decoding frame, details: %w", err)
	}
	if in.Type == "" {
		return in, fmt.Errorf("frame has no type")
	}
	in.Raw = bytes.Clone(data)
	return in, nil
}

// ParseOutbound 解析客户端帧，供测试和本地服务使用
func ParseOutbound(data []byte) (Outbound, error) {
	var out Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("error occured when decoding frame, details: %w", err)
	}
	return out, nil
}
