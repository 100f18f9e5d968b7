package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const defaultTitle = "New message"

// ParseNotification 解析推送负载 {body, data:{url, action}}，并附加查看和忽略两个按钮
func ParseNotification(payload []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(n.Body) == "" {
		return Notification{}, fmt.Errorf("%w: body is empty", ErrInvalidPayload)
	}
	if n.Title == "" {
		n.Title = defaultTitle
	}
	n.Actions = []Action{
		{Action: ActionView, Title: "View"},
		{Action: ActionDismiss, Title: "Dismiss"},
	}
	return n, nil
}

// Route 纯函数：由点击的按钮和通知数据决定导航目标。
// 只接受站内路径，其它地址一律回到首页
func Route(action string, data Data) Intent {
	if action == ActionDismiss {
		return Intent{Kind: IntentNone}
	}
	return Intent{Kind: IntentNavigate, URL: sanitizePath(data.URL)}
}

func sanitizePath(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host != "" || u.Scheme != "" {
		return "/"
	}
	return u.RequestURI()
}

// Dispatch 执行意图
func Dispatch(ctx context.Context, nav Navigator, intent Intent) error {
	if intent.Kind == IntentNone {
		return nil
	}
	focused, err := nav.Focus(ctx, intent.URL)
	if err != nil {
		return err
	}
	if focused {
		return nil
	}
	return nav.Open(ctx, intent.URL)
}
