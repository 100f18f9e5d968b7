// Package api 访问服务端 REST 接口，所有请求都经过缓存路由
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
)

const HeaderIdempotencyKey = "Idempotency-Key"

var ErrUnexpectedStatus = errors.New("unexpected status")

// StatusError 服务端返回了非 2xx 状态
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUnexpectedStatus
}

type QueueStatus struct {
	QueueID            string `json:"queue_id"`
	Status             string `json:"status"`
	Position           int    `json:"position"`
	EstimatedWaitTime  int    `json:"estimated_wait_time"`
	EstimatedReadyTime string `json:"estimated_ready_time,omitempty"`
	PartySize          int    `json:"party_size"`
	TableNumber        *int   `json:"table_number,omitempty"`
	CreatedAt          string `json:"created_at"`
	HasOrder           bool   `json:"has_order"`
}

type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient transport 通常是缓存路由；为 nil 时直连网络。timeout 为 0 表示不设请求超时
func NewClient(baseURL string, transport http.RoundTripper, timeout time.Duration) *Client {
	if timeout < 0 {
		timeout = 0
	}
	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return c.httpClient.Do(req)
}

func checkStatus(method, path string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func (c *Client) call(ctx context.Context, method, path string, body []byte, header http.Header, out any) error {
	resp, err := c.do(ctx, method, path, body, header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(method, path, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// SubmitOrder 重放订单。动作 id 作为幂等键，服务端返回 409 表示已处理过
func (c *Client) SubmitOrder(ctx context.Context, action database.QueuedAction) error {
	if action.Kind != database.KindOrder {
		return fmt.Errorf("%w: %s", database.ErrUnknownKind, action.Kind)
	}
	header := http.Header{HeaderIdempotencyKey: []string{action.ID}}
	err := c.call(ctx, http.MethodPost, "/api/orders", action.Payload, header, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.Code == http.StatusConflict {
		return nil
	}
	return err
}

func (c *Client) Subscribe(ctx context.Context, subscription []byte) error {
	return c.call(ctx, http.MethodPost, "/api/push/subscribe", subscription, nil, nil)
}

func (c *Client) Unsubscribe(ctx context.Context, endpoint string) error {
	body, err := json.Marshal(map[string]string{"endpoint": endpoint})
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodDelete, "/api/push/subscribe", body, nil, nil)
}

func (c *Client) Menu(ctx context.Context) (json.RawMessage, error) {
	var menu json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/menu", nil, nil, &menu); err != nil {
		return nil, err
	}
	return menu, nil
}

func (c *Client) QueueStatus(ctx context.Context, queueID string) (*QueueStatus, error) {
	status := &QueueStatus{}
	if err := c.call(ctx, http.MethodGet, "/api/queue/status/"+url.PathEscape(queueID), nil, nil, status); err != nil {
		return nil, err
	}
	return status, nil
}

// Fetch 原样返回响应，调用方负责关闭 Body
func (c *Client) Fetch(ctx context.Context, method, path string) (*http.Response, error) {
	return c.do(ctx, method, path, nil, nil)
}
