package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

// maxFrameSize 单帧上限，助手回复可能较长
const maxFrameSize = 1 << 20

// WebsocketDialer 连接 <URL>/<session id>
type WebsocketDialer struct {
	URL    string
	Origin string
	Header http.Header
	Client *http.Client
}

func (d *WebsocketDialer) Dial(ctx context.Context, sessionID string) (Transport, error) {
	target := strings.TrimRight(d.URL, "/") + "/" + url.PathEscape(sessionID)
	origin := d.Origin
	if origin == "" {
		origin = "http://localhost/"
	}
	header := http.Header{}
	if d.Header != nil {
		header = d.Header.Clone()
	}
	header.Set("Origin", origin)

	conn, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: d.Client,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	conn.SetReadLimit(maxFrameSize)
	logger.DebugF("[%s] Websocket connected to %s", sessionID, target)
	return &wsTransport{conn: conn, connID: sessionID}, nil
}

type wsTransport struct {
	conn   *websocket.Conn
	connID string
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.Read(context.Background())
	if err != nil {
		return nil, mapReadError(t.connID, err)
	}
	return data, nil
}

// mapReadError 把对端的关闭帧转换为 CloseError，没有关闭帧的断开视为 1006
func mapReadError(connID string, err error) error {
	if code := websocket.CloseStatus(err); code != -1 {
		var closeErr websocket.CloseError
		errors.As(err, &closeErr)
		logger.InfoF("[%s] Server close connection with code %d", connID, code)
		return &CloseError{Code: int(code), Reason: closeErr.Reason}
	}
	if IsNetClosedError(err) {
		return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
	}
	logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	return &CloseError{Code: CloseAbnormal, Reason: err.Error()}
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func (t *wsTransport) WriteFrame(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

// Close 发送带状态码的关闭帧；异常关闭直接断开底层连接
func (t *wsTransport) Close(code int) error {
	logger.DebugF("[%s] Closing websocket with code %d", t.connID, code)
	if code == CloseAbnormal {
		return t.conn.CloseNow()
	}
	err := t.conn.Close(websocket.StatusCode(code), "")
	if err != nil && !IsNetClosedError(err) && websocket.CloseStatus(err) == -1 {
		return err
	}
	return nil
}
