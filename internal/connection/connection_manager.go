package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/frame"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/utils"
)

// Options 连接管理器参数，零值使用默认配置
type Options struct {
	SessionID         string
	MaxAttempts       int
	BaseDelay         time.Duration
	Jitter            float64
	KeepaliveInterval time.Duration
	// Sleep 等待重连延迟，测试中可替换
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time
	// OnEnqueue 动作进入持久队列后调用，用于唤醒同步协调器
	OnEnqueue func()
}

func (o *Options) withDefaults() {
	if o.SessionID == "" {
		o.SessionID = uuid.NewString()
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 30 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Manager 实时通道管理器，每个客户端会话一个
type Manager struct {
	dialer  Dialer
	store   database.ActionStore
	opts    Options
	backoff *backoff.ExponentialBackOff

	mu          sync.Mutex
	session     Session
	transport   Transport
	expectClose bool // 收到 session_expired 之后的关闭视为正常关闭
	closing     bool
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	lastErr     error

	writeMu sync.Mutex

	obsMu          sync.RWMutex
	subscribers    []func(frame.Inbound)
	stateObservers []func(StateChange)
}

// NewManager 创建会话管理器，Start 之前不会建立连接
func NewManager(dialer Dialer, store database.ActionStore, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		dialer:  dialer,
		store:   store,
		opts:    opts,
		backoff: utils.NewBackOff(opts.BaseDelay, opts.Jitter, opts.MaxAttempts),
		session: Session{ID: opts.SessionID, State: StateIdle},
	}
}

// Subscribe 注册入站帧订阅者，按接收顺序在同一个 goroutine 中回调
func (m *Manager) Subscribe(fn func(frame.Inbound)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// OnStateChange 注册状态迁移观察者
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.stateObservers = append(m.stateObservers, fn)
}

// Session 返回会话状态的快照
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// State 当前通道状态
func (m *Manager) State() State {
	return m.Session().State
}

// Err 返回导致 CLOSED 的原因
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Done 在连接循环退出后关闭
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}

func (m *Manager) setState(to State, attempt int, delay time.Duration, err error) {
	m.mu.Lock()
	from := m.session.State
	m.session.State = to
	m.session.ReconnectAttempt = attempt
	if to == StateClosed {
		m.lastErr = err
	}
	m.mu.Unlock()

	if from == to && to != StateReconnecting {
		return
	}
	logger.DebugF("[%s] Channel state %s -> %s (attempt %d)", m.opts.SessionID, from, to, attempt)

	change := StateChange{From: from, To: to, Attempt: attempt, Delay: int64(delay), Err: err}
	m.obsMu.RLock()
	observers := append([]func(StateChange){}, m.stateObservers...)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(change)
	}
}

// Start 首次使用时进入 CONNECTING，连接循环在后台运行直到 CLOSED
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.closing = false
	m.expectClose = false
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go m.run(runCtx, done)
}

// Reconnect 用户在 CLOSED 状态下强制重新连接
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()
	if running {
		return nil
	}
	logger.InfoF("[%s] Reconnect requested by user", m.opts.SessionID)
	m.Start(ctx)
	return nil
}

// Close 正常关闭通道（状态码 1000），进入 CLOSED 并停止重连
func (m *Manager) Close() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	cancel := m.cancel
	transport := m.transport
	done := m.done
	m.mu.Unlock()

	if transport != nil {
		_ = transport.Close(CloseNormal)
	}
	cancel()
	<-done
	return nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(done)
	}()

	m.backoff.Reset()
	attempt := 0
	for {
		m.setState(StateConnecting, attempt, 0, nil)
		transport, err := m.dialer.Dial(ctx, m.opts.SessionID)
		if err == nil {
			attempt = 0
			m.backoff.Reset()
			err = m.serve(ctx, transport)
			if m.normalClosure(err) {
				logger.InfoF("[%s] Channel closed normally", m.opts.SessionID)
				m.setState(StateClosed, 0, 0, fmt.Errorf("%w: %w", ErrChannelTerminated, err))
				return
			}
			logger.WarnF("[%s] Channel lost, details: %v", m.opts.SessionID, err)
		} else {
			logger.WarnF("[%s] Fail to open channel, details: %v", m.opts.SessionID, err)
		}

		if ctx.Err() != nil {
			m.setState(StateClosed, attempt, 0, fmt.Errorf("%w: %w", ErrChannelTerminated, ctx.Err()))
			return
		}

		attempt++
		if attempt > m.opts.MaxAttempts {
			logger.ErrorF("[%s] Reconnect budget of %d attempts exhausted", m.opts.SessionID, m.opts.MaxAttempts)
			m.setState(StateClosed, attempt-1, 0, fmt.Errorf("%w: %d reconnect attempts failed", ErrChannelTerminated, m.opts.MaxAttempts))
			return
		}

		delay := m.backoff.NextBackOff()
		m.setState(StateReconnecting, attempt, delay, err)
		if err := m.opts.Sleep(ctx, delay); err != nil {
			m.setState(StateClosed, attempt, 0, fmt.Errorf("%w: %w", ErrChannelTerminated, err))
			return
		}
	}
}

func (m *Manager) normalClosure(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing || m.expectClose || IsNormalClosure(err)
}

// serve 在 OPEN 状态下运行读循环和保活定时器，返回通道结束的原因
func (m *Manager) serve(ctx context.Context, transport Transport) error {
	m.mu.Lock()
	m.transport = transport
	m.expectClose = false
	m.mu.Unlock()
	m.setState(StateOpen, 0, 0, nil)

	defer func() {
		m.mu.Lock()
		m.transport = nil
		m.mu.Unlock()
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- m.readLoop(transport)
	}()

	ticker := time.NewTicker(m.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-readErr:
			return err
		case <-ticker.C:
			// 保活失败不直接判定断开，以传输层的关闭信号为准
			if err := m.write(ctx, frame.NewPingFrame()); err != nil {
				logger.WarnF("[%s] Fail to send keepalive ping, details: %v", m.opts.SessionID, err)
			}
		case <-ctx.Done():
			_ = transport.Close(CloseNormal)
			<-readErr
			return ctx.Err()
		}
	}
}

func (m *Manager) readLoop(transport Transport) error {
	for {
		data, err := transport.ReadFrame()
		if err != nil {
			return err
		}
		in, err := frame.ParseInbound(data)
		if err != nil {
			logger.WarnF("[%s] Drop malformed frame, details: %v", m.opts.SessionID, err)
			continue
		}
		if in.Type == frame.SESSION_EXPIRED {
			m.mu.Lock()
			m.expectClose = true
			m.mu.Unlock()
		}
		m.obsMu.RLock()
		subscribers := append([]func(frame.Inbound){}, m.subscribers...)
		m.obsMu.RUnlock()
		for _, fn := range subscribers {
			fn(in)
		}
	}
}

// write 串行化写入；写失败时以异常状态码关闭通道，读循环随之结束并进入重连
func (m *Manager) write(ctx context.Context, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	transport := m.transport
	open := m.session.State == StateOpen
	m.mu.Unlock()
	if transport == nil || !open {
		return ErrNotOpen
	}
	if err := transport.WriteFrame(ctx, data); err != nil {
		_ = transport.Close(CloseAbnormal)
		return fmt.Errorf("%w: %w", ErrNotOpen, err)
	}
	return nil
}
