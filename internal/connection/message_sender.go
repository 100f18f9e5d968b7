package connection

import (
	"context"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/frame"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

// MessageSender 动作发送接口
type MessageSender interface {
	Send(ctx context.Context, action database.QueuedAction) error
}

// Send 通道为 OPEN 且没有更早的积压时立即发送，否则交给持久队列延后发送。
// 订单不走实时通道，总是入队由同步协调器通过 REST 重放
func (m *Manager) Send(ctx context.Context, action database.QueuedAction) error {
	if err := action.Validate(); err != nil {
		return err
	}
	if action.Kind == database.KindMessage && m.State() == StateOpen && !m.hasBacklog(ctx) {
		err := m.transmit(ctx, action)
		if err == nil {
			return nil
		}
		logger.WarnF("[%s] Fail to send action %s immediately, queued for replay, details: %v", m.opts.SessionID, action.ID, err)
	}
	action.Status = database.StatusPending
	if err := m.store.Enqueue(ctx, action); err != nil {
		return err
	}
	if m.opts.OnEnqueue != nil {
		m.opts.OnEnqueue()
	}
	return nil
}

// Deliver 供同步协调器重放使用，通道不可用时返回 ErrNotOpen
func (m *Manager) Deliver(ctx context.Context, action database.QueuedAction) error {
	if action.Kind != database.KindMessage {
		return ErrUnsupportedKind
	}
	if m.State() != StateOpen {
		return ErrNotOpen
	}
	return m.transmit(ctx, action)
}

func (m *Manager) transmit(ctx context.Context, action database.QueuedAction) error {
	data, err := frame.NewMessageFrame(action.ID, string(action.Payload), action.Context, m.opts.Now())
	if err != nil {
		return err
	}
	if err := m.write(ctx, data); err != nil {
		return err
	}
	m.mu.Lock()
	m.session.LastAckedSeq++
	m.mu.Unlock()
	logger.DebugF("[%s] Sent action %s", m.opts.SessionID, action.ID)
	return nil
}

func (m *Manager) hasBacklog(ctx context.Context) bool {
	for _, err := range m.store.ListPending(ctx) {
		return err == nil
	}
	return false
}
