package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/push"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/syncer"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/tui"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/worker"
)

// app 把各组件组合成界面使用的 tui.Backend
type app struct {
	store       database.ActionStore
	manager     *connection.Manager
	coordinator *syncer.Coordinator
	worker      *worker.Worker
}

func (a *app) Send(ctx context.Context, action database.QueuedAction) error {
	return a.manager.Send(ctx, action)
}

func (a *app) Failed(ctx context.Context) ([]database.QueuedAction, error) {
	return a.store.ListFailed(ctx)
}

func (a *app) Retry(ctx context.Context, id string) error {
	if err := a.store.Retry(ctx, id); err != nil {
		return err
	}
	a.coordinator.Trigger()
	return nil
}

func (a *app) Cancel(ctx context.Context, id string) error {
	return a.store.Cancel(ctx, id)
}

func (a *app) AcceptUpdate(ctx context.Context) error {
	res := a.worker.Dispatch(ctx, worker.Event{
		Type:    worker.EventMessage,
		Payload: []byte(fmt.Sprintf(`{"type":%q}`, worker.MessageSkipWaiting)),
	})
	return res.Err
}

func (a *app) Reconnect(ctx context.Context) error {
	return a.manager.Reconnect(ctx)
}

func (a *app) status() any {
	session := a.manager.Session()
	status := map[string]any{
		"session_id":        session.ID,
		"state":             session.State.String(),
		"reconnect_attempt": session.ReconnectAttempt,
		"last_acked_seq":    session.LastAckedSeq,
	}
	if fs, ok := a.store.(*database.FallbackStore); ok && fs.Degraded() {
		status["degraded"] = fmt.Sprint(fs.Cause())
	}
	return status
}

// 无界面模式下把界面消息写进日志
func logMsg(msg tea.Msg) {
	switch msg := msg.(type) {
	case tui.FrameMsg:
		if msg.Frame.Message != "" {
			logger.InfoF("[%s] %s", msg.Frame.Type, msg.Frame.Message)
		}
	case tui.StateMsg:
		logger.InfoF("Connection %s -> %s (attempt %d)", msg.Change.From, msg.Change.To, msg.Change.Attempt)
	case tui.SyncMsg:
		if msg.Event.Err != nil {
			logger.WarnF("Action %s %s: %v", msg.Event.Action.ID, msg.Event.Type, msg.Event.Err)
		} else {
			logger.InfoF("Action %s %s", msg.Event.Action.ID, msg.Event.Type)
		}
	case tui.DegradedMsg:
		logger.ErrorF("Queue is memory only: %v", msg.Cause)
	case tui.UpdateWaitingMsg:
		logger.InfoF("Version %s installed and waiting, POST /update/accept to activate", msg.Version)
	case tui.UpdateActivatedMsg:
		logger.InfoF("Version %s active", msg.Version)
	}
}

type logNavigator struct{}

func (logNavigator) Focus(context.Context, string) (bool, error) {
	return false, nil
}

func (logNavigator) Open(_ context.Context, url string) error {
	logger.InfoF("Notification opened %s", url)
	return nil
}

type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, n push.Notification) error {
	logger.InfoF("Notification: %s: %s", n.Title, n.Body)
	return nil
}
