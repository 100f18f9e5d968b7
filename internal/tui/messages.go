package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/frame"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/push"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/syncer"
)

type FrameMsg struct{ Frame frame.Inbound }

type StateMsg struct{ Change connection.StateChange }

type SyncMsg struct{ Event syncer.Event }

type DegradedMsg struct{ Cause error }

type UpdateWaitingMsg struct{ Version string }

type UpdateActivatedMsg struct{ Version string }

type NotificationMsg struct{ Notification push.Notification }

type NavigateMsg struct{ URL string }

type FailedMsg struct{ Actions []database.QueuedAction }

type sentMsg struct {
	action database.QueuedAction
	err    error
}

type resultMsg struct {
	info string
	err  error
}

// Sender 把消息投递给运行中的 tea.Program
type Sender interface {
	Send(msg tea.Msg)
}

// Navigator 通知点击后在界面中展示目标地址
type Navigator struct {
	Program Sender
}

func (n Navigator) Focus(_ context.Context, url string) (bool, error) {
	n.Program.Send(NavigateMsg{URL: url})
	return true, nil
}

func (n Navigator) Open(ctx context.Context, url string) error {
	_, err := n.Focus(ctx, url)
	return err
}

type Notifier struct {
	Program Sender
}

func (n Notifier) Notify(_ context.Context, notification push.Notification) error {
	n.Program.Send(NotificationMsg{Notification: notification})
	return nil
}
