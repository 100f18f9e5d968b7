// Package tui 聊天客户端的终端界面
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/connection"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/database"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/frame"
	"github.com/life-stream-dev/life-stream-go-offline-client/internal/syncer"
)

// Backend 界面需要的客户端操作
type Backend interface {
	Send(ctx context.Context, action database.QueuedAction) error
	Failed(ctx context.Context) ([]database.QueuedAction, error)
	Retry(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	AcceptUpdate(ctx context.Context) error
	Reconnect(ctx context.Context) error
}

type role int

const (
	roleUser role = iota
	roleAssistant
	roleSystem
)

type delivery int

const (
	deliverySent delivery = iota
	deliveryPending
	deliveryFailed
)

type entry struct {
	role     role
	id       string
	text     string
	delivery delivery
}

const helpText = "/order <json>  /retry [id]  /cancel <id>  /failed  /update  /reconnect  /quit"

type Options struct {
	Title       string
	MaxAttempts int
	Timeout     time.Duration
}

type Model struct {
	backend Backend
	opts    Options
	keys    KeyMap

	input    textinput.Model
	viewport viewport.Model
	ready    bool

	entries     []entry
	suggestions []string
	typing      bool

	state    connection.State
	attempt  int
	delay    time.Duration
	degraded error
	failed   map[string]struct{}
	waiting  string
	active   string
	notice   string
}

func NewModel(backend Backend, opts Options) Model {
	if opts.Title == "" {
		opts.Title = "Coffee Chat"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	ti := textinput.New()
	ti.Placeholder = "Type a message or /help"
	ti.Prompt = "> "
	ti.PromptStyle = PromptStyle
	ti.CharLimit = 2000
	ti.Focus()

	return Model{
		backend: backend,
		opts:    opts,
		keys:    DefaultKeyMap(),
		input:   ti,
		state:   connection.StateIdle,
		failed:  make(map[string]struct{}),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.loadFailed())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := msg.Height - 6
		if height < 1 {
			height = 1
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.input.Width = msg.Width - 4
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Send):
			value := m.input.Value()
			m.input.Reset()
			if strings.TrimSpace(value) == "" {
				return m, nil
			}
			return m.submit(value)
		case key.Matches(msg, m.keys.PageUp), key.Matches(msg, m.keys.PageDown):
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case FrameMsg:
		m.handleFrame(msg.Frame)
		m.refresh()
		return m, nil

	case StateMsg:
		m.state = msg.Change.To
		m.attempt = msg.Change.Attempt
		m.delay = time.Duration(msg.Change.Delay)
		if msg.Change.To == connection.StateOpen {
			m.attempt = 0
			m.delay = 0
		}
		return m, nil

	case SyncMsg:
		m.handleSync(msg.Event)
		m.refresh()
		return m, nil

	case DegradedMsg:
		m.degraded = msg.Cause
		return m, nil

	case UpdateWaitingMsg:
		m.waiting = msg.Version
		return m, nil

	case UpdateActivatedMsg:
		m.active = msg.Version
		if m.waiting == msg.Version {
			m.waiting = ""
		}
		m.system(fmt.Sprintf("now running version %s", msg.Version))
		m.refresh()
		return m, nil

	case NotificationMsg:
		m.system(fmt.Sprintf("notification: %s: %s", msg.Notification.Title, msg.Notification.Body))
		m.refresh()
		return m, nil

	case NavigateMsg:
		m.notice = "opened " + msg.URL
		return m, nil

	case FailedMsg:
		m.failed = make(map[string]struct{}, len(msg.Actions))
		for _, action := range msg.Actions {
			m.failed[action.ID] = struct{}{}
			m.setDelivery(action.ID, deliveryFailed)
		}
		m.refresh()
		return m, nil

	case sentMsg:
		if msg.err != nil {
			m.notice = "send failed: " + msg.err.Error()
			m.setDelivery(msg.action.ID, deliveryFailed)
		}
		m.refresh()
		return m, nil

	case resultMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		} else {
			m.notice = msg.info
		}
		return m, m.loadFailed()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) submit(value string) (tea.Model, tea.Cmd) {
	command, err := ParseCommand(value)
	if err != nil {
		m.notice = err.Error()
		return m, nil
	}
	m.notice = ""

	switch command.Kind {
	case CommandMessage:
		action := database.NewMessageAction(command.Arg, nil)
		state := deliveryPending
		if m.state == connection.StateOpen {
			state = deliverySent
		}
		m.entries = append(m.entries, entry{role: roleUser, id: action.ID, text: command.Arg, delivery: state})
		m.suggestions = nil
		m.refresh()
		return m, m.send(action)
	case CommandOrder:
		action := database.NewOrderAction([]byte(command.Arg))
		m.entries = append(m.entries, entry{role: roleUser, id: action.ID, text: "order " + command.Arg, delivery: deliveryPending})
		m.refresh()
		return m, m.send(action)
	case CommandRetry:
		return m, m.retry(command.Arg)
	case CommandCancel:
		id := command.Arg
		return m, m.call(func(ctx context.Context) (string, error) {
			return "cancelled " + id, m.backend.Cancel(ctx, id)
		})
	case CommandFailed:
		return m, m.loadFailed()
	case CommandUpdate:
		return m, m.call(func(ctx context.Context) (string, error) {
			return "update accepted", m.backend.AcceptUpdate(ctx)
		})
	case CommandReconnect:
		return m, m.call(func(ctx context.Context) (string, error) {
			return "reconnecting", m.backend.Reconnect(ctx)
		})
	case CommandHelp:
		m.system(helpText)
		m.refresh()
		return m, nil
	case CommandQuit:
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleFrame(in frame.Inbound) {
	switch in.Type {
	case frame.ASSISTANT:
		m.typing = false
		m.entries = append(m.entries, entry{role: roleAssistant, text: in.Message})
		m.suggestions = in.Suggestions
	case frame.SYSTEM:
		m.system(in.Message)
	case frame.TYPING:
		m.typing = in.Typing == nil || *in.Typing
	case frame.SESSION_EXPIRED:
		m.system("session expired, use /reconnect to start a new one")
	}
}

func (m *Model) handleSync(ev syncer.Event) {
	switch ev.Type {
	case syncer.EventAcknowledged:
		delete(m.failed, ev.Action.ID)
		m.setDelivery(ev.Action.ID, deliverySent)
	case syncer.EventFailed:
		m.setDelivery(ev.Action.ID, deliveryPending)
	case syncer.EventPermanentlyFailed:
		m.failed[ev.Action.ID] = struct{}{}
		m.setDelivery(ev.Action.ID, deliveryFailed)
	}
}

func (m *Model) setDelivery(id string, d delivery) {
	for i := range m.entries {
		if m.entries[i].id == id {
			m.entries[i].delivery = d
			return
		}
	}
}

func (m *Model) system(text string) {
	m.entries = append(m.entries, entry{role: roleSystem, text: text})
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderEntries())
	m.viewport.GotoBottom()
}

func (m Model) send(action database.QueuedAction) tea.Cmd {
	backend, timeout := m.backend, m.opts.Timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return sentMsg{action: action, err: backend.Send(ctx, action)}
	}
}

func (m Model) call(fn func(ctx context.Context) (string, error)) tea.Cmd {
	timeout := m.opts.Timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		info, err := fn(ctx)
		return resultMsg{info: info, err: err}
	}
}

// retry 不带 id 时重试全部永久失败的动作
func (m Model) retry(id string) tea.Cmd {
	backend := m.backend
	return m.call(func(ctx context.Context) (string, error) {
		if id != "" {
			return "retrying " + id, backend.Retry(ctx, id)
		}
		failed, err := backend.Failed(ctx)
		if err != nil {
			return "", err
		}
		var errs []error
		for _, action := range failed {
			errs = append(errs, backend.Retry(ctx, action.ID))
		}
		return fmt.Sprintf("retrying %d actions", len(failed)), errors.Join(errs...)
	})
}

func (m Model) loadFailed() tea.Cmd {
	backend, timeout := m.backend, m.opts.Timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		failed, err := backend.Failed(ctx)
		if err != nil {
			return resultMsg{err: err}
		}
		return FailedMsg{Actions: failed}
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render(m.opts.Title))
	b.WriteString("\n")
	if m.degraded != nil {
		b.WriteString(BannerStyle.Render("storage unavailable, queued actions are kept in memory only"))
		b.WriteString("\n")
	}
	if m.ready {
		b.WriteString(m.viewport.View())
	} else {
		b.WriteString(m.renderEntries())
	}
	b.WriteString("\n")
	if m.typing {
		b.WriteString(SystemStyle.Render("assistant is typing..."))
		b.WriteString("\n")
	}
	if len(m.suggestions) > 0 {
		b.WriteString(SuggestionStyle.Render("try: " + strings.Join(m.suggestions, " | ")))
		b.WriteString("\n")
	}
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.statusBar())
	return b.String()
}

func (m Model) renderEntries() string {
	lines := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		switch e.role {
		case roleUser:
			line := UserStyle.Render("you: ") + e.text
			switch e.delivery {
			case deliveryPending:
				line += " " + PendingStyle.Render("(queued)")
			case deliveryFailed:
				line += " " + FailedStyle.Render("(failed "+shortID(e.id)+")")
			}
			lines = append(lines, line)
		case roleAssistant:
			lines = append(lines, AssistantStyle.Render("barista: ")+e.text)
		case roleSystem:
			lines = append(lines, SystemStyle.Render(e.text))
		}
	}
	return strings.Join(lines, "\n")
}

func (m Model) statusBar() string {
	state := m.state.String()
	parts := []string{lipgloss.NewStyle().Foreground(stateColors[state]).Render("● " + state)}
	switch m.state {
	case connection.StateReconnecting:
		parts = append(parts, fmt.Sprintf("attempt %d/%d, retry in %s", m.attempt, m.opts.MaxAttempts, m.delay.Round(time.Millisecond)))
	case connection.StateClosed:
		parts = append(parts, FailedStyle.Render("reconnect required (/reconnect)"))
	}
	if n := len(m.failed); n > 0 {
		parts = append(parts, FailedStyle.Render(fmt.Sprintf("%d failed (/retry)", n)))
	}
	if m.waiting != "" {
		parts = append(parts, PendingStyle.Render(fmt.Sprintf("update %s ready (/update)", m.waiting)))
	}
	if m.notice != "" {
		parts = append(parts, m.notice)
	}
	return StatusBarStyle.Render(strings.Join(parts, "  "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
