package tui

import "github.com/charmbracelet/lipgloss"

var (
	ColorFgPrimary = lipgloss.Color("#ABB2BF")
	ColorFgMuted   = lipgloss.Color("#636B78")
	ColorRed       = lipgloss.Color("#E06C75")
	ColorGreen     = lipgloss.Color("#98C379")
	ColorYellow    = lipgloss.Color("#E5C07B")
	ColorBlue      = lipgloss.Color("#61AFEF")
	ColorMagenta   = lipgloss.Color("#C678DD")
	ColorCyan      = lipgloss.Color("#56B6C2")
	ColorBorder    = lipgloss.Color("#3F4451")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorMagenta).
			Bold(true).
			PaddingLeft(1)

	UserStyle = lipgloss.NewStyle().
			Foreground(ColorBlue).
			Bold(true)

	AssistantStyle = lipgloss.NewStyle().
			Foreground(ColorGreen).
			Bold(true)

	SystemStyle = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			Italic(true)

	SuggestionStyle = lipgloss.NewStyle().
			Foreground(ColorCyan)

	PendingStyle = lipgloss.NewStyle().
			Foreground(ColorYellow)

	FailedStyle = lipgloss.NewStyle().
			Foreground(ColorRed)

	StatusBarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(ColorBorder).
			Foreground(ColorFgPrimary).
			PaddingLeft(1)

	BannerStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)

	PromptStyle = lipgloss.NewStyle().
			Foreground(ColorMagenta).
			Bold(true)
)

var stateColors = map[string]lipgloss.Color{
	"IDLE":         ColorFgMuted,
	"CONNECTING":   ColorYellow,
	"OPEN":         ColorGreen,
	"RECONNECTING": ColorYellow,
	"CLOSED":       ColorRed,
}
