// Package tui is a terminal viewer for a forge client: the lobby, the race
// and the chat.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tjrbrom/forge/internal/gamelog"
	"github.com/tjrbrom/forge/internal/lobby"
)

const maxNotices = 5

// Client is the part of client.Client the viewer drives.
type Client interface {
	Username() string
	View() *lobby.View
	SetReady(ready bool) error
	Chat(text string)
}

// Messages fed to the program by Bridge.
type (
	AttachMsg struct{ Client Client }
	LobbyMsg  struct{ Snapshot lobby.Snapshot }
	NoticeMsg struct{ Source, Text string }
	ClosedMsg struct{}
	ErrMsg    struct{ Err error }

	taskMsg  func()
	frameMsg time.Time
)

// Model is the root Bubble Tea model.
type Model struct {
	client Client
	board  *Board
	keys   KeyMap
	input  textinput.Model

	width  int
	height int

	snap      lobby.Snapshot
	slot      int
	connected bool
	err       error
	notices   []string
	chatting  bool
	verbosity gamelog.Verbosity
}

func New() Model {
	in := textinput.New()
	in.Placeholder = "say something"
	in.CharLimit = 200
	return Model{
		board:     NewBoard(),
		keys:      DefaultKeyMap(),
		input:     in,
		slot:      -1,
		verbosity: gamelog.Medium,
	}
}

// Board is the consumer match updates should be delivered to.
func (m Model) Board() *Board { return m.board }

func (m Model) Init() tea.Cmd {
	return frame()
}

func frame() tea.Cmd {
	return tea.Tick(time.Second/frameRate, func(t time.Time) tea.Msg { return frameMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.input.Width = max(10, msg.Width-6)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case AttachMsg:
		m.client = msg.Client
		m.connected = true
		m.syncLobby(msg.Client.View().Snapshot())
		return m, nil

	case LobbyMsg:
		m.syncLobby(msg.Snapshot)
		return m, nil

	case NoticeMsg:
		m.notice(msg.Source, msg.Text)
		return m, nil

	case ClosedMsg:
		m.connected = false
		return m, nil

	case ErrMsg:
		m.err = msg.Err
		return m, nil

	case taskMsg:
		msg()
		return m, nil

	case frameMsg:
		m.board.Animate()
		return m, frame()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) syncLobby(snap lobby.Snapshot) {
	if snap.Version < m.snap.Version {
		return
	}
	m.snap = snap
	if m.client != nil {
		m.slot = m.client.View().LocalSlot()
	}
}

func (m *Model) notice(source, text string) {
	line := text
	if source != "" {
		line = source + ": " + text
	}
	m.notices = append(m.notices, line)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}

func (m Model) ready() bool {
	s, ok := m.snap.Slot(m.slot)
	return ok && s.Ready
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.chatting {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.chatting = false
			m.input.Blur()
			m.input.Reset()
			return m, nil
		case key.Matches(msg, m.keys.Send):
			if text := strings.TrimSpace(m.input.Value()); text != "" && m.client != nil {
				m.client.Chat(text)
			}
			m.chatting = false
			m.input.Blur()
			m.input.Reset()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Ready):
		if m.client == nil {
			return m, nil
		}
		if err := m.client.SetReady(!m.ready()); err != nil {
			m.notice("", err.Error())
		}
		return m, nil

	case key.Matches(msg, m.keys.Chat):
		m.chatting = true
		cmd := m.input.Focus()
		return m, cmd

	case key.Matches(msg, m.keys.Verbosity):
		switch m.verbosity {
		case gamelog.Low:
			m.verbosity = gamelog.Medium
		case gamelog.Medium:
			m.verbosity = gamelog.High
		default:
			m.verbosity = gamelog.Low
		}
		return m, nil
	}
	return m, nil
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	sections := []string{m.statusView(), m.lobbyView()}
	if m.board.Finished() {
		sections = append(sections, m.board.Summary())
	} else {
		sections = append(sections, m.board.View(m.verbosity))
	}
	sections = append(sections, m.noticeView())
	if m.chatting {
		sections = append(sections, m.input.View())
	} else {
		sections = append(sections, m.helpView())
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) statusView() string {
	var conn string
	switch {
	case m.err != nil:
		conn = lipgloss.NewStyle().Foreground(ColorDanger).Render("✗ " + m.err.Error())
	case m.connected:
		conn = lipgloss.NewStyle().Foreground(ColorHealthy).Render("● Connected")
	case m.client != nil:
		conn = lipgloss.NewStyle().Foreground(ColorDanger).Render("○ DISCONNECTED")
	default:
		conn = lipgloss.NewStyle().Foreground(ColorWarning).Render("○ Connecting...")
	}

	content := conn
	if m.client != nil {
		sep := lipgloss.NewStyle().Foreground(ColorBorder).Render(" | ")
		content += sep + m.client.Username()
		if m.slot >= 0 {
			content += fmt.Sprintf(" in slot %d", m.slot+1)
		} else {
			content += " watching"
		}
	}

	return lipgloss.NewStyle().
		Width(max(40, m.width-2)).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(ColorBorder).
		Render(content)
}

func (m Model) lobbyView() string {
	title := "LOBBY"
	if m.snap.Started {
		title = "LOBBY (match running)"
	}
	lines := []string{StyleHeader.Render(title)}
	for _, s := range m.snap.Slots {
		prefix := "  "
		if s.Index == m.slot {
			prefix = "> "
		}
		ready := StyleDimmed.Render("not ready")
		if s.Ready {
			ready = lipgloss.NewStyle().Foreground(ColorHealthy).Render("ready")
		}
		name := s.Name
		if s.Type == lobby.Open {
			name, ready = StyleDimmed.Render("open"), ""
		}
		glyph := lipgloss.NewStyle().Foreground(SlotColor(s.Type)).Render(slotGlyph(s.Type))
		lines = append(lines, fmt.Sprintf("%s%s %d %-16s %s", prefix, glyph, s.Index+1, name, ready))
	}
	return StyleBorder.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (m Model) noticeView() string {
	if len(m.notices) == 0 {
		return ""
	}
	return StyleDimmed.Render(strings.Join(m.notices, "\n"))
}

func (m Model) helpView() string {
	parts := make([]string, 0, 4)
	for _, b := range m.keys.help() {
		h := b.Help()
		parts = append(parts, h.Key+":"+h.Desc)
	}
	return StyleDimmed.Render("  " + strings.Join(parts, "  "))
}
