package tui

import (
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjrbrom/forge/internal/gamelog"
	"github.com/tjrbrom/forge/internal/lobby"
	"github.com/tjrbrom/forge/internal/protocol"
	"github.com/tjrbrom/forge/internal/sim"
)

type fakeClient struct {
	view     *lobby.View
	ready    []bool
	chat     []string
	readyErr error
}

func (c *fakeClient) Username() string  { return "alice" }
func (c *fakeClient) View() *lobby.View { return c.view }
func (c *fakeClient) Chat(text string)  { c.chat = append(c.chat, text) }
func (c *fakeClient) SetReady(ready bool) error {
	c.ready = append(c.ready, ready)
	return c.readyErr
}

func lobbySnapshot(version uint64, aliceReady bool) lobby.Snapshot {
	return lobby.Snapshot{
		Version: version,
		Slots: []lobby.Slot{
			{Index: 0, Type: lobby.Computer, Name: "Computer 1", Ready: true},
			{Index: 1, Type: lobby.Remote, Name: "alice", Ready: aliceReady},
			{Index: 2, Type: lobby.Open},
		},
	}
}

func attached(t *testing.T) (Model, *fakeClient) {
	t.Helper()
	fc := &fakeClient{view: lobby.NewView()}
	fc.view.Apply(lobbySnapshot(1, false), 1)

	var m tea.Model = New()
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m, _ = m.Update(AttachMsg{Client: fc})
	return m.(Model), fc
}

func update(m Model, msg tea.Msg) Model {
	next, _ := m.Update(msg)
	return next.(Model)
}

func press(m Model, keys string) Model {
	return update(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(keys)})
}

func TestViewBeforeSize(t *testing.T) {
	assert.Equal(t, "Initializing...", New().View())
}

func TestAttachShowsLobby(t *testing.T) {
	m, _ := attached(t)
	assert.Equal(t, 1, m.slot)

	v := m.View()
	assert.Contains(t, v, "Connected")
	assert.Contains(t, v, "alice in slot 2")
	assert.Contains(t, v, "Computer 1")
	assert.Contains(t, v, "Waiting for the match to start")
}

func TestStaleLobbyIgnored(t *testing.T) {
	m, _ := attached(t)
	m = update(m, LobbyMsg{Snapshot: lobbySnapshot(5, true)})
	assert.True(t, m.ready())

	m = update(m, LobbyMsg{Snapshot: lobbySnapshot(4, false)})
	assert.True(t, m.ready())
	assert.Equal(t, uint64(5), m.snap.Version)
}

func TestReadyToggles(t *testing.T) {
	m, fc := attached(t)
	m = press(m, "r")
	m = update(m, LobbyMsg{Snapshot: lobbySnapshot(2, true)})
	m = press(m, "r")
	assert.Equal(t, []bool{true, false}, fc.ready)

	fc.readyErr = errors.New("client has no seat")
	m = press(m, "r")
	assert.Contains(t, m.View(), "client has no seat")
}

func TestChat(t *testing.T) {
	m, fc := attached(t)
	m = press(m, "c")
	require.True(t, m.chatting)

	m = press(m, "gg")
	m = update(m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.False(t, m.chatting)
	assert.Equal(t, []string{"gg"}, fc.chat)

	// Escape discards the line.
	m = press(m, "c")
	m = press(m, "oops")
	m = update(m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.False(t, m.chatting)
	assert.Len(t, fc.chat, 1)
}

func TestNoticesAreCapped(t *testing.T) {
	m, _ := attached(t)
	for i := 0; i < maxNotices+3; i++ {
		m = update(m, NoticeMsg{Source: "bob", Text: strings.Repeat("x", i+1)})
	}
	assert.Len(t, m.notices, maxNotices)
	assert.Equal(t, "bob: xxxxxxxx", m.notices[maxNotices-1])
}

func TestClosedShowsDisconnected(t *testing.T) {
	m, _ := attached(t)
	m = update(m, ClosedMsg{})
	assert.Contains(t, m.View(), "DISCONNECTED")
}

func matchUpdates() []protocol.Update {
	turn := gamelog.Entry{Type: gamelog.Turn, Message: "Turn 1 (alice)"}
	info := gamelog.Entry{Type: gamelog.Information, Message: "alice did not move in time"}
	return []protocol.Update{
		{Seq: 1, Type: sim.UpdateStart, Slot: -1, Values: map[string]int{"target": 3, "players": 2}},
		{Seq: 2, Type: sim.UpdateTurn, Turn: 1, Slot: 1, Text: "alice"},
		{Seq: 3, Type: sim.UpdateLog, Turn: 1, Slot: 1, Log: &turn},
		{Seq: 4, Type: sim.UpdateLog, Turn: 1, Slot: 1, Log: &info},
		{Seq: 5, Type: sim.UpdateMove, Turn: 1, Slot: 1, Values: map[string]int{"step": 3, "position": 3}},
	}
}

func TestBoardDeliveredThroughTasks(t *testing.T) {
	m, _ := attached(t)
	m = update(m, taskMsg(func() { m.Board().Deliver(matchUpdates()) }))

	v := m.View()
	assert.Contains(t, v, "RACE to 3")
	assert.Contains(t, v, "Turn: Turn 1 (alice)")
	assert.NotContains(t, v, "did not move")

	m = press(m, "v") // medium -> high
	assert.Contains(t, m.View(), "Information: alice did not move in time")
}

func TestBoardAnimationSettles(t *testing.T) {
	b := NewBoard()
	b.Deliver(matchUpdates())

	require.True(t, b.Animate())
	for i := 0; i < 10*frameRate; i++ {
		if !b.Animate() {
			break
		}
	}
	assert.False(t, b.Animate())
	assert.InDelta(t, 3.0, b.bars[1].pos, 0.01)
}

func TestBoardSummary(t *testing.T) {
	b := NewBoard()
	b.style = "notty"
	b.Deliver(matchUpdates())
	b.Deliver([]protocol.Update{{Seq: 6, Type: sim.UpdateFinish, Turn: 1, Slot: 1, Text: "alice has won"}})

	require.True(t, b.Finished())
	assert.Contains(t, b.Summary(), "Match over")
	assert.Contains(t, b.Summary(), "alice has won after 1 turns")
}
