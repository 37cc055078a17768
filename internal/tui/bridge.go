package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tjrbrom/forge/internal/forward"
	"github.com/tjrbrom/forge/internal/lobby"
)

type sender interface {
	Send(msg tea.Msg)
}

// Bridge connects a client to a running program. It is a client.Listener,
// and as a forward.Executor it runs tasks inside the program's Update.
// Calls only queue the message; a loop of its own hands them to the program
// in order, so a busy UI never holds up the caller.
type Bridge struct {
	p    sender
	loop *forward.Loop
}

func NewBridge(p *tea.Program) *Bridge {
	return newBridge(p)
}

func newBridge(p sender) *Bridge {
	return &Bridge{p: p, loop: forward.NewLoop()}
}

func (b *Bridge) send(msg tea.Msg) {
	b.loop.Execute(func() { b.p.Send(msg) })
}

func (b *Bridge) Execute(task func())                     { b.send(taskMsg(task)) }
func (b *Bridge) Message(source, text string)             { b.send(NoticeMsg{Source: source, Text: text}) }
func (b *Bridge) LobbyUpdated(snap lobby.Snapshot, _ int) { b.send(LobbyMsg{Snapshot: snap}) }
func (b *Bridge) Closed()                                 { b.send(ClosedMsg{}) }

// Close waits for queued messages to be handed over. Call it once the
// program has exited, when Send no longer blocks.
func (b *Bridge) Close() {
	b.loop.Stop()
}
