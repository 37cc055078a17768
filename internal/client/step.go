package client

import (
	"github.com/tjrbrom/forge/internal/lobby"
	"github.com/tjrbrom/forge/internal/protocol"
)

// ViewState is what a client knows about the match it joined.
type ViewState struct {
	Snapshot lobby.Snapshot
	Slot     int
	Synced   bool
}

func initialState() ViewState {
	return ViewState{Slot: -1}
}

// Effect is something the client must do in response to a host message.
type Effect interface {
	effect()
}

type LobbyChanged struct {
	Snapshot lobby.Snapshot
	Slot     int
	Changed  int
}

type ShowMessage struct {
	Source string
	Text   string
}

type Deliver struct {
	Updates []protocol.Update
}

type Ignored struct {
	Kind   protocol.Kind
	Reason string
}

func (LobbyChanged) effect() {}
func (ShowMessage) effect()  {}
func (Deliver) effect()      {}
func (Ignored) effect()      {}

// Step interprets one host message. It has no side effects.
func Step(st ViewState, m protocol.Message) (ViewState, []Effect) {
	switch msg := m.(type) {
	case protocol.LobbyUpdate:
		if st.Synced && msg.Snapshot.Version < st.Snapshot.Version {
			return st, []Effect{Ignored{Kind: m.Kind(), Reason: "stale snapshot"}}
		}
		next := ViewState{Snapshot: msg.Snapshot.Clone(), Slot: msg.Slot, Synced: true}
		return next, []Effect{LobbyChanged{Snapshot: next.Snapshot, Slot: msg.Slot, Changed: msg.Changed}}

	case protocol.Notice:
		return st, []Effect{ShowMessage{Source: msg.Source, Text: msg.Text}}

	case protocol.Batch:
		if len(msg.Updates) == 0 {
			return st, nil
		}
		return st, []Effect{Deliver{Updates: msg.Updates}}
	}
	return st, []Effect{Ignored{Kind: m.Kind(), Reason: "not sent by a host"}}
}
