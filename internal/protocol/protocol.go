// Package protocol defines the closed set of messages exchanged between a
// host and its clients, and the codecs that frame them on the wire.
package protocol

import (
	"github.com/tjrbrom/forge/internal/gamelog"
	"github.com/tjrbrom/forge/internal/lobby"
)

type Kind string

const (
	KindLogin       Kind = "login"
	KindHeartbeat   Kind = "heartbeat"
	KindLobbyUpdate Kind = "lobby_update"
	KindUpdateSlot  Kind = "update_slot"
	KindNotice      Kind = "notice"
	KindRequest     Kind = "request"
	KindReply       Kind = "reply"
	KindBatch       Kind = "batch"
)

// Message is implemented by every variant below. The set is closed: decoding
// a kind not listed here fails with ErrUnknownKind.
type Message interface {
	Kind() Kind
}

// Identifiable messages carry a correlation id pairing a request with its
// reply. The id only has meaning within one connection.
type Identifiable interface {
	Message
	CorrelationID() string
}

// Login is sent by a client once its session is established.
type Login struct {
	Username string `json:"username"`
	Avatar   int    `json:"avatar,omitempty"`
}

// Heartbeat carries no payload and is never replied to.
type Heartbeat struct{}

// LobbyUpdate replaces the recipient's lobby view. Slot is the recipient's own
// seat (-1 if it has none) and Changed the seat whose mutation produced it.
type LobbyUpdate struct {
	Snapshot lobby.Snapshot `json:"snapshot"`
	Slot     int            `json:"slot"`
	Changed  int            `json:"changed"`
}

// UpdateSlot asks the host to change the sender's own seat.
type UpdateSlot struct {
	Change lobby.SlotChange `json:"change"`
}

// Notice is a chat line or a host announcement. Source is empty for host
// announcements.
type Notice struct {
	Source string `json:"source,omitempty"`
	Text   string `json:"text"`
}

type Request struct {
	ID     string `json:"-"`
	Method string `json:"method"`
	Args   Raw    `json:"args,omitempty"`
}

type Reply struct {
	ID    string `json:"-"`
	Value Raw    `json:"value,omitempty"`
	Err   string `json:"err,omitempty"`
}

// Batch is an ordered group of simulation updates.
type Batch struct {
	Updates []Update `json:"updates"`
}

// Update is one opaque state change produced by the simulation.
type Update struct {
	Seq    uint64         `json:"seq"`
	Type   string         `json:"type"`
	Turn   int            `json:"turn,omitempty"`
	Slot   int            `json:"slot"`
	Text   string         `json:"text,omitempty"`
	Values map[string]int `json:"values,omitempty"`
	Log    *gamelog.Entry `json:"log,omitempty"`
}

func (Login) Kind() Kind       { return KindLogin }
func (Heartbeat) Kind() Kind   { return KindHeartbeat }
func (LobbyUpdate) Kind() Kind { return KindLobbyUpdate }
func (UpdateSlot) Kind() Kind  { return KindUpdateSlot }
func (Notice) Kind() Kind      { return KindNotice }
func (Request) Kind() Kind     { return KindRequest }
func (Reply) Kind() Kind       { return KindReply }
func (Batch) Kind() Kind       { return KindBatch }

func (r Request) CorrelationID() string { return r.ID }
func (r Reply) CorrelationID() string   { return r.ID }

func (r Request) withCorrelationID(id string) Message {
	r.ID = id
	return r
}

func (r Reply) withCorrelationID(id string) Message {
	r.ID = id
	return r
}

type correlated interface {
	withCorrelationID(id string) Message
}

func (u Update) String() string {
	if u.Text != "" {
		return u.Type + ": " + u.Text
	}
	return u.Type
}
