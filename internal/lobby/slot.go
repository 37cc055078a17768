// Package lobby holds the seat layout of a match before and during play.
// The host owns the only mutable copy; everyone else sees snapshots.
package lobby

import "fmt"

type SlotType string

const (
	Open     SlotType = "open"
	Local    SlotType = "local"
	Remote   SlotType = "remote"
	Computer SlotType = "computer"
)

// Occupied reports whether someone (or something) sits in the slot.
func (t SlotType) Occupied() bool {
	return t == Local || t == Remote || t == Computer
}

func (t SlotType) valid() bool {
	return t == Open || t.Occupied()
}

// Slot is one seat. Index never changes once the lobby is created.
type Slot struct {
	Index int      `json:"index"`
	Type  SlotType `json:"type"`
	Name  string   `json:"name,omitempty"`
	Ready bool     `json:"ready"`
	Deck  string   `json:"deck,omitempty"`
}

func (s Slot) String() string {
	return fmt.Sprintf("#%d %s %q ready=%t", s.Index, s.Type, s.Name, s.Ready)
}

// SlotChange is a partial update of a seat's user-editable fields. Nil
// fields are left alone.
type SlotChange struct {
	Name  *string `json:"name,omitempty"`
	Ready *bool   `json:"ready,omitempty"`
	Deck  *string `json:"deck,omitempty"`
}

func (c SlotChange) apply(s *Slot) bool {
	changed := false
	if c.Name != nil && *c.Name != s.Name {
		s.Name = *c.Name
		changed = true
	}
	if c.Ready != nil && *c.Ready != s.Ready {
		s.Ready = *c.Ready
		changed = true
	}
	if c.Deck != nil && *c.Deck != s.Deck {
		s.Deck = *c.Deck
		changed = true
	}
	return changed
}

// Snapshot is an immutable copy of the whole lobby. Receivers replace their
// view with it; they never merge.
type Snapshot struct {
	Version uint64 `json:"version"`
	Started bool   `json:"started"`
	Slots   []Slot `json:"slots"`
}

func (s Snapshot) Slot(i int) (Slot, bool) {
	if i < 0 || i >= len(s.Slots) {
		return Slot{}, false
	}
	return s.Slots[i], true
}

func (s Snapshot) Clone() Snapshot {
	c := s
	c.Slots = append([]Slot(nil), s.Slots...)
	return c
}

// Count returns how many slots have type t.
func (s Snapshot) Count(t SlotType) int {
	n := 0
	for _, slot := range s.Slots {
		if slot.Type == t {
			n++
		}
	}
	return n
}
