// Package gamelog holds the human-readable log lines a match produces and
// the verbosity levels that decide which of them a viewer sees.
package gamelog

import (
	"strings"
	"sync"
)

type EntryType string

const (
	GameOutcome    EntryType = "game_outcome"
	MatchResults   EntryType = "match_results"
	Turn           EntryType = "turn"
	Mulligan       EntryType = "mulligan"
	Ante           EntryType = "ante"
	Draft          EntryType = "draft"
	ZoneChange     EntryType = "zone_change"
	PlayerControl  EntryType = "player_control"
	Damage         EntryType = "damage"
	Life           EntryType = "life"
	Land           EntryType = "land"
	Discard        EntryType = "discard"
	Combat         EntryType = "combat"
	Information    EntryType = "information"
	StackResolve   EntryType = "stack_resolve"
	StackAdd       EntryType = "stack_add"
	EffectReplaced EntryType = "effect_replaced"
	Mana           EntryType = "mana"
	Phase          EntryType = "phase"
)

var captions = map[EntryType]string{
	GameOutcome:    "Game Outcome",
	MatchResults:   "Match Result",
	Turn:           "Turn",
	Mulligan:       "Mulligan",
	Ante:           "Ante",
	Draft:          "Draft",
	ZoneChange:     "Zone Change",
	PlayerControl:  "Player Control",
	Damage:         "Damage",
	Life:           "Life",
	Land:           "Land",
	Discard:        "Discard",
	Combat:         "Combat",
	Information:    "Information",
	StackResolve:   "Resolve Stack",
	StackAdd:       "Add To Stack",
	EffectReplaced: "Replacement Effect",
	Mana:           "Mana",
	Phase:          "Phase",
}

// AllTypes lists every entry type in declaration order.
func AllTypes() []EntryType {
	return []EntryType{
		GameOutcome, MatchResults, Turn, Mulligan, Ante, Draft, ZoneChange,
		PlayerControl, Damage, Life, Land, Discard, Combat, Information,
		StackResolve, StackAdd, EffectReplaced, Mana, Phase,
	}
}

func (t EntryType) Caption() string {
	if c, ok := captions[t]; ok {
		return c
	}
	return string(t)
}

type Entry struct {
	Type    EntryType `json:"type"`
	Message string    `json:"message"`
}

func (e Entry) String() string {
	return e.Type.Caption() + ": " + e.Message
}

// Log is an append-only, goroutine-safe list of entries.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
}

func (l *Log) Add(t EntryType, message string) Entry {
	e := Entry{Type: t, Message: message}
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()
	return e
}

// Entries returns the entries visible at verbosity v, oldest first.
func (l *Log) Entries(v Verbosity) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if v.Includes(e.Type) {
			out = append(out, e)
		}
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Verbosity selects which entry types are shown.
type Verbosity string

const (
	Low    Verbosity = "low"
	Medium Verbosity = "medium"
	High   Verbosity = "high"
	// Custom includes nothing by default.
	Custom Verbosity = "custom"
)

var lowTypes = []EntryType{GameOutcome, MatchResults, Turn, Mulligan, Ante, Damage}

var mediumTypes = append(append([]EntryType{}, lowTypes...),
	ZoneChange, Land, Discard, Combat, StackAdd, StackResolve)

func (v Verbosity) Includes(t EntryType) bool {
	switch v {
	case High:
		return true
	case Low:
		return contains(lowTypes, t)
	case Medium:
		return contains(mediumTypes, t)
	default:
		return false
	}
}

func (v Verbosity) Caption() string {
	switch v {
	case Low:
		return "Low"
	case Medium:
		return "Medium"
	case High:
		return "High"
	case Custom:
		return "Custom"
	}
	return string(v)
}

// ParseVerbosity accepts either the level name ("HIGH") or its caption
// ("High"). Anything else falls back to Medium.
func ParseVerbosity(s string) Verbosity {
	for _, v := range []Verbosity{Low, Medium, High, Custom} {
		if strings.EqualFold(s, string(v)) || s == v.Caption() {
			return v
		}
	}
	return Medium
}

func contains(types []EntryType, t EntryType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}
