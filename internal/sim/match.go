// Package sim is a small turn-based race used to drive the protocol: each
// player in turn advances by 1..MaxStep and the first to reach Target wins.
// The host runs it; clients only see the updates it emits.
package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tjrbrom/forge/internal/gamelog"
	"github.com/tjrbrom/forge/internal/protocol"
)

var (
	ErrInvalidMove = errors.New("invalid move")
	ErrNoPlayers   = errors.New("match needs at least two players")
)

// Update types emitted by a match.
const (
	UpdateStart  = "start"
	UpdateTurn   = "turn"
	UpdateMove   = "move"
	UpdateLog    = "log"
	UpdateFinish = "finish"
)

// MoveState is what a controller is shown when asked for a move. Index is
// the mover's entry in Positions.
type MoveState struct {
	Turn      int   `json:"turn"`
	Slot      int   `json:"slot"`
	Index     int   `json:"index"`
	Positions []int `json:"positions"`
	Target    int   `json:"target"`
	MaxStep   int   `json:"max_step"`
}

func (s MoveState) Position() int {
	if s.Index < 0 || s.Index >= len(s.Positions) {
		return 0
	}
	return s.Positions[s.Index]
}

type Controller interface {
	ChooseMove(ctx context.Context, st MoveState) (int, error)
}

type ControllerFunc func(ctx context.Context, st MoveState) (int, error)

func (f ControllerFunc) ChooseMove(ctx context.Context, st MoveState) (int, error) {
	return f(ctx, st)
}

// Computer always takes the largest step that does not overshoot.
type Computer struct{}

func (Computer) ChooseMove(_ context.Context, st MoveState) (int, error) {
	step := st.Target - st.Position()
	if step > st.MaxStep {
		step = st.MaxStep
	}
	if step < 1 {
		step = 1
	}
	return step, nil
}

type Player struct {
	Slot int
	Name string
}

type Rules struct {
	Target      int
	MaxStep     int
	MaxTurns    int
	TurnDelay   time.Duration
	MoveTimeout time.Duration
}

type Result struct {
	// Winner is the winning slot, or -1 when the turn limit ended the match.
	Winner    int
	Turns     int
	Positions map[int]int
}

// Match plays one game. Controllers are looked up every turn so a seat can
// change hands mid-match.
type Match struct {
	rules       Rules
	players     []Player
	controllers func(slot int) Controller
	log         *gamelog.Log
	logger      zerolog.Logger
	seq         uint64
}

func NewMatch(rules Rules, players []Player, controllers func(slot int) Controller, logger zerolog.Logger) *Match {
	return &Match{
		rules:       rules,
		players:     players,
		controllers: controllers,
		log:         &gamelog.Log{},
		logger:      logger,
	}
}

// Log is the full log of the match so far.
func (m *Match) Log() *gamelog.Log { return m.log }

// Run plays until someone wins, the turn limit is hit or ctx is done. emit is
// called on Run's goroutine for every update.
func (m *Match) Run(ctx context.Context, emit func(protocol.Update)) (Result, error) {
	if len(m.players) < 2 {
		return Result{}, ErrNoPlayers
	}
	positions := make([]int, len(m.players))
	result := Result{Winner: -1, Positions: make(map[int]int, len(m.players))}

	m.emit(emit, protocol.Update{
		Type:   UpdateStart,
		Slot:   -1,
		Values: map[string]int{"target": m.rules.Target, "players": len(m.players)},
	})

	for turn := 1; m.rules.MaxTurns <= 0 || turn <= m.rules.MaxTurns; turn++ {
		idx := (turn - 1) % len(m.players)
		player := m.players[idx]
		result.Turns = turn

		m.emit(emit, protocol.Update{Type: UpdateTurn, Turn: turn, Slot: player.Slot, Text: player.Name})
		m.record(emit, turn, player.Slot, gamelog.Turn, fmt.Sprintf("Turn %d (%s)", turn, player.Name))

		step, err := m.choose(ctx, emit, turn, idx, positions)
		if err != nil {
			return result, err
		}
		positions[idx] += step
		m.emit(emit, protocol.Update{
			Type:   UpdateMove,
			Turn:   turn,
			Slot:   player.Slot,
			Values: map[string]int{"step": step, "position": positions[idx]},
		})
		m.record(emit, turn, player.Slot, gamelog.ZoneChange,
			fmt.Sprintf("%s advances %d to %d", player.Name, step, positions[idx]))

		if positions[idx] >= m.rules.Target {
			result.Winner = player.Slot
			break
		}

		if m.rules.TurnDelay > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(m.rules.TurnDelay):
			}
		}
	}

	for i, p := range m.players {
		result.Positions[p.Slot] = positions[i]
	}

	text := "the match is a draw"
	if result.Winner >= 0 {
		text = m.players[m.index(result.Winner)].Name + " has won"
	}
	m.record(emit, result.Turns, result.Winner, gamelog.GameOutcome, text)
	m.record(emit, result.Turns, result.Winner, gamelog.MatchResults,
		fmt.Sprintf("%s after %d turns", text, result.Turns))
	m.emit(emit, protocol.Update{Type: UpdateFinish, Turn: result.Turns, Slot: result.Winner, Text: text})
	return result, nil
}

// choose asks the seat's controller for a move. A failing or cheating
// controller loses the turn to the computer rather than stalling the match.
func (m *Match) choose(ctx context.Context, emit func(protocol.Update), turn, idx int, positions []int) (int, error) {
	player := m.players[idx]
	st := MoveState{
		Turn:      turn,
		Slot:      player.Slot,
		Index:     idx,
		Positions: append([]int(nil), positions...),
		Target:    m.rules.Target,
		MaxStep:   m.rules.MaxStep,
	}

	c := m.controllers(player.Slot)
	if c == nil {
		c = Computer{}
	}

	moveCtx := ctx
	if m.rules.MoveTimeout > 0 {
		var cancel context.CancelFunc
		moveCtx, cancel = context.WithTimeout(ctx, m.rules.MoveTimeout)
		defer cancel()
	}

	step, err := c.ChooseMove(moveCtx, st)
	if err == nil && (step < 1 || step > m.rules.MaxStep) {
		err = fmt.Errorf("%w: step %d", ErrInvalidMove, step)
	}
	if err == nil {
		return step, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	m.logger.Warn().Err(err).Int("slot", player.Slot).Msg("controller failed, computer moves")
	m.record(emit, turn, player.Slot, gamelog.Information,
		fmt.Sprintf("%s did not move in time; the computer moves", player.Name))
	return Computer{}.ChooseMove(ctx, st)
}

func (m *Match) index(slot int) int {
	for i, p := range m.players {
		if p.Slot == slot {
			return i
		}
	}
	return 0
}

func (m *Match) record(emit func(protocol.Update), turn, slot int, t gamelog.EntryType, text string) {
	e := m.log.Add(t, text)
	m.emit(emit, protocol.Update{Type: UpdateLog, Turn: turn, Slot: slot, Log: &e})
}

func (m *Match) emit(emit func(protocol.Update), u protocol.Update) {
	m.seq++
	u.Seq = m.seq
	if emit != nil {
		emit(u)
	}
}
