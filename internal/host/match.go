package host

import (
	"context"
	"fmt"
	"time"

	fp "github.com/repeale/fp-go"

	"github.com/tjrbrom/forge/internal/history"
	"github.com/tjrbrom/forge/internal/lobby"
	"github.com/tjrbrom/forge/internal/protocol"
	"github.com/tjrbrom/forge/internal/session"
	"github.com/tjrbrom/forge/internal/sim"
)

// MethodChooseMove is what the host asks a remote seat every turn.
const MethodChooseMove = "chooseMove"

// MatchResult is delivered once a match started by StartMatch ends.
type MatchResult struct {
	sim.Result
	Err error
}

// StartMatch locks the lobby and plays a match on its own goroutine. Updates
// reach clients through the batching forwarder. The returned channel yields
// exactly one result.
func (s *Server) StartMatch(ctx context.Context) (<-chan MatchResult, error) {
	if !s.matchRunning.CompareAndSwap(false, true) {
		return nil, ErrMatchRunning
	}
	if err := s.lobby.Start(); err != nil {
		s.matchRunning.Store(false)
		return nil, err
	}

	seated := fp.Filter(func(slot lobby.Slot) bool { return slot.Type.Occupied() })(s.lobby.Snapshot().Slots)
	players := fp.Map(func(slot lobby.Slot) sim.Player {
		return sim.Player{Slot: slot.Index, Name: slot.Name}
	})(seated)
	started := time.Now()
	sendErrors := s.TotalSendErrors()

	rules := sim.Rules{
		Target:      s.cfg.Match.Target,
		MaxStep:     s.cfg.Match.MaxStep,
		MaxTurns:    s.cfg.Match.MaxTurns,
		TurnDelay:   s.cfg.Match.TurnDelay,
		MoveTimeout: s.cfg.Match.MoveTimeout,
	}
	match := sim.NewMatch(rules, players, s.controller, s.log)

	done := make(chan MatchResult, 1)
	go func() {
		defer s.matchRunning.Store(false)

		res, err := match.Run(ctx, s.submit)
		if ferr := s.lobby.Finish(); ferr != nil {
			s.log.Warn().Err(ferr).Msg("finish lobby")
		}
		if err != nil {
			s.log.Warn().Err(err).Msg("match aborted")
		} else {
			s.log.Info().Int("winner", res.Winner).Int("turns", res.Turns).Msg("match finished")
		}
		s.record(seated, started, res, err, s.TotalSendErrors()-sendErrors)
		done <- MatchResult{Result: res, Err: err}
	}()

	s.log.Info().Int("players", len(players)).Msg("match started")
	return done, nil
}

// controller picks who moves for slot this turn: the seated remote client if
// there still is one, otherwise the computer.
func (s *Server) controller(slot int) sim.Controller {
	snap := s.lobby.Snapshot()
	if seat, ok := snap.Slot(slot); !ok || seat.Type != lobby.Remote {
		return sim.Computer{}
	}
	rc, ok := s.ClientInSlot(slot)
	if !ok {
		return sim.Computer{}
	}
	return sim.ControllerFunc(func(ctx context.Context, st sim.MoveState) (int, error) {
		step, err := session.Call[int](ctx, rc.session, MethodChooseMove, st, s.cfg.Match.MoveTimeout)
		if err != nil {
			return 0, fmt.Errorf("slot %d: %w", slot, err)
		}
		return step, nil
	})
}

// submit drops log lines the host's verbosity hides and queues the rest.
func (s *Server) submit(u protocol.Update) {
	if u.Log != nil && !s.verbosity.Includes(u.Log.Type) {
		return
	}
	s.forwarder.Submit(u)
}

// record keeps a finished match in the history, if there is one.
func (s *Server) record(seated []lobby.Slot, started time.Time, res sim.Result, err error, sendErrors uint64) {
	if s.history == nil {
		return
	}
	m := &history.Match{
		StartedAt:  started.UTC(),
		Duration:   time.Since(started),
		Turns:      res.Turns,
		Winner:     res.Winner,
		Aborted:    err != nil,
		SendErrors: sendErrors,
	}
	for _, slot := range seated {
		m.Players = append(m.Players, history.Player{
			Slot:     slot.Index,
			Name:     slot.Name,
			Type:     string(slot.Type),
			Position: res.Positions[slot.Index],
		})
		if slot.Index == res.Winner {
			m.WinnerName = slot.Name
		}
	}
	// The match context may already be done; the record still belongs in the
	// history.
	if err := s.history.Record(context.Background(), m); err != nil {
		s.log.Warn().Err(err).Msg("record match")
	}
}
