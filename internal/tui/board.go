package tui

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/tjrbrom/forge/internal/gamelog"
	"github.com/tjrbrom/forge/internal/protocol"
	"github.com/tjrbrom/forge/internal/sim"
)

const (
	frameRate = 30
	barWidth  = 40
	logLines  = 8
)

// Board is the match as the viewer sees it. It is a forward.Consumer; with
// the program executor its Deliver runs inside Update, so it needs no lock.
type Board struct {
	style  string
	spring harmonica.Spring

	target    int
	turn      int
	names     map[int]string
	positions map[int]int
	bars      map[int]*bar
	log       []gamelog.Entry

	finished bool
	winner   int
	outcome  string
	summary  string
}

// bar is the animated position of one racer.
type bar struct {
	pos, vel float64
}

func NewBoard() *Board {
	b := &Board{
		style:  "dark",
		spring: harmonica.NewSpring(harmonica.FPS(frameRate), 6.0, 0.6),
	}
	b.reset()
	return b
}

func (b *Board) reset() {
	b.target = 0
	b.turn = 0
	b.names = make(map[int]string)
	b.positions = make(map[int]int)
	b.bars = make(map[int]*bar)
	b.log = nil
	b.finished = false
	b.winner = -1
	b.outcome = ""
	b.summary = ""
}

func (b *Board) Deliver(batch []protocol.Update) {
	for _, u := range batch {
		b.apply(u)
	}
}

func (b *Board) apply(u protocol.Update) {
	switch u.Type {
	case sim.UpdateStart:
		b.reset()
		b.target = u.Values["target"]
	case sim.UpdateTurn:
		b.turn = u.Turn
		if u.Text != "" {
			b.names[u.Slot] = u.Text
		}
		if _, ok := b.bars[u.Slot]; !ok {
			b.bars[u.Slot] = &bar{}
		}
	case sim.UpdateMove:
		b.positions[u.Slot] = u.Values["position"]
		if _, ok := b.bars[u.Slot]; !ok {
			b.bars[u.Slot] = &bar{}
		}
	case sim.UpdateLog:
		if u.Log != nil {
			b.log = append(b.log, *u.Log)
		}
	case sim.UpdateFinish:
		b.finished = true
		b.turn = u.Turn
		b.winner = u.Slot
		b.outcome = u.Text
		b.summary = b.renderSummary()
	}
}

// Animate moves every bar one frame towards its racer's position. It reports
// whether any bar is still moving.
func (b *Board) Animate() bool {
	moving := false
	for slot, br := range b.bars {
		goal := float64(b.positions[slot])
		br.pos, br.vel = b.spring.Update(br.pos, br.vel, goal)
		if math.Abs(goal-br.pos) < 0.01 && math.Abs(br.vel) < 0.01 {
			br.pos, br.vel = goal, 0
			continue
		}
		moving = true
	}
	return moving
}

func (b *Board) Finished() bool  { return b.finished }
func (b *Board) Summary() string { return b.summary }

func (b *Board) slots() []int {
	out := make([]int, 0, len(b.bars))
	for slot := range b.bars {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}

// View renders the race bars and the tail of the log at verbosity v.
func (b *Board) View(v gamelog.Verbosity) string {
	if b.target == 0 {
		return StyleDimmed.Render("  Waiting for the match to start")
	}

	lines := []string{StyleHeader.Render(fmt.Sprintf("=== RACE to %d ============ turn %d", b.target, b.turn))}
	for _, slot := range b.slots() {
		filled := int(b.bars[slot].pos / float64(b.target) * barWidth)
		filled = max(0, min(filled, barWidth))
		name := b.names[slot]
		if name == "" {
			name = fmt.Sprintf("slot %d", slot+1)
		}
		track := strings.Repeat("█", filled) + strings.Repeat("·", barWidth-filled)
		style := lipgloss.NewStyle().Foreground(ColorRemote)
		if b.finished && slot == b.winner {
			style = style.Foreground(ColorHealthy).Bold(true)
		}
		lines = append(lines, fmt.Sprintf("  %-12s %s %d", name, style.Render(track), b.positions[slot]))
	}

	var shown []gamelog.Entry
	for _, e := range b.log {
		if v.Includes(e.Type) {
			shown = append(shown, e)
		}
	}
	if len(shown) > logLines {
		shown = shown[len(shown)-logLines:]
	}
	lines = append(lines, StyleDimmed.Render(fmt.Sprintf("--- LOG (%s) ---", v.Caption())))
	for _, e := range shown {
		lines = append(lines, "  "+e.String())
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (b *Board) renderSummary() string {
	var sb strings.Builder
	sb.WriteString("# Match over\n\n")
	sb.WriteString(b.outcome + " after " + fmt.Sprint(b.turn) + " turns.\n\n")
	sb.WriteString("| Player | Position |\n|---|---|\n")
	for _, slot := range b.slots() {
		name := b.names[slot]
		if slot == b.winner {
			name = "**" + name + "**"
		}
		fmt.Fprintf(&sb, "| %s | %d |\n", name, b.positions[slot])
	}

	md := sb.String()
	out, err := glamour.Render(md, b.style)
	if err != nil {
		return md
	}
	return out
}
