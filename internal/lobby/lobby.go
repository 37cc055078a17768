package lobby

import (
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

var (
	ErrNoOpenSlot        = errors.New("no open slot")
	ErrSlotOutOfRange    = errors.New("slot out of range")
	ErrInvalidTransition = errors.New("invalid slot transition")
	ErrInvalidType       = errors.New("invalid slot type")
	ErrStarted           = errors.New("match already started")
	ErrNotStarted        = errors.New("match not started")
	ErrNotReady          = errors.New("lobby not ready")
)

// MinPlayers is the fewest occupied seats a match can start with.
const MinPlayers = 2

// Listener is told about every mutation with the full resulting snapshot and
// the index of the slot that changed (-1 when the change is lobby-wide).
type Listener interface {
	LobbyUpdated(snap Snapshot, changed int)
}

type ListenerFunc func(snap Snapshot, changed int)

func (f ListenerFunc) LobbyUpdated(snap Snapshot, changed int) { f(snap, changed) }

// Lobby is the host's authoritative seat layout.
type Lobby struct {
	mu        deadlock.Mutex
	slots     []Slot
	started   bool
	version   uint64
	nextSub   int
	listeners map[int]Listener
}

func New(size int) *Lobby {
	if size < 1 {
		size = 1
	}
	l := &Lobby{
		slots:     make([]Slot, size),
		listeners: make(map[int]Listener),
	}
	for i := range l.slots {
		l.slots[i] = Slot{Index: i, Type: Open}
	}
	return l
}

// Subscribe registers a listener and returns a function that removes it.
func (l *Lobby) Subscribe(listener Listener) func() {
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.listeners[id] = listener
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
	}
}

func (l *Lobby) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *Lobby) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *Lobby) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

// Claim seats someone of type t in the lowest-indexed open slot.
func (l *Lobby) Claim(t SlotType, name string) (int, error) {
	if !t.Occupied() {
		return -1, fmt.Errorf("%w: cannot claim as %q", ErrInvalidType, t)
	}
	return l.mutate(func() (int, bool, error) {
		if l.started {
			return -1, false, ErrStarted
		}
		for i := range l.slots {
			if l.slots[i].Type == Open {
				l.setTypeLocked(i, t)
				if name != "" {
					l.slots[i].Name = name
				}
				return i, true, nil
			}
		}
		return -1, false, ErrNoOpenSlot
	})
}

// SetType moves slot i to type t if the transition is allowed.
func (l *Lobby) SetType(i int, t SlotType) error {
	if !t.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, t)
	}
	_, err := l.mutate(func() (int, bool, error) {
		if err := l.checkIndexLocked(i); err != nil {
			return -1, false, err
		}
		from := l.slots[i].Type
		if !transitionAllowed(from, t, l.started) {
			return -1, false, fmt.Errorf("%w: slot %d %s -> %s", ErrInvalidTransition, i, from, t)
		}
		if from == t {
			return i, false, nil
		}
		l.setTypeLocked(i, t)
		return i, true, nil
	})
	return err
}

// Update applies a partial change to slot i. Open slots accept only a deck.
func (l *Lobby) Update(i int, change SlotChange) error {
	_, err := l.mutate(func() (int, bool, error) {
		if err := l.checkIndexLocked(i); err != nil {
			return -1, false, err
		}
		slot := &l.slots[i]
		if slot.Type == Open && (change.Name != nil || change.Ready != nil) {
			return -1, false, fmt.Errorf("%w: slot %d is open", ErrInvalidTransition, i)
		}
		return i, change.apply(slot), nil
	})
	return err
}

// Release handles a departed remote participant. Before the match starts the
// slot becomes open again; during a match it is handed to the computer so
// play continues. It returns the slot's new type.
func (l *Lobby) Release(i int) (SlotType, error) {
	var result SlotType
	_, err := l.mutate(func() (int, bool, error) {
		if err := l.checkIndexLocked(i); err != nil {
			return -1, false, err
		}
		from := l.slots[i].Type
		to := Open
		if l.started {
			to = Computer
		}
		if !transitionAllowed(from, to, l.started) {
			return -1, false, fmt.Errorf("%w: slot %d %s -> %s", ErrInvalidTransition, i, from, to)
		}
		result = to
		if from == to {
			return i, false, nil
		}
		l.setTypeLocked(i, to)
		return i, true, nil
	})
	return result, err
}

// Ready reports whether Start would succeed.
func (l *Lobby) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.readyLocked() == nil
}

func (l *Lobby) Start() error {
	_, err := l.mutate(func() (int, bool, error) {
		if l.started {
			return -1, false, ErrStarted
		}
		if err := l.readyLocked(); err != nil {
			return -1, false, err
		}
		l.started = true
		return -1, true, nil
	})
	return err
}

// Finish ends the match. Seats keep their occupants; humans must ready up
// again.
func (l *Lobby) Finish() error {
	_, err := l.mutate(func() (int, bool, error) {
		if !l.started {
			return -1, false, ErrNotStarted
		}
		l.started = false
		for i := range l.slots {
			if l.slots[i].Type != Computer {
				l.slots[i].Ready = false
			}
		}
		return -1, true, nil
	})
	return err
}

// mutate runs fn under the lock. When fn reports a change, the version is
// bumped and every listener is notified outside the lock. fn returns the
// changed slot index (-1 for a lobby-wide change) and whether anything
// actually changed. Listeners may observe snapshots out of order under
// concurrent mutation; Version lets them discard stale ones.
func (l *Lobby) mutate(fn func() (int, bool, error)) (int, error) {
	l.mu.Lock()
	changed, dirty, err := fn()
	if err != nil || !dirty {
		l.mu.Unlock()
		return changed, err
	}
	l.version++
	snap := l.snapshotLocked()
	listeners := make([]Listener, 0, len(l.listeners))
	for _, listener := range l.listeners {
		listeners = append(listeners, listener)
	}
	l.mu.Unlock()

	for _, listener := range listeners {
		listener.LobbyUpdated(snap, changed)
	}
	return changed, nil
}

func (l *Lobby) setTypeLocked(i int, t SlotType) {
	slot := &l.slots[i]
	slot.Type = t
	switch t {
	case Open:
		slot.Name = ""
		slot.Ready = false
	case Computer:
		slot.Ready = true
		if slot.Name == "" {
			slot.Name = fmt.Sprintf("Computer %d", i+1)
		}
	}
}

func (l *Lobby) checkIndexLocked(i int) error {
	if i < 0 || i >= len(l.slots) {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, i)
	}
	return nil
}

func (l *Lobby) readyLocked() error {
	occupied := 0
	for _, s := range l.slots {
		if !s.Type.Occupied() {
			continue
		}
		occupied++
		if !s.Ready {
			return fmt.Errorf("%w: slot %d not ready", ErrNotReady, s.Index)
		}
	}
	if occupied < MinPlayers {
		return fmt.Errorf("%w: %d of %d players seated", ErrNotReady, occupied, MinPlayers)
	}
	return nil
}

func (l *Lobby) snapshotLocked() Snapshot {
	return Snapshot{
		Version: l.version,
		Started: l.started,
		Slots:   append([]Slot(nil), l.slots...),
	}
}

// transitionAllowed encodes the slot lifecycle: open seats may be filled by
// anyone before play, a remote participant may be replaced by the computer
// at any time, and nothing returns to open once a match is running.
func transitionAllowed(from, to SlotType, started bool) bool {
	if from == to {
		return true
	}
	if from == Remote && to == Computer {
		return true
	}
	if started {
		return false
	}
	switch {
	case to == Open:
		return true
	case from == Open:
		return true
	case from == Local && to == Computer, from == Computer && to == Local:
		return true
	}
	return false
}
