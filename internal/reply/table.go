// Package reply pairs outgoing requests with the replies that answer them.
package reply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrTimeout       = errors.New("reply timed out")
	ErrDuplicateID   = errors.New("correlation id already registered")
	ErrNotRegistered = errors.New("correlation id not registered")
	ErrClosed        = errors.New("reply table closed")
)

type State int

const (
	Pending State = iota
	Resolved
	TimedOut
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type entry struct {
	state State
	value any
	done  chan struct{}
}

// Table holds one entry per outstanding request. An entry is settled exactly
// once: by Resolve, by its waiter giving up, or by Close. Whatever loses the
// race is discarded.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

func NewTable() *Table {
	return &Table{entries: make(map[string]*entry)}
}

// Register creates a pending entry for id. It must be called before the
// request leaves so that a fast reply always finds its entry.
func (t *Table) Register(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if _, ok := t.entries[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	t.entries[id] = &entry{done: make(chan struct{})}
	return nil
}

// Await blocks until id is resolved, timeout elapses or ctx is done. The
// entry is removed before Await returns, whatever the outcome. A timeout of
// zero or less waits on ctx alone.
func (t *Table) Await(ctx context.Context, id string, timeout time.Duration) (any, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, id)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.done:
	case <-expired:
		t.settle(id, e, TimedOut, nil)
	case <-ctx.Done():
		t.settle(id, e, Cancelled, nil)
	}

	t.mu.Lock()
	delete(t.entries, id)
	state, value := e.state, e.value
	t.mu.Unlock()

	switch state {
	case Resolved:
		return value, nil
	case TimedOut:
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, id)
	default:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrClosed
	}
}

// Resolve delivers value to the waiter of id. It reports false when id is
// unknown or already settled, in which case value is dropped.
func (t *Table) Resolve(id string, value any) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	return t.settle(id, e, Resolved, value)
}

// Close cancels every pending entry and rejects further registrations.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, e := range t.entries {
		if e.state == Pending {
			e.state = Cancelled
			close(e.done)
		}
	}
}

// Pending returns the number of entries still waiting for a reply.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.state == Pending {
			n++
		}
	}
	return n
}

// State returns the current state of id's entry.
func (t *Table) State(id string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	return e.state, true
}

func (t *Table) settle(id string, e *entry, to State, value any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.state != Pending || t.entries[id] != e {
		return false
	}
	e.state = to
	e.value = value
	close(e.done)
	return true
}
