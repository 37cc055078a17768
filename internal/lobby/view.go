package lobby

import "sync"

// View is a client's read-only copy of the host's lobby. Each snapshot
// replaces the previous one wholesale; a snapshot older than the current one
// is ignored.
type View struct {
	mu    sync.RWMutex
	snap  Snapshot
	local int
	seen  bool
}

func NewView() *View {
	return &View{local: -1}
}

// Apply installs snap as the current view and records which slot belongs to
// the local participant. It reports whether the snapshot was accepted.
func (v *View) Apply(snap Snapshot, local int) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seen && snap.Version < v.snap.Version {
		return false
	}
	v.snap = snap.Clone()
	v.local = local
	v.seen = true
	return true
}

func (v *View) Snapshot() Snapshot {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.snap.Clone()
}

// LocalSlot returns the local participant's slot, or -1 before the first
// snapshot arrives.
func (v *View) LocalSlot() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.local
}
