package chat

import (
	"sync"

	"github.com/guildhall-io/guildhall/internal/types"
)

// PresenceTracker holds the live roster of one channel's ephemeral
// session. Every sync snapshot replaces the roster verbatim: entries for
// departed clients disappear because the new snapshot omits them, never
// because of an explicit leave message.
type PresenceTracker struct {
	mu     sync.Mutex
	roster []types.PresenceEntry
	closed bool
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{}
}

// ApplySync replaces the entire roster with the snapshot. Snapshots are
// never merged with prior state.
func (p *PresenceTracker) ApplySync(snapshot []types.PresenceEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	p.roster = make([]types.PresenceEntry, len(snapshot))
	copy(p.roster, snapshot)
}

// Roster returns a copy of the most recent snapshot.
func (p *PresenceTracker) Roster() []types.PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]types.PresenceEntry, len(p.roster))
	copy(out, p.roster)
	return out
}

func (p *PresenceTracker) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.roster = nil
}
