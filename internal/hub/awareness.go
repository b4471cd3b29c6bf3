package hub

import (
	"fmt"
	"time"

	"noteshare/internal/ycrdt"
)

// nullState marks a removed awareness entry on the wire.
const nullState = "null"

type awarenessEntry struct {
	clock   uint64
	state   string // JSON blob, nullState when removed
	updated time.Time
}

// Awareness holds the ephemeral presence roster of one live document. Each
// peer owns its own sub-map keyed by its client id; entries are last-write-
// wins on the peer-supplied monotonic clock. Never persisted. Owned by the
// live-document actor; not safe for concurrent use.
type Awareness struct {
	entries map[uint64]awarenessEntry
	now     func() time.Time
}

// NewAwareness creates an empty roster.
func NewAwareness() *Awareness {
	return &Awareness{
		entries: make(map[uint64]awarenessEntry),
		now:     time.Now,
	}
}

// ApplyUpdate merges a wire-encoded awareness diff and returns the client
// ids whose entries changed. Stale clocks are ignored.
func (a *Awareness) ApplyUpdate(payload []byte) ([]uint64, error) {
	d := ycrdt.NewDecoder(payload)
	numClients, err := d.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("failed to read awareness client count: %w", err)
	}
	changed := make([]uint64, 0, numClients)
	for i := uint64(0); i < numClients; i++ {
		clientID, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("failed to read awareness client id: %w", err)
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("failed to read awareness clock: %w", err)
		}
		state, err := d.ReadVarString()
		if err != nil {
			return nil, fmt.Errorf("failed to read awareness state: %w", err)
		}

		prev, known := a.entries[clientID]
		if known && clock < prev.clock {
			continue
		}
		if known && clock == prev.clock && state != nullState {
			continue
		}
		if state == nullState && !known {
			// Removal of an entry we never saw still records the clock so a
			// late stale update does not resurrect it.
			a.entries[clientID] = awarenessEntry{clock: clock, state: nullState, updated: a.now()}
			continue
		}
		a.entries[clientID] = awarenessEntry{clock: clock, state: state, updated: a.now()}
		changed = append(changed, clientID)
	}
	return changed, nil
}

// Has reports whether a client currently has a live (non-removed) entry.
func (a *Awareness) Has(clientID uint64) bool {
	entry, ok := a.entries[clientID]
	return ok && entry.state != nullState
}

// Size returns the number of live entries.
func (a *Awareness) Size() int {
	n := 0
	for _, entry := range a.entries {
		if entry.state != nullState {
			n++
		}
	}
	return n
}

// SnapshotUpdate encodes the full live roster as one awareness update, used
// to seed newly attached peers. Returns nil when the roster is empty.
func (a *Awareness) SnapshotUpdate() []byte {
	live := make([]uint64, 0, len(a.entries))
	for id, entry := range a.entries {
		if entry.state != nullState {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return nil
	}
	e := ycrdt.NewEncoder()
	e.WriteVarUint(uint64(len(live)))
	for _, id := range live {
		entry := a.entries[id]
		e.WriteVarUint(id)
		e.WriteVarUint(entry.clock)
		e.WriteVarString(entry.state)
	}
	return e.Bytes()
}

// RemovalUpdate marks the given clients removed and encodes the removal for
// broadcast. Unknown ids are skipped; returns nil when nothing was removed.
func (a *Awareness) RemovalUpdate(clientIDs []uint64) []byte {
	removed := make([]uint64, 0, len(clientIDs))
	for _, id := range clientIDs {
		entry, ok := a.entries[id]
		if !ok || entry.state == nullState {
			continue
		}
		a.entries[id] = awarenessEntry{
			clock:   entry.clock + 1,
			state:   nullState,
			updated: a.now(),
		}
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return nil
	}
	e := ycrdt.NewEncoder()
	e.WriteVarUint(uint64(len(removed)))
	for _, id := range removed {
		e.WriteVarUint(id)
		e.WriteVarUint(a.entries[id].clock)
		e.WriteVarString(nullState)
	}
	return e.Bytes()
}

// GC removes entries with no heartbeat inside timeout whose clients are not
// locally attached, covering peers on crashed instances. Returns the encoded
// removal for broadcast, or nil.
func (a *Awareness) GC(timeout time.Duration, locallyAttached func(clientID uint64) bool) []byte {
	cutoff := a.now().Add(-timeout)
	stale := make([]uint64, 0)
	for id, entry := range a.entries {
		if entry.state == nullState {
			// Tombstones older than the timeout can be forgotten entirely.
			if entry.updated.Before(cutoff) {
				delete(a.entries, id)
			}
			continue
		}
		if entry.updated.Before(cutoff) && !locallyAttached(id) {
			stale = append(stale, id)
		}
	}
	return a.RemovalUpdate(stale)
}
