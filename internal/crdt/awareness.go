package crdt

import (
	"fmt"
	"sync"
)

// Awareness holds ephemeral per-client state (cursor, display name,
// color) for one document session. Entries merge by clock: a higher
// clock wins, and a nil state at a higher clock removes the entry.
// Nothing here is persisted.
type Awareness struct {
	mu     sync.Mutex
	clocks map[uint64]uint64
	states map[uint64][]byte
}

func NewAwareness() *Awareness {
	return &Awareness{
		clocks: make(map[uint64]uint64),
		states: make(map[uint64][]byte),
	}
}

// AwarenessEntry is one client's state as carried on the wire.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    []byte // JSON; nil means removed
}

// Apply union-merges entries and returns the clients whose state
// actually changed.
func (a *Awareness) Apply(entries []AwarenessEntry) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var changed []uint64
	for _, e := range entries {
		if cur, ok := a.clocks[e.ClientID]; ok && e.Clock <= cur {
			continue
		}
		a.clocks[e.ClientID] = e.Clock
		if e.State == nil {
			delete(a.states, e.ClientID)
		} else {
			a.states[e.ClientID] = e.State
		}
		changed = append(changed, e.ClientID)
	}
	return changed
}

// Remove drops the given clients' states locally and returns the
// removal entries to broadcast. Clocks are bumped so the removal wins
// over any in-flight update from the departed connection.
func (a *Awareness) Remove(clientIDs []uint64) []AwarenessEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]AwarenessEntry, 0, len(clientIDs))
	for _, id := range clientIDs {
		a.clocks[id]++
		delete(a.states, id)
		entries = append(entries, AwarenessEntry{ClientID: id, Clock: a.clocks[id]})
	}
	return entries
}

// Entries snapshots every live client state, for bootstrapping a new
// connection.
func (a *Awareness) Entries() []AwarenessEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]AwarenessEntry, 0, len(a.states))
	for id, state := range a.states {
		entries = append(entries, AwarenessEntry{ClientID: id, Clock: a.clocks[id], State: state})
	}
	return entries
}

func (a *Awareness) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// EncodeAwareness serializes entries: varint count, then per entry
// client id, clock, and a length-prefixed JSON state (zero length with
// a removal flag for deleted entries).
func EncodeAwareness(entries []AwarenessEntry) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(len(entries)))
	for _, entry := range entries {
		e.WriteUvarint(entry.ClientID)
		e.WriteUvarint(entry.Clock)
		if entry.State == nil {
			e.WriteUint8(0)
		} else {
			e.WriteUint8(1)
			e.WriteBytes(entry.State)
		}
	}
	return e.Bytes()
}

func DecodeAwareness(p []byte) ([]AwarenessEntry, error) {
	d := NewDecoder(p)
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("decode awareness: %w", err)
	}
	entries := make([]AwarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		var entry AwarenessEntry
		if entry.ClientID, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("decode awareness entry %d: %w", i, err)
		}
		if entry.Clock, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("decode awareness entry %d: %w", i, err)
		}
		flag, err := d.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("decode awareness entry %d: %w", i, err)
		}
		if flag == 1 {
			state, err := d.ReadBytes()
			if err != nil {
				return nil, fmt.Errorf("decode awareness entry %d: %w", i, err)
			}
			entry.State = append([]byte(nil), state...)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
