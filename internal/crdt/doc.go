package crdt

import (
	"strings"
	"sync"
)

// ID identifies a single operation: the replica that produced it and
// that replica's logical clock at the time.
type ID struct {
	Client uint64
	Clock  uint64
}

func idLess(a, b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

const (
	opInsert byte = 0
	opDelete byte = 1
)

// Op is one replicated edit. Inserts carry the inserted rune and the ID
// of the item that was immediately to the left when the insert was
// made; deletes carry the ID of the item to tombstone.
type Op struct {
	ID        ID
	Kind      byte
	Origin    ID
	HasOrigin bool
	Target    ID
	Value     rune
}

type item struct {
	id        ID
	origin    ID
	hasOrigin bool
	value     rune
	deleted   bool
}

// Doc is a sequence CRDT over runes (a replicated growable array with
// tombstones). Concurrent inserts at the same position are ordered by
// operation ID, so replicas converge regardless of delivery order.
// Every operation consumes one clock tick of its client, which makes
// the state vector a complete description of what a replica has seen.
type Doc struct {
	mu      sync.Mutex
	client  uint64
	items   []*item
	byID    map[ID]*item
	logs    map[uint64][]Op
	pending []Op
}

func NewDoc(client uint64) *Doc {
	return &Doc{
		client: client,
		byID:   make(map[ID]*item),
		logs:   make(map[uint64][]Op),
	}
}

func (d *Doc) ClientID() uint64 {
	return d.client
}

// IsEmpty reports whether the document has never seen an operation.
// Used for race-safe content seeding: a document that has been edited,
// even back to zero length, is not empty.
func (d *Doc) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.logs) == 0
}

func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, it := range d.items {
		if !it.deleted {
			n++
		}
	}
	return n
}

func (d *Doc) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var b strings.Builder
	for _, it := range d.items {
		if !it.deleted {
			b.WriteRune(it.value)
		}
	}
	return b.String()
}

func (d *Doc) nextClock() uint64 {
	return uint64(len(d.logs[d.client]))
}

// InsertAt inserts text before the live rune at index (index == live
// length appends). Returns the operations to propagate to peers.
func (d *Doc) InsertAt(index int, text string) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	var origin ID
	hasOrigin := false
	if index > 0 {
		live := 0
		for _, it := range d.items {
			if it.deleted {
				continue
			}
			live++
			if live == index {
				origin = it.id
				hasOrigin = true
				break
			}
		}
	}

	ops := make([]Op, 0, len(text))
	for _, r := range text {
		op := Op{
			ID:        ID{Client: d.client, Clock: d.nextClock()},
			Kind:      opInsert,
			Origin:    origin,
			HasOrigin: hasOrigin,
			Value:     r,
		}
		d.integrate(op)
		d.logs[d.client] = append(d.logs[d.client], op)
		ops = append(ops, op)
		origin = op.ID
		hasOrigin = true
	}
	return ops
}

// DeleteAt tombstones length live runes starting at index.
func (d *Doc) DeleteAt(index, length int) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	targets := make([]ID, 0, length)
	live := 0
	for _, it := range d.items {
		if it.deleted {
			continue
		}
		if live >= index && len(targets) < length {
			targets = append(targets, it.id)
		}
		live++
	}

	ops := make([]Op, 0, len(targets))
	for _, target := range targets {
		op := Op{
			ID:     ID{Client: d.client, Clock: d.nextClock()},
			Kind:   opDelete,
			Target: target,
		}
		d.byID[target].deleted = true
		d.logs[d.client] = append(d.logs[d.client], op)
		ops = append(ops, op)
	}
	return ops
}

// ApplyOps merges remote operations. Application is idempotent and
// commutative: already-seen operations are skipped, and operations
// arriving before their causal dependencies are buffered until the
// gap closes.
func (d *Doc) ApplyOps(ops []Op) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending = append(d.pending, ops...)
	for {
		progressed := false
		rest := d.pending[:0]
		for _, op := range d.pending {
			switch d.tryApply(op) {
			case applied:
				progressed = true
			case duplicate:
				progressed = true
			case blocked:
				rest = append(rest, op)
			}
		}
		d.pending = rest
		if !progressed || len(d.pending) == 0 {
			return
		}
	}
}

type applyResult int

const (
	applied applyResult = iota
	duplicate
	blocked
)

func (d *Doc) tryApply(op Op) applyResult {
	seen := uint64(len(d.logs[op.ID.Client]))
	if op.ID.Clock < seen {
		return duplicate
	}
	if op.ID.Clock > seen {
		return blocked
	}
	switch op.Kind {
	case opInsert:
		if op.HasOrigin {
			if _, ok := d.byID[op.Origin]; !ok {
				return blocked
			}
		}
		d.integrate(op)
	case opDelete:
		it, ok := d.byID[op.Target]
		if !ok {
			return blocked
		}
		it.deleted = true
	default:
		// Unknown kinds consume their clock slot so later operations
		// from the same client are not stalled forever.
	}
	d.logs[op.ID.Client] = append(d.logs[op.ID.Client], op)
	return applied
}

func (d *Doc) indexOf(id ID) int {
	for i, it := range d.items {
		if it.id == id {
			return i
		}
	}
	return -1
}

// integrate places an insert into the sequence. The scan resolves
// concurrent inserts at the same origin: an operation with a larger ID
// sits closer to the origin, and a competitor's whole subtree is
// skipped as a unit.
func (d *Doc) integrate(op Op) {
	it := &item{
		id:        op.ID,
		origin:    op.Origin,
		hasOrigin: op.HasOrigin,
		value:     op.Value,
	}

	myOrigin := -1
	if op.HasOrigin {
		myOrigin = d.indexOf(op.Origin)
	}

	idx := myOrigin + 1
	for idx < len(d.items) {
		c := d.items[idx]
		cOrigin := -1
		if c.hasOrigin {
			cOrigin = d.indexOf(c.origin)
		}
		if cOrigin < myOrigin {
			break
		}
		if cOrigin == myOrigin && idLess(c.id, it.id) {
			break
		}
		idx++
	}

	d.items = append(d.items, nil)
	copy(d.items[idx+1:], d.items[idx:])
	d.items[idx] = it
	d.byID[it.id] = it
}
