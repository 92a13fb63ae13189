package crdt

import (
	"fmt"
	"sort"
)

// StateVector maps a client to the number of operations seen from it.
type StateVector map[uint64]uint64

// StateVector returns how many operations this replica has seen from
// each client, including its own.
func (d *Doc) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(StateVector, len(d.logs))
	for client, log := range d.logs {
		sv[client] = uint64(len(log))
	}
	return sv
}

// DiffOps returns the operations the remote replica described by sv is
// missing, in per-client clock order.
func (d *Doc) DiffOps(sv StateVector) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	clients := make([]uint64, 0, len(d.logs))
	for client := range d.logs {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var ops []Op
	for _, client := range clients {
		log := d.logs[client]
		from := sv[client]
		if from >= uint64(len(log)) {
			continue
		}
		ops = append(ops, log[from:]...)
	}
	return ops
}

// EncodeStateVector serializes sv as a varint count followed by
// (client, clock) pairs.
func EncodeStateVector(sv StateVector) []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	e := NewEncoder()
	e.WriteUvarint(uint64(len(clients)))
	for _, client := range clients {
		e.WriteUvarint(client)
		e.WriteUvarint(sv[client])
	}
	return e.Bytes()
}

func DecodeStateVector(p []byte) (StateVector, error) {
	d := NewDecoder(p)
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		client, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("decode state vector entry %d: %w", i, err)
		}
		clock, err := d.ReadUvarint()
		if err != nil {
			return nil, fmt.Errorf("decode state vector entry %d: %w", i, err)
		}
		sv[client] = clock
	}
	return sv, nil
}

// EncodeOps serializes operations for the wire.
func EncodeOps(ops []Op) []byte {
	e := NewEncoder()
	e.WriteUvarint(uint64(len(ops)))
	for _, op := range ops {
		e.WriteUvarint(op.ID.Client)
		e.WriteUvarint(op.ID.Clock)
		e.WriteUint8(op.Kind)
		switch op.Kind {
		case opInsert:
			if op.HasOrigin {
				e.WriteUint8(1)
				e.WriteUvarint(op.Origin.Client)
				e.WriteUvarint(op.Origin.Clock)
			} else {
				e.WriteUint8(0)
			}
			e.WriteUvarint(uint64(op.Value))
		case opDelete:
			e.WriteUvarint(op.Target.Client)
			e.WriteUvarint(op.Target.Clock)
		}
	}
	return e.Bytes()
}

func DecodeOps(p []byte) ([]Op, error) {
	d := NewDecoder(p)
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	ops := make([]Op, 0, n)
	for i := uint64(0); i < n; i++ {
		var op Op
		if op.ID.Client, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("decode op %d: %w", i, err)
		}
		if op.ID.Clock, err = d.ReadUvarint(); err != nil {
			return nil, fmt.Errorf("decode op %d: %w", i, err)
		}
		if op.Kind, err = d.ReadByte(); err != nil {
			return nil, fmt.Errorf("decode op %d: %w", i, err)
		}
		switch op.Kind {
		case opInsert:
			flag, err := d.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("decode op %d: %w", i, err)
			}
			if flag == 1 {
				op.HasOrigin = true
				if op.Origin.Client, err = d.ReadUvarint(); err != nil {
					return nil, fmt.Errorf("decode op %d: %w", i, err)
				}
				if op.Origin.Clock, err = d.ReadUvarint(); err != nil {
					return nil, fmt.Errorf("decode op %d: %w", i, err)
				}
			}
			v, err := d.ReadUvarint()
			if err != nil {
				return nil, fmt.Errorf("decode op %d: %w", i, err)
			}
			op.Value = rune(v)
		case opDelete:
			if op.Target.Client, err = d.ReadUvarint(); err != nil {
				return nil, fmt.Errorf("decode op %d: %w", i, err)
			}
			if op.Target.Clock, err = d.ReadUvarint(); err != nil {
				return nil, fmt.Errorf("decode op %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("decode op %d: unknown kind %d", i, op.Kind)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// ApplyUpdate decodes and merges a serialized update.
func (d *Doc) ApplyUpdate(p []byte) error {
	ops, err := DecodeOps(p)
	if err != nil {
		return err
	}
	d.ApplyOps(ops)
	return nil
}

// EncodeDiff serializes everything the remote replica is missing.
func (d *Doc) EncodeDiff(sv StateVector) []byte {
	return EncodeOps(d.DiffOps(sv))
}

// Snapshot serializes the full document as one update.
func (d *Doc) Snapshot() []byte {
	return d.EncodeDiff(StateVector{})
}
