// Package protocol frames the binary document channel: every frame is
// a varint message type followed by a payload. Sync frames carry a
// sub-protocol for the state-vector handshake and update propagation.
package protocol

import (
	"errors"
	"fmt"

	"github.com/craftroom/relay/internal/crdt"
)

const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

const (
	SyncStep1  uint64 = 0 // payload: encoded state vector
	SyncStep2  uint64 = 1 // payload: encoded ops the peer was missing
	SyncUpdate uint64 = 2 // payload: encoded incremental ops
)

var ErrUnknownMessage = errors.New("protocol: unknown message type")

// Message is one decoded binary frame.
type Message struct {
	Type    uint64
	Sync    uint64 // valid when Type == MessageSync
	Payload []byte
}

func Decode(frame []byte) (Message, error) {
	d := crdt.NewDecoder(frame)
	msgType, err := d.ReadUvarint()
	if err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	msg := Message{Type: msgType}
	switch msgType {
	case MessageSync:
		if msg.Sync, err = d.ReadUvarint(); err != nil {
			return Message{}, fmt.Errorf("decode sync frame: %w", err)
		}
		if msg.Sync > SyncUpdate {
			return Message{}, fmt.Errorf("decode sync frame: unknown step %d: %w", msg.Sync, ErrUnknownMessage)
		}
	case MessageAwareness:
	default:
		return Message{}, fmt.Errorf("decode frame type %d: %w", msgType, ErrUnknownMessage)
	}
	if msg.Payload, err = d.ReadBytes(); err != nil {
		return Message{}, fmt.Errorf("decode frame payload: %w", err)
	}
	return msg, nil
}

func encodeSync(step uint64, payload []byte) []byte {
	e := crdt.NewEncoder()
	e.WriteUvarint(MessageSync)
	e.WriteUvarint(step)
	e.WriteBytes(payload)
	return e.Bytes()
}

// EncodeSyncStep1 frames the local state vector, asking the peer for
// everything it has beyond it.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 frames the ops answering a step 1.
func EncodeSyncStep2(ops []byte) []byte {
	return encodeSync(SyncStep2, ops)
}

// EncodeSyncUpdate frames an incremental update.
func EncodeSyncUpdate(ops []byte) []byte {
	return encodeSync(SyncUpdate, ops)
}

// EncodeAwareness frames an awareness payload.
func EncodeAwareness(payload []byte) []byte {
	e := crdt.NewEncoder()
	e.WriteUvarint(MessageAwareness)
	e.WriteBytes(payload)
	return e.Bytes()
}
