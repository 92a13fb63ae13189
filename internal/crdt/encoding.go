package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortBuffer = errors.New("crdt: short buffer")

// Encoder builds the binary wire form used by sync and awareness
// payloads: unsigned varints and varint-length-prefixed byte strings.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (e *Encoder) WriteUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteBytes(p []byte) {
	e.WriteUvarint(uint64(len(p)))
	e.buf = append(e.buf, p...)
}

func (e *Encoder) WriteString(s string) {
	e.WriteBytes([]byte(s))
}

func (e *Encoder) WriteUint8(b byte) {
	e.buf = append(e.buf, b)
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads the Encoder's wire form.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(p []byte) *Decoder {
	return &Decoder{buf: p}
}

func (d *Decoder) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("read uvarint at offset %d: %w", d.pos, ErrShortBuffer)
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)-d.pos) < n {
		return nil, fmt.Errorf("read %d bytes at offset %d: %w", n, d.pos, ErrShortBuffer)
	}
	p := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return p, nil
}

func (d *Decoder) ReadString() (string, error) {
	p, err := d.ReadBytes()
	return string(p), err
}

func (d *Decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, fmt.Errorf("read byte at offset %d: %w", d.pos, ErrShortBuffer)
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}
