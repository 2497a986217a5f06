package block

import (
	"encoding/binary"
	"errors"
)

// ErrWriterFull is returned once a Writer's limit has been reached; further
// writes are silently dropped, mirroring Reader's latched-error behaviour.
var ErrWriterFull = errors.New("block: writer limit exceeded")

// Writer emits big-endian PROFINET blocks into a caller-owned buffer, bounds
// checked against a fixed limit. It supports the two-pass "placeholder then
// patch" pattern (§4.1, §9) for variable-length blocks via LengthSlot.
type Writer struct {
	buf    []byte
	pos    int
	full   bool
}

// NewWriter wraps buf (already sized to the session's send limit).
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Pos returns the number of bytes written so far.
func (w *Writer) Pos() int { return w.pos }

// Bytes returns the written prefix of the underlying buffer.
func (w *Writer) Bytes() []byte { return w.buf[:w.pos] }

// Err reports ErrWriterFull if any write since construction overran the
// buffer.
func (w *Writer) Err() error {
	if w.full {
		return ErrWriterFull
	}
	return nil
}

func (w *Writer) reserve(n int) []byte {
	if w.full {
		return nil
	}
	if w.pos+n > len(w.buf) {
		w.full = true
		return nil
	}
	out := w.buf[w.pos : w.pos+n]
	w.pos += n
	return out
}

// U8 writes one byte.
func (w *Writer) U8(v uint8) {
	b := w.reserve(1)
	if b != nil {
		b[0] = v
	}
}

// U16 writes a big-endian uint16.
func (w *Writer) U16(v uint16) {
	b := w.reserve(2)
	if b != nil {
		binary.BigEndian.PutUint16(b, v)
	}
}

// U32 writes a big-endian uint32.
func (w *Writer) U32(v uint32) {
	b := w.reserve(4)
	if b != nil {
		binary.BigEndian.PutUint32(b, v)
	}
}

// RawBytes writes a raw byte slice verbatim.
func (w *Writer) RawBytes(v []byte) {
	b := w.reserve(len(v))
	if b != nil {
		copy(b, v)
	}
}

// UUIDVal writes a 128-bit UUID.
func (w *Writer) UUIDVal(u UUID) {
	w.RawBytes(u[:])
}

// FixedString writes s into a field of exactly n bytes, null-padded or
// truncated to fit.
func (w *Writer) FixedString(s string, n int) {
	b := w.reserve(n)
	if b == nil {
		return
	}
	for i := range b {
		b[i] = 0
	}
	copy(b, s)
}

// LengthSlot is a token handed out by BeginLength: it identifies a
// two-byte placeholder that must be patched exactly once, and before any
// bytes preceding it are considered final. Per §9, the cursor does not
// allow rewinding past committed bytes outside this patch path.
type LengthSlot struct {
	offset int
}

// BeginLength reserves a uint16 length placeholder and returns a token to
// patch it later with PatchLength, plus the byte offset where the body
// starts (for length computation).
func (w *Writer) BeginLength() (LengthSlot, int) {
	slot := LengthSlot{offset: w.pos}
	w.U16(0)
	return slot, w.pos
}

// PatchLength back-patches the placeholder from BeginLength with the number
// of bytes written between bodyStart and the writer's current position.
func (w *Writer) PatchLength(slot LengthSlot, bodyStart int) {
	if w.full || slot.offset+2 > len(w.buf) {
		return
	}
	length := uint16(w.pos - bodyStart)
	binary.BigEndian.PutUint16(w.buf[slot.offset:slot.offset+2], length)
}

// BlockHeader is the common 6-byte prefix of every typed PROFINET block.
// Composite encoders below do not write it; callers write it first to
// identify the block before dispatching to the right encoder (§4.1).
type BlockHeader struct {
	Type        uint16
	Length      uint16
	VersionHigh uint8
	VersionLow  uint8
}

// WriteHeaderPlaceholder writes Type/VersionHigh/VersionLow and a length
// placeholder, returning the slot to patch once the body is known.
func (w *Writer) WriteHeaderPlaceholder(blockType uint16, versionHigh, versionLow uint8) (LengthSlot, int) {
	w.U16(blockType)
	slot, _ := w.BeginLength()
	w.U8(versionHigh)
	w.U8(versionLow)
	// PROFINET's block Length counts everything after the Length field
	// itself, so the patched length spans from here, not from body start.
	return slot, slot.offset + 2
}

// ReadHeader reads the common 6-byte block header.
func (r *Reader) ReadHeader() BlockHeader {
	return BlockHeader{
		Type:        r.U16(),
		Length:      r.U16(),
		VersionHigh: r.U8(),
		VersionLow:  r.U8(),
	}
}
