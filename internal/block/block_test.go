package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBitsBoundaries(t *testing.T) {
	assert.EqualValues(t, 0xFFFFFFFF, GetBits(0xFFFFFFFF, 0, 32))
	assert.EqualValues(t, 0, GetBits(0xFFFFFFFF, 4, 0))
	assert.EqualValues(t, 0, GetBits(0xFFFFFFFF, 31, 2))
}

func TestGetBitsExtractsField(t *testing.T) {
	w := uint32(0b1011_0000)
	assert.EqualValues(t, 0b1011, GetBits(w, 4, 4))
}

func TestPutBitsGetBitsRoundTrip(t *testing.T) {
	var w uint32
	w = PutBits(w, 13, 3, 6)
	w = PutBits(w, 0, 12, 0)
	assert.EqualValues(t, 6, GetBits(w, 13, 3))
	assert.EqualValues(t, 0, GetBits(w, 0, 12))
}

func TestVisibleString(t *testing.T) {
	assert.True(t, IsVisibleString([]byte("station-1")))
	assert.False(t, IsVisibleString(nil))
	assert.False(t, IsVisibleString([]byte{}))
	assert.False(t, IsVisibleString([]byte{0x1F}))
	assert.False(t, IsVisibleString([]byte{0x7F}))
	assert.True(t, IsVisibleChar(0x20))
	assert.True(t, IsVisibleChar(0x7E))
}

func TestReaderLatchesFirstError(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	_ = r.U32() // overruns -> latches EndOfInput
	assert.ErrorIs(t, r.Err(), ErrEndOfInput)
	// further reads keep returning the same latched error, not panicking
	_ = r.U8()
	assert.ErrorIs(t, r.Err(), ErrEndOfInput)
}

func TestReaderNilBuffer(t *testing.T) {
	r := NewReader(nil)
	assert.ErrorIs(t, r.Err(), ErrNullBuffer)
}

func TestStringNullTerminatesAndClamps(t *testing.T) {
	r := NewReader([]byte("abcdef"))
	dst := make([]byte, 4)
	r.String(dst, 6)
	assert.Equal(t, byte(0), dst[3])
	assert.Equal(t, "abc", string(dst[:3]))
}

func TestARBlockReqRoundTrip(t *testing.T) {
	in := ARBlockReq{
		ARType:       0x0001,
		ARUUID:       UUID{1, 2, 3, 4},
		SessionKey:   0x1234,
		InitiatorMAC: [6]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
		ARProperties: 0x00000101,
		StationName:  []byte("controller-1"),
	}
	in.StationNameLength = uint16(len(in.StationName))

	buf := make([]byte, 256)
	w := NewWriter(buf)
	w.WriteARBlockReq(in)
	assert.NoError(t, w.Err())

	r := NewReader(w.Bytes())
	out := r.ReadARBlockReq()
	assert.NoError(t, r.Err())
	assert.Equal(t, in, out)
}

func TestIOCRBlockReqRoundTrip(t *testing.T) {
	in := IOCRBlockReq{
		IOCRType:        1,
		IOCRReference:   1,
		LT:              0x8892,
		SendClockFactor: 32,
		ReductionRatio:  1,
		Phase:           1,
		VLANPriority:    6,
		Objects: []IODataObject{
			{Slot: 1, Subslot: 1, DataOffset: 0, DataLength: 4, IOPSOffset: 4, IOPSLength: 1},
		},
	}
	buf := make([]byte, 256)
	w := NewWriter(buf)
	w.WriteIOCRBlockReq(in)
	r := NewReader(w.Bytes())
	out := r.ReadIOCRBlockReq()
	assert.NoError(t, r.Err())
	assert.Equal(t, in, out)
}

func TestAlarmFixedHeaderBitPacking(t *testing.T) {
	h := AlarmFixedHeader{
		PDUType:  MakePDUTypeByte(PDUTypeData, 1),
		AddFlags: MakeAddFlagsByte(1, true),
	}
	assert.EqualValues(t, PDUTypeData, h.Type())
	assert.EqualValues(t, 1, h.Version())
	assert.EqualValues(t, 1, h.WindowSize())
	assert.True(t, h.TACK())
}

func TestDCERPCHeaderEndianessFlag(t *testing.T) {
	h := DCERPCHeader{DataRep: [4]byte{0x10, 0, 0, 0}}
	assert.False(t, h.BigEndian())
	h.DataRep[0] = 0x00
	assert.True(t, h.BigEndian())
}

func TestPeerCheckRoundTrip(t *testing.T) {
	in := PeerCheck{PortName: "port-001", ChassisName: "station-A"}
	buf := make([]byte, 64)
	w := NewWriter(buf)
	w.WritePeerCheck(in)
	r := NewReader(w.Bytes())
	out := r.ReadPeerCheck()
	assert.Equal(t, in, out)
}

func TestWriterLengthSlotPatch(t *testing.T) {
	buf := make([]byte, 32)
	w := NewWriter(buf)
	slot, bodyStart := w.WriteHeaderPlaceholder(TypeARBlockRes, 1, 0)
	w.U32(0xDEADBEEF)
	w.PatchLength(slot, bodyStart)

	r := NewReader(w.Bytes())
	hdr := r.ReadHeader()
	assert.EqualValues(t, TypeARBlockRes, hdr.Type)
	assert.EqualValues(t, 6, hdr.Length) // version(2) + body(4)
}
