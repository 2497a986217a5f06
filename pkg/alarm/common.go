// Package alarm implements the two-priority acknowledged alarm transport
// of §4.4: ALPMI/ALPMR generate and consume application alarms, APMS/APMR
// provide the reliable-delivery layer underneath them.
package alarm

import (
	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/internal/ethernet"
	"github.com/pnet-core/pnet/internal/osal"
)

// Priority selects one of the two independent alarm channels, §4.4.
type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// FrameID returns the Ethernet FrameID carrying this priority's alarm
// traffic, §6.
func (p Priority) FrameID() uint16 {
	if p == PriorityHigh {
		return ethernet.FrameIDAlarmHigh
	}
	return ethernet.FrameIDAlarmLow
}

// VLANPriority returns the 802.1Q priority this channel is sent at, §4.3's
// APDUCheck rule ("5/6 for low/high alarms").
func (p Priority) VLANPriority() uint8 {
	if p == PriorityHigh {
		return 6
	}
	return 5
}

// SeqCount is a 15-bit send/receive sequence counter, wraps modulo 0x8000
// (§3 invariant).
type SeqCount uint16

const seqCountMask = 0x7FFF

// Next returns the counter advanced by one, wrapping at 0x8000.
func (s SeqCount) Next() SeqCount {
	return (s + 1) & seqCountMask
}

// AlarmSeqNum is an 11-bit alarm sequence number, wraps modulo 0x800 (§3
// invariant).
type AlarmSeqNum uint16

const alarmSeqMask = 0x7FF

// Next returns the sequence number advanced by one, wrapping at 0x800.
func (n AlarmSeqNum) Next() AlarmSeqNum {
	return (n + 1) & alarmSeqMask
}

// Clock/Scheduler reuse the narrow osal boundary; alarm just needs
// deadlines, not wall time.
type scheduler = osal.Scheduler

// rawFrame is the payload alarm exchanges with its transport boundary: an
// already-serialized AlarmFixedHeader plus var part, ready for
// ethernet.Frame.Payload.
type rawFrame struct {
	header block.AlarmFixedHeader
	body   []byte
}

func (f rawFrame) encode() []byte {
	buf := make([]byte, 12+len(f.body))
	w := block.NewWriter(buf)
	w.WriteAlarmFixedHeader(f.header)
	w.RawBytes(f.body)
	return w.Bytes()
}

func decodeRawFrame(payload []byte) (rawFrame, bool) {
	r := block.NewReader(payload)
	h := r.ReadAlarmFixedHeader()
	if r.Err() != nil {
		return rawFrame{}, false
	}
	body := r.Bytes(r.Remaining())
	return rawFrame{header: h, body: body}, true
}
