package alarm

import (
	log "github.com/sirupsen/logrus"

	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/internal/ethernet"
)

// APMRState is the Acknowledge Protocol Machine Receiver state, §4.4.
//
// The original's "virtual" WCNF state (reached only to log an error) is
// collapsed into OPEN here.
type APMRState uint8

const (
	APMRClosed APMRState = iota
	APMROpen
)

// APMRDelivery is what APMR decoded out of an inbound DATA frame, handed to
// the owning Pair to route to ALPMR/ALPMI.
type APMRDelivery struct {
	IsTransportAck bool // true: bare transport ACK of our last DATA send
	IsNotify       bool // true: Alarm-Notify -> ALPMR; false: Alarm-Ack -> ALPMI
	Notify         block.AlarmNotificationPDU
	Ack            block.AlarmAckPDU
	AckSeqNum      uint16 // piggy-backed ack to forward to our APMS
}

// APMR is the receiver half of the reliable-delivery layer, §4.4.
type APMR struct {
	priority  Priority
	state     APMRState
	dstRef    uint16
	srcRef    uint16
	expSeq    SeqCount
	haveFirst bool
	tx        ethernet.Transmitter
	peerMAC   [6]byte
	log       *log.Entry
}

// NewAPMR creates an APMR for one priority channel.
func NewAPMR(priority Priority, tx ethernet.Transmitter, dstRef, srcRef uint16, peerMAC [6]byte, logger *log.Entry) *APMR {
	return &APMR{priority: priority, state: APMRClosed, tx: tx, dstRef: dstRef, srcRef: srcRef, peerMAC: peerMAC, log: logger}
}

// Open transitions CLOSED -> OPEN.
func (r *APMR) Open() { r.state = APMROpen }

// Close tears the channel down; no further deliveries are produced.
func (r *APMR) Close() { r.state = APMRClosed }

func (r *APMR) sendAck(ackSeq uint16) {
	frame := rawFrame{header: block.AlarmFixedHeader{
		DstRef:     r.dstRef,
		SrcRef:     r.srcRef,
		PDUType:    block.MakePDUTypeByte(block.PDUTypeAck, 1),
		SendSeqNum: uint16(r.expSeq),
		AckSeqNum:  ackSeq,
	}}
	_ = r.tx.Send(ethernet.Frame{
		DstMAC:   r.peerMAC,
		VLANPrio: r.priority.VLANPriority(),
		FrameID:  r.priority.FrameID(),
		Payload:  frame.encode(),
	})
}

func (r *APMR) sendNack() {
	frame := rawFrame{header: block.AlarmFixedHeader{
		DstRef:     r.dstRef,
		SrcRef:     r.srcRef,
		PDUType:    block.MakePDUTypeByte(block.PDUTypeNack, 1),
		SendSeqNum: uint16(r.expSeq),
	}}
	_ = r.tx.Send(ethernet.Frame{
		DstMAC:   r.peerMAC,
		VLANPrio: r.priority.VLANPriority(),
		FrameID:  r.priority.FrameID(),
		Payload:  frame.encode(),
	})
}

// Receive processes one raw alarm payload posted by the Ethernet frame
// handler. It returns (delivery, ok, abortSeqErr): ok is false when the
// frame requires no upward delivery (the channel is closed, a NACK or ERR
// frame, a re-ack of the previous sequence number, or a sequence mismatch
// that was NACK'd). A transport ACK is returned with ok true and
// IsTransportAck set.
func (r *APMR) Receive(payload []byte) (delivery APMRDelivery, ok bool, abortSeqErr bool) {
	if r.state != APMROpen {
		return APMRDelivery{}, false, false
	}
	f, valid := decodeRawFrame(payload)
	if !valid {
		r.log.Warn("dropping malformed alarm frame")
		return APMRDelivery{}, false, false
	}
	switch f.header.Type() {
	case block.PDUTypeAck:
		return APMRDelivery{IsTransportAck: true, AckSeqNum: f.header.AckSeqNum}, true, false
	case block.PDUTypeErr:
		pr := block.NewReader(f.body)
		status := pr.ReadPNIOStatus()
		r.log.WithField("status", status).Warn("received alarm ERR frame")
		return APMRDelivery{AckSeqNum: f.header.AckSeqNum}, false, false
	case block.PDUTypeNack:
		r.log.Warn("received alarm NACK")
		return APMRDelivery{}, false, false
	}

	// DATA frame.
	seq := SeqCount(f.header.SendSeqNum)
	switch {
	case r.haveFirst && seq == r.expSeq:
		r.sendAck(f.header.SendSeqNum)
		r.expSeq = r.expSeq.Next()
	case r.haveFirst && seq == (r.expSeq+seqCountMask)&seqCountMask:
		// Previous expected sequence number: idempotent re-ack, no upward
		// callback, §4.4.
		r.sendAck(f.header.SendSeqNum)
		return APMRDelivery{}, false, false
	case !r.haveFirst:
		r.haveFirst = true
		r.expSeq = seq.Next()
		r.sendAck(f.header.SendSeqNum)
	default:
		r.sendNack()
		return APMRDelivery{}, false, true
	}

	body := block.NewReader(f.body)
	hdr := body.ReadHeader()
	switch hdr.Type {
	case block.TypeAlarmAckLow, block.TypeAlarmAckHigh:
		return APMRDelivery{IsNotify: false, Ack: body.ReadAlarmAckPDU(), AckSeqNum: f.header.AckSeqNum}, true, false
	default:
		return APMRDelivery{IsNotify: true, Notify: body.ReadAlarmNotificationPDU(), AckSeqNum: f.header.AckSeqNum}, true, false
	}
}
