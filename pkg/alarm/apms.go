package alarm

import (
	log "github.com/sirupsen/logrus"

	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/internal/ethernet"
	"github.com/pnet-core/pnet/internal/osal"
)

// APMSState is the Acknowledge Protocol Machine Sender state, §4.4.
type APMSState uint8

const (
	APMSClosed APMSState = iota
	APMSOpen
	APMSWTack
)

// APMSResult reports what happened after Process/ack handling, so the
// owning AR can react (e.g. escalate to CMDEV abort).
type APMSResult struct {
	SendCnfNeg bool // retries exhausted, §4.4 escalation
}

// APMS is the sender half of the reliable-delivery layer under one
// priority's ALPMI, §4.4.
type APMS struct {
	priority   Priority
	state      APMSState
	dstRef     uint16
	srcRef     uint16
	sendSeq    SeqCount
	rtaRetries uint16
	rtaTimeoutFactor uint16
	retriesLeft uint16
	timer      osal.TimerHandle
	sched      *osal.Scheduler
	stored     rawFrame
	hasStored  bool
	tx         ethernet.Transmitter
	peerMAC    [6]byte
	log        *log.Entry
}

// NewAPMS creates an APMS bound to tx, with references and retry
// parameters negotiated at Connect time (§4.4).
func NewAPMS(priority Priority, sched *osal.Scheduler, tx ethernet.Transmitter, dstRef, srcRef uint16, rtaRetries, rtaTimeoutFactor uint16, peerMAC [6]byte, logger *log.Entry) *APMS {
	return &APMS{
		priority:   priority,
		state:      APMSClosed,
		sched:      sched,
		tx:         tx,
		dstRef:     dstRef,
		srcRef:     srcRef,
		rtaRetries: rtaRetries,
		rtaTimeoutFactor: rtaTimeoutFactor,
		peerMAC:    peerMAC,
		log:        logger,
	}
}

// Open transitions CLOSED -> OPEN, ready to send.
func (a *APMS) Open() {
	a.state = APMSOpen
}

func (a *APMS) timeoutUs() uint32 {
	return 100_000 * uint32(a.rtaTimeoutFactor) // 100ms * factor, §5
}

// SendData emits a DATA PDU carrying body with TACK set, storing it for
// retransmission and arming the retry timer. Only valid from OPEN.
func (a *APMS) SendData(body []byte, ackSeq SeqCount) error {
	if a.state != APMSOpen {
		return errWrongState
	}
	frame := rawFrame{
		header: block.AlarmFixedHeader{
			DstRef:     a.dstRef,
			SrcRef:     a.srcRef,
			PDUType:    block.MakePDUTypeByte(block.PDUTypeData, 1),
			AddFlags:   block.MakeAddFlagsByte(1, true),
			SendSeqNum: uint16(a.sendSeq),
			AckSeqNum:  uint16(ackSeq),
		},
		body: body,
	}
	frame.header.VarPartLen = uint16(len(body))
	a.stored = frame
	a.hasStored = true
	a.retriesLeft = a.rtaRetries
	a.timer = a.sched.Schedule(a.timeoutUs())
	a.state = APMSWTack
	return a.transmit(frame)
}

// SendErr emits a best-effort ERR PDU (no TACK, no retransmission) — used
// on AR close, §4.4.
func (a *APMS) SendErr(status block.PNIOStatus) error {
	buf := make([]byte, 4)
	w := block.NewWriter(buf)
	w.WritePNIOStatus(status)
	frame := rawFrame{
		header: block.AlarmFixedHeader{
			DstRef:     a.dstRef,
			SrcRef:     a.srcRef,
			PDUType:    block.MakePDUTypeByte(block.PDUTypeErr, 1),
			SendSeqNum: uint16(a.sendSeq),
			VarPartLen: uint16(w.Pos()),
		},
		body: w.Bytes(),
	}
	return a.transmit(frame)
}

func (a *APMS) transmit(frame rawFrame) error {
	return a.tx.Send(ethernet.Frame{
		DstMAC:   a.peerMAC,
		VLANPrio: a.priority.VLANPriority(),
		FrameID:  a.priority.FrameID(),
		Payload:  frame.encode(),
	})
}

// AckReceived is called when an incoming ACK/piggy-backed ack with a
// matching ack_seq_num arrives: it advances send_seq_count, frees the
// stored frame and returns APMS to OPEN, per §4.4.
func (a *APMS) AckReceived(ackSeqNum uint16) bool {
	if a.state != APMSWTack {
		return false
	}
	if uint16(a.sendSeq) != ackSeqNum {
		return false
	}
	a.sched.Cancel(a.timer)
	a.sendSeq = a.sendSeq.Next()
	a.hasStored = false
	a.state = APMSOpen
	return true
}

// Process advances the retry timer; call every handle_periodic tick while
// in WTACK. Returns SendCnfNeg=true once retries are exhausted (the frame
// having been retransmitted rtaRetries times beyond the original send,
// §8 scenario 4).
func (a *APMS) Process() APMSResult {
	if a.state != APMSWTack {
		return APMSResult{}
	}
	if !a.sched.Expired(a.timer) {
		return APMSResult{}
	}
	if a.retriesLeft == 0 {
		a.log.WithField("priority", a.priority).Warn("alarm retries exhausted, surfacing send_cnf_neg")
		a.hasStored = false
		a.state = APMSOpen
		return APMSResult{SendCnfNeg: true}
	}
	a.retriesLeft--
	if a.hasStored {
		if err := a.transmit(a.stored); err != nil {
			a.log.WithError(err).Warn("alarm retransmit failed")
		}
	}
	a.timer = a.sched.Schedule(a.timeoutUs())
	return APMSResult{}
}

// Close tears down timers and the stored frame, with no further callbacks
// firing afterwards (§5 cancellation guarantee).
func (a *APMS) Close() {
	a.sched.Cancel(a.timer)
	a.hasStored = false
	a.state = APMSClosed
}

// State reports the current APMS state.
func (a *APMS) State() APMSState { return a.state }

// SendSeq reports the current send_seq_count.
func (a *APMS) SendSeq() SeqCount { return a.sendSeq }
