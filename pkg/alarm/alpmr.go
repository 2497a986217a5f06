package alarm

import "github.com/pnet-core/pnet/internal/block"

// ALPMRState is the Alarm Protocol Machine Responder state, §4.4.
type ALPMRState uint8

const (
	ALPMRWStart ALPMRState = iota
	ALPMRWNotify
	ALPMRWUserAck
	ALPMRWTack
)

// Indication is what ALPMR surfaces to the application callback on a
// received controller alarm.
type Indication struct {
	PDU block.AlarmNotificationPDU
	Seq AlarmSeqNum
}

// ALPMR handles controller-originated alarms and surfaces the
// acknowledgement to the application, §4.4.
type ALPMR struct {
	state   ALPMRState
	current Indication
	apms    *APMS
}

// NewALPMR creates an ALPMR driving apms for application-level acks.
func NewALPMR(apms *APMS) *ALPMR {
	return &ALPMR{state: ALPMRWStart, apms: apms}
}

// Open transitions W_START -> W_NOTIFY.
func (m *ALPMR) Open() { m.state = ALPMRWNotify }

// Close resets to W_START.
func (m *ALPMR) Close() { m.state = ALPMRWStart }

// Notify delivers a controller alarm, transitioning W_NOTIFY -> W_USER_ACK.
// Returns false if ALPMR is not ready to accept one (e.g. still awaiting
// application ack for a previous indication — the caller should not have
// delivered a second DATA frame before the first was acked, since the
// transport layer serializes delivery per sequence number).
func (m *ALPMR) Notify(pdu block.AlarmNotificationPDU) (Indication, bool) {
	if m.state != ALPMRWNotify {
		return Indication{}, false
	}
	m.current = Indication{PDU: pdu, Seq: AlarmSeqNum(pdu.AlarmSequenceNumber)}
	m.state = ALPMRWUserAck
	return m.current, true
}

// Ack is called once the application has processed the indication
// (pnet_alarm_send_ack): it encodes and sends the Alarm-Ack PDU,
// transitioning W_USER_ACK -> W_TACK.
func (m *ALPMR) Ack(priority Priority, status block.PNIOStatus, ackSeq SeqCount) error {
	if m.state != ALPMRWUserAck {
		return errWrongState
	}
	pdu := block.AlarmAckPDU{
		API:                 m.current.PDU.API,
		Slot:                m.current.PDU.Slot,
		Subslot:             m.current.PDU.Subslot,
		AlarmType:           m.current.PDU.AlarmType,
		AlarmSpecifier:      m.current.PDU.AlarmSpecifier,
		AlarmSequenceNumber: uint16(m.current.Seq),
		Status:              status,
	}
	buf := make([]byte, 6+18)
	w := block.NewWriter(buf)
	slot, bodyStart := w.WriteHeaderPlaceholder(ackBlockType(priority), 1, 0)
	w.WriteAlarmAckPDU(pdu)
	w.PatchLength(slot, bodyStart)

	if err := m.apms.SendData(w.Bytes(), ackSeq); err != nil {
		return err
	}
	m.state = ALPMRWTack
	return nil
}

func ackBlockType(p Priority) uint16 {
	if p == PriorityHigh {
		return block.TypeAlarmAckHigh
	}
	return block.TypeAlarmAckLow
}

// TAckConfirmed completes W_TACK -> W_NOTIFY once APMS confirms the Ack
// PDU was transport-acknowledged.
func (m *ALPMR) TAckConfirmed() {
	if m.state == ALPMRWTack {
		m.state = ALPMRWNotify
	}
}

// State reports the current ALPMR state.
func (m *ALPMR) State() ALPMRState { return m.state }
