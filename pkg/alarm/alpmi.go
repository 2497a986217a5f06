package alarm

import "github.com/pnet-core/pnet/internal/block"

// ALPMIState is the Alarm Protocol Machine Initiator state, §4.4.
type ALPMIState uint8

const (
	ALPMIWStart ALPMIState = iota
	ALPMIWAlarm
	ALPMIWAck
)

// ALPMI tracks the device-generated alarm stream and the controller's ACK
// for one priority, §4.4.
type ALPMI struct {
	state   ALPMIState
	seq     AlarmSeqNum
	apms    *APMS
	pending *PendingAlarm // the alarm currently awaiting application-level ack
}

// NewALPMI creates an ALPMI driving apms.
func NewALPMI(apms *APMS) *ALPMI {
	return &ALPMI{state: ALPMIWStart, apms: apms}
}

// Open transitions W_START -> W_ALARM, ready to send.
func (m *ALPMI) Open() { m.state = ALPMIWAlarm }

// Close resets to W_START.
func (m *ALPMI) Close() { m.state = ALPMIWStart; m.pending = nil }

// Ready reports whether ALPMI can accept a new alarm to send, §4.4 ("send
// queue...only when ALPMI is in W_ALARM").
func (m *ALPMI) Ready() bool { return m.state == ALPMIWAlarm }

// Send encodes and transmits pa as an Alarm-Notify DATA PDU, transitioning
// W_ALARM -> W_ACK.
func (m *ALPMI) Send(pa PendingAlarm, ackSeq SeqCount) error {
	if m.state != ALPMIWAlarm {
		return errWrongState
	}
	pdu := block.AlarmNotificationPDU{
		API:                  pa.API,
		Slot:                 pa.Slot,
		Subslot:              pa.Subslot,
		AlarmType:            pa.AlarmType,
		AlarmSpecifier:       pa.AlarmSpecifier,
		AlarmSequenceNumber:  uint16(m.seq),
		ModuleIdentNumber:    pa.ModuleIdentNumber,
		SubmoduleIdentNumber: pa.SubmoduleIdentNumber,
		USI:                  pa.USI,
		Data:                 pa.Payload,
	}
	buf := make([]byte, 6+24+len(pa.Payload))
	w := block.NewWriter(buf)
	slot, bodyStart := w.WriteHeaderPlaceholder(notifyBlockType(pa.Priority), 1, 0)
	w.WriteAlarmNotificationPDU(pdu)
	w.PatchLength(slot, bodyStart)

	if err := m.apms.SendData(w.Bytes(), ackSeq); err != nil {
		return err
	}
	pa.SequenceNumber = m.seq
	m.pending = &pa
	m.state = ALPMIWAck
	return nil
}

func notifyBlockType(p Priority) uint16 {
	if p == PriorityHigh {
		return block.TypeAlarmNotifyHigh
	}
	return block.TypeAlarmNotifyLow
}

// AckReceived completes W_ACK -> W_ALARM on a matching Alarm-Ack PDU from
// the peer. Mismatched sequence numbers are ignored (the transport layer
// already filtered those).
func (m *ALPMI) AckReceived(ack block.AlarmAckPDU) {
	if m.state != ALPMIWAck {
		return
	}
	if AlarmSeqNum(ack.AlarmSequenceNumber) != m.seq {
		return
	}
	m.seq = m.seq.Next()
	m.pending = nil
	m.state = ALPMIWAlarm
}

// State reports the current ALPMI state.
func (m *ALPMI) State() ALPMIState { return m.state }
