package alarm

import (
	log "github.com/sirupsen/logrus"

	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/internal/ethernet"
	"github.com/pnet-core/pnet/internal/osal"
)

// Callbacks is the capability record an AR wires into a Pair, per the §9
// design note ("function-pointer callbacks ... model as a capability
// record"). Any field may be nil.
type Callbacks struct {
	// OnIndication is called when ALPMR accepts a controller alarm
	// (alarm-indication).
	OnIndication func(priority Priority, ind Indication)
	// OnAckCnf is called when ALPMI's outbound alarm is acknowledged
	// (alarm-ack confirmation).
	OnAckCnf func(priority Priority, pdu block.AlarmAckPDU)
	// OnAbort is called when APMS exhausts its retries
	// (AR_ALARM_SEND_CNF_NEG, §4.4), signalling the owning AR to abort.
	OnAbort func(priority Priority)
	// OnAlarmAckConfirmed is called when our own Alarm-Ack (sent via Ack)
	// is itself transport-confirmed by the peer, W_TACK -> W_NOTIFY.
	OnAlarmAckConfirmed func(priority Priority)
}

// Pair bundles the four sub-machines for one priority and the queue
// feeding ALPMI, §4.4.
type Pair struct {
	priority Priority
	apms     *APMS
	apmr     *APMR
	alpmi    *ALPMI
	alpmr    *ALPMR
	mailbox  *osal.Mailbox
	queue    *Queue
	cb       Callbacks
	log      *log.Entry
}

// NewPair constructs one priority's alarm machinery bound to tx and
// mailbox capacity.
func NewPair(priority Priority, sched *osal.Scheduler, tx ethernet.Transmitter,
	dstRef, srcRef, rtaRetries, rtaTimeoutFactor uint16, peerMAC [6]byte,
	mailboxCapacity, queueCapacity int, cb Callbacks, logger *log.Entry) *Pair {

	apms := NewAPMS(priority, sched, tx, dstRef, srcRef, rtaRetries, rtaTimeoutFactor, peerMAC, logger)
	apmr := NewAPMR(priority, tx, dstRef, srcRef, peerMAC, logger)
	return &Pair{
		priority: priority,
		apms:     apms,
		apmr:     apmr,
		alpmi:    NewALPMI(apms),
		alpmr:    NewALPMR(apms),
		mailbox:  osal.NewMailbox(mailboxCapacity),
		queue:    NewQueue(queueCapacity),
		cb:       cb,
		log:      logger,
	}
}

// Open opens every sub-machine: APMS/APMR to OPEN, ALPMI to W_ALARM and
// ALPMR to W_NOTIFY.
func (p *Pair) Open() {
	p.apms.Open()
	p.apmr.Open()
	p.alpmi.Open()
	p.alpmr.Open()
}

// Close tears the whole pair down: timers, mailbox and stored frames are
// released and no further callbacks fire, §5.
func (p *Pair) Close() {
	p.apms.Close()
	p.apmr.Close()
	p.alpmi.Close()
	p.alpmr.Close()
	p.mailbox.Drain()
	p.queue.Reset()
}

// CloseWithErr emits a best-effort ERR frame before tearing down — used for
// the low-priority pair on AR close, §4.4.
func (p *Pair) CloseWithErr(status block.PNIOStatus) {
	_ = p.apms.SendErr(status)
	p.Close()
}

// Mailbox exposes the inbound frame queue for the Ethernet frame handler
// to post into.
func (p *Pair) Mailbox() *osal.Mailbox { return p.mailbox }

// Enqueue appends pa to the outbound queue.
func (p *Pair) Enqueue(pa PendingAlarm) error {
	pa.Priority = p.priority
	return p.queue.Push(pa)
}

// Ack is the application-level acknowledgement of a delivered indication
// (pnet_alarm_send_ack).
func (p *Pair) Ack(status block.PNIOStatus) error {
	return p.alpmr.Ack(p.priority, status, p.apms.SendSeq())
}

// Tick drains the mailbox and the send queue once; call every
// handle_periodic (§5). It returns true if this pair's AR should abort
// (APMS exhausted its retries).
func (p *Pair) Tick() (abort bool) {
	for _, raw := range p.mailbox.Drain() {
		if p.receiveOne(raw) {
			abort = true
		}
	}

	if res := p.apms.Process(); res.SendCnfNeg {
		abort = true
		if p.cb.OnAbort != nil {
			p.cb.OnAbort(p.priority)
		}
	}

	if p.alpmi.Ready() && p.queue.Len() > 0 {
		pa, _ := p.queue.Pop()
		if err := p.alpmi.Send(pa, p.apmr.expSeqForAck()); err != nil {
			p.log.WithError(err).Warn("failed to send queued alarm")
		}
	}

	return abort
}

func (p *Pair) receiveOne(raw []byte) (abort bool) {
	delivery, ok, seqErr := p.apmr.Receive(raw)
	if seqErr {
		// APMR has already NACK'd the sequence gap. The gap is not
		// reported to the owning AR: Tick's abort result covers only
		// APMS retry exhaustion.
		return false
	}
	if !ok {
		return false
	}

	if delivery.IsTransportAck {
		if p.apms.AckReceived(delivery.AckSeqNum) {
			// our last DATA send is now confirmed: if it was ALPMR's
			// Alarm-Ack, that completes W_TACK -> W_NOTIFY.
			wasAlarmAck := p.alpmr.State() == ALPMRWTack
			p.alpmr.TAckConfirmed()
			if wasAlarmAck && p.cb.OnAlarmAckConfirmed != nil {
				p.cb.OnAlarmAckConfirmed(p.priority)
			}
		}
		return false
	}

	if delivery.IsNotify {
		ind, accepted := p.alpmr.Notify(delivery.Notify)
		if accepted && p.cb.OnIndication != nil {
			p.cb.OnIndication(p.priority, ind)
		}
	} else {
		p.apms.AckReceived(delivery.AckSeqNum)
		p.alpmi.AckReceived(delivery.Ack)
		if p.cb.OnAckCnf != nil {
			p.cb.OnAckCnf(p.priority, delivery.Ack)
		}
	}
	return false
}

// expSeqForAck exposes APMR's next expected receive sequence number, which
// Tick passes to ALPMI as the ack_seq_num piggy-backed on its DATA frames.
func (r *APMR) expSeqForAck() SeqCount { return r.expSeq }

// TAckConfirmed completes ALPMR's W_TACK -> W_NOTIFY. Tick already does
// this internally whenever APMS accepts a transport ACK; exposed for
// completeness/testing.
func (p *Pair) TAckConfirmed() { p.alpmr.TAckConfirmed() }
