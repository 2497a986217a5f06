package alarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	log "github.com/sirupsen/logrus"

	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/internal/ethernet"
	"github.com/pnet-core/pnet/internal/osal"
)

// fakeClock is a manually-advanced microsecond clock for deterministic
// Scheduler tests, mirroring the teacher's approach of driving timeouts
// by hand rather than sleeping real time.
type fakeClock struct{ now uint32 }

func (c *fakeClock) NowUs() uint32 { return c.now }
func (c *fakeClock) advance(us uint32) { c.now += us }

// fakeTransmitter records every frame sent through it so a test can count
// and inspect what was transmitted.
type fakeTransmitter struct {
	sent []ethernet.Frame
}

func (tx *fakeTransmitter) Send(f ethernet.Frame) error {
	tx.sent = append(tx.sent, f)
	return nil
}

func (tx *fakeTransmitter) last() ethernet.Frame {
	return tx.sent[len(tx.sent)-1]
}

func nullLogger() *log.Entry {
	l := log.New()
	l.SetOutput(nullWriter{})
	return log.NewEntry(l)
}

type nullWriter struct{}

func (nullWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestAPMSRetransmitsThenAborts(t *testing.T) {
	clock := &fakeClock{}
	tx := &fakeTransmitter{}
	sched := osal.NewScheduler(clock)
	apms := NewAPMS(PriorityLow, sched, tx, 1, 2, 2, 1, [6]byte{0xAA}, nullLogger())
	apms.Open()

	require.NoError(t, apms.SendData([]byte{0x01, 0x02}, 0))
	assert.Equal(t, APMSWTack, apms.State())
	assert.Len(t, tx.sent, 1, "original send")

	clock.advance(apms.timeoutUs() + 1)
	res := apms.Process()
	assert.False(t, res.SendCnfNeg)
	assert.Len(t, tx.sent, 2, "first retry")

	clock.advance(apms.timeoutUs() + 1)
	res = apms.Process()
	assert.False(t, res.SendCnfNeg)
	assert.Len(t, tx.sent, 3, "second retry, rtaRetries exhausted after this")

	clock.advance(apms.timeoutUs() + 1)
	res = apms.Process()
	assert.True(t, res.SendCnfNeg, "no more retries left: send_cnf_neg")
	assert.Equal(t, APMSOpen, apms.State(), "returns to OPEN after giving up")
}

func TestAPMSAckStopsRetries(t *testing.T) {
	clock := &fakeClock{}
	tx := &fakeTransmitter{}
	sched := osal.NewScheduler(clock)
	apms := NewAPMS(PriorityLow, sched, tx, 1, 2, 2, 1, [6]byte{0xAA}, nullLogger())
	apms.Open()

	require.NoError(t, apms.SendData([]byte{0x01}, 0))
	sendSeq := uint16(apms.SendSeq())
	assert.True(t, apms.AckReceived(sendSeq))
	assert.Equal(t, APMSOpen, apms.State())

	clock.advance(apms.timeoutUs() + 1)
	res := apms.Process()
	assert.False(t, res.SendCnfNeg)
	assert.Len(t, tx.sent, 1, "no retransmit once acked")
}

func TestAPMRSequenceAdvanceAndIdempotentReAck(t *testing.T) {
	tx := &fakeTransmitter{}
	apmr := NewAPMR(PriorityLow, tx, 1, 2, [6]byte{0xBB}, nullLogger())
	apmr.Open()

	notify := buildNotifyFrame(t, 0, 0)
	delivery, ok, seqErr := apmr.Receive(notify)
	require.True(t, ok)
	require.False(t, seqErr)
	assert.True(t, delivery.IsNotify)
	assert.Len(t, tx.sent, 1, "ack sent for first frame")

	// Re-deliver the same (now previous) sequence number: idempotent
	// re-ack, no second upward delivery.
	delivery, ok, seqErr = apmr.Receive(notify)
	assert.False(t, ok)
	assert.False(t, seqErr)
	assert.False(t, delivery.IsNotify)
	assert.Len(t, tx.sent, 2, "re-ack sent")

	next := buildNotifyFrame(t, 1, 0)
	delivery, ok, seqErr = apmr.Receive(next)
	assert.True(t, ok)
	assert.False(t, seqErr)
	assert.True(t, delivery.IsNotify)
}

func TestAPMRUnexpectedSequenceNacks(t *testing.T) {
	tx := &fakeTransmitter{}
	apmr := NewAPMR(PriorityLow, tx, 1, 2, [6]byte{0xBB}, nullLogger())
	apmr.Open()

	// Skip ahead without the intermediate frame ever arriving.
	_, ok, seqErr := apmr.Receive(buildNotifyFrame(t, 0, 0))
	require.True(t, ok)
	require.False(t, seqErr)

	_, ok, seqErr = apmr.Receive(buildNotifyFrame(t, 5, 0))
	assert.False(t, ok)
	assert.True(t, seqErr)
}

func TestAPMRTransportAckIsDistinguishedFromDataAck(t *testing.T) {
	tx := &fakeTransmitter{}
	apmr := NewAPMR(PriorityLow, tx, 1, 2, [6]byte{0xBB}, nullLogger())
	apmr.Open()

	ackFrame := rawFrame{header: block.AlarmFixedHeader{
		DstRef:     1,
		SrcRef:     2,
		PDUType:    block.MakePDUTypeByte(block.PDUTypeAck, 1),
		SendSeqNum: 0,
		AckSeqNum:  7,
	}}
	delivery, ok, seqErr := apmr.Receive(ackFrame.encode())
	require.True(t, ok)
	require.False(t, seqErr)
	assert.True(t, delivery.IsTransportAck)
	assert.EqualValues(t, 7, delivery.AckSeqNum)
}

func TestPairDeliversNotifyAndAcksTransport(t *testing.T) {
	clock := &fakeClock{}
	tx := &fakeTransmitter{}
	var gotIndication bool
	pair := newTestPairWithCallbacks(t, clock, tx, Callbacks{
		OnIndication: func(p Priority, ind Indication) { gotIndication = true },
	})
	pair.Open()

	notify := buildNotifyFrame(t, 0, 0)
	pair.Mailbox().Post(notify)
	abort := pair.Tick()
	assert.False(t, abort)
	assert.True(t, gotIndication)
	require.Len(t, tx.sent, 1, "transport ack sent for the DATA frame")
	ack, ok := decodeRawFrame(tx.sent[0].Payload)
	require.True(t, ok)
	assert.EqualValues(t, block.PDUTypeAck, ack.header.Type())
}

func TestPairTransportAckDoesNotFireAckCnfCallback(t *testing.T) {
	clock := &fakeClock{}
	tx := &fakeTransmitter{}
	var gotAckCnf bool
	pair := newTestPairWithCallbacks(t, clock, tx, Callbacks{
		OnAckCnf: func(p Priority, pdu block.AlarmAckPDU) { gotAckCnf = true },
	})
	pair.Open()

	// Queue an outbound alarm so ALPMI has something in W_ACK, then
	// confirm it is not affected by a bare transport ACK aimed at APMS.
	require.NoError(t, pair.Enqueue(PendingAlarm{API: 0, Slot: 1, Subslot: 1}))
	pair.Tick()
	assert.Equal(t, ALPMIWAck, pair.alpmi.State())

	ackFrame := rawFrame{header: block.AlarmFixedHeader{
		DstRef:     1,
		SrcRef:     2,
		PDUType:    block.MakePDUTypeByte(block.PDUTypeAck, 1),
		SendSeqNum: 0,
		AckSeqNum:  uint16(pair.apms.SendSeq()),
	}}
	pair.Mailbox().Post(ackFrame.encode())
	pair.Tick()

	assert.False(t, gotAckCnf, "a bare transport ack must not surface as an application alarm ack")
	assert.Equal(t, ALPMIWAck, pair.alpmi.State(), "ALPMI only advances on a decoded Alarm-Ack PDU, not a transport ack")
}

func TestQueueFullReturnsError(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.Push(PendingAlarm{}))
	assert.ErrorIs(t, q.Push(PendingAlarm{}), errQueueFull)
}

func TestSeqCountWrapsAt0x8000(t *testing.T) {
	s := SeqCount(0x7FFF)
	assert.EqualValues(t, 0, s.Next())
}

func TestAlarmSeqNumWrapsAt0x800(t *testing.T) {
	n := AlarmSeqNum(0x7FF)
	assert.EqualValues(t, 0, n.Next())
}

func newTestPairWithCallbacks(t *testing.T, clock *fakeClock, tx *fakeTransmitter, cb Callbacks) *Pair {
	t.Helper()
	sched := osal.NewScheduler(clock)
	return NewPair(PriorityLow, sched, tx, 1, 2, 2, 1, [6]byte{0xAA}, 4, 4, cb, nullLogger())
}

func buildNotifyFrame(t *testing.T, seq uint16, ackSeq uint16) []byte {
	t.Helper()
	pdu := block.AlarmNotificationPDU{API: 0, Slot: 1, Subslot: 1, AlarmType: 1}
	buf := make([]byte, 6+24)
	w := block.NewWriter(buf)
	slot, bodyStart := w.WriteHeaderPlaceholder(block.TypeAlarmNotifyLow, 1, 0)
	w.WriteAlarmNotificationPDU(pdu)
	w.PatchLength(slot, bodyStart)

	f := rawFrame{header: block.AlarmFixedHeader{
		DstRef:     1,
		SrcRef:     2,
		PDUType:    block.MakePDUTypeByte(block.PDUTypeData, 1),
		AddFlags:   block.MakeAddFlagsByte(1, true),
		SendSeqNum: seq,
		AckSeqNum:  ackSeq,
	}, body: w.Bytes()}
	return f.encode()
}
