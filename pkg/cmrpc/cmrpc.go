// Package cmrpc implements the DCE/RPC-over-Ethernet dispatcher of §4.2:
// fragment reassembly, opcode routing to CMDEV/FSPM/CMWRR, response
// fragmentation, retransmission caching keyed on {activity UUID, sequence
// number}, and driving CControl out once the application signals ready.
package cmrpc

import (
	"sync"

	log "github.com/sirupsen/logrus"

	pnet "github.com/pnet-core/pnet"
	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/internal/ethernet"
	"github.com/pnet-core/pnet/pkg/cmdev"
)

// Opnum values this core dispatches on, §4.2/§6.
const (
	OpConnect uint16 = 0
	OpRelease uint16 = 1
	OpRead    uint16 = 2
	OpWrite   uint16 = 3
	OpControl uint16 = 4
)

// maxFragmentBody bounds a single outbound DCE/RPC frame's body, forcing
// fragmentation of larger responses per §4.2 item 3.
const maxFragmentBody = 1024

// Wire sizes of the two fixed headers, §6: DCERPCHeader is 80 bytes
// (1+1+1+1+4+16+16+16+4+4+4+2+2+2+2+2+1+1), NDRHeader is 20 (5 x u32).
// Sized here rather than derived from encoding/binary.Size since both
// headers are hand-marshalled field by field in blocks.go.
const (
	dceRPCHeaderWireSize = 80
	ndrHeaderWireSize    = 20
)

// Handler processes one fully-reassembled request body (everything after
// the NDR header) and returns the response body to place after the
// response's own NDR header.
type Handler func(activityUUID block.UUID, body []byte) ([]byte, error)

// Handlers wires the five opcodes this core recognises to their owning
// subsystem, §4.2 item 2. DControl and CControl both arrive as Control;
// the handler inspects the ControlCommand bits to tell them apart.
type Handlers struct {
	Connect Handler
	Release Handler
	Read    Handler
	Write   Handler
	Control Handler
}

var errSessionPoolFull = pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, 0, 0xB0)

// session tracks one activity UUID's reassembly state and last response,
// for retransmission caching, §4.2 "Session".
type session struct {
	lastSeq        uint32
	haveLastSeq    bool
	cachedResponse []byte
	fragments      map[uint16][]byte
}

// sessionTable is a fixed-capacity map of activity UUID to session, guarding
// the §7 "session pool full" resource error.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[block.UUID]*session
	capacity int
}

func newSessionTable(capacity int) *sessionTable {
	return &sessionTable{sessions: make(map[block.UUID]*session), capacity: capacity}
}

func (t *sessionTable) get(activity block.UUID) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[activity]; ok {
		return s, nil
	}
	if len(t.sessions) >= t.capacity {
		return nil, errSessionPoolFull
	}
	s := &session{fragments: make(map[uint16][]byte)}
	t.sessions[activity] = s
	return s, nil
}

func (t *sessionTable) remove(activity block.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, activity)
}

// Dispatcher is the CMRPC instance bound to one Net, implementing
// ethernet.FrameListener for the acyclic DCE/RPC channel, §4.2/§6.
type Dispatcher struct {
	tx       ethernet.Transmitter
	sessions *sessionTable
	handlers Handlers
	srcMAC   [6]byte
	bootTime uint32
	log      *log.Entry

	mu              sync.Mutex
	pendingControls map[block.UUID]*cmdev.AR
}

// NewDispatcher creates a Dispatcher bound to tx for sending responses and
// outbound CControl requests. sessionCapacity bounds the §7 RPC session
// pool.
func NewDispatcher(tx ethernet.Transmitter, srcMAC [6]byte, bootTime uint32, sessionCapacity int, handlers Handlers, logger *log.Entry) *Dispatcher {
	return &Dispatcher{
		tx:              tx,
		sessions:        newSessionTable(sessionCapacity),
		handlers:        handlers,
		srcMAC:          srcMAC,
		bootTime:        bootTime,
		log:             logger,
		pendingControls: make(map[block.UUID]*cmdev.AR),
	}
}

// Handle implements ethernet.FrameListener for the acyclic (FrameID 0)
// channel: parse, reassemble, dispatch, respond.
func (d *Dispatcher) Handle(frame ethernet.Frame) {
	rd := block.NewReader(frame.Payload)
	hdr := rd.ReadDCERPCHeader()
	if rd.Err() != nil {
		if d.log != nil {
			d.log.WithError(rd.Err()).Warn("cmrpc: malformed header, dropped")
		}
		return
	}
	rest := frame.Payload[len(frame.Payload)-rd.Remaining():]

	if hdr.PacketType == block.PTResponse || hdr.PacketType == block.PTFault {
		d.handleControlResponse(hdr, rest)
		return
	}

	sess, err := d.sessions.get(hdr.ActivityUUID)
	if err != nil {
		if d.log != nil {
			d.log.Warn("cmrpc: session pool full, request dropped")
		}
		return
	}

	if sess.haveLastSeq && hdr.SequenceNumber == sess.lastSeq && hdr.FragmentNum == 0 {
		// Retransmission of an already-handled request: resend the cached
		// response without re-running the handler, §4.2 "Session".
		d.sendResponse(frame.SrcMAC, hdr, sess.cachedResponse)
		return
	}

	body, complete := d.reassemble(sess, hdr, rest)
	if !complete {
		return
	}

	respBody, herr := d.dispatch(hdr, body)
	if herr != nil {
		d.sendFault(frame.SrcMAC, hdr, herr)
		return
	}

	sess.lastSeq = hdr.SequenceNumber
	sess.haveLastSeq = true
	sess.cachedResponse = respBody
	d.sendResponse(frame.SrcMAC, hdr, respBody)
}

// reassemble buffers non-last fragments and returns the assembled NDR+body
// once the last fragment of a request arrives.
func (d *Dispatcher) reassemble(sess *session, hdr block.DCERPCHeader, rest []byte) ([]byte, bool) {
	last := hdr.Flags1&block.Flag1LastFrag != 0
	if hdr.Flags1&block.Flag1Fragment == 0 || last {
		if len(sess.fragments) == 0 {
			return rest, true
		}
		sess.fragments[hdr.FragmentNum] = rest
	} else {
		sess.fragments[hdr.FragmentNum] = rest
		return nil, false
	}

	var whole []byte
	for i := uint16(0); i <= hdr.FragmentNum; i++ {
		whole = append(whole, sess.fragments[i]...)
	}
	sess.fragments = make(map[uint16][]byte)
	return whole, true
}

// dispatch reads the NDR header off body and routes to the opcode's
// handler, §4.2 item 2.
func (d *Dispatcher) dispatch(hdr block.DCERPCHeader, body []byte) ([]byte, error) {
	rd := block.NewReader(body)
	_ = rd.ReadNDRHeader()
	if rd.Err() != nil {
		return nil, pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, 0, 1)
	}
	rest := body[len(body)-rd.Remaining():]

	var h Handler
	switch hdr.Opnum {
	case OpConnect:
		h = d.handlers.Connect
	case OpRelease:
		h = d.handlers.Release
	case OpRead:
		h = d.handlers.Read
	case OpWrite:
		h = d.handlers.Write
	case OpControl:
		h = d.handlers.Control
	default:
		return nil, pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, hdr.Opnum, 2)
	}
	if h == nil {
		return nil, pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, hdr.Opnum, 3)
	}
	return h(hdr.ActivityUUID, rest)
}

// sendResponse wraps respBody in a DCERPCHeader+NDRHeader and emits it,
// fragmenting across multiple frames if it exceeds maxFragmentBody, §4.2
// item 3.
func (d *Dispatcher) sendResponse(dst [6]byte, reqHdr block.DCERPCHeader, respBody []byte) {
	buf := make([]byte, ndrHeaderWireSize+len(respBody))
	w := block.NewWriter(buf)
	w.WriteNDRHeader(block.NDRHeader{ArgsLength: uint32(len(respBody)), ActualCount: uint32(len(respBody))})
	w.RawBytes(respBody)
	full := w.Bytes()

	d.sendFragmented(dst, reqHdr, block.PTResponse, full)
}

func (d *Dispatcher) sendFault(dst [6]byte, reqHdr block.DCERPCHeader, err error) {
	fault, ok := err.(pnet.Fault)
	if !ok {
		fault = pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, 0, 0xFF)
	}
	w := block.NewWriter(make([]byte, 64))
	w.WritePNIOStatus(block.PNIOStatus{
		ErrCode:   fault.ErrCls,
		ErrDecode: 0x80, // PNIORW, the only decode this core emits
		ErrCode1:  fault.ErrCode,
		ErrCode2:  uint8(fault.AddData2),
	})
	d.sendFragmented(dst, reqHdr, block.PTFault, w.Bytes())
}

func (d *Dispatcher) sendFragmented(dst [6]byte, reqHdr block.DCERPCHeader, packetType uint8, body []byte) {
	for offset := 0; offset == 0 || offset < len(body); {
		end := offset + maxFragmentBody
		if end > len(body) {
			end = len(body)
		}
		chunk := body[offset:end]
		last := end == len(body)

		flags1 := uint8(0)
		if !last {
			flags1 |= block.Flag1Fragment
		} else if offset > 0 {
			flags1 |= block.Flag1Fragment | block.Flag1LastFrag
		}

		hdr := reqHdr
		hdr.PacketType = packetType
		hdr.Flags1 = flags1
		hdr.FragmentNum = uint16(offset / maxFragmentBody)
		hdr.LengthOfBody = uint16(len(chunk))
		hdr.ServerBootTime = d.bootTime

		buf := make([]byte, dceRPCHeaderWireSize+len(chunk))
		w := block.NewWriter(buf)
		w.WriteDCERPCHeader(hdr)
		w.RawBytes(chunk)

		frame := ethernet.Frame{
			DstMAC:  dst,
			SrcMAC:  d.srcMAC,
			Payload: w.Bytes(),
		}
		if err := d.tx.Send(frame); err != nil && d.log != nil {
			d.log.WithError(err).Warn("cmrpc: send failed")
		}

		if len(body) == 0 {
			return
		}
		offset = end
	}
}

// SendCControlRequest drives CControl *out*: once pnet_application_ready()
// has run locally, the device issues a CControl-Req to the controller
// asking for the DONE confirmation, §4.2 item 4. The response is correlated
// back to ar via ar.ARUUID as the activity UUID.
func (d *Dispatcher) SendCControlRequest(ar *cmdev.AR, seq uint32) {
	d.mu.Lock()
	d.pendingControls[ar.ARUUID] = ar
	d.mu.Unlock()

	hdr := block.DCERPCHeader{
		Version:        4,
		PacketType:     block.PTRequest,
		Flags1:         block.Flag1LastFrag,
		ActivityUUID:   ar.ARUUID,
		ServerBootTime: d.bootTime,
		SequenceNumber: seq,
		Opnum:          OpControl,
	}
	buf := make([]byte, dceRPCHeaderWireSize+ndrHeaderWireSize)
	w := block.NewWriter(buf)
	w.WriteDCERPCHeader(hdr)
	w.WriteNDRHeader(block.NDRHeader{})

	frame := ethernet.Frame{DstMAC: ar.PeerMAC, SrcMAC: d.srcMAC, Payload: w.Bytes()}
	if err := d.tx.Send(frame); err != nil && d.log != nil {
		d.log.WithError(err).Warn("cmrpc: CControl-Req send failed")
	}
}

// handleControlResponse correlates an inbound CControl response/fault back
// to the AR that sent the request and confirms CMDEV's CControlConfirmed.
func (d *Dispatcher) handleControlResponse(hdr block.DCERPCHeader, body []byte) {
	d.mu.Lock()
	ar, ok := d.pendingControls[hdr.ActivityUUID]
	if ok {
		delete(d.pendingControls, hdr.ActivityUUID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	done := hdr.PacketType == block.PTResponse
	ar.CControlConfirmed(done)
}

// CloseSession drops cached reassembly/retransmission state for an
// activity UUID, called once CMDEV releases the owning AR.
func (d *Dispatcher) CloseSession(activity block.UUID) {
	d.sessions.remove(activity)
}
