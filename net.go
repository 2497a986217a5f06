package pnet

import (
	log "github.com/sirupsen/logrus"

	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/internal/ethernet"
	"github.com/pnet-core/pnet/internal/osal"
	"github.com/pnet-core/pnet/pkg/alarm"
	"github.com/pnet-core/pnet/pkg/cmdev"
	"github.com/pnet-core/pnet/pkg/cmrpc"
	"github.com/pnet-core/pnet/pkg/cmwrr"
	"github.com/pnet-core/pnet/pkg/diag"
	"github.com/pnet-core/pnet/pkg/fspm"
	"github.com/pnet-core/pnet/pkg/pdport"
)

// NetConfig bounds the fixed-size arenas Net allocates at construction,
// §9's "single owner holding arenas for ARs, slots, subslots, diagnosis
// items" design note — nothing grows after New.
type NetConfig struct {
	MaxARs           int
	DiagPoolCapacity int
	PortCount        int
	AlarmQueueDepth  int
	AlarmMailboxSize int
	SessionCapacity  int
	Limits           cmdev.Limits
	SrcMAC           [6]byte
}

// arSlot pairs one AR with the per-AR machinery CMDEV doesn't own itself:
// its CMWRR router and, once past W_CIND, its two alarm pairs.
type arSlot struct {
	ar    cmdev.AR
	wrr   *cmwrr.Router
	inUse bool
}

// Net is the single owner of every arena this core needs: the AR table,
// the device tree, the diagnosis pool and the application-facing FSPM/
// PDPort state, §9. host code drives it entirely through HandlePeriodic
// and the application API below — nothing here spawns a goroutine.
type Net struct {
	cfg NetConfig

	tree *DeviceTree
	diag *diag.Pool
	fspm *fspm.FSPM

	ports []*pdport.Store

	ars []arSlot

	sched *osal.Scheduler
	tx    ethernet.Transmitter
	rpc   *cmrpc.Dispatcher
	eth   *ethernet.Dispatcher

	log *log.Entry
}

// New assembles a Net from validated configuration, refusing to produce
// one on a fatal configuration error (§7 "Fatal (device-wide)": the
// constructor itself is the only place that can raise one).
func New(cfg NetConfig, pnetCfg *fspm.PnetCfg, callbacks fspm.Callbacks,
	clock osal.Clock, tx ethernet.Transmitter, logger *log.Entry) (*Net, error) {

	f, err := fspm.New(pnetCfg, callbacks, logger)
	if err != nil {
		return nil, err
	}

	ports := make([]*pdport.Store, cfg.PortCount)
	for i := 0; i < cfg.PortCount; i++ {
		store, err := pdport.NewStore(pnetCfg.DataDir, i+1, logger)
		if err != nil {
			return nil, err
		}
		ports[i] = store
	}

	n := &Net{
		cfg:   cfg,
		tree:  NewDeviceTree(),
		diag:  diag.NewPool(cfg.DiagPoolCapacity),
		fspm:  f,
		ports: ports,
		ars:   make([]arSlot, cfg.MaxARs),
		sched: osal.NewScheduler(clock),
		tx:    tx,
		log:   logger,
	}

	n.eth = ethernet.NewDispatcher()
	n.rpc = cmrpc.NewDispatcher(tx, cfg.SrcMAC, clock.NowUs(), cfg.SessionCapacity, cmrpc.Handlers{
		Connect: n.handleConnect,
		Release: n.handleRelease,
		Read:    n.handleRead,
		Write:   n.handleWrite,
		Control: n.handleControl,
	}, logger)
	n.eth.RegisterAcyclic(n.rpc)
	n.eth.RegisterFrameID(ethernet.FrameIDAlarmLow, n)
	n.eth.RegisterFrameID(ethernet.FrameIDAlarmHigh, n)

	return n, nil
}

// EthernetDispatcher exposes the acyclic-frame dispatcher the host wires
// its NIC receive path into, §6.
func (n *Net) EthernetDispatcher() *ethernet.Dispatcher { return n.eth }

// Handle satisfies ethernet.FrameListener so cmrpc.Dispatcher can be
// registered directly with the Ethernet dispatcher.
var _ ethernet.FrameListener = (*cmrpc.Dispatcher)(nil)

// Handle demultiplexes an inbound alarm frame to the AR it addresses, by
// matching AlarmFixedHeader.DstRef against the local alarm reference Net
// assigned that AR at Connect time (its own arep, §4.4/§6). Net itself is
// registered as the listener for both alarm FrameIDs since the reference,
// not the FrameID, is what distinguishes one AR's traffic from another's.
func (n *Net) Handle(frame ethernet.Frame) {
	rd := block.NewReader(frame.Payload)
	hdr := rd.ReadAlarmFixedHeader()
	if rd.Err() != nil {
		return
	}
	for i := range n.ars {
		slot := &n.ars[i]
		if !slot.inUse || uint16(slot.ar.AREP) != hdr.DstRef {
			continue
		}
		var pair *alarm.Pair
		switch frame.FrameID {
		case ethernet.FrameIDAlarmLow:
			pair = slot.ar.AlarmLow
		case ethernet.FrameIDAlarmHigh:
			pair = slot.ar.AlarmHigh
		}
		if pair != nil {
			pair.Mailbox().Post(frame.Payload)
		}
		return
	}
}

// HandlePeriodic is the single entry point the host calls at a fixed
// interval, §5: it drains every live AR's alarm mailboxes, advances their
// retransmit timers and pops one queued outbound alarm per pair, exactly
// the drain-and-process idiom alarm.Pair.Tick already follows per-pair.
// It never blocks and never spawns a goroutine.
func (n *Net) HandlePeriodic() {
	for i := range n.ars {
		if n.ars[i].inUse {
			n.tickAR(ARIndex(i))
		}
	}
}

func (n *Net) tickAR(idx ARIndex) {
	ar := &n.ars[idx].ar
	abort := false
	if ar.AlarmLow != nil && ar.AlarmLow.Tick() {
		abort = true
	}
	if ar.AlarmHigh != nil && ar.AlarmHigh.Tick() {
		abort = true
	}
	if abort {
		n.abortAR(idx, AbortCodeARAlarmSendCnfNeg)
	}
}

// allocAR finds a free table slot, or NoAR if the table is full (§7
// resource error: "AR table full" rejects the Connect request).
func (n *Net) allocAR() ARIndex {
	for i := range n.ars {
		if !n.ars[i].inUse {
			return ARIndex(i)
		}
	}
	return NoAR
}

// abortAR runs the single AR destructor named in §7: flip state, tear down
// alarm pairs, sweep the device tree's back-references, emit a best-effort
// ERR, then free the table slot.
func (n *Net) abortAR(idx ARIndex, errCode uint16) {
	n.abortARWithClass(idx, ErrClsProtocol, uint8(errCode))
}

func (n *Net) abortARWithClass(idx ARIndex, errCls, errCode uint8) {
	if int(idx) >= len(n.ars) || !n.ars[idx].inUse {
		return
	}
	slot := &n.ars[idx]
	ar := &slot.ar
	ar.Abort(errCls, errCode)

	if ar.AlarmLow != nil {
		ar.AlarmLow.CloseWithErr(block.PNIOStatus{ErrCode: ar.ErrCls, ErrCode1: ar.ErrCode})
	}
	if ar.AlarmHigh != nil {
		ar.AlarmHigh.Close()
	}
	n.rpc.CloseSession(ar.ARUUID)
	n.tree.ClearARReferences(idx)

	ar.Reset()
	slot.wrr = nil
	slot.inUse = false
}

// AbortAll aborts every live AR with the given (err_cls, err_code),
// satisfying fspm.AROborter for FactoryReset.
func (n *Net) AbortAll(errCls, errCode uint8) {
	for i := range n.ars {
		if n.ars[i].inUse {
			n.abortARWithClass(ARIndex(i), errCls, errCode)
		}
	}
}

// --- application API surface, §6 ---

// PlugModule plugs identNumber into {api, slot}, §4.3/§6.
func (n *Net) PlugModule(api uint32, slot uint16, identNumber uint32) PlugState {
	return n.tree.PlugModule(api, slot, identNumber)
}

// PullModule pulls {api, slot}, failing if any subslot is AR-owned by an
// AR other than allowUnload, §4.3/§6.
func (n *Net) PullModule(api uint32, slot uint16, allowUnload ARIndex) cmdev.PullOutcome {
	return cmdev.PullModule(n.tree, api, slot, allowUnload)
}

// PlugSubmodule plugs identNumber into {api, slot, subslot}, reporting the
// alarm the caller must enqueue against the owning AR, §4.3/§6.
func (n *Net) PlugSubmodule(api uint32, slot, subslot uint16, identNumber uint32, dir DataDirection) cmdev.PlugOutcome {
	return cmdev.PlugSubmodule(n.tree, api, slot, subslot, identNumber, dir)
}

// PullSubmodule pulls {api, slot, subslot}, §4.3/§6.
func (n *Net) PullSubmodule(api uint32, slot, subslot uint16) cmdev.PullOutcome {
	return cmdev.PullSubmodule(n.tree, api, slot, subslot)
}

// InputSetDataAndIOPS is the application staging an input submodule's
// cyclic data and IOPS. Cyclic data transport itself is out of scope
// (§1 Non-goals); this validates ownership and forwards to
// Callbacks.WriteInd's counterpart is not applicable here — the call only
// checks the subslot is owned and IO-capable before the host's own
// transport path (outside this core) copies the bytes onto the wire.
func (n *Net) InputSetDataAndIOPS(api uint32, slot, subslot uint16, owner ARIndex) error {
	sub := n.tree.Subslot(api, slot, subslot)
	if sub == nil || sub.Owner != owner {
		return NewFault(ErrClsProtocol, ErrCodeWrite, slot, subslot)
	}
	if sub.Direction != DirInput && sub.Direction != DirIO {
		return NewFault(ErrClsProtocol, ErrCodeWrite, slot, subslot)
	}
	return nil
}

// InputGetIOCS returns the owning AR's consumer status obligation for an
// input subslot — a pass-through ownership check, cyclic data itself out
// of scope (§1 Non-goals).
func (n *Net) InputGetIOCS(api uint32, slot, subslot uint16) (ARIndex, error) {
	sub := n.tree.Subslot(api, slot, subslot)
	if sub == nil {
		return NoAR, NewFault(ErrClsProtocol, ErrCodeRead, slot, subslot)
	}
	return sub.Owner, nil
}

// OutputGetDataAndIOPS is the output-direction counterpart of
// InputSetDataAndIOPS.
func (n *Net) OutputGetDataAndIOPS(api uint32, slot, subslot uint16) (ARIndex, error) {
	sub := n.tree.Subslot(api, slot, subslot)
	if sub == nil || (sub.Direction != DirOutput && sub.Direction != DirIO) {
		return NoAR, NewFault(ErrClsProtocol, ErrCodeRead, slot, subslot)
	}
	return sub.Owner, nil
}

// OutputSetIOCS stages the application's consumer status for an output
// subslot it owns.
func (n *Net) OutputSetIOCS(api uint32, slot, subslot uint16, owner ARIndex) error {
	sub := n.tree.Subslot(api, slot, subslot)
	if sub == nil || sub.Owner != owner {
		return NewFault(ErrClsProtocol, ErrCodeWrite, slot, subslot)
	}
	return nil
}

// ApplicationReady is pnet_application_ready(arep), §6.
func (n *Net) ApplicationReady(arep uint32, providersStaged bool) error {
	ar, _ := n.findAR(arep)
	if ar == nil {
		return NewFault(ErrClsProtocol, ErrCodeControl, 0, 0)
	}
	if err := ar.ApplicationReady(providersStaged); err != nil {
		return err
	}
	n.rpc.SendCControlRequest(ar, 1)
	return nil
}

// SMReleasedCnf is sm_released_cnf(arep), §6: the application confirming
// it released every submodule it had owned so the AR's release can
// complete.
func (n *Net) SMReleasedCnf(arep uint32) {
	if ar, idx := n.findAR(arep); ar != nil {
		n.abortAR(idx, AbortCodeReleaseInd)
	}
}

// ARAbort is ar_abort(arep), §6: the application requesting this AR be
// torn down.
func (n *Net) ARAbort(arep uint32) {
	if _, idx := n.findAR(arep); idx != NoAR {
		n.abortAR(idx, AbortCodeStateViolation)
	}
}

// FactoryReset is factory_reset, §6/§4.6.
func (n *Net) FactoryReset(mode fspm.ResetMode) {
	n.fspm.FactoryReset(mode, n)
	if mode == fspm.ResetAll {
		for _, p := range n.ports {
			_ = p.Reset()
		}
	}
}

// RemoveDataFiles is remove_data_files, §6.
func (n *Net) RemoveDataFiles() error {
	if err := fspm.RemoveDataFiles(n.fspm.Cfg.DataDir); err != nil {
		return err
	}
	return pdport.ResetAllPorts(n.fspm.Cfg.DataDir, n.cfg.PortCount)
}

// GetARErrorCodes is get_ar_error_codes(arep) -> (err_cls, err_code), §6.
func (n *Net) GetARErrorCodes(arep uint32) (errCls, errCode uint8) {
	ar, _ := n.findAR(arep)
	if ar == nil {
		return 0, 0
	}
	return ar.ErrCls, ar.ErrCode
}

// AlarmSendProcess is alarm_send_process(arep, ...), §6: the application
// enqueuing a process alarm for the named AR's priority pair.
func (n *Net) AlarmSendProcess(arep uint32, pa alarm.PendingAlarm) error {
	ar, _ := n.findAR(arep)
	if ar == nil {
		return NewFault(ErrClsRTA, ErrCodeAlarmAck, 0, 0)
	}
	pair := ar.AlarmLow
	if pa.Priority == alarm.PriorityHigh {
		pair = ar.AlarmHigh
	}
	if pair == nil {
		return NewFault(ErrClsRTA, ErrCodeAlarmAck, 0, 1)
	}
	return pair.Enqueue(pa)
}

// AlarmSendAck is alarm_send_ack(arep, arg, status), §6: the application
// acknowledging a received alarm indication.
func (n *Net) AlarmSendAck(arep uint32, priority alarm.Priority, status block.PNIOStatus) error {
	ar, _ := n.findAR(arep)
	if ar == nil {
		return NewFault(ErrClsRTA, ErrCodeAlarmAck, 0, 0)
	}
	pair := ar.AlarmLow
	if priority == alarm.PriorityHigh {
		pair = ar.AlarmHigh
	}
	if pair == nil {
		return NewFault(ErrClsRTA, ErrCodeAlarmAck, 0, 1)
	}
	return pair.Ack(status)
}

// DiagnosisAdd adds a diagnosis item against {api, slot, subslot}, §6.
func (n *Net) DiagnosisAdd(api uint32, slot, subslot uint16, item diag.Item) (diag.Index, error) {
	sub := n.tree.Subslot(api, slot, subslot)
	if sub == nil {
		return diag.NoIndex, NewFault(ErrClsProtocol, ErrCodeWrite, slot, subslot)
	}
	idx, err := n.diag.Add(api, slot, subslot, &sub.DiagHead, item)
	return idx, err
}

// DiagnosisUpdate replaces the contents of an existing diagnosis item,
// §6.
func (n *Net) DiagnosisUpdate(idx diag.Index, item diag.Item) {
	n.diag.Update(idx, item)
}

// DiagnosisRemove removes a diagnosis item from {api, slot, subslot}'s
// list, §6.
func (n *Net) DiagnosisRemove(api uint32, slot, subslot uint16, idx diag.Index) bool {
	sub := n.tree.Subslot(api, slot, subslot)
	if sub == nil {
		return false
	}
	return n.diag.Remove(&sub.DiagHead, idx)
}

func (n *Net) findAR(arep uint32) (*cmdev.AR, ARIndex) {
	for i := range n.ars {
		if n.ars[i].inUse && n.ars[i].ar.AREP == arep {
			return &n.ars[i].ar, ARIndex(i)
		}
	}
	return nil, NoAR
}

// findARByUUID is findAR's counterpart for the handlers below, which are
// addressed by the CMRPC activity UUID rather than the application's arep.
func (n *Net) findARByUUID(uuid block.UUID) (*cmdev.AR, ARIndex) {
	for i := range n.ars {
		if n.ars[i].inUse && n.ars[i].ar.ARUUID == uuid {
			return &n.ars[i].ar, ARIndex(i)
		}
	}
	return nil, NoAR
}

// usedFrameIDs collects every FrameID already claimed by a live AR, the set
// FixUpFrameID must avoid colliding with, §4.3 "FrameID fix-up".
func (n *Net) usedFrameIDs() map[uint16]bool {
	used := make(map[uint16]bool)
	for i := range n.ars {
		if !n.ars[i].inUse {
			continue
		}
		if cr := n.ars[i].ar.InputCR; cr != nil {
			used[cr.FrameID] = true
		}
		if cr := n.ars[i].ar.OutputCR; cr != nil {
			used[cr.FrameID] = true
		}
	}
	return used
}

// --- CMRPC handler glue ---

// parseConnectRequest walks the Connect.Request body's block sequence,
// §4.2 item 3 / §4.3, filling in a cmdev.ConnectRequest. Blocks this core
// does not recognise are skipped using the declared Length rather than
// rejected, since a future controller may append blocks this AR type does
// not need (§4.1 "unknown blocks pass through").
func parseConnectRequest(body []byte) (cmdev.ConnectRequest, error) {
	var req cmdev.ConnectRequest
	r := block.NewReader(body)
	for r.Remaining() > 0 {
		hdr := r.ReadHeader()
		if r.Err() != nil {
			return req, NewFault(ErrClsProtocol, ErrCodeConnect, 0, 2)
		}
		blockEnd := r.Pos() - 2 + int(hdr.Length)

		switch hdr.Type {
		case block.TypeARBlockReq:
			req.ARBlock = r.ReadARBlockReq()
		case block.TypeIOCRBlockReq:
			iocrReq := r.ReadIOCRBlockReq()
			kind := cmdev.IOCRInput
			switch iocrReq.IOCRType {
			case block.IOCRTypeOutput:
				kind = cmdev.IOCROutput
			case block.IOCRTypeMulticastProvider:
				kind = cmdev.IOCRMulticastProvider
			case block.IOCRTypeMulticastConsumer:
				kind = cmdev.IOCRMulticastConsumer
			}
			class := cmdev.RTClass1
			if iocrReq.LT == 0x0800 {
				class = cmdev.RTClassUDP
			}
			req.IOCRs = append(req.IOCRs, cmdev.ConnectIOCR{Kind: kind, Class: class, Req: iocrReq})
		case block.TypeAlarmCRBlockReq:
			req.AlarmCR = r.ReadAlarmCRBlockReq()
		case block.TypeExpectedAPIModule:
			req.ExpectedAPIs = r.ReadExpectedAPIBlock()
		}
		if r.Err() != nil {
			return req, NewFault(ErrClsProtocol, ErrCodeConnect, hdr.Type, 3)
		}
		if skip := blockEnd - r.Pos(); skip > 0 {
			r.Skip(skip)
		}
	}
	return req, nil
}

// checkExpectedModules runs the ExpModuleInd/ExpSubmoduleInd callbacks
// against every entry of the declared expected tree, §4.6: the application
// gets a veto over a module/submodule identity it does not recognise before
// CMDEV commits to the AR.
func (n *Net) checkExpectedModules(apis []block.ExpectedAPI) error {
	for _, api := range apis {
		for _, mod := range api.Modules {
			if n.fspm.Callbacks.ExpModuleInd != nil && !n.fspm.Callbacks.ExpModuleInd(api.API, mod.Slot, mod.ModuleIdentNumber) {
				return NewFault(ErrClsProtocol, ErrCodeConnect, mod.Slot, 0x20)
			}
			for _, sub := range mod.Submodules {
				if n.fspm.Callbacks.ExpSubmoduleInd != nil && !n.fspm.Callbacks.ExpSubmoduleInd(api.API, mod.Slot, sub.Subslot, sub.SubmoduleIdentNumber) {
					return NewFault(ErrClsProtocol, ErrCodeConnect, sub.Subslot, 0x21)
				}
			}
		}
	}
	return nil
}

// openAlarmPairs builds and opens the AR's two alarm pairs, wiring their
// application-visible signals to the FSPM callback registry, §4.4/§4.6.
// The device picks its own local alarm reference as arep so Net.Handle can
// demultiplex inbound frames without a separate lookup table.
func (n *Net) openAlarmPairs(idx ARIndex, ar *cmdev.AR, arep uint32, dstRef uint16) {
	cb := alarm.Callbacks{
		OnIndication: func(_ alarm.Priority, ind alarm.Indication) {
			if n.fspm.Callbacks.AlarmInd != nil {
				w := block.NewWriter(make([]byte, 256))
				w.WriteAlarmNotificationPDU(ind.PDU)
				n.fspm.Callbacks.AlarmInd(arep, w.Bytes())
			}
		},
		OnAckCnf: func(_ alarm.Priority, pdu block.AlarmAckPDU) {
			if n.fspm.Callbacks.AlarmCnf != nil {
				n.fspm.Callbacks.AlarmCnf(arep, pdu.Status.ErrCode)
			}
		},
		OnAlarmAckConfirmed: func(_ alarm.Priority) {
			if n.fspm.Callbacks.AlarmAckCnf != nil {
				n.fspm.Callbacks.AlarmAckCnf(arep, 0)
			}
		},
		OnAbort: func(alarm.Priority) {
			n.abortAR(idx, AbortCodeARAlarmSendCnfNeg)
		},
	}
	srcRef := uint16(arep)
	ar.AlarmLow = alarm.NewPair(alarm.PriorityLow, n.sched, n.tx, dstRef, srcRef,
		ar.RTARetries, ar.RTATimeoutFactor, ar.PeerMAC, n.cfg.AlarmMailboxSize, n.cfg.AlarmQueueDepth, cb, n.log)
	ar.AlarmHigh = alarm.NewPair(alarm.PriorityHigh, n.sched, n.tx, dstRef, srcRef,
		ar.RTARetries, ar.RTATimeoutFactor, ar.PeerMAC, n.cfg.AlarmMailboxSize, n.cfg.AlarmQueueDepth, cb, n.log)
	ar.AlarmLow.Open()
	ar.AlarmHigh.Open()
}

// buildConnectResponse assembles the positive Connect.Response body: the
// echoed/negotiated ARBlockRes, one IOCRBlockRes per negotiated IOCR (now
// carrying its fixed-up FrameID and computed layout) and an
// AlarmCRBlockRes, §4.2 item 3 / §4.3.
func (n *Net) buildConnectResponse(ar *cmdev.AR, req cmdev.ConnectRequest) []byte {
	buf := make([]byte, 256+96*len(req.IOCRs))
	w := block.NewWriter(buf)

	slot, bodyStart := w.WriteHeaderPlaceholder(block.TypeARBlockRes, 1, 0)
	w.WriteARBlockRes(block.ARBlockRes{
		ARType:       req.ARBlock.ARType,
		ARUUID:       ar.ARUUID,
		SessionKey:   ar.SessionKey,
		ResponderMAC: n.cfg.SrcMAC,
	})
	w.PatchLength(slot, bodyStart)

	for _, iocr := range req.IOCRs {
		s, bs := w.WriteHeaderPlaceholder(block.TypeIOCRBlockRes, 1, 0)
		w.WriteIOCRBlockReq(iocr.Req)
		w.PatchLength(s, bs)
	}

	s, bs := w.WriteHeaderPlaceholder(block.TypeAlarmCRBlockRes, 1, 0)
	w.WriteAlarmCRBlockReq(req.AlarmCR)
	w.PatchLength(s, bs)

	return w.Bytes()
}

// handleConnect is CMRPC's Connect handler, §4.2 item 2: parse the request
// blocks, run APDUCheck/ConnectIndication, resolve each IOCR's FrameID and
// byte layout, bring up the AR's CMWRR router and alarm pairs, and answer
// with the negotiated Connect.Response.
func (n *Net) handleConnect(activity block.UUID, body []byte) ([]byte, error) {
	idx := n.allocAR()
	if idx == NoAR {
		return nil, NewFault(ErrClsProtocol, ErrCodeConnect, 0, 0xFF)
	}

	req, err := parseConnectRequest(body)
	if err != nil {
		return nil, err
	}
	if err := n.checkExpectedModules(req.ExpectedAPIs); err != nil {
		return nil, err
	}

	ar := &n.ars[idx].ar
	arep := uint32(idx) + 1
	if err := ar.ConnectIndication(arep, req, n.cfg.Limits); err != nil {
		return nil, err
	}

	used := n.usedFrameIDs()
	for i := range req.IOCRs {
		iocr := &req.IOCRs[i]
		fid, ok := cmdev.FixUpFrameID(iocr.Req.FrameID, iocr.Class, n.cfg.Limits, used)
		if !ok {
			ar.Reset()
			return nil, NewFault(ErrClsProtocol, ErrCodeConnect, iocr.Req.FrameID, 6)
		}
		iocr.Req.FrameID = fid
		used[fid] = true

		cmdev.ComputeLayout(&iocr.Req, iocr.Kind, req.ExpectedAPIs)
		resolved := &cmdev.IOCR{Kind: iocr.Kind, Req: iocr.Req, FrameID: fid}
		switch iocr.Kind {
		case cmdev.IOCRInput:
			ar.InputCR = resolved
		case cmdev.IOCROutput:
			ar.OutputCR = resolved
		}

		for _, obj := range iocr.Req.Objects {
			if sub := n.tree.Subslot(0, obj.Slot, obj.Subslot); sub != nil && sub.Owner == NoAR {
				sub.Owner = idx
			}
		}
	}

	n.ars[idx].wrr = cmwrr.NewRouter(n.fspm.Records, n.diag, n.log)
	n.ars[idx].wrr.SetState(arCMWRRState(ar.State))
	n.openAlarmPairs(idx, ar, arep, req.AlarmCR.LocalAlarmReference)
	n.ars[idx].inUse = true

	ar.StartupOK()
	ar.StartupIndicationDelivered()
	if n.fspm.Callbacks.ConnectInd != nil {
		n.fspm.Callbacks.ConnectInd(arep)
	}
	if n.fspm.Callbacks.StateInd != nil {
		n.fspm.Callbacks.StateInd(arep, uint8(ar.State))
	}

	return n.buildConnectResponse(ar, req), nil
}

func (n *Net) handleRelease(activity block.UUID, body []byte) ([]byte, error) {
	for i := range n.ars {
		if n.ars[i].inUse && n.ars[i].ar.ARUUID == activity {
			arep := n.ars[i].ar.AREP
			if n.fspm.Callbacks.ReleaseInd != nil {
				n.fspm.Callbacks.ReleaseInd(arep)
			}
			n.abortAR(ARIndex(i), AbortCodeReleaseInd)
			break
		}
	}
	return body, nil
}

// handleRead is CMRPC's Read handler, §4.2 item 2 / §4.6: dispatch an
// IODReadReq's {api, slot, subslot, index} to I&M-1 or the application's
// ReadInd callback and answer with the record data, or a fault if neither
// recognises the index.
func (n *Net) handleRead(activity block.UUID, body []byte) ([]byte, error) {
	ar, _ := n.findARByUUID(activity)
	if ar == nil {
		return nil, NewFault(ErrClsProtocol, ErrCodeRead, 0, 0)
	}

	r := block.NewReader(body)
	bhdr := r.ReadHeader()
	if bhdr.Type != block.TypeIODReadReq {
		return nil, NewFault(ErrClsProtocol, ErrCodeRead, bhdr.Type, 1)
	}
	hdr := r.ReadIODAccessHeader()
	if r.Err() != nil {
		return nil, NewFault(ErrClsProtocol, ErrCodeRead, 0, 1)
	}

	var data []byte
	var rerr error
	switch {
	case hdr.Index == cmwrr.IndexIM1:
		rec := n.fspm.Records.ReadIM1()
		w := block.NewWriter(make([]byte, 64))
		w.WriteIM1Record(rec)
		data = w.Bytes()
	case hdr.Index <= cmwrr.IndexAppMax:
		if n.fspm.Callbacks.ReadInd == nil {
			return nil, NewFault(ErrClsProtocol, ErrCodeRead, hdr.Index, 2)
		}
		data, rerr = n.fspm.Callbacks.ReadInd(ar.AREP, hdr.Index)
	default:
		rerr = NewFault(ErrClsProtocol, ErrCodeRead, hdr.Index, 3)
	}
	if rerr != nil {
		return nil, rerr
	}

	buf := make([]byte, 64+len(data))
	w := block.NewWriter(buf)
	slot, bodyStart := w.WriteHeaderPlaceholder(block.TypeIODReadRes, 1, 0)
	w.WriteIODAccessHeader(block.IODAccessHeader{
		ARUUID: ar.ARUUID, API: hdr.API, Slot: hdr.Slot, Subslot: hdr.Subslot,
		Index: hdr.Index, RecordDataLength: uint32(len(data)),
	})
	w.RawBytes(data)
	w.PatchLength(slot, bodyStart)
	return w.Bytes(), nil
}

// handleWrite is CMRPC's Write handler, §4.2 item 2: parse an IODWriteReq's
// access header and record data, refresh the owning AR's CMWRR gating
// state from its current CMDEV lifecycle position, and route the write
// through cmwrr.Router.Write — I&M persistence, PDPortDataCheck/Adjust, or
// the application's WriteInd callback, §4.5/§4.6.
func (n *Net) handleWrite(activity block.UUID, body []byte) ([]byte, error) {
	for i := range n.ars {
		slot := &n.ars[i]
		if !slot.inUse || slot.ar.ARUUID != activity {
			continue
		}
		ar := &slot.ar
		slot.wrr.SetState(arCMWRRState(ar.State))

		r := block.NewReader(body)
		bhdr := r.ReadHeader()
		if bhdr.Type != block.TypeIODWriteReq {
			return nil, NewFault(ErrClsProtocol, ErrCodeWrite, bhdr.Type, 2)
		}
		hdr := r.ReadIODAccessHeader()
		data := r.Bytes(int(hdr.RecordDataLength))
		if r.Err() != nil {
			return nil, NewFault(ErrClsProtocol, ErrCodeWrite, 0, 1)
		}

		req := cmwrr.WriteRequest{Index: hdr.Index, API: hdr.API, Slot: hdr.Slot, Subslot: hdr.Subslot, Data: data}
		appCallback := func(req cmwrr.WriteRequest) error {
			if n.fspm.Callbacks.WriteInd == nil {
				return nil
			}
			return n.fspm.Callbacks.WriteInd(ar.AREP, req.Index, req.Data)
		}
		if err := slot.wrr.Write(req, appCallback); err != nil {
			return nil, err
		}

		buf := make([]byte, 64)
		w := block.NewWriter(buf)
		wslot, bodyStart := w.WriteHeaderPlaceholder(block.TypeIODWriteRes, 1, 0)
		w.WriteIODAccessHeader(block.IODAccessHeader{
			ARUUID: ar.ARUUID, API: hdr.API, Slot: hdr.Slot, Subslot: hdr.Subslot,
			Index: hdr.Index, RecordDataLength: hdr.RecordDataLength,
		})
		w.PatchLength(wslot, bodyStart)
		return w.Bytes(), nil
	}
	return nil, NewFault(ErrClsProtocol, ErrCodeWrite, 0, 0)
}

// handleControl is CMRPC's Control handler, §4.2 item 2 / §4.3: an inbound
// DControl(PrmEnd) drives W_PEIND -> W_PERES -> W_ARDY (the application has
// no separate accept step exposed in the API surface, so acceptance is
// synchronous once DControlInd returns, matching ConnectInd's convention);
// an inbound Done control confirms a companion CControl the same way
// SendCControlRequest's own response path does for the device's outbound
// request.
func (n *Net) handleControl(activity block.UUID, body []byte) ([]byte, error) {
	ar, idx := n.findARByUUID(activity)
	if ar == nil {
		return nil, NewFault(ErrClsProtocol, ErrCodeControl, 0, 0)
	}

	r := block.NewReader(body)
	hdr := r.ReadHeader()
	if hdr.Type != block.TypeIODControlReq {
		return nil, NewFault(ErrClsProtocol, ErrCodeControl, hdr.Type, 1)
	}
	ctrl := r.ReadControlBlockReq()
	if r.Err() != nil {
		return nil, NewFault(ErrClsProtocol, ErrCodeControl, 0, 2)
	}

	switch {
	case ctrl.ControlCommand&block.ControlCommandPrmEnd != 0:
		if err := ar.PrmEndReceived(); err != nil {
			return nil, err
		}
		if n.fspm.Callbacks.DControlInd != nil {
			n.fspm.Callbacks.DControlInd(ar.AREP)
		}
		ar.ApplicationAccepted()
	case ctrl.ControlCommand&block.ControlCommandRelease != 0:
		n.abortAR(idx, AbortCodeReleaseInd)
	case ctrl.ControlCommand&block.ControlCommandDone != 0:
		ar.CControlConfirmed(true)
		if n.fspm.Callbacks.CControlInd != nil {
			n.fspm.Callbacks.CControlInd(ar.AREP)
		}
	}
	if n.fspm.Callbacks.StateInd != nil {
		n.fspm.Callbacks.StateInd(ar.AREP, uint8(ar.State))
	}

	buf := make([]byte, 64)
	w := block.NewWriter(buf)
	slot, bodyStart := w.WriteHeaderPlaceholder(block.TypeIODControlRes, 1, 0)
	w.WriteControlBlockReq(block.ControlBlockReq{
		ARUUID:                 ctrl.ARUUID,
		SessionKey:             ctrl.SessionKey,
		ControlCommand:         ctrl.ControlCommand,
		ControlBlockProperties: ctrl.ControlBlockProperties | block.ControlCommandDone,
	})
	w.PatchLength(slot, bodyStart)
	return w.Bytes(), nil
}

// arCMWRRState maps a CMDEV lifecycle position onto the coarser CMWRR
// gating states named in §4.5.
func arCMWRRState(s cmdev.State) cmwrr.State {
	switch {
	case s <= cmdev.StateWPeRes:
		return cmwrr.StateIdle
	case s == cmdev.StateWARdy || s == cmdev.StateWARdyCnf:
		return cmwrr.StatePrmEnd
	case s == cmdev.StateWData:
		return cmwrr.StateStartup
	default:
		return cmwrr.StateData
	}
}
