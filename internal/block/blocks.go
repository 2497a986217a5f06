package block

// Block type codes, §6. Only the subset this core parses/emits is listed;
// unknown types are passed through by the caller's dispatch switch.
const (
	TypeARBlockReq           uint16 = 0x0101
	TypeIOCRBlockReq         uint16 = 0x0102
	TypeAlarmCRBlockReq      uint16 = 0x0103
	TypeARBlockRes           uint16 = 0x8101
	TypeIOCRBlockRes         uint16 = 0x8102
	TypeAlarmCRBlockRes      uint16 = 0x8103
	TypeExpectedAPIModule    uint16 = 0x0104
	TypeIODWriteReq          uint16 = 0x0008
	TypeIODWriteRes          uint16 = 0x8008
	TypeIODReadReq           uint16 = 0x0009
	TypeIODReadRes           uint16 = 0x8009
	TypeAlarmNotifyLow       uint16 = 0x0010
	TypeAlarmNotifyHigh      uint16 = 0x0011
	TypeAlarmAckLow          uint16 = 0x8010
	TypeAlarmAckHigh         uint16 = 0x8011
	TypeCheckPeers           uint16 = 0x0020
	TypePeerToPeerBoundary   uint16 = 0x0021
	TypeIM0Filter            uint16 = 0x0030
	TypeIODControlReq        uint16 = 0x0110
	TypeIODControlRes        uint16 = 0x8110
)

// IOCRType values classify an IOCRBlockReq into one of the four roles §3
// names; only Input/Output are resolved into a byte layout (multicast
// provider/consumer are recognised but not implemented, a Non-goal).
const (
	IOCRTypeInput              uint16 = 1
	IOCRTypeOutput             uint16 = 2
	IOCRTypeMulticastProvider  uint16 = 3
	IOCRTypeMulticastConsumer  uint16 = 4
)

// PNIOStatus is the 4-byte status used both inline in responses and as an
// alarm ERR payload, carrying the (err_cls, err_code) pair of §7.
type PNIOStatus struct {
	ErrCode   uint8
	ErrDecode uint8
	ErrCode1  uint8
	ErrCode2  uint8
}

func (r *Reader) ReadPNIOStatus() PNIOStatus {
	return PNIOStatus{
		ErrCode:   r.U8(),
		ErrDecode: r.U8(),
		ErrCode1:  r.U8(),
		ErrCode2:  r.U8(),
	}
}

func (w *Writer) WritePNIOStatus(s PNIOStatus) {
	w.U8(s.ErrCode)
	w.U8(s.ErrDecode)
	w.U8(s.ErrCode1)
	w.U8(s.ErrCode2)
}

// ARBlockReq is the AR parameter block carried in Connect.Request, §3/§4.3.
type ARBlockReq struct {
	ARType             uint16
	ARUUID             UUID
	SessionKey         uint16
	InitiatorMAC       [6]byte
	InitiatorObjectUUID UUID
	ARProperties       uint32
	InitiatorActivityTimeoutFactor uint16
	InitiatorUDPRTPort uint16
	StationNameLength  uint16
	StationName        []byte
}

func (r *Reader) ReadARBlockReq() ARBlockReq {
	var b ARBlockReq
	b.ARType = r.U16()
	b.ARUUID = r.UUIDVal()
	b.SessionKey = r.U16()
	copy(b.InitiatorMAC[:], r.Bytes(6))
	b.InitiatorObjectUUID = r.UUIDVal()
	b.ARProperties = r.U32()
	b.InitiatorActivityTimeoutFactor = r.U16()
	b.InitiatorUDPRTPort = r.U16()
	b.StationNameLength = r.U16()
	b.StationName = r.Bytes(int(b.StationNameLength))
	return b
}

func (w *Writer) WriteARBlockReq(b ARBlockReq) {
	w.U16(b.ARType)
	w.UUIDVal(b.ARUUID)
	w.U16(b.SessionKey)
	w.RawBytes(b.InitiatorMAC[:])
	w.UUIDVal(b.InitiatorObjectUUID)
	w.U32(b.ARProperties)
	w.U16(b.InitiatorActivityTimeoutFactor)
	w.U16(b.InitiatorUDPRTPort)
	w.U16(uint16(len(b.StationName)))
	w.RawBytes(b.StationName)
}

// ARBlockRes is the positive response counterpart, echoing the device's
// assigned ports/MAC and the UDP RT port it will use.
type ARBlockRes struct {
	ARType          uint16
	ARUUID          UUID
	SessionKey      uint16
	ResponderMAC    [6]byte
	ResponderUDPRTPort uint16
}

func (r *Reader) ReadARBlockRes() ARBlockRes {
	var b ARBlockRes
	b.ARType = r.U16()
	b.ARUUID = r.UUIDVal()
	b.SessionKey = r.U16()
	copy(b.ResponderMAC[:], r.Bytes(6))
	b.ResponderUDPRTPort = r.U16()
	return b
}

func (w *Writer) WriteARBlockRes(b ARBlockRes) {
	w.U16(b.ARType)
	w.UUIDVal(b.ARUUID)
	w.U16(b.SessionKey)
	w.RawBytes(b.ResponderMAC[:])
	w.U16(b.ResponderUDPRTPort)
}

// IODataObject is one {data, iops, iocs} placement inside an IOCR frame,
// §3.
type IODataObject struct {
	Slot        uint16
	Subslot     uint16
	DataOffset  uint16
	DataLength  uint16
	IOPSOffset  uint16
	IOPSLength  uint16
	IOCSOffset  uint16
	IOCSLength  uint16
}

// IOCRBlockReq is the communication-relation parameter block, §3/§4.3.
type IOCRBlockReq struct {
	IOCRType         uint16
	IOCRReference    uint16
	LT               uint16
	IOCRProperties   uint32
	DataLength       uint16
	FrameID          uint16
	SendClockFactor  uint16
	ReductionRatio   uint16
	Phase            uint16
	Sequence         uint16
	FrameSendOffset  uint32
	WatchdogFactor   uint16
	DataHoldFactor   uint16
	VLANPriority     uint16
	VLANID           uint16
	Objects          []IODataObject
}

func (r *Reader) ReadIOCRBlockReq() IOCRBlockReq {
	var b IOCRBlockReq
	b.IOCRType = r.U16()
	b.IOCRReference = r.U16()
	b.LT = r.U16()
	b.IOCRProperties = r.U32()
	b.DataLength = r.U16()
	b.FrameID = r.U16()
	b.SendClockFactor = r.U16()
	b.ReductionRatio = r.U16()
	b.Phase = r.U16()
	b.Sequence = r.U16()
	b.FrameSendOffset = r.U32()
	b.WatchdogFactor = r.U16()
	b.DataHoldFactor = r.U16()
	tagHeader := r.U16()
	b.VLANPriority = uint16(GetBits(uint32(tagHeader), 13, 3))
	b.VLANID = uint16(GetBits(uint32(tagHeader), 0, 12))
	n := r.U16()
	b.Objects = make([]IODataObject, 0, n)
	for i := uint16(0); i < n; i++ {
		var o IODataObject
		o.Slot = r.U16()
		o.Subslot = r.U16()
		o.DataOffset = r.U16()
		o.DataLength = r.U16()
		o.IOPSOffset = r.U16()
		o.IOPSLength = r.U16()
		o.IOCSOffset = r.U16()
		o.IOCSLength = r.U16()
		b.Objects = append(b.Objects, o)
	}
	return b
}

func (w *Writer) WriteIOCRBlockReq(b IOCRBlockReq) {
	w.U16(b.IOCRType)
	w.U16(b.IOCRReference)
	w.U16(b.LT)
	w.U32(b.IOCRProperties)
	w.U16(b.DataLength)
	w.U16(b.FrameID)
	w.U16(b.SendClockFactor)
	w.U16(b.ReductionRatio)
	w.U16(b.Phase)
	w.U16(b.Sequence)
	w.U32(b.FrameSendOffset)
	w.U16(b.WatchdogFactor)
	w.U16(b.DataHoldFactor)
	tagHeader := PutBits(0, 13, 3, uint32(b.VLANPriority))
	tagHeader = PutBits(tagHeader, 0, 12, uint32(b.VLANID))
	w.U16(uint16(tagHeader))
	w.U16(uint16(len(b.Objects)))
	for _, o := range b.Objects {
		w.U16(o.Slot)
		w.U16(o.Subslot)
		w.U16(o.DataOffset)
		w.U16(o.DataLength)
		w.U16(o.IOPSOffset)
		w.U16(o.IOPSLength)
		w.U16(o.IOCSOffset)
		w.U16(o.IOCSLength)
	}
}

// ExpectedSubmodule is one leaf of the expected API/module/submodule tree
// declared by the controller in Connect.Request, §3/§4.3.
type ExpectedSubmodule struct {
	Subslot             uint16
	SubmoduleIdentNumber uint32
	SubmoduleProperties  uint16
	DataDescription      []ExpectedDataDescription
}

// ExpectedDataDescription is a per-direction {length} entry; I/O submodules
// carry two (input then output).
type ExpectedDataDescription struct {
	DataDescription uint16 // 1 = input, 2 = output
	SubmoduleDataLength uint16
	LengthIOPS      uint8
	LengthIOCS      uint8
}

type ExpectedModule struct {
	Slot               uint16
	ModuleIdentNumber  uint32
	ModuleProperties   uint16
	Submodules         []ExpectedSubmodule
}

type ExpectedAPI struct {
	API     uint32
	Modules []ExpectedModule
}

func (r *Reader) ReadExpectedAPIBlock() []ExpectedAPI {
	nAPIs := r.U16()
	apis := make([]ExpectedAPI, 0, nAPIs)
	for a := uint16(0); a < nAPIs; a++ {
		var api ExpectedAPI
		api.API = r.U32()
		nModules := r.U16()
		api.Modules = make([]ExpectedModule, 0, nModules)
		for m := uint16(0); m < nModules; m++ {
			var mod ExpectedModule
			mod.Slot = r.U16()
			mod.ModuleIdentNumber = r.U32()
			mod.ModuleProperties = r.U16()
			nSub := r.U16()
			mod.Submodules = make([]ExpectedSubmodule, 0, nSub)
			for s := uint16(0); s < nSub; s++ {
				var sub ExpectedSubmodule
				sub.Subslot = r.U16()
				sub.SubmoduleIdentNumber = r.U32()
				sub.SubmoduleProperties = r.U16()
				nDesc := r.U8()
				sub.DataDescription = make([]ExpectedDataDescription, 0, nDesc)
				for d := uint8(0); d < nDesc; d++ {
					var desc ExpectedDataDescription
					desc.DataDescription = r.U16()
					desc.SubmoduleDataLength = r.U16()
					desc.LengthIOPS = r.U8()
					desc.LengthIOCS = r.U8()
					sub.DataDescription = append(sub.DataDescription, desc)
				}
				mod.Submodules = append(mod.Submodules, sub)
			}
			api.Modules = append(api.Modules, mod)
		}
		apis = append(apis, api)
	}
	if r.Err() != nil && len(apis) == 0 {
		return nil
	}
	return apis
}

func (w *Writer) WriteExpectedAPIBlock(apis []ExpectedAPI) {
	w.U16(uint16(len(apis)))
	for _, api := range apis {
		w.U32(api.API)
		w.U16(uint16(len(api.Modules)))
		for _, mod := range api.Modules {
			w.U16(mod.Slot)
			w.U32(mod.ModuleIdentNumber)
			w.U16(mod.ModuleProperties)
			w.U16(uint16(len(mod.Submodules)))
			for _, sub := range mod.Submodules {
				w.U16(sub.Subslot)
				w.U32(sub.SubmoduleIdentNumber)
				w.U16(sub.SubmoduleProperties)
				w.U8(uint8(len(sub.DataDescription)))
				for _, desc := range sub.DataDescription {
					w.U16(desc.DataDescription)
					w.U16(desc.SubmoduleDataLength)
					w.U8(desc.LengthIOPS)
					w.U8(desc.LengthIOCS)
				}
			}
		}
	}
}

// AlarmCRBlockReq negotiates the alarm transport parameters, §4.4.
type AlarmCRBlockReq struct {
	AlarmCRType        uint16
	LT                 uint16
	AlarmCRProperties  uint32
	RTATimeoutFactor   uint16
	RTARetries         uint16
	LocalAlarmReference uint16
	MaxAlarmDataLength uint16
	AlarmCRTagHeaderHigh uint16
	AlarmCRTagHeaderLow  uint16
}

func (r *Reader) ReadAlarmCRBlockReq() AlarmCRBlockReq {
	return AlarmCRBlockReq{
		AlarmCRType:          r.U16(),
		LT:                   r.U16(),
		AlarmCRProperties:    r.U32(),
		RTATimeoutFactor:     r.U16(),
		RTARetries:           r.U16(),
		LocalAlarmReference:  r.U16(),
		MaxAlarmDataLength:   r.U16(),
		AlarmCRTagHeaderHigh: r.U16(),
		AlarmCRTagHeaderLow:  r.U16(),
	}
}

func (w *Writer) WriteAlarmCRBlockReq(b AlarmCRBlockReq) {
	w.U16(b.AlarmCRType)
	w.U16(b.LT)
	w.U32(b.AlarmCRProperties)
	w.U16(b.RTATimeoutFactor)
	w.U16(b.RTARetries)
	w.U16(b.LocalAlarmReference)
	w.U16(b.MaxAlarmDataLength)
	w.U16(b.AlarmCRTagHeaderHigh)
	w.U16(b.AlarmCRTagHeaderLow)
}

// AlarmFixedHeader is the fixed part of every alarm frame payload, §6.
type AlarmFixedHeader struct {
	DstRef       uint16
	SrcRef       uint16
	PDUType      uint8 // high nibble type, low nibble version
	AddFlags     uint8 // window_size:4 tack:1 reserved:3
	SendSeqNum   uint16
	AckSeqNum    uint16
	VarPartLen   uint16
}

const (
	PDUTypeData uint8 = 1
	PDUTypeAck  uint8 = 2
	PDUTypeNack uint8 = 3
	PDUTypeErr  uint8 = 4
)

func (h AlarmFixedHeader) Type() uint8    { return uint8(block32GetBits(uint32(h.PDUType), 4, 4)) }
func (h AlarmFixedHeader) Version() uint8 { return uint8(block32GetBits(uint32(h.PDUType), 0, 4)) }
func (h AlarmFixedHeader) WindowSize() uint8 {
	return uint8(block32GetBits(uint32(h.AddFlags), 4, 4))
}
func (h AlarmFixedHeader) TACK() bool {
	return block32GetBits(uint32(h.AddFlags), 3, 1) != 0
}

func block32GetBits(w uint32, pos, length uint) uint32 { return GetBits(w, pos, length) }

// MakePDUTypeByte packs {type, version} into the single byte the wire uses.
func MakePDUTypeByte(pduType, version uint8) uint8 {
	return uint8(PutBits(PutBits(0, 0, 4, uint32(version)), 4, 4, uint32(pduType)))
}

// MakeAddFlagsByte packs {window_size, tack} into the single byte the wire
// uses.
func MakeAddFlagsByte(windowSize uint8, tack bool) uint8 {
	v := uint32(0)
	if tack {
		v = PutBits(v, 3, 1, 1)
	}
	v = PutBits(v, 4, 4, uint32(windowSize))
	return uint8(v)
}

func (r *Reader) ReadAlarmFixedHeader() AlarmFixedHeader {
	return AlarmFixedHeader{
		DstRef:     r.U16(),
		SrcRef:     r.U16(),
		PDUType:    r.U8(),
		AddFlags:   r.U8(),
		SendSeqNum: r.U16(),
		AckSeqNum:  r.U16(),
		VarPartLen: r.U16(),
	}
}

func (w *Writer) WriteAlarmFixedHeader(h AlarmFixedHeader) {
	w.U16(h.DstRef)
	w.U16(h.SrcRef)
	w.U8(h.PDUType)
	w.U8(h.AddFlags)
	w.U16(h.SendSeqNum)
	w.U16(h.AckSeqNum)
	w.U16(h.VarPartLen)
}

// AlarmNotificationPDU is the DATA-frame payload for a process/diagnosis
// alarm, §4.4.
type AlarmNotificationPDU struct {
	API             uint32
	Slot            uint16
	Subslot         uint16
	AlarmType       uint16
	AlarmSpecifier  uint16
	AlarmSequenceNumber uint16
	ModuleIdentNumber    uint32
	SubmoduleIdentNumber uint32
	USI             uint16
	Data            []byte
}

func (r *Reader) ReadAlarmNotificationPDU() AlarmNotificationPDU {
	var p AlarmNotificationPDU
	p.AlarmType = r.U16()
	p.API = r.U32()
	p.Slot = r.U16()
	p.Subslot = r.U16()
	p.AlarmSpecifier = r.U16()
	p.AlarmSequenceNumber = r.U16()
	p.ModuleIdentNumber = r.U32()
	p.SubmoduleIdentNumber = r.U32()
	p.USI = r.U16()
	if r.Remaining() > 0 {
		p.Data = r.Bytes(r.Remaining())
	}
	return p
}

func (w *Writer) WriteAlarmNotificationPDU(p AlarmNotificationPDU) {
	w.U16(p.AlarmType)
	w.U32(p.API)
	w.U16(p.Slot)
	w.U16(p.Subslot)
	w.U16(p.AlarmSpecifier)
	w.U16(p.AlarmSequenceNumber)
	w.U32(p.ModuleIdentNumber)
	w.U32(p.SubmoduleIdentNumber)
	w.U16(p.USI)
	w.RawBytes(p.Data)
}

// AlarmAckPDU is the DATA-frame payload acknowledging a specific alarm
// occurrence at the application level (ALPMI's W_ACK), distinct from the
// transport-level APMS ACK PDU type, §4.4.
type AlarmAckPDU struct {
	API             uint32
	Slot            uint16
	Subslot         uint16
	AlarmType       uint16
	AlarmSpecifier  uint16
	AlarmSequenceNumber uint16
	Status          PNIOStatus
}

func (r *Reader) ReadAlarmAckPDU() AlarmAckPDU {
	var p AlarmAckPDU
	p.AlarmType = r.U16()
	p.API = r.U32()
	p.Slot = r.U16()
	p.Subslot = r.U16()
	p.AlarmSpecifier = r.U16()
	p.AlarmSequenceNumber = r.U16()
	p.Status = r.ReadPNIOStatus()
	return p
}

func (w *Writer) WriteAlarmAckPDU(p AlarmAckPDU) {
	w.U16(p.AlarmType)
	w.U32(p.API)
	w.U16(p.Slot)
	w.U16(p.Subslot)
	w.U16(p.AlarmSpecifier)
	w.U16(p.AlarmSequenceNumber)
	w.WritePNIOStatus(p.Status)
}

// PeerCheck is the first-peer {port, chassis} the controller declares via
// PDPortDataCheck, §4.5.
type PeerCheck struct {
	PortName    string
	ChassisName string
}

func (r *Reader) ReadPeerCheck() PeerCheck {
	portLen := r.U8()
	port := string(r.Bytes(int(portLen)))
	chassisLen := r.U8()
	chassis := string(r.Bytes(int(chassisLen)))
	return PeerCheck{PortName: port, ChassisName: chassis}
}

func (w *Writer) WritePeerCheck(p PeerCheck) {
	w.U8(uint8(len(p.PortName)))
	w.RawBytes([]byte(p.PortName))
	w.U8(uint8(len(p.ChassisName)))
	w.RawBytes([]byte(p.ChassisName))
}

// PeerToPeerBoundary is the PDPortDataAdjust payload, §4.5.
type PeerToPeerBoundary struct {
	DoNotSendLLDP   bool
	DoNotSendPTCP   bool
	DoNotSendPathDelay bool
}

func (r *Reader) ReadPeerToPeerBoundary() PeerToPeerBoundary {
	flags := r.U32()
	return PeerToPeerBoundary{
		DoNotSendLLDP:      GetBits(flags, 0, 1) != 0,
		DoNotSendPTCP:      GetBits(flags, 1, 1) != 0,
		DoNotSendPathDelay: GetBits(flags, 2, 1) != 0,
	}
}

func (w *Writer) WritePeerToPeerBoundary(p PeerToPeerBoundary) {
	var flags uint32
	if p.DoNotSendLLDP {
		flags = PutBits(flags, 0, 1, 1)
	}
	if p.DoNotSendPTCP {
		flags = PutBits(flags, 1, 1, 1)
	}
	if p.DoNotSendPathDelay {
		flags = PutBits(flags, 2, 1, 1)
	}
	w.U32(flags)
}

// IM1Record is the I&M1 fixed-format record, §4.6/§6.
type IM1Record struct {
	TagFunction [32]byte
	TagLocation [22]byte
}

func (r *Reader) ReadIM1Record() IM1Record {
	var rec IM1Record
	copy(rec.TagFunction[:], r.Bytes(32))
	copy(rec.TagLocation[:], r.Bytes(22))
	return rec
}

func (w *Writer) WriteIM1Record(rec IM1Record) {
	w.RawBytes(rec.TagFunction[:])
	w.RawBytes(rec.TagLocation[:])
}

// DCERPCHeader is the standard DCE/RPC v4 header, §6.
type DCERPCHeader struct {
	Version        uint8
	PacketType     uint8
	Flags1         uint8
	Flags2         uint8
	DataRep        [4]byte
	ObjectUUID     UUID
	InterfaceUUID  UUID
	ActivityUUID   UUID
	ServerBootTime uint32
	InterfaceVersion uint32
	SequenceNumber uint32
	Opnum          uint16
	InterfaceHint  uint16
	ActivityHint   uint16
	LengthOfBody   uint16
	FragmentNum    uint16
	AuthProto      uint8
	Serial         uint8
}

// PacketType values this core handles.
const (
	PTRequest  uint8 = 0
	PTResponse uint8 = 2
	PTFault    uint8 = 3
	PTReject   uint8 = 5
)

// Flags1 bits.
const (
	Flag1Fragment  uint8 = 1 << 0
	Flag1LastFrag  uint8 = 1 << 1
	Flag1NoFACK    uint8 = 1 << 2
	Flag1Maybe     uint8 = 1 << 3
	Flag1Idempotent uint8 = 1 << 5
	Flag1Broadcast uint8 = 1 << 6
)

// BigEndian reports whether this request's body (and this core's response)
// uses big-endian NDR, per the data-representation byte's bit 4..7.
func (h DCERPCHeader) BigEndian() bool {
	return GetBits(uint32(h.DataRep[0]), 4, 4) == 0
}

func (r *Reader) ReadDCERPCHeader() DCERPCHeader {
	var h DCERPCHeader
	h.Version = r.U8()
	h.PacketType = r.U8()
	h.Flags1 = r.U8()
	h.Flags2 = r.U8()
	copy(h.DataRep[:], r.Bytes(4))
	h.ObjectUUID = r.UUIDVal()
	h.InterfaceUUID = r.UUIDVal()
	h.ActivityUUID = r.UUIDVal()
	h.ServerBootTime = r.U32()
	h.InterfaceVersion = r.U32()
	h.SequenceNumber = r.U32()
	h.Opnum = r.U16()
	h.InterfaceHint = r.U16()
	h.ActivityHint = r.U16()
	h.LengthOfBody = r.U16()
	h.FragmentNum = r.U16()
	h.AuthProto = r.U8()
	h.Serial = r.U8()
	return h
}

func (w *Writer) WriteDCERPCHeader(h DCERPCHeader) {
	w.U8(h.Version)
	w.U8(h.PacketType)
	w.U8(h.Flags1)
	w.U8(h.Flags2)
	w.RawBytes(h.DataRep[:])
	w.UUIDVal(h.ObjectUUID)
	w.UUIDVal(h.InterfaceUUID)
	w.UUIDVal(h.ActivityUUID)
	w.U32(h.ServerBootTime)
	w.U32(h.InterfaceVersion)
	w.U32(h.SequenceNumber)
	w.U16(h.Opnum)
	w.U16(h.InterfaceHint)
	w.U16(h.ActivityHint)
	w.U16(h.LengthOfBody)
	w.U16(h.FragmentNum)
	w.U8(h.AuthProto)
	w.U8(h.Serial)
}

// NDRHeader is the header preceding typed blocks in a DCE/RPC body, §6.
type NDRHeader struct {
	ArgsMaximum uint32
	ArgsLength  uint32
	MaximumCount uint32
	Offset       uint32
	ActualCount  uint32
}

func (r *Reader) ReadNDRHeader() NDRHeader {
	return NDRHeader{
		ArgsMaximum:  r.U32(),
		ArgsLength:   r.U32(),
		MaximumCount: r.U32(),
		Offset:       r.U32(),
		ActualCount:  r.U32(),
	}
}

func (w *Writer) WriteNDRHeader(h NDRHeader) {
	w.U32(h.ArgsMaximum)
	w.U32(h.ArgsLength)
	w.U32(h.MaximumCount)
	w.U32(h.Offset)
	w.U32(h.ActualCount)
}

// IODAccessHeader is the common fixed part of an IODReadReq/IODWriteReq (and
// their responses) body, §4.2/§4.5: the AR and {api, slot, subslot, index}
// the record applies to, plus the record's length. A 24-byte reserved area
// follows it on the wire, matching the real PDU's padding.
type IODAccessHeader struct {
	ARUUID           UUID
	API              uint32
	Slot             uint16
	Subslot          uint16
	Index            uint16
	RecordDataLength uint32
}

const iodAccessReservedLen = 24

func (r *Reader) ReadIODAccessHeader() IODAccessHeader {
	var h IODAccessHeader
	h.ARUUID = r.UUIDVal()
	h.API = r.U32()
	h.Slot = r.U16()
	h.Subslot = r.U16()
	r.Skip(2) // padding
	h.Index = r.U16()
	h.RecordDataLength = r.U32()
	r.Skip(iodAccessReservedLen)
	return h
}

func (w *Writer) WriteIODAccessHeader(h IODAccessHeader) {
	w.UUIDVal(h.ARUUID)
	w.U32(h.API)
	w.U16(h.Slot)
	w.U16(h.Subslot)
	w.U16(0)
	w.U16(h.Index)
	w.U32(h.RecordDataLength)
	w.RawBytes(make([]byte, iodAccessReservedLen))
}

// ControlBlockReq is the parameter block carried by DControl/CControl, §4.2
// item 2 / §4.3's PrmEnd and Application-Ready transitions. The same shape
// serves both the request and its response; ControlCommand carries which
// command this is and ControlBlockProperties.Done distinguishes a positive
// confirmation from a plain indication.
type ControlBlockReq struct {
	ARUUID                 UUID
	SessionKey             uint16
	ControlCommand         uint16
	ControlBlockProperties uint16
}

// ControlCommand bits, §4.2/§4.3.
const (
	ControlCommandPrmEnd           uint16 = 1 << 0
	ControlCommandApplicationReady uint16 = 1 << 1
	ControlCommandRelease          uint16 = 1 << 2
	ControlCommandDone             uint16 = 1 << 3
)

func (r *Reader) ReadControlBlockReq() ControlBlockReq {
	var b ControlBlockReq
	b.ARUUID = r.UUIDVal()
	b.SessionKey = r.U16()
	r.Skip(2) // reserved
	b.ControlCommand = r.U16()
	b.ControlBlockProperties = r.U16()
	return b
}

func (w *Writer) WriteControlBlockReq(b ControlBlockReq) {
	w.UUIDVal(b.ARUUID)
	w.U16(b.SessionKey)
	w.U16(0)
	w.U16(b.ControlCommand)
	w.U16(b.ControlBlockProperties)
}
