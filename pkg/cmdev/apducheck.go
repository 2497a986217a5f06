package cmdev

import (
	pnet "github.com/pnet-core/pnet"
	"github.com/pnet-core/pnet/internal/block"
)

// ARTypeIOCARSingle is the only AR type this core accepts, per §4.3 item 1
// and the Non-goals (parameter-server, multicast roles recognised but not
// implemented).
const ARTypeIOCARSingle uint16 = 0x0001

// wellKnownInitiatorObjectUUID is the fixed pattern real controllers send in
// ARBlockReq.InitiatorObjectUUID, §4.3 item 1.
var wellKnownInitiatorObjectUUID = block.UUID{
	0xDE, 0xA0, 0x00, 0x00, 0x6c, 0x97, 0x11, 0xD1,
	0x82, 0x71, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

const maxStationNameLen = 240

// RTClass selects the validation limits for an IOCR, §4.3 item 2.
type RTClass uint8

const (
	RTClass1 RTClass = iota
	RTClass2
	RTClass3
	RTClassUDP
)

// Limits bounds the APDUCheck validation that depend on deployment choices
// rather than the wire format itself (frame-ID ranges per RT class are the
// implementer's allocation, §4.3 "FrameID fix-up").
type Limits struct {
	// FrameIDRanges gives the [low, high] inclusive FrameID range this
	// device allocates output CRs from, per RT class.
	FrameIDRanges map[RTClass][2]uint16
}

// DefaultLimits mirrors common real-world RT Class 1 cyclic FrameID
// allocation (0xC000-0xF7FF), the only class this core's Non-goals require
// to be fully tested (higher classes are structurally validated only).
func DefaultLimits() Limits {
	return Limits{FrameIDRanges: map[RTClass][2]uint16{
		RTClass1: {0xC000, 0xF7FF},
	}}
}

// ConnectRequest is the parsed Connect.Request CMRPC hands to CMDEV, §4.2/§4.3.
type ConnectRequest struct {
	ARBlock      block.ARBlockReq
	IOCRs        []ConnectIOCR
	AlarmCR      block.AlarmCRBlockReq
	ExpectedAPIs []block.ExpectedAPI
}

// ConnectIOCR pairs a parsed IOCRBlockReq with the RT class it was declared
// under, since the wire format does not carry RT class as a separate field
// in this core's scope — it is derived from deployment convention and
// carried alongside for APDUCheck's per-class limits.
type ConnectIOCR struct {
	Kind  IOCRKind
	Class RTClass
	Req   block.IOCRBlockReq
}

// APDUCheck validates req in the order §4.3 specifies. The first failing
// rule short-circuits the rest, matching the original's single-pass
// rejection (no point computing a byte layout for a request that is
// already invalid).
func APDUCheck(req ConnectRequest, limits Limits) error {
	if err := checkARParams(req.ARBlock); err != nil {
		return err
	}
	for _, iocr := range req.IOCRs {
		if err := checkIOCRParams(iocr, limits); err != nil {
			return err
		}
	}
	if err := checkExpectedTree(req); err != nil {
		return err
	}
	for _, iocr := range req.IOCRs {
		if err := checkDataLayout(iocr.Req); err != nil {
			return err
		}
	}
	return nil
}

// checkARParams is §4.3 item 1.
func checkARParams(b block.ARBlockReq) error {
	if b.ARType != ARTypeIOCARSingle {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, uint16(b.ARType), 0)
	}
	if b.ARUUID == (block.UUID{}) {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, 0, 1)
	}
	if b.InitiatorMAC[0]&0x01 != 0 {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, 0, 2)
	}
	if b.InitiatorObjectUUID != wellKnownInitiatorObjectUUID {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, 0, 3)
	}
	if len(b.StationName) == 0 || len(b.StationName) > maxStationNameLen || !block.IsVisibleString(b.StationName) {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, 0, 4)
	}
	return nil
}

// checkIOCRParams is §4.3 item 2.
func checkIOCRParams(iocr ConnectIOCR, limits Limits) error {
	req := iocr.Req
	const ltEthernet uint16 = 0x8892
	const ltUDP uint16 = 0x0800
	wantLT := ltEthernet
	if iocr.Class == RTClassUDP {
		wantLT = ltUDP
	}
	if req.LT != wantLT {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, req.IOCRType, 5)
	}

	if rng, ok := limits.FrameIDRanges[iocr.Class]; ok && req.FrameID != 0xFFFF {
		if req.FrameID < rng[0] || req.FrameID > rng[1] {
			return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, req.FrameID, 6)
		}
	}

	if !isPowerOfTwoInRange(req.SendClockFactor, 1, 128) {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, req.SendClockFactor, 7)
	}
	if req.ReductionRatio == 0 {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, req.ReductionRatio, 8)
	}
	if req.Phase < 1 || req.Phase > req.ReductionRatio {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, req.Phase, 9)
	}
	if req.FrameSendOffset != 0xFFFFFFFF {
		maxOffset := uint32(req.SendClockFactor) * 31250
		if req.FrameSendOffset >= maxOffset {
			return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, 0, 10)
		}
	}

	budget := uint64(req.DataHoldFactor) * uint64(req.ReductionRatio) * uint64(req.SendClockFactor) / 32
	limit := uint64(1_920_000)
	if iocr.Class == RTClassUDP {
		limit = 61_440_000
	}
	if budget > limit {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, 0, 11)
	}

	if req.VLANID != 0 {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, req.VLANID, 12)
	}
	// Cyclic IOCRs always carry VLAN priority 6; the 5/6 split is an alarm-CR
	// concern (alarm.Priority.VLANPriority), not this one, §4.3.
	if req.VLANPriority != 6 {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, req.VLANPriority, 13)
	}
	return nil
}

func isPowerOfTwoInRange(v uint16, lo, hi uint16) bool {
	if v < lo || v > hi {
		return false
	}
	return v&(v-1) == 0
}

// checkExpectedTree is §4.3 item 3: every IOCR-referenced slot/subslot must
// exist in the expected tree with one data descriptor, or with two (an I/O
// submodule) that both carry length_iops == length_iocs == 1. The
// submodule's data direction is not compared with the IOCR type, and the
// IOPS/IOCS lengths of a single-descriptor submodule are not checked.
func checkExpectedTree(req ConnectRequest) error {
	type key struct{ slot, subslot uint16 }
	descCount := map[key]int{}
	dirs := map[key]block.ExpectedSubmodule{}
	for _, api := range req.ExpectedAPIs {
		for _, mod := range api.Modules {
			for _, sub := range mod.Submodules {
				k := key{mod.Slot, sub.Subslot}
				descCount[k] = len(sub.DataDescription)
				dirs[k] = sub
			}
		}
	}

	for _, iocr := range req.IOCRs {
		for _, obj := range iocr.Req.Objects {
			k := key{obj.Slot, obj.Subslot}
			sub, ok := dirs[k]
			if !ok {
				return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, obj.Slot, 14)
			}
			n := descCount[k]
			isIO := n == 2
			if isIO {
				for _, d := range sub.DataDescription {
					if d.LengthIOPS != 1 || d.LengthIOCS != 1 {
						return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, obj.Subslot, 15)
					}
				}
			} else if n != 1 {
				return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, obj.Subslot, 16)
			}
		}
	}
	return nil
}

// byteRange is a half-open [start, end) range used by the overlap checker.
type byteRange struct{ start, end uint16 }

func (r byteRange) overlaps(o byteRange) bool {
	if r.end <= r.start || o.end <= o.start {
		return false
	}
	return r.start < o.end && o.start < r.end
}

// checkDataLayout is §4.3 item 4 / §8's "IOCR non-overlap"+"in-bounds"
// invariants: no two {data, iops, iocs} ranges of the same IOCR share a
// byte, and every range lies inside c_sdu_length.
func checkDataLayout(req block.IOCRBlockReq) error {
	var ranges []byteRange
	add := func(offset, length uint16) {
		if length == 0 {
			return
		}
		ranges = append(ranges, byteRange{offset, offset + length})
	}
	for _, o := range req.Objects {
		add(o.DataOffset, o.DataLength)
		add(o.IOPSOffset, o.IOPSLength)
		add(o.IOCSOffset, o.IOCSLength)
	}
	for _, r := range ranges {
		if r.end > req.DataLength {
			return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeConnect, r.end, pnet.ErrCode2Overlap)
		}
	}
	for i := 0; i < len(ranges); i++ {
		for j := i + 1; j < len(ranges); j++ {
			if ranges[i].overlaps(ranges[j]) {
				return pnet.NewFault(pnet.ErrClsProtocol, pnet.ConnFaultyIOCRBlockReq, 0, pnet.ErrCode2Overlap)
			}
		}
	}
	return nil
}
