// Package cmwrr implements the write-record router of §4.5: IODWrite index
// dispatch, I&M-1 persistence gating, and the PDPort peer-check/adjust
// handlers.
package cmwrr

import (
	log "github.com/sirupsen/logrus"

	pnet "github.com/pnet-core/pnet"
	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/pkg/diag"
)

// State gates whether a write is accepted, §4.5.
type State uint8

const (
	StateIdle State = iota
	StatePrmEnd
	StateStartup
	StateData
)

// Index ranges this router recognises, §4.5.
const (
	IndexAppMax    uint16 = 0x7FFF
	IndexIM0       uint16 = 0xAFF0
	IndexIM1       uint16 = 0xAFF1
	IndexIM2       uint16 = 0xAFF2
	IndexIM3       uint16 = 0xAFF3
	IndexIM4       uint16 = 0xAFF4
	IndexPDPortDataCheck  uint16 = 0xAFF1 + 0x100 // placeholder band, real device-specific index; see DESIGN.md
	IndexPDPortDataAdjust uint16 = 0xAFF1 + 0x101
)

// ExtChannelErrorType sub-types for a peer mismatch, §4.5.
const (
	ExtChannelPortIDMismatch    uint16 = 0x0001
	ExtChannelChassisIDMismatch uint16 = 0x0002
)

// ChannelErrorTypeRemoteMismatch is the standard channel-error type raised
// for any PDPort peer-check mismatch, §4.5.
const ChannelErrorTypeRemoteMismatch uint16 = 0x00CB

// ErrStateConflict / ErrAccBackup are the two negative-write outcomes
// §4.5's state gating can produce.
var (
	ErrStateConflict = pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeWrite, 0, 0xA0)
	ErrAccBackup     = pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeWrite, 0, 0xA1)
	ErrIM0ReadOnly   = pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeWrite, 0, 0xA2)
)

// WriteRequest is one parsed IODWrite, routed by Index.
type WriteRequest struct {
	Index   uint16
	API     uint32
	Slot    uint16
	Subslot uint16
	Data    []byte
	IsBackupAR bool
}

// IMStore is the nonvolatile I&M record sink the router writes through
// to, implemented by fspm.Records. It carries I&M-1 only.
type IMStore interface {
	WriteIM1(block.IM1Record) error
}

// PeerDiff is one recorded PDPortDataCheck mismatch, the supplemented
// "AR diff / PDPort check detail" feature (SPEC_FULL.md).
type PeerDiff struct {
	ExpectedPort    string
	ExpectedChassis string
	ActualPort      string
	ActualChassis   string
	ExtChannelType  uint16
}

const peerDiffRingCapacity = 8

// Router dispatches IODWrite records and PDPort peer checks for one AR,
// §4.5.
type Router struct {
	state State
	im    IMStore
	diag  *diag.Pool

	expectedPeer block.PeerCheck
	boundary     block.PeerToPeerBoundary
	diffs        []PeerDiff

	log *log.Entry
}

// NewRouter creates a Router bound to an I&M store and the device's
// diagnosis pool.
func NewRouter(im IMStore, diagPool *diag.Pool, logger *log.Entry) *Router {
	return &Router{im: im, diag: diagPool, log: logger}
}

// SetState updates the gating state, driven by CMDEV's lifecycle.
func (r *Router) SetState(s State) { r.state = s }

// Write dispatches req, applying the §4.5 state-gating rule first.
func (r *Router) Write(req WriteRequest, appCallback func(WriteRequest) error) error {
	switch r.state {
	case StateIdle, StatePrmEnd:
		return ErrStateConflict
	case StateStartup, StateData:
		if req.IsBackupAR {
			return ErrAccBackup
		}
	}

	switch {
	case req.Index <= IndexAppMax:
		if appCallback != nil {
			return appCallback(req)
		}
		return nil
	case req.Index == IndexIM0:
		return ErrIM0ReadOnly
	case req.Index >= IndexIM1 && req.Index <= IndexIM4:
		return r.writeIM(req)
	case req.Index == IndexPDPortDataCheck:
		return r.pdPortDataCheck(req)
	case req.Index == IndexPDPortDataAdjust:
		return r.pdPortDataAdjust(req)
	default:
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeWrite, req.Index, 0)
	}
}

func (r *Router) writeIM(req WriteRequest) error {
	if req.Index != IndexIM1 {
		// Writes to I&M-2..4 are accepted and discarded; only I&M-1
		// is stored through IMStore.
		return nil
	}
	rd := block.NewReader(req.Data)
	rec := rd.ReadIM1Record()
	if rd.Err() != nil {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeWrite, req.Index, 1)
	}
	return r.im.WriteIM1(rec)
}

// pdPortDataCheck parses the first expected peer and stores it; the
// comparison against the observed LLDP neighbour happens in ObserveLLDPPeer,
// §4.5.
func (r *Router) pdPortDataCheck(req WriteRequest) error {
	rd := block.NewReader(req.Data)
	peer := rd.ReadPeerCheck()
	if rd.Err() != nil {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeWrite, req.Index, 2)
	}
	r.expectedPeer = peer
	return nil
}

func (r *Router) pdPortDataAdjust(req WriteRequest) error {
	rd := block.NewReader(req.Data)
	boundary := rd.ReadPeerToPeerBoundary()
	if rd.Err() != nil {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeWrite, req.Index, 3)
	}
	r.boundary = boundary
	return nil
}

// ObserveLLDPPeer feeds an observed neighbour (from the LLDP external
// collaborator, §6) into the peer-check comparison. On mismatch it appends
// a diagnosis item of channel-error type REMOTE_MISMATCH with the
// appropriate extended sub-type, and a PeerDiff entry for application
// inspection (SPEC_FULL.md supplemented feature).
func (r *Router) ObserveLLDPPeer(api uint32, slot, subslot uint16, head *diag.Index, actual block.PeerCheck) {
	if r.expectedPeer.PortName == "" && r.expectedPeer.ChassisName == "" {
		return
	}
	var extType uint16
	switch {
	case actual.PortName != r.expectedPeer.PortName:
		extType = ExtChannelPortIDMismatch
	case actual.ChassisName != r.expectedPeer.ChassisName:
		extType = ExtChannelChassisIDMismatch
	default:
		return // match, no diagnosis
	}

	diff := PeerDiff{
		ExpectedPort:    r.expectedPeer.PortName,
		ExpectedChassis: r.expectedPeer.ChassisName,
		ActualPort:      actual.PortName,
		ActualChassis:   actual.ChassisName,
		ExtChannelType:  extType,
	}
	r.diffs = append(r.diffs, diff)
	if len(r.diffs) > peerDiffRingCapacity {
		r.diffs = r.diffs[len(r.diffs)-peerDiffRingCapacity:]
	}

	if r.diag != nil {
		_, err := r.diag.Add(api, slot, subslot, head, diag.Item{
			USI:                 diag.UsiStandard,
			ChannelErrorType:    ChannelErrorTypeRemoteMismatch,
			ExtChannelErrorType: extType,
			Specifier:           diag.SpecifierAppears,
		})
		if err != nil && r.log != nil {
			r.log.WithError(err).Warn("could not add peer-mismatch diagnosis: pool full")
		}
	}
}

// Diffs returns the bounded ring of recorded peer-check mismatches.
func (r *Router) Diffs() []PeerDiff { return r.diffs }
