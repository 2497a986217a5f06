// Package cmdev implements the per-AR connection state machine of §4.3:
// Connect validation (APDUCheck), IOCR byte-layout computation and the
// plug/pull semantics that feed the device tree.
package cmdev

import (
	log "github.com/sirupsen/logrus"

	pnet "github.com/pnet-core/pnet"
	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/pkg/alarm"
)

// State is one AR's CMDEV lifecycle position, §4.3.
type State uint8

const (
	StatePowerOn State = iota
	StateWCInd
	StateWCRes
	StateWSUCnf
	StateWPeInd
	StateWPeRes
	StateWARdy
	StateWARdyCnf
	StateWData
	StateData
	StateAbort
)

var stateNames = map[State]string{
	StatePowerOn:   "POWER_ON",
	StateWCInd:     "W_CIND",
	StateWCRes:     "W_CRES",
	StateWSUCnf:    "W_SUCNF",
	StateWPeInd:    "W_PEIND",
	StateWPeRes:    "W_PERES",
	StateWARdy:     "W_ARDY",
	StateWARdyCnf:  "W_ARDYCNF",
	StateWData:     "WDATA",
	StateData:      "DATA",
	StateAbort:     "ABORT",
}

func (s State) String() string { return stateNames[s] }

// IOCRKind distinguishes the three roles an IOCR can carry, §3. Multicast
// provider/consumer are recognised per spec but not implemented (Non-goal);
// only Input/Output are ever resolved into a byte layout.
type IOCRKind uint8

const (
	IOCRInput IOCRKind = iota
	IOCROutput
	IOCRMulticastProvider
	IOCRMulticastConsumer
)

// IOCR is a resolved communication relation: the negotiated parameters plus
// the computed byte layout of its iodata_objects, §3/§4.3.
type IOCR struct {
	Kind    IOCRKind
	Req     block.IOCRBlockReq
	FrameID uint16 // post fix-up value actually used on the wire
}

// AR is one Application Relation, §3. It is held in Net's fixed AR table
// and referenced elsewhere only by pnet.ARIndex, never by pointer (§9).
type AR struct {
	State State

	// Identity.
	AREP       uint32
	ARUUID     block.UUID
	SessionKey uint16
	PeerMAC    [6]byte

	// Negotiated parameters.
	RTARetries       uint16
	RTATimeoutFactor uint16
	StationName      string

	InputCR  *IOCR
	OutputCR *IOCR
	AlarmCR  block.AlarmCRBlockReq

	ExpectedAPIs []block.ExpectedAPI

	AlarmLow  *alarm.Pair
	AlarmHigh *alarm.Pair

	InUse             bool
	Ready4Data        bool
	AlarmEnable       bool
	GlobalAlarmEnable bool

	// Release/abort error pair, §7.
	ErrCls  uint8
	ErrCode uint8

	log *log.Entry
}

// Reset returns ar to its unused zero value, freeing it for reuse in the
// fixed AR table — the terminal step of the abort/release destructor, §7.
func (ar *AR) Reset() {
	*ar = AR{log: ar.log}
}

// Abort transitions ar to ABORT, recording the escalation reason. Net is
// responsible for the bulk device-tree sweep and alarm-pair teardown that
// must accompany this (§9's "pure bulk sweep" pattern) — Abort itself only
// flips the state and remembers why, so callers can sequence teardown
// however their resource ownership requires.
func (ar *AR) Abort(errCls, errCode uint8) {
	if ar.State == StateAbort {
		return
	}
	ar.ErrCls = errCls
	ar.ErrCode = errCode
	ar.State = StateAbort
	if ar.log != nil {
		ar.log.WithFields(log.Fields{
			"arep":     ar.AREP,
			"err_cls":  errCls,
			"err_code": errCode,
		}).Warn("AR aborted")
	}
}

// advance moves ar to next, logging the transition at debug level — the
// teacher's nmt.go setState pattern, generalised to CMDEV's richer chain.
func (ar *AR) advance(next State) {
	if ar.log != nil {
		ar.log.WithFields(log.Fields{"arep": ar.AREP, "from": ar.State, "to": next}).Debug("cmdev state change")
	}
	ar.State = next
}

// ConnectIndication validates req and, on success, advances
// W_CIND -> W_CRES, populating ar's negotiated fields. arep is the endpoint
// reference Net assigns when allocating this AR's table slot (§3: "assigned
// by the device"), not part of the wire request. On failure ar is left
// untouched (its State unchanged) and the caller must not register it in the AR
// table — §4.3's "AR not created" outcome for negative Connect responses.
func (ar *AR) ConnectIndication(arep uint32, req ConnectRequest, limits Limits) error {
	if err := APDUCheck(req, limits); err != nil {
		return err
	}
	ar.AREP = arep
	ar.ARUUID = req.ARBlock.ARUUID
	ar.SessionKey = req.ARBlock.SessionKey
	ar.PeerMAC = req.ARBlock.InitiatorMAC
	ar.StationName = string(req.ARBlock.StationName)
	ar.RTARetries = req.AlarmCR.RTARetries
	ar.RTATimeoutFactor = req.AlarmCR.RTATimeoutFactor
	ar.AlarmCR = req.AlarmCR
	ar.ExpectedAPIs = req.ExpectedAPIs
	ar.InUse = true
	ar.advance(StateWCRes)
	return nil
}

// StartupOK is the local sub-system start succeeding, W_CRES -> W_SUCNF.
func (ar *AR) StartupOK() {
	if ar.State == StateWCRes {
		ar.advance(StateWSUCnf)
	}
}

// StartupIndicationDelivered is W_SUCNF -> W_PEIND.
func (ar *AR) StartupIndicationDelivered() {
	if ar.State == StateWSUCnf {
		ar.advance(StateWPeInd)
	}
}

// PrmEndReceived is W_PEIND -> W_PERES, triggered by DControl(PrmEnd).
func (ar *AR) PrmEndReceived() error {
	if ar.State != StateWPeInd {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeControl, uint16(ar.State), 0)
	}
	ar.advance(StateWPeRes)
	return nil
}

// ApplicationAccepted is the application callback returning success,
// W_PERES -> W_ARDY.
func (ar *AR) ApplicationAccepted() {
	if ar.State == StateWPeRes {
		ar.advance(StateWARdy)
	}
}

// ApplicationReady is pnet_application_ready(): W_ARDY -> W_ARDYCNF, only
// once every provider CR has data or IOPS staged (providersStaged is the
// caller's attestation of that, since cyclic data paths are out of scope,
// §1).
func (ar *AR) ApplicationReady(providersStaged bool) error {
	if ar.State != StateWARdy {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeControl, uint16(ar.State), 0)
	}
	if !providersStaged {
		return pnet.NewFault(pnet.ErrClsProtocol, pnet.ErrCodeControl, uint16(ar.State), 1)
	}
	ar.Ready4Data = true
	ar.advance(StateWARdyCnf)
	return nil
}

// CControlConfirmed is the CControl confirmation carrying the DONE bit:
// W_ARDYCNF -> WDATA (output CR present) or straight to DATA (no output
// CR, e.g. input-only AR).
func (ar *AR) CControlConfirmed(done bool) {
	if ar.State != StateWARdyCnf || !done {
		return
	}
	if ar.OutputCR != nil {
		ar.advance(StateWData)
	} else {
		ar.advance(StateData)
	}
}

// ConsumerDataValid is CPM reporting consumer data-valid, WDATA -> DATA.
func (ar *AR) ConsumerDataValid() {
	if ar.State == StateWData {
		ar.advance(StateData)
	}
}
