package pnet

import "fmt"

// ErrClass / ErrCode values from the PROFINET ERRCLS/ERRCODE taxonomy, §7.
// Only the subset this core raises is named; any other value round-trips
// through Fault unchanged.
const (
	ErrCodeConnect   uint8 = 0x40
	ErrCodeRead      uint8 = 0x41
	ErrCodeWrite     uint8 = 0x42
	ErrCodeRelease   uint8 = 0x43
	ErrCodeControl   uint8 = 0x44
	ErrCodeAlarmAck  uint8 = 0x45

	ErrClsProtocol   uint8 = 0xDB // PNIO faults
	ErrClsRTA        uint8 = 0xCF // alarm/RTA faults
)

// Fault is the structured device-wide error representation of §7's
// "(err_cls, err_code) pair", replacing out-parameters with a single
// returnable value per §9. It is attached to the owning AR when the
// failure is AR-scoped.
type Fault struct {
	ErrCls   uint8
	ErrCode  uint8
	AddData1 uint16
	AddData2 uint16
}

func (f Fault) Error() string {
	return fmt.Sprintf("pnet: fault cls=0x%02x code=0x%02x (0x%04x,0x%04x)",
		f.ErrCls, f.ErrCode, f.AddData1, f.AddData2)
}

// NewFault is a small constructor so call sites read like the teacher's
// sentinel errors while still carrying structured data.
func NewFault(cls, code uint8, add1, add2 uint16) Fault {
	return Fault{ErrCls: cls, ErrCode: code, AddData1: add1, AddData2: add2}
}

// AbortCode values (CMDEV/alarm escalation reasons), §7/§8.
const (
	AbortCodeSeq                 uint16 = 1
	AbortCodeARAlarmSendCnfNeg   uint16 = 2
	AbortCodeStateViolation      uint16 = 3
	AbortCodeReleaseInd          uint16 = 4
	AbortCodePeerCheckMismatch   uint16 = 5
)

// Error-code-1 values for negative Connect responses, §8 scenario 3.
// ErrCode2Overlap is the accompanying error_code_2 value for an overlapping
// iodata_object rejection.
const (
	ConnFaultyIOCRBlockReq uint8 = 0x28
	ErrCode2Overlap        uint16 = 24
)
