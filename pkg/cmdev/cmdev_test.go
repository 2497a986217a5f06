package cmdev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pnet "github.com/pnet-core/pnet"
	"github.com/pnet-core/pnet/internal/block"
)

func validARBlock() block.ARBlockReq {
	return block.ARBlockReq{
		ARType:              ARTypeIOCARSingle,
		ARUUID:              block.UUID{1},
		InitiatorMAC:        [6]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
		InitiatorObjectUUID: wellKnownInitiatorObjectUUID,
		StationName:         []byte("station-1"),
	}
}

func validIOCR(frameID uint16) ConnectIOCR {
	return ConnectIOCR{
		Kind:  IOCRInput,
		Class: RTClass1,
		Req: block.IOCRBlockReq{
			LT:              0x8892,
			FrameID:         frameID,
			SendClockFactor: 32,
			ReductionRatio:  1,
			Phase:           1,
			FrameSendOffset: 0xFFFFFFFF,
			DataHoldFactor:  3,
			VLANPriority:    6,
			DataLength:      10,
			Objects: []block.IODataObject{
				{Slot: 1, Subslot: 1, DataOffset: 0, DataLength: 4, IOPSOffset: 4, IOPSLength: 1},
			},
		},
	}
}

func expectedAPIs() []block.ExpectedAPI {
	return []block.ExpectedAPI{{
		API: 0,
		Modules: []block.ExpectedModule{{
			Slot: 1,
			Submodules: []block.ExpectedSubmodule{{
				Subslot: 1,
				DataDescription: []block.ExpectedDataDescription{
					{DataDescription: 1, SubmoduleDataLength: 4, LengthIOPS: 1, LengthIOCS: 1},
				},
			}},
		}},
	}}
}

func TestAPDUCheckHappyConnect(t *testing.T) {
	req := ConnectRequest{
		ARBlock:      validARBlock(),
		IOCRs:        []ConnectIOCR{validIOCR(0xC001)},
		AlarmCR:      block.AlarmCRBlockReq{RTARetries: 3, RTATimeoutFactor: 10},
		ExpectedAPIs: expectedAPIs(),
	}
	assert.NoError(t, APDUCheck(req, DefaultLimits()))
}

func TestAPDUCheckRejectsMulticastMAC(t *testing.T) {
	ar := validARBlock()
	ar.InitiatorMAC[0] |= 0x01
	req := ConnectRequest{ARBlock: ar, ExpectedAPIs: expectedAPIs()}
	assert.Error(t, APDUCheck(req, DefaultLimits()))
}

func TestAPDUCheckRejectsEmptyStationName(t *testing.T) {
	ar := validARBlock()
	ar.StationName = nil
	req := ConnectRequest{ARBlock: ar}
	assert.Error(t, APDUCheck(req, DefaultLimits()))
}

func TestAPDUCheckRejectsNonPowerOfTwoSendClock(t *testing.T) {
	req := ConnectRequest{
		ARBlock:      validARBlock(),
		IOCRs:        []ConnectIOCR{validIOCR(0xC001)},
		ExpectedAPIs: expectedAPIs(),
	}
	req.IOCRs[0].Req.SendClockFactor = 3
	assert.Error(t, APDUCheck(req, DefaultLimits()))
}

func TestAPDUCheckRejectsOverlappingRanges(t *testing.T) {
	iocr := validIOCR(0xC001)
	iocr.Req.Objects = []block.IODataObject{
		{Slot: 1, Subslot: 1, DataOffset: 0, DataLength: 4},
		{Slot: 1, Subslot: 2, DataOffset: 2, DataLength: 4},
	}
	req := ConnectRequest{
		ARBlock: validARBlock(),
		IOCRs:   []ConnectIOCR{iocr},
		ExpectedAPIs: []block.ExpectedAPI{{API: 0, Modules: []block.ExpectedModule{{Slot: 1, Submodules: []block.ExpectedSubmodule{
			{Subslot: 1, DataDescription: []block.ExpectedDataDescription{{DataDescription: 1}}},
			{Subslot: 2, DataDescription: []block.ExpectedDataDescription{{DataDescription: 1}}},
		}}}}},
	}
	err := APDUCheck(req, DefaultLimits())
	require.Error(t, err)
	fault, ok := err.(pnet.Fault)
	require.True(t, ok)
	assert.EqualValues(t, pnet.ErrCode2Overlap, fault.AddData2)
}

func TestFixUpFrameIDAssignsFirstFreeInRange(t *testing.T) {
	limits := DefaultLimits()
	used := map[uint16]bool{0xC000: true, 0xC001: true}
	id, ok := FixUpFrameID(0xFFFF, RTClass1, limits, used)
	require.True(t, ok)
	assert.EqualValues(t, 0xC002, id)
}

func TestFixUpFrameIDPassesThroughExplicitValue(t *testing.T) {
	id, ok := FixUpFrameID(0xC055, RTClass1, DefaultLimits(), nil)
	require.True(t, ok)
	assert.EqualValues(t, 0xC055, id)
}

func TestComputeLayoutZeroesReducedDirection(t *testing.T) {
	req := block.IOCRBlockReq{Objects: []block.IODataObject{
		{Slot: 1, Subslot: 1, DataLength: 4, IOPSLength: 1, IOCSLength: 1},
	}}
	apis := []block.ExpectedAPI{{API: 0, Modules: []block.ExpectedModule{{Slot: 1, Submodules: []block.ExpectedSubmodule{
		{Subslot: 1, SubmoduleProperties: 0x02}, // reduce_input_submodule_data_length
	}}}}}
	ComputeLayout(&req, IOCRInput, apis)
	assert.EqualValues(t, 0, req.Objects[0].DataLength)
	assert.EqualValues(t, 0, req.Objects[0].DataOffset)
	assert.EqualValues(t, 0, req.Objects[0].IOPSOffset)
}

func TestComputeLayoutDiscardsIOXS(t *testing.T) {
	req := block.IOCRBlockReq{Objects: []block.IODataObject{
		{Slot: 1, Subslot: 1, DataLength: 4, IOPSLength: 1, IOCSLength: 1},
	}}
	apis := []block.ExpectedAPI{{API: 0, Modules: []block.ExpectedModule{{Slot: 1, Submodules: []block.ExpectedSubmodule{
		{Subslot: 1, SubmoduleProperties: 0x08}, // discard_ioxs
	}}}}}
	ComputeLayout(&req, IOCRInput, apis)
	assert.EqualValues(t, 0, req.Objects[0].IOCSLength)
	assert.EqualValues(t, 4, req.Objects[0].DataLength)
	assert.EqualValues(t, 5, req.DataLength) // data(4) + iops(1), no iocs
}

func TestPlugSubmoduleOnOwnedSubslotRaisesAlarm(t *testing.T) {
	tree := pnet.NewDeviceTree()
	tree.PlugSubmodule(0, 1, 1, 0xAA, pnet.DirInput)
	tree.APIs[0].Slots[1].Subslots[1].Owner = 3

	out := PlugSubmodule(tree, 0, 1, 1, 0xAA, pnet.DirInput)
	assert.Equal(t, pnet.PlugProper, out.State)
	assert.EqualValues(t, AlarmTypePlug, out.AlarmType)

	out = PlugSubmodule(tree, 0, 1, 1, 0xBB, pnet.DirInput)
	assert.Equal(t, pnet.PlugSubstitute, out.State)
	assert.EqualValues(t, AlarmTypePlugWrong, out.AlarmType)
}

func TestPlugSubmoduleUnownedRaisesNoAlarm(t *testing.T) {
	tree := pnet.NewDeviceTree()
	out := PlugSubmodule(tree, 0, 1, 1, 0xAA, pnet.DirInput)
	assert.EqualValues(t, 0, out.AlarmType)
}

func TestPullModuleAllOrNothing(t *testing.T) {
	tree := pnet.NewDeviceTree()
	tree.PlugSubmodule(0, 1, 1, 0xAA, pnet.DirInput)
	tree.APIs[0].Slots[1].Subslots[1].Owner = 2

	out := PullModule(tree, 0, 1, pnet.NoAR)
	assert.False(t, out.OK)
	assert.Contains(t, out.Owners, pnet.ARIndex(2))
	// module must still be present since the pull was refused
	assert.NotNil(t, tree.Subslot(0, 1, 1))

	out = PullModule(tree, 0, 1, pnet.ARIndex(2))
	assert.True(t, out.OK)
	assert.Nil(t, tree.Subslot(0, 1, 1))
}

func TestConnectIndicationAdvancesOnSuccess(t *testing.T) {
	ar := &AR{State: StateWCInd}
	req := ConnectRequest{
		ARBlock:      validARBlock(),
		IOCRs:        []ConnectIOCR{validIOCR(0xC001)},
		AlarmCR:      block.AlarmCRBlockReq{RTARetries: 3, RTATimeoutFactor: 10},
		ExpectedAPIs: expectedAPIs(),
	}
	require.NoError(t, ar.ConnectIndication(7, req, DefaultLimits()))
	assert.Equal(t, StateWCRes, ar.State)
	assert.EqualValues(t, 7, ar.AREP)
	assert.True(t, ar.InUse)
}

func TestConnectIndicationLeavesARUntouchedOnFailure(t *testing.T) {
	ar := &AR{State: StateWCInd}
	badAR := validARBlock()
	badAR.StationName = nil
	req := ConnectRequest{ARBlock: badAR}
	require.Error(t, ar.ConnectIndication(7, req, DefaultLimits()))
	assert.Equal(t, StateWCInd, ar.State)
	assert.False(t, ar.InUse)
}

func TestFullLifecycleToData(t *testing.T) {
	ar := &AR{State: StateWCInd}
	req := ConnectRequest{
		ARBlock:      validARBlock(),
		IOCRs:        []ConnectIOCR{validIOCR(0xC001)},
		AlarmCR:      block.AlarmCRBlockReq{RTARetries: 3, RTATimeoutFactor: 10},
		ExpectedAPIs: expectedAPIs(),
	}
	require.NoError(t, ar.ConnectIndication(1, req, DefaultLimits()))
	ar.StartupOK()
	ar.StartupIndicationDelivered()
	require.NoError(t, ar.PrmEndReceived())
	ar.ApplicationAccepted()
	require.NoError(t, ar.ApplicationReady(true))
	ar.CControlConfirmed(true)
	assert.Equal(t, StateData, ar.State, "no output CR: DONE takes AR straight to DATA")
}

func TestAbortIsIdempotentAndSticky(t *testing.T) {
	ar := &AR{State: StateWPeInd}
	ar.Abort(pnet.ErrClsRTA, 0x01)
	assert.Equal(t, StateAbort, ar.State)
	ar.Abort(pnet.ErrClsProtocol, 0x99)
	assert.EqualValues(t, pnet.ErrClsRTA, ar.ErrCls, "first abort reason sticks")
}
