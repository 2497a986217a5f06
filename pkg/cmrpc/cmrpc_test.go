package cmrpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/internal/ethernet"
	"github.com/pnet-core/pnet/pkg/cmdev"
)

type fakeTransmitter struct {
	sent []ethernet.Frame
}

func (f *fakeTransmitter) Send(fr ethernet.Frame) error {
	f.sent = append(f.sent, fr)
	return nil
}

func buildRequest(activity block.UUID, opnum uint16, seq uint32, fragNum uint16, flags1 uint8, body []byte) []byte {
	hdr := block.DCERPCHeader{
		Version:        4,
		PacketType:     block.PTRequest,
		Flags1:         flags1,
		ActivityUUID:   activity,
		SequenceNumber: seq,
		Opnum:          opnum,
		FragmentNum:    fragNum,
		LengthOfBody:   uint16(ndrHeaderWireSize + len(body)),
	}
	w := block.NewWriter(make([]byte, dceRPCHeaderWireSize+ndrHeaderWireSize+len(body)))
	w.WriteDCERPCHeader(hdr)
	w.WriteNDRHeader(block.NDRHeader{ArgsLength: uint32(len(body)), ActualCount: uint32(len(body))})
	w.RawBytes(body)
	return w.Bytes()
}

func TestDispatchRoutesConnectToHandler(t *testing.T) {
	tx := &fakeTransmitter{}
	called := false
	handlers := Handlers{
		Connect: func(activity block.UUID, body []byte) ([]byte, error) {
			called = true
			return []byte("ok"), nil
		},
	}
	d := NewDispatcher(tx, [6]byte{1}, 100, 8, handlers, nil)

	activity := block.UUID{9}
	payload := buildRequest(activity, OpConnect, 1, 0, block.Flag1LastFrag, []byte("req"))
	d.Handle(ethernet.Frame{SrcMAC: [6]byte{2}, Payload: payload})

	assert.True(t, called)
	require.Len(t, tx.sent, 1)
}

func TestRetransmissionReturnsCachedResponseWithoutRecalling(t *testing.T) {
	tx := &fakeTransmitter{}
	calls := 0
	handlers := Handlers{
		Connect: func(activity block.UUID, body []byte) ([]byte, error) {
			calls++
			return []byte("resp"), nil
		},
	}
	d := NewDispatcher(tx, [6]byte{1}, 100, 8, handlers, nil)

	activity := block.UUID{7}
	payload := buildRequest(activity, OpConnect, 5, 0, block.Flag1LastFrag, []byte("req"))
	d.Handle(ethernet.Frame{SrcMAC: [6]byte{2}, Payload: payload})
	d.Handle(ethernet.Frame{SrcMAC: [6]byte{2}, Payload: payload})

	assert.Equal(t, 1, calls)
	assert.Len(t, tx.sent, 2)
}

func TestSessionPoolFullDropsNewActivity(t *testing.T) {
	tx := &fakeTransmitter{}
	handlers := Handlers{Connect: func(block.UUID, []byte) ([]byte, error) { return nil, nil }}
	d := NewDispatcher(tx, [6]byte{1}, 100, 1, handlers, nil)

	d.Handle(ethernet.Frame{Payload: buildRequest(block.UUID{1}, OpConnect, 1, 0, block.Flag1LastFrag, nil)})
	d.Handle(ethernet.Frame{Payload: buildRequest(block.UUID{2}, OpConnect, 1, 0, block.Flag1LastFrag, nil)})

	assert.Len(t, tx.sent, 1, "second activity should be dropped: session pool capacity is 1")
}

func TestUnknownOpcodeSendsFault(t *testing.T) {
	tx := &fakeTransmitter{}
	d := NewDispatcher(tx, [6]byte{1}, 100, 8, Handlers{}, nil)

	d.Handle(ethernet.Frame{Payload: buildRequest(block.UUID{3}, 99, 1, 0, block.Flag1LastFrag, nil)})

	require.Len(t, tx.sent, 1)
	rd := block.NewReader(tx.sent[0].Payload)
	hdr := rd.ReadDCERPCHeader()
	assert.Equal(t, block.PTFault, hdr.PacketType)
}

func TestFragmentedRequestReassembledBeforeDispatch(t *testing.T) {
	tx := &fakeTransmitter{}
	var gotBody []byte
	handlers := Handlers{
		Write: func(activity block.UUID, body []byte) ([]byte, error) {
			gotBody = body
			return nil, nil
		},
	}
	d := NewDispatcher(tx, [6]byte{1}, 100, 8, handlers, nil)

	activity := block.UUID{4}
	first := buildRequest(activity, OpWrite, 1, 0, block.Flag1Fragment, []byte("AAAA"))
	second := buildRequest(activity, OpWrite, 1, 1, block.Flag1Fragment|block.Flag1LastFrag, []byte("BBBB"))

	d.Handle(ethernet.Frame{Payload: first})
	assert.Empty(t, tx.sent, "non-last fragment produces no response yet")
	d.Handle(ethernet.Frame{Payload: second})

	require.NotNil(t, gotBody)
	assert.Contains(t, string(gotBody), "BBBB")
}

func TestCControlResponseConfirmsAR(t *testing.T) {
	tx := &fakeTransmitter{}
	d := NewDispatcher(tx, [6]byte{1}, 100, 8, Handlers{}, nil)

	ar := &cmdev.AR{State: cmdev.StateWARdyCnf, OutputCR: nil, ARUUID: block.UUID{5}}
	d.SendCControlRequest(ar, 1)
	require.Len(t, tx.sent, 1)

	respHdr := block.DCERPCHeader{PacketType: block.PTResponse, ActivityUUID: ar.ARUUID}
	w := block.NewWriter(make([]byte, 128))
	w.WriteDCERPCHeader(respHdr)
	d.Handle(ethernet.Frame{Payload: w.Bytes()})

	assert.Equal(t, cmdev.StateData, ar.State, "no output CR: DONE takes AR straight to DATA")
}

func TestCloseSessionDropsState(t *testing.T) {
	tx := &fakeTransmitter{}
	calls := 0
	handlers := Handlers{Connect: func(block.UUID, []byte) ([]byte, error) { calls++; return nil, nil }}
	d := NewDispatcher(tx, [6]byte{1}, 100, 8, handlers, nil)

	activity := block.UUID{6}
	payload := buildRequest(activity, OpConnect, 1, 0, block.Flag1LastFrag, nil)
	d.Handle(ethernet.Frame{Payload: payload})
	d.CloseSession(activity)
	d.Handle(ethernet.Frame{Payload: payload})

	assert.Equal(t, 2, calls, "session was closed: the second send is treated as a fresh request, not a retransmission")
}
