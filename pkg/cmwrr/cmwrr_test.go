package cmwrr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pnet "github.com/pnet-core/pnet"
	"github.com/pnet-core/pnet/internal/block"
	"github.com/pnet-core/pnet/pkg/diag"
)

type fakeIMStore struct {
	lastIM1 block.IM1Record
	calls   int
}

func (f *fakeIMStore) WriteIM1(rec block.IM1Record) error {
	f.lastIM1 = rec
	f.calls++
	return nil
}

func newTestRouter() (*Router, *fakeIMStore) {
	store := &fakeIMStore{}
	r := NewRouter(store, diag.NewPool(4), nil)
	return r, store
}

func im1Payload(tag string) []byte {
	w := block.NewWriter(make([]byte, 256))
	var rec block.IM1Record
	copy(rec.TagFunction[:], tag)
	w.WriteIM1Record(rec)
	return w.Bytes()
}

func TestWriteRejectsInIdleAndPrmEnd(t *testing.T) {
	r, _ := newTestRouter()
	for _, s := range []State{StateIdle, StatePrmEnd} {
		r.SetState(s)
		err := r.Write(WriteRequest{Index: 0x10}, func(WriteRequest) error { return nil })
		assert.Equal(t, ErrStateConflict, err)
	}
}

func TestWriteRejectsBackupARInStartupAndData(t *testing.T) {
	r, _ := newTestRouter()
	for _, s := range []State{StateStartup, StateData} {
		r.SetState(s)
		err := r.Write(WriteRequest{Index: 0x10, IsBackupAR: true}, func(WriteRequest) error { return nil })
		assert.Equal(t, ErrAccBackup, err)
	}
}

func TestWriteRoutesApplicationIndex(t *testing.T) {
	r, _ := newTestRouter()
	r.SetState(StateData)
	called := false
	err := r.Write(WriteRequest{Index: 0x10}, func(req WriteRequest) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
}

func TestWriteIM0IsReadOnly(t *testing.T) {
	r, _ := newTestRouter()
	r.SetState(StateData)
	err := r.Write(WriteRequest{Index: IndexIM0}, nil)
	assert.Equal(t, ErrIM0ReadOnly, err)
}

func TestWriteIM1PersistsThroughStore(t *testing.T) {
	r, store := newTestRouter()
	r.SetState(StateData)
	err := r.Write(WriteRequest{Index: IndexIM1, Data: im1Payload("pump-3")}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, store.calls)
	assert.Equal(t, "pump-3", string(store.lastIM1.TagFunction[:6]))
}

func TestPDPortDataCheckThenMismatchRaisesDiagnosis(t *testing.T) {
	r, _ := newTestRouter()
	r.SetState(StateData)

	w := block.NewWriter(make([]byte, 256))
	w.WritePeerCheck(block.PeerCheck{PortName: "port-001", ChassisName: "switch-A"})
	err := r.Write(WriteRequest{Index: IndexPDPortDataCheck, Data: w.Bytes()}, nil)
	require.NoError(t, err)

	var head diag.Index
	r.ObserveLLDPPeer(0, 1, 1, &head, block.PeerCheck{PortName: "port-999", ChassisName: "switch-A"})

	assert.NotEqual(t, diag.NoIndex, head)
	diffs := r.Diffs()
	require.Len(t, diffs, 1)
	assert.EqualValues(t, ExtChannelPortIDMismatch, diffs[0].ExtChannelType)
}

func TestPDPortDataCheckMatchRaisesNoDiagnosis(t *testing.T) {
	r, _ := newTestRouter()
	r.SetState(StateData)

	w := block.NewWriter(make([]byte, 256))
	w.WritePeerCheck(block.PeerCheck{PortName: "port-001", ChassisName: "switch-A"})
	require.NoError(t, r.Write(WriteRequest{Index: IndexPDPortDataCheck, Data: w.Bytes()}, nil))

	var head diag.Index
	r.ObserveLLDPPeer(0, 1, 1, &head, block.PeerCheck{PortName: "port-001", ChassisName: "switch-A"})

	assert.Equal(t, diag.NoIndex, head)
	assert.Empty(t, r.Diffs())
}

func TestPDPortDataAdjustStoresBoundary(t *testing.T) {
	r, _ := newTestRouter()
	r.SetState(StateData)

	w := block.NewWriter(make([]byte, 256))
	w.WritePeerToPeerBoundary(block.PeerToPeerBoundary{DoNotSendLLDP: true})
	err := r.Write(WriteRequest{Index: IndexPDPortDataAdjust, Data: w.Bytes()}, nil)
	require.NoError(t, err)
	assert.True(t, r.boundary.DoNotSendLLDP)
}

func TestPeerDiffRingIsBounded(t *testing.T) {
	r, _ := newTestRouter()
	r.SetState(StateData)

	w := block.NewWriter(make([]byte, 256))
	w.WritePeerCheck(block.PeerCheck{PortName: "expected", ChassisName: "expected"})
	require.NoError(t, r.Write(WriteRequest{Index: IndexPDPortDataCheck, Data: w.Bytes()}, nil))

	var head diag.Index
	for i := 0; i < peerDiffRingCapacity+3; i++ {
		r.ObserveLLDPPeer(0, 1, 1, &head, block.PeerCheck{PortName: "wrong", ChassisName: "expected"})
	}
	assert.Len(t, r.Diffs(), peerDiffRingCapacity)
}

func TestUnknownIndexReturnsFault(t *testing.T) {
	r, _ := newTestRouter()
	r.SetState(StateData)
	err := r.Write(WriteRequest{Index: 0xBEEF}, nil)
	require.Error(t, err)
	_, ok := err.(pnet.Fault)
	assert.True(t, ok)
}
