package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolPartitionInvariant(t *testing.T) {
	const capacity = 8
	p := NewPool(capacity)
	assert.Equal(t, capacity, p.FreeCount())

	var head1, head2 Index = NoIndex, NoIndex
	idxs := make([]Index, 0)
	for i := 0; i < 5; i++ {
		idx, err := p.Add(0, 1, 1, &head1, Item{ChannelNumber: uint16(i)})
		assert.NoError(t, err)
		idxs = append(idxs, idx)
	}
	idxs2 := make([]Index, 0)
	for i := 0; i < 2; i++ {
		idx, err := p.Add(0, 1, 2, &head2, Item{ChannelNumber: uint16(100 + i)})
		assert.NoError(t, err)
		idxs2 = append(idxs2, idx)
	}

	assert.Equal(t, capacity-7, p.FreeCount())

	// remove a couple, verify they return to the free list and the
	// remaining partition still sums to capacity
	p.Remove(&head1, idxs[2])
	p.Remove(&head2, idxs2[0])
	assert.Equal(t, capacity-5, p.FreeCount())

	var inList1, inList2 int
	p.Walk(head1, func(Index, Item) { inList1++ })
	p.Walk(head2, func(Index, Item) { inList2++ })

	assert.Equal(t, inList1+inList2+p.FreeCount(), capacity)
}

func TestPoolFullReturnsError(t *testing.T) {
	p := NewPool(1)
	var head Index = NoIndex
	_, err := p.Add(0, 1, 1, &head, Item{})
	assert.NoError(t, err)
	_, err = p.Add(0, 1, 1, &head, Item{})
	assert.ErrorIs(t, err, ErrPoolFull)
}

func TestSummarizeFaultAppearSetsSubmoduleAndAR(t *testing.T) {
	s := Summarize([]Entry{
		{Item: Item{USI: UsiStandard, ChannelProperties: 3 << 5}, SameAR: true, Appearing: true},
	})
	assert.True(t, s.ChannelDiagnosis)
	assert.True(t, s.SubmoduleDiagnosis)
	assert.True(t, s.ARDiagnosis)
}

func TestSummarizeManufacturerOtherARSetsTwoFlags(t *testing.T) {
	s := Summarize([]Entry{
		{Item: Item{USI: 0x1234}, SameAR: false, Appearing: true},
	})
	assert.True(t, s.ManufacturerDiagnosis)
	assert.True(t, s.SubmoduleDiagnosis)
	assert.False(t, s.ARDiagnosis)
}

func TestSummarizeMaintenanceRequiredSetsBitNotSubmodule(t *testing.T) {
	s := Summarize([]Entry{
		{Item: Item{USI: UsiStandard, ChannelProperties: 1 << 5}, SameAR: true, Appearing: true},
	})
	assert.True(t, s.ChannelDiagnosis)
	assert.False(t, s.SubmoduleDiagnosis)
	assert.NotZero(t, s.MaintenanceStatus&maintenanceRequiredBit)
}
