// Package diag implements the fixed-size diagnosis item pool: a free list
// and per-subslot singly-linked lists built from arena-relative indices
// instead of pointers, per §3 and the §9 design note on cyclic graphs.
package diag

import (
	"sync"

	pnet "github.com/pnet-core/pnet"
)

// Index is a 1-based arena slot reference; 0 (NoIndex) terminates a list.
type Index = pnet.DiagIndex

// NoIndex terminates a diagnosis list.
const NoIndex = pnet.NoDiag

// Specifier is the alarm specifier attached to a diagnosis item, §3.
type Specifier uint16

const (
	SpecifierAppears Specifier = iota
	SpecifierDisappears
)

// Item is one diagnosis entry, §3. USI distinguishes manufacturer-format
// (USI < 0x8000, opaque payload) from standard-format items (USI ==
// UsiStandard) that carry the typed fields below.
type Item struct {
	USI                       uint16
	ChannelNumber             uint16
	ChannelErrorType          uint16
	ExtChannelErrorType       uint16
	ExtChannelAddValue        uint32
	ChannelProperties         uint16 // maintenance bits live here, see Severity
	Qualifier                 uint32
	Specifier                 Specifier
	ManufacturerData          []byte

	subslotKey uint64
	next       Index
	inUse      bool
}

// UsiStandard marks a standard-format diagnosis item; any other USI value
// is manufacturer-format, per §4.4.
const UsiStandard uint16 = 0xFFFF

// Severity classification bits, §4.4.
type Severity uint8

const (
	SeverityNone Severity = iota
	SeverityMaintenanceRequired
	SeverityMaintenanceDemanded
	SeverityFault
)

// channelPropertiesMaintenance bit positions (bits 5-6 of ChannelProperties).
const (
	maintenanceBitPos    = 5
	maintenanceBitLength = 2
)

// classify maps a standard-format item's maintenance field plus an
// optional qualifier mask into {FAULT, MAINTENANCE_REQUIRED,
// MAINTENANCE_DEMANDED}, per §4.4.
func (it *Item) classify() Severity {
	bits := (it.ChannelProperties >> maintenanceBitPos) & 0x3
	switch {
	case bits == 0 && it.Qualifier != 0:
		return SeverityMaintenanceRequired
	case bits == 1:
		return SeverityMaintenanceRequired
	case bits == 2:
		return SeverityMaintenanceDemanded
	case bits == 3:
		return SeverityFault
	default:
		return SeverityFault
	}
}

// ErrPoolFull is returned by Add when the pool has no free items left.
var ErrPoolFull = pnet.NewFault(pnet.ErrClsProtocol, 0x01, 0, 0)

// Pool is the fixed-capacity diagnosis item arena. §5 requires diag_mutex
// around its free list and per-subslot list heads because the application
// thread may mutate concurrently with the periodic tick walking them.
type Pool struct {
	mu    sync.Mutex
	items []Item
	free  Index // head of the free list, 1-based; 0 = empty
}

// NewPool allocates a pool with the given fixed capacity.
func NewPool(capacity int) *Pool {
	p := &Pool{items: make([]Item, capacity+1)} // index 0 reserved as NoIndex
	for i := capacity; i >= 1; i-- {
		p.items[i].next = p.free
		p.free = Index(i)
	}
	return p
}

func subslotKey(api uint32, slot, subslot uint16) uint64 {
	return uint64(api)<<32 | uint64(slot)<<16 | uint64(subslot)
}

// Add inserts item at the head of {api, slot, subslot}'s list and returns
// its index. Returns ErrPoolFull if the free list is exhausted.
func (p *Pool) Add(api uint32, slot, subslot uint16, head *Index, item Item) (Index, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free == NoIndex {
		return NoIndex, ErrPoolFull
	}
	idx := p.free
	slotItem := &p.items[idx]
	p.free = slotItem.next

	item.subslotKey = subslotKey(api, slot, subslot)
	item.next = *head
	item.inUse = true
	*slotItem = item
	*head = idx

	return idx, nil
}

// Remove unlinks idx from head's list and returns it to the free list.
// It is a no-op if idx is not present in that list.
func (p *Pool) Remove(head *Index, idx Index) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := *head
	prev := NoIndex
	for cur != NoIndex {
		if cur == idx {
			if prev == NoIndex {
				*head = p.items[cur].next
			} else {
				p.items[prev].next = p.items[cur].next
			}
			p.items[cur] = Item{next: p.free}
			p.free = cur
			return true
		}
		prev = cur
		cur = p.items[cur].next
	}
	return false
}

// Update replaces the contents of idx in place (channel data changed
// without an appear/disappear transition).
func (p *Pool) Update(idx Index, item Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.items[idx].next
	key := p.items[idx].subslotKey
	item.next = next
	item.subslotKey = key
	item.inUse = true
	p.items[idx] = item
}

// Get returns a copy of the item at idx.
func (p *Pool) Get(idx Index) Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.items[idx]
}

// Walk calls fn for every item reachable from head, in list order.
func (p *Pool) Walk(head Index, fn func(idx Index, item Item)) {
	p.mu.Lock()
	items := make([]struct {
		idx  Index
		item Item
	}, 0)
	cur := head
	for cur != NoIndex {
		items = append(items, struct {
			idx  Index
			item Item
		}{cur, p.items[cur]})
		cur = p.items[cur].next
	}
	p.mu.Unlock()

	for _, e := range items {
		fn(e.idx, e.item)
	}
}

// FreeCount returns the number of unused items — part of the §8 partition
// invariant check.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	cur := p.free
	for cur != NoIndex {
		n++
		cur = p.items[cur].next
	}
	return n
}

// Capacity returns the pool's fixed size.
func (p *Pool) Capacity() int {
	return len(p.items) - 1
}
