package cmdev

import (
	"github.com/pnet-core/pnet/internal/block"
)

// submoduleFlags carries the property modulation inputs named in §4.3:
// reduce-flags zero a direction's data length, discard_ioxs (IO direction
// only) zeros the IOCS contribution.
type submoduleFlags struct {
	SharedInput        bool
	ReduceInputLength  bool
	ReduceOutputLength bool
	DiscardIOXS        bool
}

// lookupFlags resolves a {slot, subslot}'s submodule property flags from
// the expected tree, used while computing the layout below.
func lookupFlags(apis []block.ExpectedAPI, slot, subslot uint16) submoduleFlags {
	for _, api := range apis {
		for _, mod := range api.Modules {
			if mod.Slot != slot {
				continue
			}
			for _, sub := range mod.Submodules {
				if sub.Subslot != subslot {
					continue
				}
				p := sub.SubmoduleProperties
				return submoduleFlags{
					SharedInput:        p&0x01 != 0,
					ReduceInputLength:  p&0x02 != 0,
					ReduceOutputLength: p&0x04 != 0,
					DiscardIOXS:        p&0x08 != 0,
				}
			}
		}
	}
	return submoduleFlags{}
}

// ComputeLayout implements §4.3's two-pass byte-layout algorithm: pass one
// places data+IOPS for every object of req (in declaration order), pass two
// places IOCS for objects whose submodule contributes it to this IOCR (some
// submodules contribute IOCS to the CR of the opposite direction — the
// caller handles that by calling ComputeLayout once per IOCR with the
// objects that belong to it, which already excludes cross-direction IOCS
// contributions at the Connect-parsing stage). Submodule property flags
// modulate offset/length assignment: a reduce-flag in this IOCR's direction
// zeroes the data length; discard_ioxs zeroes the IOCS contribution (legal
// only for IO direction).
func ComputeLayout(req *block.IOCRBlockReq, dir IOCRKind, apis []block.ExpectedAPI) {
	offset := uint16(0)
	for i := range req.Objects {
		o := &req.Objects[i]
		flags := lookupFlags(apis, o.Slot, o.Subslot)

		dataLen := o.DataLength
		if (dir == IOCRInput && flags.ReduceInputLength) || (dir == IOCROutput && flags.ReduceOutputLength) {
			dataLen = 0
		}
		o.DataLength = dataLen
		o.DataOffset = offset
		offset += dataLen

		if o.IOPSLength > 0 {
			o.IOPSOffset = offset
			offset += o.IOPSLength
		}
	}

	for i := range req.Objects {
		o := &req.Objects[i]
		flags := lookupFlags(apis, o.Slot, o.Subslot)
		if flags.DiscardIOXS || o.IOCSLength == 0 {
			o.IOCSLength = 0
			o.IOCSOffset = 0
			continue
		}
		o.IOCSOffset = offset
		offset += o.IOCSLength
	}

	req.DataLength = offset
}

// FixUpFrameID resolves a requested FrameID of 0xFFFF to the first free
// FrameID in the range implied by class, unique across every live AR's used
// set. It returns ok=false if the range is exhausted.
func FixUpFrameID(requested uint16, class RTClass, limits Limits, used map[uint16]bool) (uint16, bool) {
	if requested != 0xFFFF {
		return requested, true
	}
	rng, ok := limits.FrameIDRanges[class]
	if !ok {
		return 0, false
	}
	for id := rng[0]; ; id++ {
		if !used[id] {
			return id, true
		}
		if id == rng[1] {
			break
		}
	}
	return 0, false
}
