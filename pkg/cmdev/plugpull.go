package cmdev

import pnet "github.com/pnet-core/pnet"

// AlarmTypePull / AlarmTypePlug / AlarmTypePlugWrong are the process-alarm
// types CMDEV raises on plug/pull transitions, §4.3.
const (
	AlarmTypePull      uint16 = 0x02
	AlarmTypePlug      uint16 = 0x03
	AlarmTypePlugWrong uint16 = 0x04
)

// PlugOutcome reports the plug state plus which alarm (if any) the caller
// should raise against the owning AR, §4.3: "a plug on an AR-owned subslot
// raises either a PLUG or PLUG_WRONG alarm".
type PlugOutcome struct {
	State     pnet.PlugState
	AlarmType uint16 // 0 if no alarm (subslot was not AR-owned)
}

// PlugSubmodule plugs identNumber into {api, slot, subslot} and reports the
// alarm the caller must enqueue if the subslot already belongs to a live AR.
func PlugSubmodule(tree *pnet.DeviceTree, api uint32, slot, subslot uint16, identNumber uint32, dir pnet.DataDirection) PlugOutcome {
	existing := tree.Subslot(api, slot, subslot)
	owned := existing != nil && existing.Owner != pnet.NoAR
	state := tree.PlugSubmodule(api, slot, subslot, identNumber, dir)

	out := PlugOutcome{State: state}
	if owned {
		if state == pnet.PlugSubstitute {
			out.AlarmType = AlarmTypePlugWrong
		} else {
			out.AlarmType = AlarmTypePlug
		}
	}
	return out
}

// PullOutcome reports whether the pull succeeded and which AR(s), if any,
// must be notified (a PULL alarm each), §4.3.
type PullOutcome struct {
	OK      bool
	Owners  []pnet.ARIndex
}

// PullSubmodule pulls the submodule at {api, slot, subslot}. The caller
// raises a PULL alarm against Owners[0] if non-empty.
func PullSubmodule(tree *pnet.DeviceTree, api uint32, slot, subslot uint16) PullOutcome {
	owner := tree.PullSubmodule(api, slot, subslot)
	if owner == pnet.NoAR {
		return PullOutcome{OK: true}
	}
	return PullOutcome{OK: true, Owners: []pnet.ARIndex{owner}}
}

// PullModule pulls every submodule of {api, slot}, succeeding only if none
// of them were AR-owned by an AR other than allowUnload (all-or-nothing per
// module, §4.3): the module is left untouched if any subslot is blocked.
// Passing allowUnload = pnet.NoAR requires every subslot to be unowned.
func PullModule(tree *pnet.DeviceTree, api uint32, slot uint16, allowUnload pnet.ARIndex) PullOutcome {
	a, ok := tree.APIs[api]
	if !ok {
		return PullOutcome{OK: true}
	}
	s, ok := a.Slots[slot]
	if !ok {
		return PullOutcome{OK: true}
	}

	var blocking []pnet.ARIndex
	for _, sub := range s.Subslots {
		if sub.Owner != pnet.NoAR && sub.Owner != allowUnload {
			blocking = append(blocking, sub.Owner)
		}
	}
	if len(blocking) > 0 {
		return PullOutcome{OK: false, Owners: blocking}
	}

	owners, _ := tree.PullModule(api, slot)
	return PullOutcome{OK: true, Owners: owners}
}
