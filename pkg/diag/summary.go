package diag

// Summary is the reduced {AlarmSpecifier bits, MaintenanceStatus mask}
// produced by walking a subslot's diagnosis list before emitting a
// diagnosis alarm, §4.4.
type Summary struct {
	ChannelDiagnosis      bool
	ManufacturerDiagnosis bool
	SubmoduleDiagnosis    bool
	ARDiagnosis           bool
	MaintenanceStatus     uint32
}

const (
	maintenanceRequiredBit uint32 = 1 << 0
	maintenanceDemandedBit uint32 = 1 << 1
)

// Entry pairs an item with whether it is appearing (true) or disappearing
// (false) in this summarisation pass — the original implementation walks
// both directions (SPEC_FULL.md, "Diagnosis disappear transitions"); the
// distilled spec only narrates the appearing case.
type Entry struct {
	Item      Item
	SameAR    bool
	Appearing bool
}

// Summarize reduces entries (the subslot's current list plus the item
// driving this alarm) to a Summary, per §4.4's rules.
func Summarize(entries []Entry) Summary {
	var s Summary
	for _, e := range entries {
		it := e.Item
		if it.USI != UsiStandard {
			// Manufacturer-USI items always set these two, plus AR
			// diagnosis when SameAR, regardless of appear/disappear.
			s.ManufacturerDiagnosis = true
			s.SubmoduleDiagnosis = true
			if e.SameAR {
				s.ARDiagnosis = true
			}
			continue
		}

		severity := it.classify()
		if e.Appearing {
			s.ChannelDiagnosis = true
			switch severity {
			case SeverityMaintenanceRequired:
				s.MaintenanceStatus |= maintenanceRequiredBit
			case SeverityMaintenanceDemanded:
				s.MaintenanceStatus |= maintenanceDemandedBit
			case SeverityFault:
				s.SubmoduleDiagnosis = true
				if e.SameAR {
					s.ARDiagnosis = true
				}
			}
		} else {
			// Disappearing: clear the corresponding maintenance bit: a
			// FAULT disappearing only clears submodule/AR diagnosis if no
			// other appearing FAULT item remains in the same walk, which
			// the caller ensures by passing the full current list.
			switch severity {
			case SeverityMaintenanceRequired:
				s.MaintenanceStatus &^= maintenanceRequiredBit
			case SeverityMaintenanceDemanded:
				s.MaintenanceStatus &^= maintenanceDemandedBit
			}
		}
	}
	return s
}
