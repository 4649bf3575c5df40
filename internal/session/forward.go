package session

import (
	"github.com/ocupoint/vbiproxyd/internal/pool"
	"github.com/ocupoint/vbiproxyd/internal/wire"
)

// BuildIndication filters slot down to the lines a client with effectiveMask
// should see, optionally including the slot's raw samples, and produces the
// SlicedIndication body ready for wire.MarshalSlicedIndication. frozenMaxLines
// caps how many of the slot's lines are considered at all, enforcing that a
// client's connect-time line range is never widened by a later device
// reconfiguration (§3); a zero value means no cap (used for sessions created
// before a frozen count was known, e.g. in isolated unit tests).
func BuildIndication(slot *pool.Slot, effectiveMask uint32, includeRaw bool, frozenMaxLines int) wire.SlicedIndication {
	n := slot.LineCount
	if frozenMaxLines > 0 && n > frozenMaxLines {
		n = frozenMaxLines
	}
	lines := make([]wire.SlicedLine, 0, n)
	for i := 0; i < n; i++ {
		l := slot.Lines[i]
		if l.ServiceMask&effectiveMask != 0 {
			lines = append(lines, l)
		}
	}
	ind := wire.SlicedIndication{
		Timestamp:       slot.Timestamp,
		SlicedLineCount: uint32(len(lines)),
		Lines:           lines,
	}
	if includeRaw && len(slot.Raw) > 0 {
		ind.Raw = slot.Raw
		ind.RawLineCount = uint32(len(slot.Raw) / wire.RawLineSize)
	}
	return ind
}
