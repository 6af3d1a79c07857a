package fixes

import (
	core "evvosfix/internal/core"
)

// NewFix returns the concrete fix for an id.
func NewFix(id core.FixID, deps Deps) Fix {
	switch id {
	case core.FixBLEName:
		return newBLEName(deps)
	case core.FixCharFlags:
		return newCharFlags(deps)
	case core.FixCameraRotate:
		return newCameraRotate(deps)
	default:
		return nil
	}
}

// All returns every fix in display order.
func All(deps Deps) []Fix {
	out := make([]Fix, 0, len(core.AllFixes))
	for _, id := range core.AllFixes {
		out = append(out, NewFix(id, deps))
	}
	return out
}
