package fixes

import (
	"fmt"
	"strings"

	core "evvosfix/internal/core"
	"evvosfix/internal/patch"
)

const (
	CharFlagsAnchor = "    ch = Characteristic(bus, 0, CHAR_UUID, [\"write\"], service)\n" +
		"    service.add_characteristic(ch)\n"
	CharFlagsPatched = "    ch = Characteristic(bus, 0, CHAR_UUID, [\"write\", \"write-without-response\"], service)\n" +
		"    service.add_characteristic(ch)\n"

	// CharFlagsGuard is present once the characteristic accepts both write modes.
	CharFlagsGuard = `["write", "write-without-response"]`
)

func newCharFlags(deps Deps) Fix {
	cfg := deps.Config.CharFlags
	f := &fileFix{
		id:     core.FixCharFlags,
		target: cfg.Target,
		unit:   cfg.Service,
		deps:   deps,
		revert: revertCharFlags,
	}
	f.patcher = func() *patch.Patcher {
		return &patch.Patcher{
			Target: cfg.Target,
			Tag:    string(core.FixCharFlags),
			Guard:  CharFlagsGuard,
			Edits: []patch.Edit{
				patch.Replace{Label: "characteristic flags", Old: CharFlagsAnchor, New: CharFlagsPatched},
			},
			Checks: []patch.Check{
				patch.Contains{Label: "both write flags", Marker: CharFlagsPatched},
				patch.Absent{Label: "single write flag", Text: `["write"], service)`},
			},
			Checker: deps.Checker,
			Keep:    deps.Config.Backups.Keep,
			Logger:  f.log(),
		}
	}
	return f
}

// revertCharFlags drops the added flag and leaves the rest of the script as it is now.
func revertCharFlags(cur, pre string) (string, error) {
	if !strings.Contains(pre, CharFlagsAnchor) {
		return "", fmt.Errorf("backup has no single write flag: %w", patch.ErrAnchorNotFound)
	}
	return patch.Replace{Label: "characteristic flags", Old: CharFlagsPatched, New: CharFlagsAnchor}.Apply(cur)
}
