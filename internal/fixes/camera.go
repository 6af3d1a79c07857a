package fixes

import (
	core "evvosfix/internal/core"
	"evvosfix/internal/patch"
)

const (
	// CameraExitAnchor is the import-failure exit followed by the first top-level comment.
	CameraExitAnchor = "    sys.exit(1)\n\n# Camera configuration\n"
	CameraImport     = "from libcamera import Transform\n"

	CameraConfigAnchor = "picam2.create_video_configuration(\n" +
		"    main={\"size\": (FRAME_WIDTH, FRAME_HEIGHT)}\n" +
		")"
	CameraConfigPatched = "picam2.create_video_configuration(\n" +
		"    main={\"size\": (FRAME_WIDTH, FRAME_HEIGHT)},\n" +
		"    transform=Transform(hflip=True, vflip=True),\n" +
		")"

	CameraGuard = "transform=Transform(hflip=True, vflip=True)"
)

func newCameraRotate(deps Deps) Fix {
	cfg := deps.Config.Camera
	f := &fileFix{
		id:     core.FixCameraRotate,
		target: cfg.Target,
		unit:   cfg.Service,
		deps:   deps,
	}
	f.patcher = func() *patch.Patcher {
		return &patch.Patcher{
			Target: cfg.Target,
			Tag:    string(core.FixCameraRotate),
			Guard:  CameraGuard,
			Edits: []patch.Edit{
				patch.InsertAfter{Label: "transform import", Anchor: CameraExitAnchor, Text: CameraImport},
				patch.Replace{Label: "video configuration", Old: CameraConfigAnchor, New: CameraConfigPatched},
			},
			Checks: []patch.Check{
				patch.Contains{Label: "transform import", Marker: CameraImport},
				patch.Contains{Label: "transform argument", Marker: CameraGuard},
				patch.After{Label: "import placement", Anchor: CameraExitAnchor, Marker: CameraImport},
			},
			Checker: deps.Checker,
			Keep:    deps.Config.Backups.Keep,
			Logger:  f.log(),
		}
	}
	return f
}
