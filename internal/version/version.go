package version

// Name is the application name shown in the TUI header and `evvosfix version`.
var Name = "evvosfix"

// Version is injected at build time via:
//
//	go build -ldflags "-X evvosfix/internal/version.Version=1.0.0" ./cmd/evvosfix
//
// Defaults to "dev" when not injected.
var Version = "dev"
