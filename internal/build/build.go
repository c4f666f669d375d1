// Package build carries version information injected at link time:
//
//	go build -ldflags "-X github.com/daemonless/dbuild/internal/build.Version=1.4.0 -X github.com/daemonless/dbuild/internal/build.Date=2026-10-01"
package build

import "runtime/debug"

// Version is the dbuild release, "DEV" for local builds.
var Version = "DEV"

// Date is the build date (YYYY-MM-DD), empty for local builds.
var Date = ""

func init() {
	if Version == "DEV" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "(devel)" && info.Main.Version != "" {
			Version = info.Main.Version
		}
	}
}
