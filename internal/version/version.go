package version

import (
	"fmt"
	"runtime"
	"time"
)

var (
	Version   = "dev"                           // ex: v0.1.0
	Commit    = "none"                          // ex: abcd123
	BuildDate = time.Now().Format(time.RFC3339) // ex: 2025-08-11T18:42:00Z
	GoVersion = runtime.Version()               // go version
)

// Banner is the single line printed by `httpdsync version` and at daemon start.
func Banner() string {
	return fmt.Sprintf("httpdsync %s (commit=%s, built=%s, go=%s)", Version, Commit, BuildDate, GoVersion)
}

// Generated is the marker line written at the top of every generated file.
func Generated() string {
	return "Generated by httpdsync. Manual edits are overwritten unless the site is in manual mode."
}
