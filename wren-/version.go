package wren

import (
	"runtime/debug"
)

// Version is the build version of this binary, from the go module system, or
// "(devel)" for development builds.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if buildInfo.Main.Version != "" {
		Version = buildInfo.Main.Version
	}
}
