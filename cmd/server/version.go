package main

import (
	"fmt"
	"runtime"
)

// Stamped at link time:
// go build -ldflags "-X main.version=1.2.0 -X main.commit=<sha> -X main.buildDate=<iso8601>"
var (
	version   = "0.1.0"
	commit    = "unknown"
	buildDate = "unknown"
)

// versionString renders the full build stamp for --version output.
func versionString() string {
	return fmt.Sprintf("modelplane-server %s (commit %s, built %s, %s, %s/%s)",
		version, commit, buildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
