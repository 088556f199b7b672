// Package version holds build metadata injected via -ldflags.
package version

import (
	"fmt"
	"runtime"
)

var (
	// GitRelease is the release tag of the build.
	GitRelease = "dev"

	// GitCommit is the git hash of the latest commit in the build.
	GitCommit = "unknown"

	// GitCommitDate is the commit date of GitCommit.
	GitCommitDate = "unknown"

	// GoInfo describes the toolchain and platform the binary was built for.
	GoInfo = fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH)
)

// UserAgent is sent on every request to the compliance service.
func UserAgent() string {
	return "taxdesk/" + GitRelease
}
