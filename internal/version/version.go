// Package version carries build metadata and the identity the controller
// reports in the sequencer handshake.
package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

const (
	// FirmwareVersion is the module firmware revision sent in the handshake.
	FirmwareVersion uint32 = 1
	// ModuleName identifies this module to the hardware sequencer.
	ModuleName = "RaspbPi"
)

// String formats the build metadata for logs and the status API.
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitSHA, BuildTime)
}
