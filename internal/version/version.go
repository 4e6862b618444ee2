package version

import "fmt"

// Set at build time via -ldflags.
var (
	Version   = "dev"
	Revision  = "unknown"
	BuildDate = "unknown"
)

func Detailed() string {
	return fmt.Sprintf("%s (rev %s, built %s)", Version, Revision, BuildDate)
}
