package cqueue

import "fmt"

const (
	Major = 0
	Minor = 2
	Patch = 0

	// used for unstable and test builds
	customVersion = ""
)

var _version = version()

func Version() string {
	if customVersion != "" {
		return customVersion
	}
	return _version
}

func version() string {
	return fmt.Sprintf("%d.%d.%d", Major, Minor, Patch)
}
