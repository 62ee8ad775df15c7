package version

import (
	"github.com/blang/semver"
)

var CURRENT_VERSION = semver.MustParse("1.0.0")

//	A record published by a newer or older library is still usable as long
//	as the major version matches; the wire format only changes on majors.
func CompatibleWith(other string) bool {
	parsed, err := semver.Make(other)
	if err != nil {
		return false
	}
	return parsed.Major == CURRENT_VERSION.Major
}
