package record

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ErrUnsupportedVersion means the record's schema version cannot be
// canonicalized by this build. Verification must reject such records
// rather than guess at field semantics.
var ErrUnsupportedVersion = errors.New("record: unsupported schema version")

// supportedVersions gates which record versions this build understands.
// Minor and patch revisions of the 1.x line remain canonicalizable.
var supportedVersions = mustConstraint("^1.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(fmt.Sprintf("record: bad version constraint %q: %v", s, err))
	}
	return c
}

// IsSupportedVersion reports whether a record of this version can be
// parsed and canonicalized here.
func IsSupportedVersion(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, version, err)
	}
	if !supportedVersions.Check(v) {
		return fmt.Errorf("%w: %q outside %s", ErrUnsupportedVersion, version, "^1.0.0")
	}
	return nil
}
