// Package semver wraps blang/semver/v4 with the shape the rest of this
// project needs: parse, validate, compare, and a sort key, with SemVer
// 2.0's alpha<beta<rc<release precedence.
package semver

import (
	"fmt"
	"sort"

	"github.com/blang/semver/v4"
)

// Version is a parsed SemVer 2.0 version.
type Version struct {
	inner semver.Version
	raw   string
}

// Parse validates and parses a SemVer 2.0 string.
func Parse(s string) (Version, error) {
	v, err := semver.Parse(s)
	if err != nil {
		return Version{}, fmt.Errorf("semver: %q is not a valid version: %w", s, err)
	}
	return Version{inner: v, raw: s}, nil
}

// Valid reports whether s parses as a SemVer 2.0 version.
func Valid(s string) bool {
	_, err := semver.Parse(s)
	return err == nil
}

// String returns the original input string (Parse does not normalize it).
func (v Version) String() string { return v.raw }

// Core returns "major.minor.patch" without prerelease/build metadata.
func (v Version) Core() string {
	return fmt.Sprintf("%d.%d.%d", v.inner.Major, v.inner.Minor, v.inner.Patch)
}

// IsPrerelease reports whether v carries a prerelease component.
func (v Version) IsPrerelease() bool {
	return len(v.inner.Pre) > 0
}

// Compare returns -1, 0, or 1 per standard SemVer 2.0 precedence: numeric
// core fields compare numerically, a version without a prerelease is always
// greater than one with, and prerelease identifiers compare first
// numerically (if both are numeric) then lexically. Standard lexical
// ordering of prerelease identifiers already yields "alpha" < "beta" <
// "rc" < the absence of a prerelease with no special casing.
func Compare(a, b Version) int {
	return a.inner.Compare(b.inner)
}

// LessThan reports whether a sorts strictly before b.
func LessThan(a, b Version) bool {
	return Compare(a, b) < 0
}

// SortKey returns a value suitable for use as a stable sort comparator key:
// ascending order of SortKey corresponds to ascending version order.
func SortKey(v Version) string {
	key := fmt.Sprintf("%020d.%020d.%020d", v.inner.Major, v.inner.Minor, v.inner.Patch)
	if len(v.inner.Pre) == 0 {
		return key + "~"
	}
	for _, p := range v.inner.Pre {
		if p.IsNum {
			key += fmt.Sprintf("!0%020d", p.VersionNum)
		} else {
			key += "!1" + p.VersionStr
		}
	}
	return key
}

// Sort orders versions ascending in place.
func Sort(versions []Version) {
	sort.Slice(versions, func(i, j int) bool {
		return LessThan(versions[i], versions[j])
	})
}

// Satisfies reports whether v is within an optional inclusive [min, max]
// bound, where either bound may be nil to mean "unbounded".
// Used by the registry's compatible_with search filter.
func Satisfies(v Version, min, max *Version) bool {
	if min != nil && Compare(v, *min) < 0 {
		return false
	}
	if max != nil && Compare(v, *max) > 0 {
		return false
	}
	return true
}
