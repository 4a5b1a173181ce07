package bottle

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Compare orders two (version, rebuild) pairs the way Homebrew does:
// version compares first via semver-style precedence, and only when
// versions are equal does the rebuild number break the tie. A higher
// rebuild of the same version is a newer bottle, not a new version —
// this resolves spec.md's open question about whether a new rebuild of
// an already-installed version counts as "outdated": it does, but only
// the rebuild number changes, never the reported version string.
//
// Returns <0, 0, >0 as a<b, a==b, a>b.
func Compare(aVersion string, aRebuild int, bVersion string, bRebuild int) int {
	av, aerr := semver.NewVersion(aVersion)
	bv, berr := semver.NewVersion(bVersion)
	if aerr == nil && berr == nil {
		if c := av.Compare(bv); c != 0 {
			return c
		}
		return aRebuild - bRebuild
	}
	// Formula versions are frequently not strict semver (e.g. "1.2.3_1",
	// date-based versions). Fall back to a direct string compare for the
	// version component; this only needs to detect equality reliably,
	// since Homebrew formula versions are monotonically published.
	if aVersion != bVersion {
		if aVersion < bVersion {
			return -1
		}
		return 1
	}
	return aRebuild - bRebuild
}

// IsOutdated reports whether installed is older than available, by version
// or by rebuild number of the same version.
func IsOutdated(installedVersion string, installedRebuild int, availableVersion string, availableRebuild int) bool {
	return Compare(installedVersion, installedRebuild, availableVersion, availableRebuild) < 0
}

// DisplayVersion formats a version plus a non-zero rebuild suffix the way
// Homebrew's keg directory names do, e.g. "1.2.3_1".
func DisplayVersion(version string, rebuild int) string {
	if rebuild == 0 {
		return version
	}
	return fmt.Sprintf("%s_%d", version, rebuild)
}

// ParseDisplayVersion splits a keg directory version (as produced by
// DisplayVersion) back into its plain version and rebuild number. A
// trailing "_N" where N is all digits is treated as the rebuild suffix;
// anything else is returned unchanged with rebuild 0.
func ParseDisplayVersion(display string) (version string, rebuild int) {
	idx := strings.LastIndex(display, "_")
	if idx < 0 || idx == len(display)-1 {
		return display, 0
	}
	suffix := display[idx+1:]
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return display, 0
	}
	return display[:idx], n
}
