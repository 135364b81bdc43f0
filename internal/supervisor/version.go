// Package supervisor manages the sidecar proxy binary: installing and
// pinning versions, generating its configuration, starting and stopping the
// process, and tracking how many live sessions are holding it open.
package supervisor

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/unkcaicai/ccswitch/internal/ccerr"
)

// versionPattern accepts "X.Y.Z" and "X.Y.Z-N" release version strings.
var versionPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(?:-(\d+))?$`)

// Version is a parsed sidecar release version.
type Version struct {
	Major, Minor, Patch int
	// Rev is the "-N" hotfix revision, zero when absent.
	Rev int
}

// ParseVersion validates and parses a release version string.
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, ccerr.New(ccerr.VersionInvalid, fmt.Sprintf("invalid version %q", s))
	}
	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	v.Patch, _ = strconv.Atoi(m[3])
	if m[4] != "" {
		v.Rev, _ = strconv.Atoi(m[4])
	}
	return v, nil
}

func (v Version) String() string {
	if v.Rev > 0 {
		return fmt.Sprintf("%d.%d.%d-%d", v.Major, v.Minor, v.Patch, v.Rev)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0, or 1 as v orders before, equal to, or after o.
func (v Version) Compare(o Version) int {
	for _, pair := range [][2]int{
		{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}, {v.Rev, o.Rev},
	} {
		if pair[0] != pair[1] {
			if pair[0] < pair[1] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// faultyRange is a half-open version interval known to misbehave.
type faultyRange struct {
	from, to Version
	reason   string
}

// faultyRanges lists sidecar releases that ship known-broken behavior.
// Installing a version inside a range requires explicit user confirmation.
var faultyRanges = []faultyRange{
	{Version{6, 0, 0, 0}, Version{6, 0, 3, 0}, "auth directory watcher drops paused tokens"},
}

// maxStableVersion gates automatic installation: anything newer needs the
// user to confirm, since it has not been exercised against this
// orchestrator yet.
var maxStableVersion = Version{Major: 6, Minor: 9, Patch: 99}

// NeedsConfirmation reports whether installing v requires the user to
// confirm, and why.
func NeedsConfirmation(v Version) (bool, string) {
	for _, r := range faultyRanges {
		if v.Compare(r.from) >= 0 && v.Compare(r.to) < 0 {
			return true, fmt.Sprintf("version %s is in a known-faulty range (%s)", v, r.reason)
		}
	}
	if v.Compare(maxStableVersion) > 0 {
		return true, fmt.Sprintf("version %s is newer than the last vetted release %s", v, maxStableVersion)
	}
	return false, ""
}

// PinnedVersion reads the version-pin file, returning ok=false when no pin
// exists. A malformed pin is an error rather than silently unpinned.
func PinnedVersion(pinFile string) (Version, bool, error) {
	raw, err := os.ReadFile(pinFile)
	if os.IsNotExist(err) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, ccerr.Wrap(ccerr.FilesystemIO, "read version pin", err)
	}
	v, err := ParseVersion(string(raw))
	if err != nil {
		return Version{}, false, err
	}
	return v, true, nil
}

// InstalledVersion reads the installed-version marker, ok=false when no
// binary has been installed yet.
func InstalledVersion(versionFile string) (Version, bool) {
	raw, err := os.ReadFile(versionFile)
	if err != nil {
		return Version{}, false
	}
	v, err := ParseVersion(string(raw))
	if err != nil {
		return Version{}, false
	}
	return v, true
}
