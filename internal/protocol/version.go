// Package protocol holds the wire-level model shared by the server and client:
// protocol versions, headers, method types, resource keys and their URI encoding.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsupportedVersion is returned for malformed or too-new protocol versions.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// Version is a semantic protocol version.
type Version struct {
	Major, Minor, Patch int
}

var (
	V1 = Version{1, 0, 0}
	V2 = Version{2, 0, 0}

	Baseline = V1
	Latest   = V2
)

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func (v Version) IsZero() bool { return v == Version{} }

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	for _, d := range [3]int{v.Major - o.Major, v.Minor - o.Minor, v.Patch - o.Patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}

// AtLeast2 reports whether v uses the 2.0.0 URI syntax.
func (v Version) AtLeast2() bool { return v.Major >= 2 }

func ParseVersion(s string) (Version, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 3 {
		return Version{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("%w: %q", ErrUnsupportedVersion, s)
		}
		nums[i] = n
	}
	return Version{nums[0], nums[1], nums[2]}, nil
}

// Negotiate picks the version for a request from its protocol header.
// An absent header means the baseline version.
func Negotiate(header string, max Version) (Version, error) {
	if strings.TrimSpace(header) == "" {
		return Baseline, nil
	}
	v, err := ParseVersion(header)
	if err != nil {
		return Version{}, err
	}
	if v.Compare(max) > 0 {
		return Version{}, fmt.Errorf("%w: %s is above the server maximum %s", ErrUnsupportedVersion, v, max)
	}
	if v.Major < Baseline.Major {
		return Version{}, fmt.Errorf("%w: %s is below the baseline %s", ErrUnsupportedVersion, v, Baseline)
	}
	return v, nil
}

// VersionOption selects how a client picks its protocol version.
type VersionOption uint8

const (
	UseLatestIfAvailable VersionOption = iota
	ForceLatest
	ForceBaseline
)

func (o VersionOption) String() string {
	switch o {
	case ForceLatest:
		return "FORCE_USE_LATEST"
	case ForceBaseline:
		return "FORCE_USE_BASELINE"
	default:
		return "USE_LATEST_IF_AVAILABLE"
	}
}

// ParseVersionOption accepts the names printed by String, case-insensitively.
func ParseVersionOption(s string) (VersionOption, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "USE_LATEST_IF_AVAILABLE":
		return UseLatestIfAvailable, nil
	case "FORCE_USE_LATEST":
		return ForceLatest, nil
	case "FORCE_USE_BASELINE":
		return ForceBaseline, nil
	}
	return 0, fmt.Errorf("unknown protocol version option %q", s)
}

// ClientVersion resolves the version a client sends given what the server announced.
// A zero announced version means the server predates announcements and speaks the baseline.
func ClientVersion(opt VersionOption, announced Version) Version {
	switch opt {
	case ForceLatest:
		return Latest
	case ForceBaseline:
		return Baseline
	}
	if announced.IsZero() {
		return Baseline
	}
	if announced.Compare(Latest) < 0 {
		return announced
	}
	return Latest
}
