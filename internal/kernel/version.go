package kernel

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a kernel major.minor pair
type Version struct {
	Major int
	Minor int
}

// ParseVersion reads "<major>.<minor>..." and drops everything after
// the minor number, so "3.18.94+" and "3.18-gabc" both give 3.18.
func ParseVersion(release string) (Version, error) {
	release = strings.TrimSpace(release)
	majorStr, rest, ok := strings.Cut(release, ".")
	if !ok {
		return Version{}, fmt.Errorf("%w: %q has no minor version", ErrBadRelease, release)
	}

	major, err := strconv.Atoi(majorStr)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q: %v", ErrBadRelease, release, err)
	}

	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return Version{}, fmt.Errorf("%w: %q has no minor version", ErrBadRelease, release)
	}
	minor, err := strconv.Atoi(rest[:end])
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q: %v", ErrBadRelease, release, err)
	}

	return Version{Major: major, Minor: minor}, nil
}

// Compare returns -1, 0 or 1
func (v Version) Compare(o Version) int {
	switch {
	case v.Major != o.Major:
		if v.Major < o.Major {
			return -1
		}
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}
