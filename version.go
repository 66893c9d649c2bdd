// version.go: Dotted-numeric version numbers and compatibility checks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// VersionNumber is a dotted-numeric version with an optional qualifier.
//
// Plugins in the wild use versions such as "1.2", "1.2.3", "1.400",
// "2.0-SNAPSHOT", "1.3-beta-2" or "1.377 (private-08/24/2010-kohsuke)".
// The numeric prefix is compared component by component (missing components
// count as zero); a version with a qualifier sorts before the same numeric
// version without one, and qualifiers compare lexically.
//
// Example usage:
//
//	v1, _ := ParseVersionNumber("1.2-SNAPSHOT")
//	v2, _ := ParseVersionNumber("1.2")
//	v1.Compare(v2) // -1
type VersionNumber struct {
	Components []uint64 `json:"components"`
	Qualifier  string   `json:"qualifier,omitempty"`
	Original   string   `json:"original"`
}

// ParseVersionNumber parses a dotted-numeric version string.
func ParseVersionNumber(version string) (*VersionNumber, error) {
	s := strings.TrimSpace(version)
	if idx := strings.Index(s, " "); idx >= 0 {
		// Drop build annotations like "1.377 (private-...)".
		s = s[:idx]
	}
	if s == "" {
		return nil, NewMalformedVersionError(version, nil)
	}

	numeric, qualifier := s, ""
	if idx := strings.IndexAny(s, "-_"); idx >= 0 {
		numeric, qualifier = s[:idx], s[idx+1:]
	}

	parts := strings.Split(numeric, ".")
	components := make([]uint64, 0, len(parts))
	for i, part := range parts {
		if part == "*" && i == len(parts)-1 {
			// "1.2.*" reads as the newest 1.2.x.
			components = append(components, ^uint64(0))
			continue
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			if i == 0 {
				return nil, NewMalformedVersionError(version, err)
			}
			// Non-numeric tail such as "1.2.beta1" becomes the qualifier.
			rest := strings.Join(parts[i:], ".")
			if qualifier != "" {
				rest += "-" + qualifier
			}
			qualifier = rest
			break
		}
		components = append(components, n)
	}

	return &VersionNumber{
		Components: components,
		Qualifier:  qualifier,
		Original:   version,
	}, nil
}

// MustParseVersionNumber is ParseVersionNumber for constants in tests and defaults.
func MustParseVersionNumber(version string) *VersionNumber {
	v, err := ParseVersionNumber(version)
	if err != nil {
		panic(err)
	}
	return v
}

// String returns the original text of the version.
func (v *VersionNumber) String() string {
	return v.Original
}

// Compare compares two versions. Returns -1, 0, or 1.
func (v *VersionNumber) Compare(other *VersionNumber) int {
	n := len(v.Components)
	if len(other.Components) > n {
		n = len(other.Components)
	}
	for i := 0; i < n; i++ {
		a, b := componentAt(v.Components, i), componentAt(other.Components, i)
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	return compareQualifier(v.Qualifier, other.Qualifier)
}

// IsOlderThan reports whether v sorts before other.
func (v *VersionNumber) IsOlderThan(other *VersionNumber) bool {
	return v.Compare(other) < 0
}

// IsNewerThan reports whether v sorts after other.
func (v *VersionNumber) IsNewerThan(other *VersionNumber) bool {
	return v.Compare(other) > 0
}

func componentAt(components []uint64, i int) uint64 {
	if i < len(components) {
		return components[i]
	}
	return 0
}

func compareQualifier(a, b string) int {
	switch {
	case a == b:
		return 0
	case a == "":
		return 1 // release > qualified
	case b == "":
		return -1
	default:
		return strings.Compare(strings.ToLower(a), strings.ToLower(b))
	}
}

// CompareVersionStrings compares two version strings. Unparsable versions sort
// first so that a broken plugin is always considered outdated.
func CompareVersionStrings(a, b string) int {
	va, errA := ParseVersionNumber(a)
	vb, errB := ParseVersionNumber(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// CheckDependencyVersion reports whether an installed version satisfies a
// dependency's version constraint. A bare version such as "1.2" means
// "at least 1.2"; range expressions (">= 1.2, < 2") are evaluated with semver
// rules. The result only feeds compatibility warnings.
func CheckDependencyVersion(installed, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || constraint == "*" {
		return true
	}

	expr := constraint
	if !strings.ContainsAny(constraint[:1], "<>=!~^") {
		expr = ">= " + constraint
	}
	if c, err := semver.NewConstraint(expr); err == nil {
		if v, err := semver.NewVersion(installed); err == nil && v.Prerelease() == "" {
			return c.Check(v)
		}
	}

	// Fall back to dotted-numeric ordering for versions semver cannot read.
	minimum := strings.TrimLeft(constraint, "<>=!~^ ")
	return CompareVersionStrings(installed, minimum) >= 0
}
