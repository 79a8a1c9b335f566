// Package version parses user-supplied version specifiers into a closed set of
// variants and orders concrete releases by semantic version precedence.
package version

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"toolpin/internal/toolerr"
)

// SpecKind enumerates the specifier variants.
type SpecKind int

const (
	KindExact SpecKind = iota + 1
	KindRange
	KindTag
)

func (k SpecKind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindRange:
		return "range"
	case KindTag:
		return "tag"
	default:
		return "unknown"
	}
}

const (
	TagLatest = "latest"
	TagLTS    = "lts"
)

var (
	exactPattern = regexp.MustCompile(`^v?\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?(\+[0-9A-Za-z.-]+)?$`)
	tagPattern   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]*$`)
)

// Specifier is an immutable, validated version request.
type Specifier struct {
	kind       SpecKind
	raw        string
	exact      *semver.Version
	constraint *semver.Constraints
	tag        string
}

// Parse validates raw and returns the matching variant. No I/O happens here,
// so malformed input is rejected before anything touches the network.
func Parse(raw string) (Specifier, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return Specifier{}, toolerr.Newf(toolerr.KindInvalidSpecifier, "parse specifier", "empty version specifier")
	}

	if exactPattern.MatchString(value) {
		v, err := semver.NewVersion(value)
		if err != nil {
			return Specifier{}, toolerr.New(toolerr.KindInvalidSpecifier, "parse specifier", err)
		}
		return Specifier{kind: KindExact, raw: value, exact: v}, nil
	}

	if isTag(value) {
		return Specifier{kind: KindTag, raw: value, tag: strings.ToLower(value)}, nil
	}

	constraint, err := semver.NewConstraint(value)
	if err != nil {
		return Specifier{}, toolerr.Newf(toolerr.KindInvalidSpecifier, "parse specifier", "%q: %v", value, err)
	}
	return Specifier{kind: KindRange, raw: value, constraint: constraint}, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(raw string) Specifier {
	spec, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return spec
}

// Latest is the "latest" tag specifier.
func Latest() Specifier {
	return Specifier{kind: KindTag, raw: TagLatest, tag: TagLatest}
}

// isTag reports whether value names a dist-tag rather than a version range.
// "x" and "v1"-style inputs are ranges.
func isTag(value string) bool {
	if !tagPattern.MatchString(value) {
		return false
	}
	lower := strings.ToLower(value)
	if lower == "x" {
		return false
	}
	if len(lower) > 1 && lower[0] == 'v' && lower[1] >= '0' && lower[1] <= '9' {
		return false
	}
	return true
}

func (s Specifier) Kind() SpecKind { return s.kind }

func (s Specifier) String() string { return s.raw }

// IsZero reports whether s was never parsed.
func (s Specifier) IsZero() bool { return s.kind == 0 }

// Exact returns the pinned version for exact specifiers.
func (s Specifier) Exact() (*semver.Version, bool) {
	if s.kind != KindExact {
		return nil, false
	}
	return s.exact, true
}

// Tag returns the lower-cased tag name for tag specifiers.
func (s Specifier) Tag() (string, bool) {
	if s.kind != KindTag {
		return "", false
	}
	return s.tag, true
}

// Matches reports whether v satisfies an exact or range specifier. Tags never
// match directly; they are resolved against an index.
func (s Specifier) Matches(v *semver.Version) bool {
	switch s.kind {
	case KindExact:
		return s.exact.Equal(v)
	case KindRange:
		return s.constraint.Check(v)
	default:
		return false
	}
}

// Highest returns the greatest version in candidates matching s. Candidates
// that are not valid semantic versions are skipped.
func (s Specifier) Highest(candidates []string) (*semver.Version, bool) {
	var matched semver.Collection
	for _, raw := range candidates {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if s.Matches(v) {
			matched = append(matched, v)
		}
	}
	if len(matched) == 0 {
		return nil, false
	}
	sort.Sort(matched)
	return matched[len(matched)-1], true
}

// Canonical renders v without a leading "v", the form used for store paths.
func Canonical(v *semver.Version) string {
	return v.String()
}

// Normalize parses raw as a version and returns its canonical form.
func Normalize(raw string) (string, error) {
	v, err := semver.NewVersion(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid version %q: %w", raw, err)
	}
	return Canonical(v), nil
}

// Sort orders raw version strings by precedence, ascending. Invalid entries
// sort first in their original relative order.
func Sort(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		a, errA := semver.NewVersion(versions[i])
		b, errB := semver.NewVersion(versions[j])
		switch {
		case errA != nil && errB != nil:
			return false
		case errA != nil:
			return true
		case errB != nil:
			return false
		}
		return a.LessThan(b)
	})
}
