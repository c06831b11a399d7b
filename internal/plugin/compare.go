package plugin

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// Verdict is the result of ranking two records with the same name.
type Verdict int

const (
	// Indistinguishable means neither record can be shown to be older.
	Indistinguishable Verdict = iota
	// LeftObsolete means the first argument was superseded.
	LeftObsolete
	// RightObsolete means the second argument was superseded.
	RightObsolete
)

// String returns a human-readable representation of the verdict.
func (v Verdict) String() string {
	switch v {
	case Indistinguishable:
		return "indistinguishable"
	case LeftObsolete:
		return "left-obsolete"
	case RightObsolete:
		return "right-obsolete"
	default:
		return "unknown"
	}
}

// Comparator ranks two records that claim the same logical name.
type Comparator interface {
	Compare(a, b *Record) Verdict
}

// ComparatorFunc adapts a function to the Comparator interface.
type ComparatorFunc func(a, b *Record) Verdict

// Compare implements Comparator.
func (f ComparatorFunc) Compare(a, b *Record) Verdict {
	return f(a, b)
}

// VersionComparator ranks records by version first. When versions are equal
// or cannot be ordered, identical digests are indistinguishable and
// otherwise the record with the older modification time is obsolete.
type VersionComparator struct{}

// Compare implements Comparator.
func (VersionComparator) Compare(a, b *Record) Verdict {
	va, okA := CanonicalVersion(a.Version)
	vb, okB := CanonicalVersion(b.Version)
	if okA && okB {
		switch semver.Compare(va, vb) {
		case -1:
			return LeftObsolete
		case 1:
			return RightObsolete
		}
	}

	if a.MD5 == b.MD5 {
		return Indistinguishable
	}

	switch {
	case a.MTime < b.MTime:
		return LeftObsolete
	case a.MTime > b.MTime:
		return RightObsolete
	default:
		return Indistinguishable
	}
}

var numericPrefix = regexp.MustCompile(`^\d+(\.\d+){0,2}`)

// CanonicalVersion converts a plugin version such as "1.0", "v2.1.3" or
// "4.0.0.GA" into a semver string. Qualifiers that are not valid semver are
// dropped. The second result is false if no numeric version can be found.
func CanonicalVersion(v string) (string, bool) {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	if v == "" {
		return "", false
	}
	if c := "v" + v; semver.IsValid(c) {
		return semver.Canonical(c), true
	}
	m := numericPrefix.FindString(v)
	if m == "" {
		return "", false
	}
	return semver.Canonical("v" + m), true
}
