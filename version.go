// version.go: version constraint evaluation for plugin dependencies
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"strings"
)

// Satisfies reports whether an actual version string satisfies a single
// constraint string.
//
// Constraints are evaluated by operator prefix, first match wins:
//
//	"==1.2.3"  equality after prefix strip
//	">=1.2.3"  at least
//	"<=1.2.3"  at most
//	">1.2.3"   strictly greater
//	"<1.2.3"   strictly less
//	"1.2.3"    exact match (no operator)
//	""         wildcard, always satisfied (whitespace-only too)
//
// Comparison is ordinal on the raw strings, not semantic-version aware:
// "1.10.0" compares LESS than "1.2.3" because '1' < '2' at the third
// character. Constraint strings written against this behavior exist in the
// wild, so the comparison must stay ordinal; see DESIGN.md for the open
// question on semantic versioning.
//
// An unrecognized operator prefix (e.g. "!=1.2.3") is not an error: the
// whole constraint string falls back to exact-match semantics and therefore
// fails unless the actual version literally equals the constraint text.
func Satisfies(actual, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return true // Wildcard
	}

	switch {
	case strings.HasPrefix(constraint, "=="):
		return actual == constraint[2:]
	case strings.HasPrefix(constraint, ">="):
		return strings.Compare(actual, constraint[2:]) >= 0
	case strings.HasPrefix(constraint, "<="):
		return strings.Compare(actual, constraint[2:]) <= 0
	case strings.HasPrefix(constraint, ">"):
		return strings.Compare(actual, constraint[1:]) > 0
	case strings.HasPrefix(constraint, "<"):
		return strings.Compare(actual, constraint[1:]) < 0
	default:
		return actual == constraint
	}
}

// SatisfiesAll evaluates a dependency's full requirement: every constraint in
// the list must hold (AND semantics). Returns the first failing constraint
// and false, or "" and true when all constraints are satisfied.
func SatisfiesAll(actual string, constraints []string) (string, bool) {
	for _, constraint := range constraints {
		if !Satisfies(actual, constraint) {
			return constraint, false
		}
	}
	return "", true
}
