// Package pattern decides whether a URL pattern can be handed to the filter
// engine's RE2 dialect as a match pattern.
//
// The classifier is syntactic and conservative. It may reject patterns the
// engine would accept; accepting one the engine rejects is left to the
// installer's repair loop.
package pattern

import (
	"strings"
	"unicode/utf8"

	"github.com/polisai/clearurls-dnr/pkg/domain"
)

// Reason explains why a pattern was rejected.
type Reason string

// Rejection reasons.
const (
	ReasonNone          Reason = ""
	ReasonEmpty         Reason = "empty"
	ReasonTooLong       Reason = "too_long"
	ReasonLookaround    Reason = "lookaround"
	ReasonBackreference Reason = "backreference"
)

// Verdict is the outcome of classifying one pattern.
type Verdict struct {
	Safe   bool
	Reason Reason
	// Offset is the byte position of the offending construct, or -1.
	Offset int
}

var lookaroundOpeners = []string{"(?=", "(?!", "(?<=", "(?<!"}

// IsSafe reports whether pattern may be used as an engine match pattern.
func IsSafe(pattern string) bool {
	return Check(pattern).Safe
}

// Check classifies pattern and reports the first reason it is unsafe.
func Check(pattern string) Verdict {
	if pattern == "" {
		return reject(ReasonEmpty, -1)
	}
	if utf8.RuneCountInString(pattern) > domain.MaxPatternLength {
		return reject(ReasonTooLong, -1)
	}
	if off := findLookaround(pattern); off >= 0 {
		return reject(ReasonLookaround, off)
	}
	if off := findBackreference(pattern); off >= 0 {
		return reject(ReasonBackreference, off)
	}
	return Verdict{Safe: true, Offset: -1}
}

func reject(reason Reason, offset int) Verdict {
	return Verdict{Reason: reason, Offset: offset}
}

// findLookaround returns the offset of the first group opener that starts a
// lookahead or lookbehind assertion, skipping escaped parentheses.
func findLookaround(pattern string) int {
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '(' || escaped(pattern, i) {
			continue
		}
		rest := pattern[i:]
		for _, opener := range lookaroundOpeners {
			if strings.HasPrefix(rest, opener) {
				return i
			}
		}
	}
	return -1
}

// findBackreference returns the offset of the first unescaped backslash
// followed by a digit.
func findBackreference(pattern string) int {
	for i := 0; i+1 < len(pattern); i++ {
		if pattern[i] != '\\' {
			continue
		}
		next := pattern[i+1]
		if next == '\\' {
			// An escaped backslash; skip the pair.
			i++
			continue
		}
		if next >= '0' && next <= '9' {
			return i
		}
	}
	return -1
}

// escaped reports whether the byte at i is preceded by an odd run of
// backslashes.
func escaped(s string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}
