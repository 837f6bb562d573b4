package events

import (
	"fmt"
	"strings"
)

const (
	maxPatternLength   = 256
	maxPatternSegments = 10
)

// ValidatePattern enforces the ReDoS-proofing rules of spec §4.7 even though
// no regex is ever evaluated: bounded length, bounded segment count, no empty
// segments, and a restricted character set.
func ValidatePattern(pattern string) error {
	if pattern == "*" {
		return nil
	}
	if len(pattern) > maxPatternLength {
		return fmt.Errorf("pattern exceeds maximum length of %d", maxPatternLength)
	}
	segments := strings.Split(pattern, ".")
	if len(segments) > maxPatternSegments {
		return fmt.Errorf("pattern has more than %d segments", maxPatternSegments)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("pattern contains an empty segment")
		}
	}
	for _, r := range pattern {
		if !isAllowedPatternRune(r) {
			return fmt.Errorf("pattern contains disallowed character %q", r)
		}
	}
	return nil
}

func isAllowedPatternRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '*', r == '_', r == '-':
		return true
	default:
		return false
	}
}

// MatchPattern implements the pure string matcher of spec §4.7: no regex,
// case-sensitive, segment-count-aware prefix/glob matching.
func MatchPattern(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}

	patternSegs := strings.Split(pattern, ".")
	eventSegs := strings.Split(eventType, ".")

	if len(patternSegs) > len(eventSegs) {
		return false
	}

	for i, ps := range patternSegs {
		if ps == "*" {
			continue
		}
		if ps != eventSegs[i] {
			return false
		}
	}

	// Fewer segments than the event is a prefix match: always matches once
	// every pattern segment agreed. Equal segment count is a glob match,
	// already verified segment-by-segment above.
	return true
}
