package catalog

import "strings"

// Match reports whether eventType satisfies a webhook subscription pattern.
//
// Supported patterns:
//
//	"task.created"  exact match
//	"task.*"        any single segment: task.created, task.assigned, ...
//	"*.deleted"     task.deleted, comment.deleted, ...
//	"*"             everything
func Match(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}

	if pattern == eventType {
		return true
	}

	patternParts := strings.Split(pattern, ".")
	eventParts := strings.Split(eventType, ".")

	if len(patternParts) != len(eventParts) {
		return false
	}

	for i, pp := range patternParts {
		if pp == "*" {
			continue
		}
		if pp != eventParts[i] {
			return false
		}
	}

	return true
}

// MatchAny reports whether any pattern matches eventType.
func MatchAny(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if Match(p, eventType) {
			return true
		}
	}
	return false
}
