// Package topic implements routing-key matching for topic-exchange subscriptions.
//
// Routing keys are dot-delimited words such as "user.event.added". Patterns use
// the same shape and may contain two wildcards:
//
//   - "*" matches exactly one segment
//   - "#" matches one or more segments
//
// Neither wildcard matches an empty segment, so "user.." is never matched by
// "user.#" or "user.*". Unlike a RabbitMQ topic exchange, "#" does not match
// zero segments: "user.#" does not match "user".
package topic

import "strings"

const (
	// Separator splits a routing key into segments.
	Separator = "."
	// SingleWildcard matches exactly one segment.
	SingleWildcard = "*"
	// MultiWildcard matches one or more segments.
	MultiWildcard = "#"
)

// Match returns the patterns that match routingKey, in the order given.
// The result is never nil.
func Match(routingKey string, patterns []string) []string {
	matched := make([]string, 0, len(patterns))
	if len(patterns) == 0 || strings.TrimSpace(routingKey) == "" {
		return matched
	}

	keySegments := strings.Split(routingKey, Separator)
	for _, pattern := range patterns {
		if matchSegments(strings.Split(pattern, Separator), keySegments) {
			matched = append(matched, pattern)
		}
	}
	return matched
}

// Matches reports whether a single pattern matches routingKey.
func Matches(routingKey, pattern string) bool {
	if strings.TrimSpace(routingKey) == "" || pattern == "" {
		return false
	}
	return matchSegments(strings.Split(pattern, Separator), strings.Split(routingKey, Separator))
}

func matchSegments(pattern, key []string) bool {
	for _, seg := range pattern {
		if seg == MultiWildcard {
			return matchMulti(pattern, key)
		}
	}

	if len(pattern) != len(key) {
		return false
	}
	for i, seg := range pattern {
		if !segmentMatches(seg, key[i]) {
			return false
		}
	}
	return true
}

func segmentMatches(pattern, segment string) bool {
	if pattern == SingleWildcard {
		return segment != ""
	}
	return pattern == segment
}

// matchMulti handles patterns containing "#" in O(len(pattern)*len(key)).
// next[j] holds whether pattern[i+1:] matches key[j:], cur[j] whether
// pattern[i:] does.
func matchMulti(pattern, key []string) bool {
	next := make([]bool, len(key)+1)
	cur := make([]bool, len(key)+1)
	next[len(key)] = true

	for i := len(pattern) - 1; i >= 0; i-- {
		cur[len(key)] = false
		for j := len(key) - 1; j >= 0; j-- {
			switch {
			case pattern[i] == MultiWildcard:
				// Consume key[j], then stop or keep absorbing.
				cur[j] = key[j] != "" && (next[j+1] || cur[j+1])
			default:
				cur[j] = segmentMatches(pattern[i], key[j]) && next[j+1]
			}
		}
		next, cur = cur, next
	}
	return next[0]
}
