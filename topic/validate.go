package topic

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmptyRoutingKey is returned for an empty or whitespace-only routing key.
	ErrEmptyRoutingKey = errors.New("topic: routing key is empty")
	// ErrWildcardRoutingKey is returned when a routing key meant for publishing contains a wildcard.
	ErrWildcardRoutingKey = errors.New("topic: routing key contains a wildcard")
	// ErrInvalidRoutingKey is returned for keys that are not valid UTF-8 or contain NUL.
	ErrInvalidRoutingKey = errors.New("topic: routing key contains illegal characters")
	// ErrEmptyPattern is returned for an empty or whitespace-only pattern.
	ErrEmptyPattern = errors.New("topic: pattern is empty")
)

// HasWildcard reports whether s contains "*" or "#".
func HasWildcard(s string) bool {
	return strings.ContainsAny(s, SingleWildcard+MultiWildcard)
}

// ValidateRoutingKey checks that key can be used as a publish target.
func ValidateRoutingKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyRoutingKey
	}
	if HasWildcard(key) {
		return ErrWildcardRoutingKey
	}
	if !utf8.ValidString(key) || strings.Contains(key, "\u0000") {
		return ErrInvalidRoutingKey
	}
	return nil
}

// ValidatePattern checks that pattern can be registered as a subscription.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return ErrEmptyPattern
	}
	if !utf8.ValidString(pattern) || strings.Contains(pattern, "\u0000") {
		return ErrInvalidRoutingKey
	}
	return nil
}
