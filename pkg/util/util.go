package util

import "github.com/google/uuid"

// PrefixConfig joins a config prefix and an option name.
func PrefixConfig(prefix, option string) string {
	if len(prefix) > 0 {
		return prefix + "." + option
	}
	return option
}

// NewUUIDv7 returns a time-ordered UUID string. Falls back to a v4 in
// the (practically impossible) case the entropy source fails.
func NewUUIDv7() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
