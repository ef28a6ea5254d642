package registry

import (
	"fmt"
	"strings"
)

// DuplicatePolicy decides what Push does when a key already has a binding
// with a different handler.
type DuplicatePolicy int

const (
	// DuplicateAppend adds another binding after the existing ones.
	DuplicateAppend DuplicatePolicy = iota

	// DuplicateReplace swaps the handler of the existing binding in place.
	DuplicateReplace
)

// String returns the policy name.
func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateAppend:
		return "append"
	case DuplicateReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// ParseDuplicatePolicy parses "append" or "replace". An empty string
// yields DuplicateAppend.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "append":
		return DuplicateAppend, nil
	case "replace":
		return DuplicateReplace, nil
	default:
		return DuplicateAppend, fmt.Errorf("unknown duplicate policy %q", s)
	}
}

// UnloadPolicy decides what a subsystem does when it is unloaded while
// registrations remain.
type UnloadPolicy int

const (
	// UnloadClear drops remaining registrations.
	UnloadClear UnloadPolicy = iota

	// UnloadStrict refuses to unload with ErrHandlersRemaining.
	UnloadStrict
)

// String returns the policy name.
func (p UnloadPolicy) String() string {
	switch p {
	case UnloadClear:
		return "clear"
	case UnloadStrict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseUnloadPolicy parses "clear" or "strict". An empty string yields
// UnloadClear.
func ParseUnloadPolicy(s string) (UnloadPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "clear":
		return UnloadClear, nil
	case "strict":
		return UnloadStrict, nil
	default:
		return UnloadClear, fmt.Errorf("unknown unload policy %q", s)
	}
}
