package buildkey

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidVersion is matched by every *InvalidVersionError.
var ErrInvalidVersion = errors.New("invalid build key version")

// ErrMalformedKey is matched by every *MalformedKeyError.
var ErrMalformedKey = errors.New("malformed build key")

// InvalidVersionError reports a build key version outside Versions().
type InvalidVersionError struct {
	Version int
}

// Error implements the error interface.
func (e *InvalidVersionError) Error() string {
	return fmt.Sprintf("invalid build key version: %d, expected: %s", e.Version, formatVersions(Versions()))
}

// Is makes errors.Is(err, ErrInvalidVersion) succeed.
func (e *InvalidVersionError) Is(target error) bool {
	return target == ErrInvalidVersion
}

// MalformedKeyError reports a key that no supported encoding can parse.
type MalformedKeyError struct {
	Key    string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *MalformedKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed build key %q: %s: %v", e.Key, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed build key %q: %s", e.Key, e.Reason)
}

// Unwrap returns the underlying parse error.
func (e *MalformedKeyError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMalformedKey) succeed.
func (e *MalformedKeyError) Is(target error) bool {
	return target == ErrMalformedKey
}

// formatVersions renders versions as "(1, 2)".
func formatVersions(vs []Version) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = fmt.Sprintf("%d", int(v))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
