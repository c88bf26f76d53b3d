// Package nameguard validates every identifier that reaches the filesystem
// or a subprocess argv against one of three whitelist grammars, rejecting
// path traversal and argument injection before the value is used.
package nameguard

import "fmt"

// Kind names a grammar so error messages and error-kind mapping can tell
// which validator rejected a value.
type Kind string

const (
	// KindPathSegment covers image file names, activation script names, and
	// revision stems: letters, digits, '.', '-', '_'.
	KindPathSegment Kind = "path-segment"
	// KindFlagIdentifier covers container names, image-directory names,
	// operator-supplied revision stems, and exec command names: letters,
	// digits, '-', '_' — no '.' so a bare ".." can never appear.
	KindFlagIdentifier Kind = "flag-identifier"
	// KindKeyRef covers key-refs: letters, digits, '@', '_', '-', '.'.
	KindKeyRef Kind = "key-ref"
)

// Error reports a grammar violation, naming the offending value and which
// grammar it failed.
type Error struct {
	Kind  Kind
	Value string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%q is not a valid %s", e.Value, e.Kind)
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// PathSegment validates a file-path segment per KindPathSegment.
func PathSegment(value string) error {
	return validate(value, KindPathSegment, func(r rune) bool {
		return isAlnum(r) || r == '.' || r == '-' || r == '_'
	})
}

// FlagIdentifier validates a flag-supplied identifier per KindFlagIdentifier.
func FlagIdentifier(value string) error {
	return validate(value, KindFlagIdentifier, func(r rune) bool {
		return isAlnum(r) || r == '-' || r == '_'
	})
}

// KeyRef validates a key-ref per KindKeyRef.
func KeyRef(value string) error {
	return validate(value, KindKeyRef, func(r rune) bool {
		return isAlnum(r) || r == '@' || r == '_' || r == '-' || r == '.'
	})
}

func validate(value string, kind Kind, allowed func(rune) bool) error {
	if value == "" {
		return &Error{Kind: kind, Value: value}
	}
	for _, r := range value {
		if !allowed(r) {
			return &Error{Kind: kind, Value: value}
		}
	}
	return nil
}
