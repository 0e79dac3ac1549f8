// Package security provides input validation and log sanitization helpers.
package security

import (
	"net/url"
	"strings"
	"unicode"
)

// Path validation errors.
var (
	ErrPathEmpty        = &PathError{Reason: "path is empty"}
	ErrPathNullByte     = &PathError{Reason: "path contains null byte"}
	ErrPathTraversal    = &PathError{Reason: "path traversal detected"}
	ErrPathSeparator    = &PathError{Reason: "path separator not allowed"}
	ErrPathTooLong      = &PathError{Reason: "path exceeds maximum length"}
	ErrPathReservedName = &PathError{Reason: "path contains reserved name"}
)

// PathError represents a path validation error.
type PathError struct {
	Reason string
	Path   string
}

func (e *PathError) Error() string {
	if e.Path != "" {
		return e.Reason + ": " + e.Path
	}
	return e.Reason
}

// Is matches path errors by reason so callers can compare against the
// exported sentinels.
func (e *PathError) Is(target error) bool {
	t, ok := target.(*PathError)
	return ok && t.Reason == e.Reason
}

// MaxNameLength is the maximum allowed file name length.
const MaxNameLength = 255

// reservedNames are Windows reserved device names that should not be used as filenames.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// ValidateFileName checks that name is a single path component that is
// safe to join onto a storage directory. It rejects:
// - empty names and dot entries
// - null bytes
// - any path separator
// - names over MaxNameLength
// - reserved device names
func ValidateFileName(name string) error {
	if name == "" {
		return ErrPathEmpty
	}

	if strings.Contains(name, "\x00") {
		return &PathError{Reason: ErrPathNullByte.Reason, Path: "[contains null byte]"}
	}

	if len(name) > MaxNameLength {
		return &PathError{Reason: ErrPathTooLong.Reason, Path: name[:50] + "..."}
	}

	if name == "." || name == ".." {
		return &PathError{Reason: ErrPathTraversal.Reason, Path: name}
	}

	if strings.ContainsAny(name, `/\`) {
		return &PathError{Reason: ErrPathSeparator.Reason, Path: SanitizeForLog(name)}
	}

	base := strings.ToLower(name)
	if idx := strings.Index(base, "."); idx > 0 {
		base = base[:idx]
	}
	if reservedNames[base] {
		return &PathError{Reason: ErrPathReservedName.Reason, Path: SanitizeForLog(name)}
	}

	return nil
}

// SanitizeForLog sanitizes a client-supplied string for safe logging.
// Newlines and tabs are escaped, other control characters dropped and the
// result truncated to 200 runes.
func SanitizeForLog(s string) string {
	return SanitizeForLogWithLength(s, 200)
}

// SanitizeForLogWithLength sanitizes a string for logging with a custom max length.
func SanitizeForLogWithLength(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(min(len(s), maxLen+10))

	count := 0
	for _, r := range s {
		if count >= maxLen {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
			count += 2
		case '\r':
			b.WriteString("\\r")
			count += 2
		case '\t':
			b.WriteString("\\t")
			count += 2
		default:
			if !unicode.IsControl(r) || r == ' ' {
				b.WriteRune(r)
				count++
			}
		}
	}

	return b.String()
}

// MaskURL hides the password of a connection URL such as
// redis://:secret@host:6379/0. Unparseable input is fully masked.
func MaskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "xxxxx"
	}
	return u.Redacted()
}
