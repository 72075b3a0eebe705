// Package dnsname builds RFC 1123 DNS labels for sandbox namespaces
// and preview hosts.
package dnsname

import (
	"regexp"
	"strings"
)

// MaxLabelLength is the RFC 1123 cap on a single DNS label.
const MaxLabelLength = 63

var labelRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// IsLabel reports whether s is a valid lowercase DNS label.
func IsLabel(s string) bool {
	return len(s) > 0 && len(s) <= MaxLabelLength && labelRegex.MatchString(s)
}

// Sanitize folds s into label material: lowercased, runs of invalid
// characters collapsed to a single hyphen, hyphens trimmed from both
// ends. Returns "" when nothing usable remains.
func Sanitize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	pendingHyphen := false
	for _, r := range s {
		valid := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !valid {
			pendingHyphen = b.Len() > 0
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Join hyphen-joins the non-empty parts and truncates the result to
// MaxLabelLength without leaving a trailing hyphen.
func Join(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	name := strings.Join(kept, "-")
	if len(name) > MaxLabelLength {
		name = strings.TrimRight(name[:MaxLabelLength], "-")
	}
	return name
}

// Truncate shortens s to at most n characters without leaving a
// trailing hyphen, for composing labels that must reserve room for a
// suffix.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimRight(s[:n], "-")
}
