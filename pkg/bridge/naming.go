// Copyright 2024-2026 Aiku AI

package bridge

import (
	"strings"
)

// namePlaceholder is the substitution token used in alias and name templates,
// e.g. "#bridge-{name}:example.com".
const namePlaceholder = "{name}"

// FormatName renders a template by substituting the canonical name. Pure
// string substitution; any escaping is the caller's concern.
func FormatName(template, name string) string {
	return strings.ReplaceAll(template, namePlaceholder, name)
}

// ExtractName inverts FormatName: given a template and a formatted name it
// recovers the canonical name. It returns a *ParseError when the input does
// not match the template, e.g. after a manual out-of-band rename. Callers
// skip mirroring in that case rather than propagating a guess.
func ExtractName(template, formatted string) (string, error) {
	idx := strings.Index(template, namePlaceholder)
	if idx < 0 {
		// Template has no placeholder: it only round-trips with itself.
		if template == formatted {
			return "", nil
		}
		return "", &ParseError{Template: template, Input: formatted}
	}
	prefix := template[:idx]
	suffix := template[idx+len(namePlaceholder):]
	if !strings.HasPrefix(formatted, prefix) || !strings.HasSuffix(formatted, suffix) {
		return "", &ParseError{Template: template, Input: formatted}
	}
	name := formatted[len(prefix) : len(formatted)-len(suffix)]
	if name == "" {
		return "", &ParseError{Template: template, Input: formatted}
	}
	return name, nil
}

// Slugify converts a canonical name into a Mattermost channel URL slug:
// lowercase, with anything outside [a-z0-9] collapsed to single hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// AliasLocalpart extracts the localpart of a Matrix room alias, i.e. the
// part between the leading '#' and the ':server' suffix.
func AliasLocalpart(alias string) string {
	alias = strings.TrimPrefix(alias, "#")
	if idx := strings.IndexByte(alias, ':'); idx >= 0 {
		return alias[:idx]
	}
	return alias
}
