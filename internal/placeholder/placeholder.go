// Package placeholder expands {{key}} tokens in URL and parameter templates.
package placeholder

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Expand replaces every {{key}} in s with vars[key]. Unknown keys are left verbatim.
func Expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		key := tokenPattern.FindStringSubmatch(token)[1]
		if v, ok := vars[key]; ok {
			return v
		}
		return token
	})
}

// ExpandFunc is Expand with values escaped by escape before insertion.
// Dispatch URLs use it with url.QueryEscape.
func ExpandFunc(s string, vars map[string]string, escape func(string) string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(token string) string {
		key := tokenPattern.FindStringSubmatch(token)[1]
		if v, ok := vars[key]; ok {
			return escape(v)
		}
		return token
	})
}

// Keys returns the distinct placeholder names referenced by s, in order.
func Keys(s string) []string {
	matches := tokenPattern.FindAllStringSubmatch(s, -1)
	seen := make(map[string]bool, len(matches))
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}
