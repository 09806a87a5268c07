// Package util provides small shared helpers.
package util

import "strings"

// TrimSP trims leading and trailing spaces and horizontal tabs.
func TrimSP(s string) string {
	return strings.Trim(s, " \t")
}

// Unquote removes surrounding double quotes, if present.
func Unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// SplitUnquoted splits s on sep, ignoring separators inside double quotes
// or angle brackets. Empty items are dropped after trimming.
func SplitUnquoted(s string, sep byte) []string {
	var (
		items   []string
		start   int
		quoted  bool
		bracket int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				bracket++
			}
		case '>':
			if !quoted && bracket > 0 {
				bracket--
			}
		case sep:
			if !quoted && bracket == 0 {
				if item := TrimSP(s[start:i]); item != "" {
					items = append(items, item)
				}
				start = i + 1
			}
		}
	}
	if item := TrimSP(s[start:]); item != "" {
		items = append(items, item)
	}
	return items
}
