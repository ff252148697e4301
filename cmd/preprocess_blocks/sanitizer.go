package main

import (
	"regexp"
	"strings"
)

var extraWhiteSpace = regexp.MustCompile("[[:space:]]+")

// SanitizeText normalizes the whitespace of a document body: Windows `\r`
// is dropped, escaped `\n` becomes a newline, runs of newlines collapse to
// one, tabs become spaces and a space before a colon is removed. Each line
// then has its whitespace runs collapsed and trimmed, and empty lines go.
func SanitizeText(text string) string {
	in := []rune(text)
	out := make([]rune, 0, len(in))
	for idx := 0; idx < len(in); idx++ {
		r := in[idx]
		switch {
		case r == '\r':
			continue
		case r == '\\' && idx+1 < len(in) && in[idx+1] == 'n':
			idx++
			r = '\n'
		case r == '\t':
			r = ' '
		}
		last := len(out) - 1
		if r == '\n' && last >= 0 && out[last] == '\n' {
			continue
		}
		if r == ':' && last >= 0 && out[last] == ' ' {
			out[last] = ':'
			continue
		}
		out = append(out, r)
	}
	lines := strings.Split(string(out), "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(extraWhiteSpace.ReplaceAllString(line, " "))
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}
