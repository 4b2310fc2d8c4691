package common

import (
	"fmt"
	"regexp"
)

// CompilePatterns compiles each pattern case-insensitively.
// An invalid pattern is reported with its position in the list.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("pattern %d %q: %w", i, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// MustCompilePatterns is CompilePatterns for package-level rule tables.
func MustCompilePatterns(patterns ...string) []*regexp.Regexp {
	out, err := CompilePatterns(patterns)
	if err != nil {
		panic(err)
	}
	return out
}

// CountMatches returns how many of the patterns match text.
func CountMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, re := range patterns {
		if re.MatchString(text) {
			n++
		}
	}
	return n
}
