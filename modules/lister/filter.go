package lister

import (
	"regexp"

	"github.com/pkg/errors"
)

// TitleFilter holds the blacklist patterns. Each pattern is anchored at the
// start of the title, so "ANTENNE" matches "ANTENNE BAYERN - Jingle" but not
// "Hits - ANTENNE".
type TitleFilter struct {
	patterns []*regexp.Regexp
}

func NewTitleFilter(patterns []string) (*TitleFilter, error) {
	f := &TitleFilter{}
	for _, p := range patterns {
		re, err := regexp.Compile(`^(?:` + p + `)`)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid blacklist pattern %q", p)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Match reports whether title matches any pattern.
func (f *TitleFilter) Match(title string) bool {
	for _, re := range f.patterns {
		if re.MatchString(title) {
			return true
		}
	}
	return false
}
