package linkcheck

import "strings"

// ExclusionList decides which URLs are never checked. Plain entries match as
// case-insensitive substrings of the URL; entries of the form "*.example.com"
// or ".example.com" match the host and all of its subdomains.
type ExclusionList struct {
	substrings []string
	suffixes   []string
}

// NewExclusionList builds a matcher from configured entries. Blank entries are
// ignored; a list with no usable entries matches nothing.
func NewExclusionList(entries []string) *ExclusionList {
	l := &ExclusionList{}
	for _, raw := range entries {
		value := strings.TrimSpace(strings.ToLower(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			l.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			l.addSuffix(strings.TrimPrefix(value, "."))
		default:
			l.substrings = append(l.substrings, value)
		}
	}
	return l
}

func (l *ExclusionList) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range l.suffixes {
		if existing == suffix {
			return
		}
	}
	l.suffixes = append(l.suffixes, suffix)
}

// IsExcluded reports whether the URL matches any entry.
func (l *ExclusionList) IsExcluded(rawURL string) bool {
	if l == nil {
		return false
	}
	lower := strings.ToLower(rawURL)
	for _, s := range l.substrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	if len(l.suffixes) == 0 {
		return false
	}
	host := Hostname(rawURL)
	if host == "" {
		return false
	}
	for _, suffix := range l.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
