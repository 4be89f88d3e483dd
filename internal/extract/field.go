package extract

import (
	"strings"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// urlFieldParser treats the whole field as a single URL.
type urlFieldParser struct{}

func (urlFieldParser) CanHandle(format string) bool {
	return format == FormatURL
}

func (urlFieldParser) Parse(raw, base string) []linkcheck.Instance {
	value := strings.TrimSpace(raw)
	if linkcheck.IsSkippable(value) {
		return nil
	}
	normalized, err := linkcheck.NormalizeURL(value, base)
	if err != nil {
		return nil
	}
	return []linkcheck.Instance{{URL: normalized, RawURL: value}}
}

func (urlFieldParser) Edit(raw string, inst linkcheck.Instance, newURL string) (string, error) {
	if strings.TrimSpace(raw) != inst.RawURL {
		return "", ErrNoMatch
	}
	return newURL, nil
}

func (urlFieldParser) Unlink(raw string, inst linkcheck.Instance) (string, error) {
	if strings.TrimSpace(raw) != inst.RawURL {
		return "", ErrNoMatch
	}
	return "", nil
}

// metadataParser reads one URL per line. Lines that are not URLs are kept
// untouched by edits.
type metadataParser struct{}

func (metadataParser) CanHandle(format string) bool {
	return format == FormatMetadata
}

func (metadataParser) Parse(raw, base string) []linkcheck.Instance {
	var out []linkcheck.Instance
	for _, line := range strings.Split(raw, "\n") {
		value := strings.TrimSpace(line)
		if linkcheck.IsSkippable(value) {
			continue
		}
		normalized, err := linkcheck.NormalizeURL(value, base)
		if err != nil {
			continue
		}
		out = append(out, linkcheck.Instance{URL: normalized, RawURL: value})
	}
	return out
}

func (p metadataParser) Edit(raw string, inst linkcheck.Instance, newURL string) (string, error) {
	return p.rewrite(raw, inst.RawURL, func() (string, bool) { return newURL, true })
}

func (p metadataParser) Unlink(raw string, inst linkcheck.Instance) (string, error) {
	return p.rewrite(raw, inst.RawURL, func() (string, bool) { return "", false })
}

func (metadataParser) rewrite(raw, rawURL string, replace func() (string, bool)) (string, error) {
	lines := strings.Split(raw, "\n")
	out := lines[:0]
	matched := false
	for _, line := range lines {
		if strings.TrimSpace(line) != rawURL {
			out = append(out, line)
			continue
		}
		matched = true
		if value, keep := replace(); keep {
			out = append(out, value)
		}
	}
	if !matched {
		return "", ErrNoMatch
	}
	return strings.Join(out, "\n"), nil
}
