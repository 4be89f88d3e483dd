package linkcheck

import (
	"fmt"
	"html"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// sessionParams are query keys that identify a visitor session rather than a
// resource. Keys ending in '*' match by prefix.
var sessionParams = []string{
	"phpsessid",
	"sid",
	"jsessionid",
	"aspsessionid*",
	"cfid",
	"cftoken",
	"zenid",
	"oscsid",
}

// skippedSchemes never point at something an HTTP check could verify.
var skippedSchemes = map[string]struct{}{
	"mailto":     {},
	"javascript": {},
	"tel":        {},
	"data":       {},
	"sms":        {},
	"about":      {},
}

// IsSkippable reports whether a raw reference should not become a link at all
// (empty, fragment-only or a non-network scheme).
func IsSkippable(raw string) bool {
	raw = strings.TrimSpace(html.UnescapeString(raw))
	if raw == "" || strings.HasPrefix(raw, "#") {
		return true
	}
	if i := strings.Index(raw, ":"); i > 0 {
		scheme := strings.ToLower(raw[:i])
		if _, skip := skippedSchemes[scheme]; skip {
			return true
		}
	}
	return false
}

// IsCheckable reports whether the URL uses a scheme the checker can request.
func IsCheckable(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// NormalizeURL turns a raw reference into the canonical string stored as
// Link.URL. Relative references resolve against base. HTML entities are
// decoded, the scheme and host are lowercased, default ports, fragments and
// session-id parameters are removed and illegal characters are encoded.
func NormalizeURL(raw, base string) (string, error) {
	raw = strings.TrimSpace(html.UnescapeString(raw))
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	raw = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, raw)
	raw = strings.ReplaceAll(raw, " ", "%20")

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !u.IsAbs() {
		if base == "" {
			if !strings.HasPrefix(raw, "//") {
				return "", fmt.Errorf("%w: relative reference without base", ErrInvalidURL)
			}
			base = "http:"
		}
		b, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("%w: base: %v", ErrInvalidURL, err)
		}
		u = b.ResolveReference(u)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Host != "" {
		host := strings.ToLower(u.Hostname())
		if ascii, err := idna.Lookup.ToASCII(host); err == nil {
			host = ascii
		}
		port := u.Port()
		if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
			port = ""
		}
		if port != "" {
			host = host + ":" + port
		}
		u.Host = host
	}
	if (u.Scheme == "http" || u.Scheme == "https") && u.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.RawQuery = stripSessionParams(u.RawQuery)
	if u.Path == "" && u.Host != "" && u.Opaque == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// Hostname returns the lowercased host of a normalized URL, or "" if the URL
// cannot be parsed.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func stripSessionParams(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		if part == "" {
			continue
		}
		key := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			key = part[:i]
		}
		if unescaped, err := url.QueryUnescape(key); err == nil {
			key = unescaped
		}
		if isSessionParam(key) {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "&")
}

func isSessionParam(key string) bool {
	key = strings.ToLower(key)
	for _, p := range sessionParams {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(key, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if key == p {
			return true
		}
	}
	return false
}
