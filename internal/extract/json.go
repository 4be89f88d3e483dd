package extract

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// jsonParser finds URL-valued strings anywhere in a JSON document. The
// instance context is the gjson path of the value.
type jsonParser struct{}

func (jsonParser) CanHandle(format string) bool {
	return format == FormatJSON
}

func (jsonParser) Parse(raw, base string) []linkcheck.Instance {
	if !gjson.Valid(raw) {
		return nil
	}
	var out []linkcheck.Instance
	walkJSON(gjson.Parse(raw), "", func(path, value string) {
		if !looksLikeURL(value) {
			return
		}
		normalized, err := linkcheck.NormalizeURL(value, base)
		if err != nil {
			return
		}
		out = append(out, linkcheck.Instance{URL: normalized, RawURL: value, Context: path})
	})
	return out
}

func (jsonParser) Edit(raw string, inst linkcheck.Instance, newURL string) (string, error) {
	paths := matchingPaths(raw, inst.RawURL)
	if len(paths) == 0 {
		return "", ErrNoMatch
	}
	var err error
	for _, path := range paths {
		if raw, err = sjson.Set(raw, path, newURL); err != nil {
			return "", fmt.Errorf("set %s: %w", path, err)
		}
	}
	return raw, nil
}

func (jsonParser) Unlink(raw string, inst linkcheck.Instance) (string, error) {
	paths := matchingPaths(raw, inst.RawURL)
	if len(paths) == 0 {
		return "", ErrNoMatch
	}
	// Later array elements first so earlier indexes stay valid.
	slices.Reverse(paths)
	var err error
	for _, path := range paths {
		if raw, err = sjson.Delete(raw, path); err != nil {
			return "", fmt.Errorf("delete %s: %w", path, err)
		}
	}
	return raw, nil
}

func matchingPaths(raw, rawURL string) []string {
	if !gjson.Valid(raw) {
		return nil
	}
	var paths []string
	walkJSON(gjson.Parse(raw), "", func(path, value string) {
		if value == rawURL {
			paths = append(paths, path)
		}
	})
	return paths
}

// walkJSON calls fn for every string value nested in an object or array.
// Top-level scalars have no path and are ignored.
func walkJSON(v gjson.Result, path string, fn func(path, value string)) {
	switch {
	case v.IsObject():
		v.ForEach(func(key, val gjson.Result) bool {
			walkJSON(val, joinPath(path, escapePathKey(key.String())), fn)
			return true
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, val gjson.Result) bool {
			walkJSON(val, joinPath(path, strconv.Itoa(i)), fn)
			i++
			return true
		})
	case v.Type == gjson.String && path != "":
		fn(path, v.String())
	}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func escapePathKey(key string) string {
	if !strings.ContainsAny(key, `.*?|#@\`) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		if strings.ContainsRune(`.*?|#@\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func looksLikeURL(s string) bool {
	s = strings.TrimSpace(s)
	return linkcheck.IsCheckable(s) || strings.HasPrefix(s, "//")
}
