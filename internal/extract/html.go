package extract

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

const maxContextRunes = 200

type tagSpec struct {
	tag  string
	attr string
	// text picks the visible label of the element.
	text func(sel *goquery.Selection) string
	// unwrap keeps the element's children on unlink; otherwise the element
	// is dropped.
	unwrap bool
}

var anchorSpec = tagSpec{
	tag:    "a",
	attr:   "href",
	text:   func(sel *goquery.Selection) string { return collapse(sel.Text()) },
	unwrap: true,
}

var imageSpec = tagSpec{
	tag:  "img",
	attr: "src",
	text: func(sel *goquery.Selection) string {
		alt, _ := sel.Attr("alt")
		return collapse(alt)
	},
}

// htmlParser finds one kind of tag in HTML fields.
type htmlParser struct {
	spec tagSpec
}

func newHTMLParser(spec tagSpec) htmlParser {
	return htmlParser{spec: spec}
}

func (p htmlParser) CanHandle(format string) bool {
	return format == FormatHTML
}

func (p htmlParser) Parse(raw, base string) []linkcheck.Instance {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil
	}
	var out []linkcheck.Instance
	doc.Find(p.spec.tag + "[" + p.spec.attr + "]").Each(func(_ int, sel *goquery.Selection) {
		value, _ := sel.Attr(p.spec.attr)
		if linkcheck.IsSkippable(value) {
			return
		}
		normalized, err := linkcheck.NormalizeURL(value, base)
		if err != nil {
			return
		}
		out = append(out, linkcheck.Instance{
			URL:      normalized,
			RawURL:   value,
			LinkText: p.spec.text(sel),
			Context:  truncateRunes(collapse(sel.Parent().Text()), maxContextRunes),
		})
	})
	return out
}

func (p htmlParser) Edit(raw string, inst linkcheck.Instance, newURL string) (string, error) {
	return rewriteTags(raw, p.spec, inst.RawURL, func(tok *html.Token) tagAction {
		for i := range tok.Attr {
			if strings.EqualFold(tok.Attr[i].Key, p.spec.attr) {
				tok.Attr[i].Val = newURL
			}
		}
		return replaceTag
	})
}

func (p htmlParser) Unlink(raw string, inst linkcheck.Instance) (string, error) {
	action := dropTag
	if p.spec.unwrap {
		action = unwrapTag
	}
	return rewriteTags(raw, p.spec, inst.RawURL, func(*html.Token) tagAction { return action })
}

type tagAction int

const (
	replaceTag tagAction = iota
	dropTag
	unwrapTag
)

// rewriteTags streams raw through the tokenizer, passing every matching tag
// to fn. Untouched tokens are copied byte for byte.
func rewriteTags(raw string, spec tagSpec, rawURL string, fn func(tok *html.Token) tagAction) (string, error) {
	z := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder
	b.Grow(len(raw))
	matched := 0
	pendingEnds := 0

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("tokenize html: %w", err)
			}
			break
		}
		// Copy before Token(), which lowercases names in place.
		chunk := string(z.Raw())

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != spec.tag || attrValue(tok, spec.attr) != rawURL {
				break
			}
			matched++
			switch fn(&tok) {
			case replaceTag:
				chunk = tok.String()
			case dropTag:
				chunk = ""
			case unwrapTag:
				chunk = ""
				if tt == html.StartTagToken {
					pendingEnds++
				}
			}
		case html.EndTagToken:
			if pendingEnds > 0 {
				if name, _ := z.TagName(); string(name) == spec.tag {
					pendingEnds--
					chunk = ""
				}
			}
		}
		b.WriteString(chunk)
	}

	if matched == 0 {
		return "", ErrNoMatch
	}
	return b.String(), nil
}

func attrValue(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
