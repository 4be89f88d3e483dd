// Package extract finds link instances in container fields and rewrites
// fields when a link is edited or removed.
package extract

import (
	"errors"
	"sync"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// ErrNoMatch is returned when an edit or unlink finds nothing to change.
var ErrNoMatch = errors.New("link not found in field")

// Field formats understood by the built-in parsers.
const (
	FormatHTML     = "html"
	FormatURL      = "url"
	FormatMetadata = "metadata"
	FormatJSON     = "json"
)

// Parser extracts instances from one field format. Parse never fails:
// malformed content yields no instances and unparseable URLs are dropped.
// Returned instances carry URL, RawURL, LinkText and Context; the pipeline
// fills in container identity, field and parser type.
type Parser interface {
	CanHandle(format string) bool
	Parse(raw, base string) []linkcheck.Instance
	// Edit replaces every occurrence of inst.RawURL in raw with newURL.
	Edit(raw string, inst linkcheck.Instance, newURL string) (string, error)
	// Unlink removes every occurrence of inst.RawURL from raw, keeping any
	// visible text.
	Unlink(raw string, inst linkcheck.Instance) (string, error)
}

// Factory builds a parser.
type Factory func() Parser

// Registry maps parser type tags to factories. Parsers are built on first use
// and then reused.
type Registry struct {
	mu        sync.Mutex
	order     []string
	factories map[string]Factory
	parsers   map[string]Parser
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		parsers:   make(map[string]Parser),
	}
}

// DefaultRegistry returns a registry holding the built-in parsers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("link", func() Parser { return newHTMLParser(anchorSpec) })
	r.Register("image", func() Parser { return newHTMLParser(imageSpec) })
	r.Register("url", func() Parser { return urlFieldParser{} })
	r.Register("metadata", func() Parser { return metadataParser{} })
	r.Register("json", func() Parser { return jsonParser{} })
	return r
}

// Register adds or replaces a parser type.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
	delete(r.parsers, name)
}

// Get returns the parser registered under name.
func (r *Registry) Get(name string) (Parser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(name)
}

func (r *Registry) getLocked(name string) (Parser, bool) {
	if p, ok := r.parsers[name]; ok {
		return p, true
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, false
	}
	p := f()
	r.parsers[name] = p
	return p, true
}

// NamedParser pairs a parser with its type tag.
type NamedParser struct {
	Name   string
	Parser Parser
}

// ForFormat returns every parser that handles format, in registration order.
func (r *Registry) ForFormat(format string) []NamedParser {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NamedParser
	for _, name := range r.order {
		p, _ := r.getLocked(name)
		if p.CanHandle(format) {
			out = append(out, NamedParser{Name: name, Parser: p})
		}
	}
	return out
}
