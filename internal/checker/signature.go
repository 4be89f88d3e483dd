package checker

import (
	"net/http"
	"sort"
	"strings"
)

const defaultAccept = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// Signature is the request identity presented to a site. Some sites block
// clients that do not look like a browser.
type Signature struct {
	// Host matches the request host and its subdomains. Empty matches all.
	Host           string
	UserAgent      string
	AcceptLanguage string
	Headers        map[string]string
}

type signatureSet struct {
	fallback Signature
	// sorted by descending host length so the most specific entry wins
	sites []Signature
}

func newSignatureSet(cfg Config) signatureSet {
	set := signatureSet{
		fallback: Signature{UserAgent: cfg.UserAgent, AcceptLanguage: cfg.AcceptLanguage},
	}
	for _, sig := range cfg.Signatures {
		sig.Host = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(sig.Host), "*."))
		if sig.Host == "" {
			set.fallback = merge(set.fallback, sig)
			continue
		}
		set.sites = append(set.sites, sig)
	}
	sort.SliceStable(set.sites, func(i, j int) bool {
		return len(set.sites[i].Host) > len(set.sites[j].Host)
	})
	return set
}

func (s signatureSet) forHost(host string) Signature {
	host = strings.ToLower(host)
	for _, sig := range s.sites {
		if host == sig.Host || strings.HasSuffix(host, "."+sig.Host) {
			return merge(s.fallback, sig)
		}
	}
	return s.fallback
}

func (s signatureSet) apply(req *http.Request) {
	sig := s.forHost(req.URL.Hostname())
	req.Header.Set("Accept", defaultAccept)
	if sig.UserAgent != "" {
		req.Header.Set("User-Agent", sig.UserAgent)
	}
	if sig.AcceptLanguage != "" {
		req.Header.Set("Accept-Language", sig.AcceptLanguage)
	}
	for k, v := range sig.Headers {
		req.Header.Set(k, v)
	}
}

func merge(base, over Signature) Signature {
	out := base
	out.Host = over.Host
	if over.UserAgent != "" {
		out.UserAgent = over.UserAgent
	}
	if over.AcceptLanguage != "" {
		out.AcceptLanguage = over.AcceptLanguage
	}
	if len(base.Headers)+len(over.Headers) > 0 {
		out.Headers = make(map[string]string, len(base.Headers)+len(over.Headers))
		for k, v := range base.Headers {
			out.Headers[k] = v
		}
		for k, v := range over.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
