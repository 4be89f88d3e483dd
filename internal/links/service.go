// Package links implements the administrative operations on checked links:
// listing, rechecking, status overrides and rewriting the content that
// references a link.
package links

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/logging"
	"github.com/JakeFAU/linkcheck/internal/metrics"
)

// Page size limits for Query.
const (
	DefaultPerPage = 30
	MaxPerPage     = 200
)

// Errors returned for requests the service refuses.
var (
	ErrInvalidFilter = errors.New("invalid filter")
	ErrNotRedirect   = errors.New("link is not a redirect")
)

// Rewriter edits container content and re-extracts it.
type Rewriter interface {
	EditInstance(ctx context.Context, inst linkcheck.Instance, newURL string) error
	UnlinkInstance(ctx context.Context, inst linkcheck.Instance) error
	Synch(ctx context.Context, ref linkcheck.ContainerRef) (int, error)
}

// Page is one page of a link listing.
type Page struct {
	Links   []linkcheck.Link `json:"links"`
	Total   int              `json:"total"`
	Page    int              `json:"page"`
	PerPage int              `json:"per_page"`
}

// Detail is a link with every place it occurs.
type Detail struct {
	Link      linkcheck.Link       `json:"link"`
	Status    linkcheck.Status     `json:"status"`
	Instances []linkcheck.Instance `json:"instances"`
}

// EditResult reports how many occurrences a rewrite changed.
type EditResult struct {
	LinkID    int64    `json:"link_id,omitempty"`
	URL       string   `json:"url,omitempty"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// Service carries out administrative link operations.
type Service struct {
	store    linkcheck.LinkStore
	rewriter Rewriter
	checker  linkcheck.Checker
	limiter  linkcheck.RateLimiter
	clock    linkcheck.Clock
	baseURL  string
	logger   *zap.Logger
}

// Deps groups the collaborators of a Service. Limiter may be nil.
type Deps struct {
	Store    linkcheck.LinkStore
	Rewriter Rewriter
	Checker  linkcheck.Checker
	Limiter  linkcheck.RateLimiter
	Clock    linkcheck.Clock
}

// NewService builds a Service. baseURL resolves relative URLs given to
// EditURL.
func NewService(deps Deps, baseURL string, logger *zap.Logger) *Service {
	return &Service{
		store:    deps.Store,
		rewriter: deps.Rewriter,
		checker:  deps.Checker,
		limiter:  deps.Limiter,
		clock:    deps.Clock,
		baseURL:  baseURL,
		logger:   logging.OrNop(logger).Named("links"),
	}
}

// Query lists links matching a filter, one page at a time.
func (s *Service) Query(ctx context.Context, f linkcheck.LinkFilter) (Page, error) {
	switch f.Filter {
	case "":
		f.Filter = linkcheck.FilterAll
	case linkcheck.FilterAll, linkcheck.FilterBroken, linkcheck.FilterWarning,
		linkcheck.FilterRedirect, linkcheck.FilterDismissed, linkcheck.FilterUnchecked:
	default:
		return Page{}, fmt.Errorf("%w: %q", ErrInvalidFilter, f.Filter)
	}
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.PerPage <= 0:
		f.PerPage = DefaultPerPage
	case f.PerPage > MaxPerPage:
		f.PerPage = MaxPerPage
	}
	links, total, err := s.store.QueryLinks(ctx, f)
	if err != nil {
		return Page{}, fmt.Errorf("query links: %w", err)
	}
	if links == nil {
		links = []linkcheck.Link{}
	}
	return Page{Links: links, Total: total, Page: f.Page, PerPage: f.PerPage}, nil
}

// Get returns a link and its instances.
func (s *Service) Get(ctx context.Context, id int64) (Detail, error) {
	link, err := s.store.GetLink(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	instances, err := s.store.InstancesForLink(ctx, id)
	if err != nil {
		return Detail{}, fmt.Errorf("list instances of link %d: %w", id, err)
	}
	if instances == nil {
		instances = []linkcheck.Instance{}
	}
	return Detail{Link: link, Status: link.Status(), Instances: instances}, nil
}

// Summary returns link counts by status.
func (s *Service) Summary(ctx context.Context) (linkcheck.Summary, error) {
	sum, err := s.store.Summary(ctx)
	if err != nil {
		return linkcheck.Summary{}, fmt.Errorf("summarize links: %w", err)
	}
	return sum, nil
}

// Recheck checks the link immediately and stores the outcome.
func (s *Service) Recheck(ctx context.Context, id int64) (linkcheck.Link, error) {
	link, err := s.store.GetLink(ctx, id)
	if err != nil {
		return linkcheck.Link{}, err
	}
	if s.limiter != nil {
		if err := s.limiter.TakeToken(ctx, linkcheck.Hostname(link.URL)); err != nil {
			return linkcheck.Link{}, fmt.Errorf("wait for rate limiter: %w", err)
		}
	}
	res := s.checker.Check(ctx, link.URL)
	link.ApplyResult(res, s.clock.Now())
	if err := s.store.SaveLink(ctx, link); err != nil {
		return linkcheck.Link{}, fmt.Errorf("save link %d: %w", id, err)
	}
	metrics.ObserveCheck(string(res.Status()), res.RequestDuration)
	s.logger.Info("link rechecked",
		zap.Int64("link_id", id),
		zap.String("url", link.URL),
		zap.String("status", string(link.Status())),
	)
	return link, nil
}

// MarkNotBroken records the current failure as a false positive.
func (s *Service) MarkNotBroken(ctx context.Context, id int64) (linkcheck.Link, error) {
	return s.update(ctx, id, func(l *linkcheck.Link) { l.MarkNotBroken() })
}

// Dismiss hides the link from the broken and warning views until its
// outcome changes.
func (s *Service) Dismiss(ctx context.Context, id int64) (linkcheck.Link, error) {
	return s.update(ctx, id, func(l *linkcheck.Link) { l.Dismissed = true })
}

// Undismiss reverses Dismiss.
func (s *Service) Undismiss(ctx context.Context, id int64) (linkcheck.Link, error) {
	return s.update(ctx, id, func(l *linkcheck.Link) { l.Dismissed = false })
}

func (s *Service) update(ctx context.Context, id int64, fn func(*linkcheck.Link)) (linkcheck.Link, error) {
	var out linkcheck.Link
	err := s.store.RunInTx(ctx, func(tx linkcheck.LinkStore) error {
		link, err := tx.GetLink(ctx, id)
		if err != nil {
			return err
		}
		fn(&link)
		if err := tx.SaveLink(ctx, link); err != nil {
			return fmt.Errorf("save link %d: %w", id, err)
		}
		out = link
		return nil
	})
	return out, err
}

// EditURL points every occurrence of the link at newURL. Each affected
// container is re-extracted so the instances move to the new link.
func (s *Service) EditURL(ctx context.Context, id int64, newURL string) (EditResult, error) {
	newURL = strings.TrimSpace(newURL)
	normalized, err := linkcheck.NormalizeURL(newURL, s.baseURL)
	if err != nil {
		return EditResult{}, err
	}
	res, err := s.rewriteAll(ctx, id, func(inst linkcheck.Instance) error {
		return s.rewriter.EditInstance(ctx, inst, newURL)
	})
	if err != nil {
		return res, err
	}
	res.URL = normalized
	if link, err := s.store.GetLinkByURL(ctx, normalized); err == nil {
		res.LinkID = link.ID
	} else if !errors.Is(err, linkcheck.ErrNotFound) {
		return res, fmt.Errorf("look up edited link: %w", err)
	}
	return res, nil
}

// Unlink removes every occurrence of the link, keeping anchor text.
func (s *Service) Unlink(ctx context.Context, id int64) (EditResult, error) {
	return s.rewriteAll(ctx, id, func(inst linkcheck.Instance) error {
		return s.rewriter.UnlinkInstance(ctx, inst)
	})
}

// Deredirect replaces a redirecting link with its final URL.
func (s *Service) Deredirect(ctx context.Context, id int64) (EditResult, error) {
	link, err := s.store.GetLink(ctx, id)
	if err != nil {
		return EditResult{}, err
	}
	if !link.IsRedirect() {
		return EditResult{}, fmt.Errorf("link %d: %w", id, ErrNotRedirect)
	}
	return s.EditURL(ctx, id, link.FinalURL)
}

// occurrence groups instances a single rewrite changes together: parsers
// rewrite every match of a raw URL inside a field at once.
type occurrence struct {
	container linkcheck.ContainerRef
	field     string
	parser    string
	rawURL    string
}

func (s *Service) rewriteAll(ctx context.Context, id int64, fn func(linkcheck.Instance) error) (EditResult, error) {
	if _, err := s.store.GetLink(ctx, id); err != nil {
		return EditResult{}, err
	}
	instances, err := s.store.InstancesForLink(ctx, id)
	if err != nil {
		return EditResult{}, fmt.Errorf("list instances of link %d: %w", id, err)
	}

	var res EditResult
	groups := make(map[occurrence][]linkcheck.Instance)
	var order []occurrence
	for _, inst := range instances {
		key := occurrence{inst.Container, inst.Field, inst.ParserType, inst.RawURL}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], inst)
	}

	touched := make(map[linkcheck.ContainerRef]bool)
	for _, key := range order {
		group := groups[key]
		if err := fn(group[0]); err != nil {
			res.Failed += len(group)
			res.Errors = append(res.Errors, err.Error())
			s.logger.Warn("rewrite instance",
				zap.Int64("link_id", id),
				zap.Stringer("container", key.container),
				zap.String("field", key.field),
				zap.Error(err),
			)
			continue
		}
		res.Succeeded += len(group)
		touched[key.container] = true
	}

	refs := make([]linkcheck.ContainerRef, 0, len(touched))
	for ref := range touched {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].String() < refs[j].String() })
	for _, ref := range refs {
		if _, err := s.rewriter.Synch(ctx, ref); err != nil {
			return res, fmt.Errorf("resynch %s: %w", ref, err)
		}
	}
	if len(refs) > 0 {
		n, err := s.store.DeleteOrphanLinks(ctx)
		if err != nil {
			return res, fmt.Errorf("delete orphan links: %w", err)
		}
		metrics.ObserveOrphansRemoved(n)
	}
	s.logger.Info("link occurrences rewritten",
		zap.Int64("link_id", id),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}
