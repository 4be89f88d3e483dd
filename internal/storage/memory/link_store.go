package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// LinkStore is an in-memory linkcheck.LinkStore for development and tests.
// Transactions run against a copy of the data that replaces the live state
// on commit.
type LinkStore struct {
	mu    sync.RWMutex
	state *state
}

var _ linkcheck.LinkStore = (*LinkStore)(nil)

// NewLinkStore constructs an empty LinkStore.
func NewLinkStore() *LinkStore {
	return &LinkStore{state: newState()}
}

type state struct {
	links          map[int64]linkcheck.Link
	byURL          map[string]int64
	instances      map[int64]linkcheck.Instance
	synch          map[linkcheck.ContainerRef]linkcheck.SynchRecord
	nextLinkID     int64
	nextInstanceID int64
}

func newState() *state {
	return &state{
		links:     make(map[int64]linkcheck.Link),
		byURL:     make(map[string]int64),
		instances: make(map[int64]linkcheck.Instance),
		synch:     make(map[linkcheck.ContainerRef]linkcheck.SynchRecord),
	}
}

func (s *state) clone() *state {
	c := &state{
		links:          make(map[int64]linkcheck.Link, len(s.links)),
		byURL:          make(map[string]int64, len(s.byURL)),
		instances:      make(map[int64]linkcheck.Instance, len(s.instances)),
		synch:          make(map[linkcheck.ContainerRef]linkcheck.SynchRecord, len(s.synch)),
		nextLinkID:     s.nextLinkID,
		nextInstanceID: s.nextInstanceID,
	}
	for k, v := range s.links {
		c.links[k] = v
	}
	for k, v := range s.byURL {
		c.byURL[k] = v
	}
	for k, v := range s.instances {
		c.instances[k] = v
	}
	for k, v := range s.synch {
		c.synch[k] = v
	}
	return c
}

func (s *LinkStore) read(fn func(v view) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(view{s: s.state})
}

func (s *LinkStore) write(fn func(v view) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(view{s: s.state})
}

// RunInTx runs fn against a private copy of the store and publishes the copy
// only if fn succeeds. Writers are serialized for the duration of fn.
func (s *LinkStore) RunInTx(ctx context.Context, fn func(tx linkcheck.LinkStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	draft := s.state.clone()
	if err := fn(view{s: draft}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.state = draft
	return nil
}

// UnsyncedContainers lists containers awaiting extraction.
func (s *LinkStore) UnsyncedContainers(ctx context.Context, types []string, limit int) (out []linkcheck.ContainerRef, err error) {
	err = s.read(func(v view) error {
		out, err = v.UnsyncedContainers(ctx, types, limit)
		return err
	})
	return out, err
}

// SynchRecords lists synch records of one container type, or of every type
// when containerType is empty.
func (s *LinkStore) SynchRecords(ctx context.Context, containerType string) (out []linkcheck.SynchRecord, err error) {
	err = s.read(func(v view) error {
		out, err = v.SynchRecords(ctx, containerType)
		return err
	})
	return out, err
}

// SetSynched upserts synch records.
func (s *LinkStore) SetSynched(ctx context.Context, refs []linkcheck.ContainerRef, synched bool, at time.Time) error {
	return s.write(func(v view) error { return v.SetSynched(ctx, refs, synched, at) })
}

// DeleteContainers removes synch records and instances of the containers.
func (s *LinkStore) DeleteContainers(ctx context.Context, refs []linkcheck.ContainerRef) error {
	return s.write(func(v view) error { return v.DeleteContainers(ctx, refs) })
}

// ReplaceInstances swaps a container's instances and marks it synched.
func (s *LinkStore) ReplaceInstances(ctx context.Context, ref linkcheck.ContainerRef, instances []linkcheck.Instance, at time.Time) error {
	return s.RunInTx(ctx, func(tx linkcheck.LinkStore) error {
		return tx.ReplaceInstances(ctx, ref, instances, at)
	})
}

// InstancesForLink lists the instances referencing a link.
func (s *LinkStore) InstancesForLink(ctx context.Context, linkID int64) (out []linkcheck.Instance, err error) {
	err = s.read(func(v view) error {
		out, err = v.InstancesForLink(ctx, linkID)
		return err
	})
	return out, err
}

// GetLink fetches a link by id.
func (s *LinkStore) GetLink(ctx context.Context, id int64) (out linkcheck.Link, err error) {
	err = s.read(func(v view) error {
		out, err = v.GetLink(ctx, id)
		return err
	})
	return out, err
}

// GetLinkByURL fetches a link by its normalized URL.
func (s *LinkStore) GetLinkByURL(ctx context.Context, url string) (out linkcheck.Link, err error) {
	err = s.read(func(v view) error {
		out, err = v.GetLinkByURL(ctx, url)
		return err
	})
	return out, err
}

// SaveLink overwrites an existing link.
func (s *LinkStore) SaveLink(ctx context.Context, link linkcheck.Link) error {
	return s.write(func(v view) error { return v.SaveLink(ctx, link) })
}

// MarkBeingChecked claims links for checking.
func (s *LinkStore) MarkBeingChecked(ctx context.Context, ids []int64, at time.Time) error {
	return s.write(func(v view) error { return v.MarkBeingChecked(ctx, ids, at) })
}

// DueLinks selects links to check.
func (s *LinkStore) DueLinks(ctx context.Context, q linkcheck.DueQuery) (out []linkcheck.Link, err error) {
	err = s.read(func(v view) error {
		out, err = v.DueLinks(ctx, q)
		return err
	})
	return out, err
}

// DeleteOrphanLinks removes links no instance references.
func (s *LinkStore) DeleteOrphanLinks(ctx context.Context) (n int64, err error) {
	err = s.write(func(v view) error {
		n, err = v.DeleteOrphanLinks(ctx)
		return err
	})
	return n, err
}

// QueryLinks lists links for the admin views.
func (s *LinkStore) QueryLinks(ctx context.Context, f linkcheck.LinkFilter) (out []linkcheck.Link, total int, err error) {
	err = s.read(func(v view) error {
		out, total, err = v.QueryLinks(ctx, f)
		return err
	})
	return out, total, err
}

// Summary counts links and instances.
func (s *LinkStore) Summary(ctx context.Context) (out linkcheck.Summary, err error) {
	err = s.read(func(v view) error {
		out, err = v.Summary(ctx)
		return err
	})
	return out, err
}

// view implements linkcheck.LinkStore over a state without locking. The
// owning LinkStore holds the lock.
type view struct {
	s *state
}

func (v view) RunInTx(_ context.Context, fn func(tx linkcheck.LinkStore) error) error {
	return fn(v)
}

func (v view) UnsyncedContainers(_ context.Context, types []string, limit int) ([]linkcheck.ContainerRef, error) {
	var out []linkcheck.ContainerRef
	for ref, rec := range v.s.synch {
		if rec.Synched {
			continue
		}
		if len(types) > 0 && !slices.Contains(types, ref.Type) {
			continue
		}
		out = append(out, ref)
	}
	sortRefs(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v view) SynchRecords(_ context.Context, containerType string) ([]linkcheck.SynchRecord, error) {
	var out []linkcheck.SynchRecord
	for ref, rec := range v.s.synch {
		if containerType == "" || ref.Type == containerType {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Container.Type != out[j].Container.Type {
			return out[i].Container.Type < out[j].Container.Type
		}
		return out[i].Container.ID < out[j].Container.ID
	})
	return out, nil
}

func (v view) SetSynched(_ context.Context, refs []linkcheck.ContainerRef, synched bool, at time.Time) error {
	for _, ref := range refs {
		rec, ok := v.s.synch[ref]
		if !ok {
			rec = linkcheck.SynchRecord{Container: ref}
		}
		rec.Synched = synched
		if synched {
			rec.LastSynch = at
		}
		v.s.synch[ref] = rec
	}
	return nil
}

func (v view) DeleteContainers(_ context.Context, refs []linkcheck.ContainerRef) error {
	for _, ref := range refs {
		delete(v.s.synch, ref)
		v.deleteInstancesOf(ref)
	}
	return nil
}

func (v view) deleteInstancesOf(ref linkcheck.ContainerRef) {
	for id, inst := range v.s.instances {
		if inst.Container == ref {
			delete(v.s.instances, id)
		}
	}
}

func (v view) ReplaceInstances(_ context.Context, ref linkcheck.ContainerRef, instances []linkcheck.Instance, at time.Time) error {
	v.deleteInstancesOf(ref)
	for _, inst := range instances {
		if inst.URL == "" {
			return fmt.Errorf("replace instances: %w: empty url", linkcheck.ErrInvalidURL)
		}
		linkID, ok := v.s.byURL[inst.URL]
		if !ok {
			v.s.nextLinkID++
			linkID = v.s.nextLinkID
			v.s.links[linkID] = linkcheck.Link{ID: linkID, URL: inst.URL, MayRecheck: true}
			v.s.byURL[inst.URL] = linkID
		}
		v.s.nextInstanceID++
		inst.ID = v.s.nextInstanceID
		inst.LinkID = linkID
		inst.Container = ref
		v.s.instances[inst.ID] = inst
	}
	v.s.synch[ref] = linkcheck.SynchRecord{Container: ref, Synched: true, LastSynch: at}
	return nil
}

func (v view) InstancesForLink(_ context.Context, linkID int64) ([]linkcheck.Instance, error) {
	var out []linkcheck.Instance
	for _, inst := range v.s.instances {
		if inst.LinkID == linkID {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v view) GetLink(_ context.Context, id int64) (linkcheck.Link, error) {
	link, ok := v.s.links[id]
	if !ok {
		return linkcheck.Link{}, fmt.Errorf("link %d: %w", id, linkcheck.ErrNotFound)
	}
	return link, nil
}

func (v view) GetLinkByURL(ctx context.Context, url string) (linkcheck.Link, error) {
	id, ok := v.s.byURL[url]
	if !ok {
		return linkcheck.Link{}, fmt.Errorf("link %q: %w", url, linkcheck.ErrNotFound)
	}
	return v.GetLink(ctx, id)
}

func (v view) SaveLink(_ context.Context, link linkcheck.Link) error {
	current, ok := v.s.links[link.ID]
	if !ok {
		return fmt.Errorf("link %d: %w", link.ID, linkcheck.ErrNotFound)
	}
	if current.URL != link.URL {
		if other, taken := v.s.byURL[link.URL]; taken && other != link.ID {
			return fmt.Errorf("link url %q already exists", link.URL)
		}
		delete(v.s.byURL, current.URL)
		v.s.byURL[link.URL] = link.ID
	}
	v.s.links[link.ID] = link
	return nil
}

func (v view) MarkBeingChecked(_ context.Context, ids []int64, at time.Time) error {
	for _, id := range ids {
		link, ok := v.s.links[id]
		if !ok {
			continue
		}
		link.BeingChecked = true
		link.TouchAttempt(at)
		v.s.links[id] = link
	}
	return nil
}

func (v view) DueLinks(_ context.Context, q linkcheck.DueQuery) ([]linkcheck.Link, error) {
	eligible := make(map[int64]bool)
	for _, inst := range v.s.instances {
		if len(q.ContainerTypes) > 0 && !slices.Contains(q.ContainerTypes, inst.Container.Type) {
			continue
		}
		if len(q.ParserTypes) > 0 && !slices.Contains(q.ParserTypes, inst.ParserType) {
			continue
		}
		eligible[inst.LinkID] = true
	}
	var out []linkcheck.Link
	for id := range eligible {
		link, ok := v.s.links[id]
		if ok && link.IsDue(q) {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastCheckAttempt.Equal(out[j].LastCheckAttempt) {
			return out[i].LastCheckAttempt.Before(out[j].LastCheckAttempt)
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (v view) DeleteOrphanLinks(_ context.Context) (int64, error) {
	referenced := make(map[int64]bool, len(v.s.instances))
	for _, inst := range v.s.instances {
		referenced[inst.LinkID] = true
	}
	var removed int64
	for id, link := range v.s.links {
		if referenced[id] {
			continue
		}
		delete(v.s.links, id)
		delete(v.s.byURL, link.URL)
		removed++
	}
	return removed, nil
}

func (v view) QueryLinks(_ context.Context, f linkcheck.LinkFilter) ([]linkcheck.Link, int, error) {
	search := strings.ToLower(strings.TrimSpace(f.Search))
	var matched []linkcheck.Link
	for _, link := range v.s.links {
		if !matchesFilter(link, f.Filter) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(link.URL), search) {
			continue
		}
		matched = append(matched, link)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	total := len(matched)
	if f.PerPage > 0 {
		start := f.Offset()
		if start >= total {
			return nil, total, nil
		}
		end := min(start+f.PerPage, total)
		matched = matched[start:end]
	}
	return matched, total, nil
}

func (v view) Summary(_ context.Context) (linkcheck.Summary, error) {
	var sum linkcheck.Summary
	for _, link := range v.s.links {
		sum.TotalLinks++
		switch {
		case link.Dismissed:
			sum.Dismissed++
		case link.Status() == linkcheck.StatusUnchecked:
			sum.Unchecked++
		case link.Broken || link.Timeout:
			sum.Broken++
		case link.Warning:
			sum.Warning++
		}
	}
	sum.TotalInstances = len(v.s.instances)
	for _, rec := range v.s.synch {
		if !rec.Synched {
			sum.Unsynced++
		}
	}
	sum.Searching = sum.Unsynced > 0
	return sum, nil
}

func matchesFilter(link linkcheck.Link, filter string) bool {
	switch filter {
	case "", linkcheck.FilterAll:
		return true
	case linkcheck.FilterBroken:
		return (link.Broken || link.Timeout) && !link.Dismissed
	case linkcheck.FilterWarning:
		return link.Warning && !link.Dismissed
	case linkcheck.FilterRedirect:
		return link.IsRedirect()
	case linkcheck.FilterDismissed:
		return link.Dismissed
	case linkcheck.FilterUnchecked:
		return link.Status() == linkcheck.StatusUnchecked
	default:
		return false
	}
}

func sortRefs(refs []linkcheck.ContainerRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Type != refs[j].Type {
			return refs[i].Type < refs[j].Type
		}
		return refs[i].ID < refs[j].ID
	})
}
