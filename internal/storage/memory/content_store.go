package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
)

// ContentItem is one container held by ContentStore.
type ContentItem struct {
	Status   string
	Modified time.Time
	Fields   map[string]string
}

// ContentStore is an in-memory linkcheck.ContentStore.
type ContentStore struct {
	mu    sync.RWMutex
	items map[linkcheck.ContainerRef]ContentItem
	now   func() time.Time
}

var _ linkcheck.ContentStore = (*ContentStore)(nil)

// NewContentStore constructs an empty ContentStore.
func NewContentStore() *ContentStore {
	return &ContentStore{
		items: make(map[linkcheck.ContainerRef]ContentItem),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Put creates or replaces a container.
func (s *ContentStore) Put(ref linkcheck.ContainerRef, item ContentItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := make(map[string]string, len(item.Fields))
	for k, v := range item.Fields {
		fields[k] = v
	}
	item.Fields = fields
	s.items[ref] = item
}

// Delete removes a container.
func (s *ContentStore) Delete(ref linkcheck.ContainerRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, ref)
}

// ListItems lists containers of one type whose status is in statuses. An
// empty status list matches every status.
func (s *ContentStore) ListItems(_ context.Context, containerType string, statuses []string) ([]linkcheck.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []linkcheck.ContentItem
	for ref, item := range s.items {
		if ref.Type != containerType {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, item.Status) {
			continue
		}
		out = append(out, linkcheck.ContentItem{Ref: ref, Status: item.Status, Modified: item.Modified})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.ID < out[j].Ref.ID })
	return out, nil
}

// ModifiedTime returns when the container last changed.
func (s *ContentStore) ModifiedTime(_ context.Context, ref linkcheck.ContainerRef) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[ref]
	if !ok {
		return time.Time{}, fmt.Errorf("container %s: %w", ref, linkcheck.ErrNotFound)
	}
	return item.Modified, nil
}

// Status returns the container's publication status.
func (s *ContentStore) Status(_ context.Context, ref linkcheck.ContainerRef) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[ref]
	if !ok {
		return "", fmt.Errorf("container %s: %w", ref, linkcheck.ErrNotFound)
	}
	return item.Status, nil
}

// FieldValue returns a raw field. A missing field reads as empty.
func (s *ContentStore) FieldValue(_ context.Context, ref linkcheck.ContainerRef, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[ref]
	if !ok {
		return "", fmt.Errorf("container %s: %w", ref, linkcheck.ErrNotFound)
	}
	return item.Fields[field], nil
}

// SetFieldValue overwrites a raw field and bumps the modification time.
func (s *ContentStore) SetFieldValue(_ context.Context, ref linkcheck.ContainerRef, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[ref]
	if !ok {
		return fmt.Errorf("container %s: %w", ref, linkcheck.ErrNotFound)
	}
	item.Fields[field] = value
	item.Modified = s.now()
	s.items[ref] = item
	return nil
}
