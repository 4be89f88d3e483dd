// Package synch tracks which containers must be parsed for links again.
package synch

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/logging"
)

// Store is the persistence the tracker needs.
type Store interface {
	linkcheck.SynchStore
	DeleteOrphanLinks(ctx context.Context) (int64, error)
}

// EnabledType is a container type that is checked, limited to the listed
// statuses. No statuses means every status.
type EnabledType struct {
	Name     string
	Statuses []string
}

// Stats summarizes a full resync pass.
type Stats struct {
	Added          int   `json:"added"`
	MarkedUnsynced int   `json:"marked_unsynced"`
	Removed        int   `json:"removed"`
	OrphansRemoved int64 `json:"orphans_removed"`
}

// Tracker maintains one synch record per enabled container.
type Tracker struct {
	store     Store
	content   linkcheck.ContentStore
	types     []EnabledType
	batchSize int
	clock     linkcheck.Clock
	logger    *zap.Logger
}

// New builds a Tracker. batchSize bounds how many records are written per
// store call during a resync.
func New(store Store, content linkcheck.ContentStore, types []EnabledType, batchSize int, clock linkcheck.Clock, logger *zap.Logger) *Tracker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Tracker{
		store:     store,
		content:   content,
		types:     types,
		batchSize: batchSize,
		clock:     clock,
		logger:    logging.OrNop(logger).Named("synch"),
	}
}

// TypeNames lists the enabled container types.
func (t *Tracker) TypeNames() []string {
	names := make([]string, 0, len(t.types))
	for _, et := range t.types {
		names = append(names, et.Name)
	}
	return names
}

// Unsynced returns up to limit containers of enabled types that need parsing.
func (t *Tracker) Unsynced(ctx context.Context, limit int) ([]linkcheck.ContainerRef, error) {
	refs, err := t.store.UnsyncedContainers(ctx, t.TypeNames(), limit)
	if err != nil {
		return nil, fmt.Errorf("list unsynced containers: %w", err)
	}
	return refs, nil
}

// MarkSynced records that the container was parsed now.
func (t *Tracker) MarkSynced(ctx context.Context, ref linkcheck.ContainerRef) error {
	if err := t.store.SetSynched(ctx, []linkcheck.ContainerRef{ref}, true, t.clock.Now()); err != nil {
		return fmt.Errorf("mark %s synched: %w", ref, err)
	}
	return nil
}

// MarkUnsynced flags the container for parsing, creating its record if needed.
// Containers of disabled types are rejected. A container whose status is not
// enabled is removed as if it were deleted.
func (t *Tracker) MarkUnsynced(ctx context.Context, ref linkcheck.ContainerRef) error {
	idx := slices.IndexFunc(t.types, func(et EnabledType) bool { return et.Name == ref.Type })
	if idx < 0 {
		return fmt.Errorf("mark %s unsynched: %w", ref, linkcheck.ErrUnknownContainerType)
	}
	if statuses := t.types[idx].Statuses; len(statuses) > 0 {
		status, err := t.content.Status(ctx, ref)
		switch {
		case errors.Is(err, linkcheck.ErrNotFound):
			// the next sync drops it
		case err != nil:
			return fmt.Errorf("mark %s unsynched: %w", ref, err)
		case !slices.Contains(statuses, status):
			n, err := t.RemoveContainer(ctx, ref)
			if err != nil {
				return err
			}
			t.logger.Debug("container status disabled, removed",
				zap.Stringer("container", ref),
				zap.String("status", status),
				zap.Int64("orphans_removed", n),
			)
			return nil
		}
	}
	if err := t.store.SetSynched(ctx, []linkcheck.ContainerRef{ref}, false, t.clock.Now()); err != nil {
		return fmt.Errorf("mark %s unsynched: %w", ref, err)
	}
	return nil
}

// RemoveContainer forgets a deleted container and any links only it used.
func (t *Tracker) RemoveContainer(ctx context.Context, ref linkcheck.ContainerRef) (int64, error) {
	if err := t.store.DeleteContainers(ctx, []linkcheck.ContainerRef{ref}); err != nil {
		return 0, fmt.Errorf("delete container %s: %w", ref, err)
	}
	n, err := t.store.DeleteOrphanLinks(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete orphan links: %w", err)
	}
	return n, nil
}

// Resync recomputes every synch record against the content store. Records of
// content that no longer qualifies are removed along with their instances;
// content modified since its last synch is flagged; new content gets an
// unsynched record. With force, every qualifying container is flagged.
func (t *Tracker) Resync(ctx context.Context, force bool) (Stats, error) {
	var stats Stats
	now := t.clock.Now()

	existing, err := t.store.SynchRecords(ctx, "")
	if err != nil {
		return stats, fmt.Errorf("list synch records: %w", err)
	}
	records := make(map[linkcheck.ContainerRef]linkcheck.SynchRecord, len(existing))
	for _, rec := range existing {
		records[rec.Container] = rec
	}

	qualifying := make(map[linkcheck.ContainerRef]bool)
	var added, stale []linkcheck.ContainerRef
	for _, et := range t.types {
		items, err := t.content.ListItems(ctx, et.Name, et.Statuses)
		if err != nil {
			return stats, fmt.Errorf("list %s items: %w", et.Name, err)
		}
		for _, item := range items {
			qualifying[item.Ref] = true
			rec, ok := records[item.Ref]
			switch {
			case !ok:
				added = append(added, item.Ref)
			case !rec.Synched:
			case force || item.Modified.After(rec.LastSynch):
				stale = append(stale, item.Ref)
			}
		}
	}

	var removed []linkcheck.ContainerRef
	for _, rec := range existing {
		if !qualifying[rec.Container] {
			removed = append(removed, rec.Container)
		}
	}

	if err := t.inChunks(removed, func(chunk []linkcheck.ContainerRef) error {
		return t.store.DeleteContainers(ctx, chunk)
	}); err != nil {
		return stats, fmt.Errorf("delete containers: %w", err)
	}
	stats.Removed = len(removed)

	flag := append(added, stale...)
	if err := t.inChunks(flag, func(chunk []linkcheck.ContainerRef) error {
		return t.store.SetSynched(ctx, chunk, false, now)
	}); err != nil {
		return stats, fmt.Errorf("flag containers: %w", err)
	}
	stats.Added = len(added)
	stats.MarkedUnsynced = len(stale)

	if stats.Removed > 0 {
		n, err := t.store.DeleteOrphanLinks(ctx)
		if err != nil {
			return stats, fmt.Errorf("delete orphan links: %w", err)
		}
		stats.OrphansRemoved = n
	}

	t.logger.Info("resync complete",
		zap.Bool("force", force),
		zap.Int("added", stats.Added),
		zap.Int("marked_unsynced", stats.MarkedUnsynced),
		zap.Int("removed", stats.Removed),
		zap.Int64("orphans_removed", stats.OrphansRemoved),
	)
	return stats, nil
}

func (t *Tracker) inChunks(refs []linkcheck.ContainerRef, fn func([]linkcheck.ContainerRef) error) error {
	for start := 0; start < len(refs); start += t.batchSize {
		end := min(start+t.batchSize, len(refs))
		if err := fn(refs[start:end]); err != nil {
			return err
		}
	}
	return nil
}
