package synch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newTracker(t *testing.T) (*Tracker, *memory.LinkStore, *memory.ContentStore, *fixedClock) {
	t.Helper()
	store := memory.NewLinkStore()
	content := memory.NewContentStore()
	clock := &fixedClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	types := []EnabledType{{Name: "post", Statuses: []string{"publish"}}}
	return New(store, content, types, 2, clock, nil), store, content, clock
}

func ref(id int64) linkcheck.ContainerRef {
	return linkcheck.ContainerRef{Type: "post", ID: id}
}

func TestResyncAddsNewContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, _, content, clock := newTracker(t)
	for id := int64(1); id <= 3; id++ {
		content.Put(ref(id), memory.ContentItem{Status: "publish", Modified: clock.now})
	}
	content.Put(ref(4), memory.ContentItem{Status: "draft", Modified: clock.now})

	stats, err := tr.Resync(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Added)

	refs, err := tr.Unsynced(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []linkcheck.ContainerRef{ref(1), ref(2), ref(3)}, refs)

	refs, err = tr.Unsynced(ctx, 2)
	require.NoError(t, err)
	require.Len(t, refs, 2)
}

func TestResyncFlagsModifiedContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, store, content, clock := newTracker(t)
	content.Put(ref(1), memory.ContentItem{Status: "publish", Modified: clock.now.Add(-time.Hour)})
	content.Put(ref(2), memory.ContentItem{Status: "publish", Modified: clock.now.Add(-time.Hour)})
	require.NoError(t, store.ReplaceInstances(ctx, ref(1), nil, clock.now))
	require.NoError(t, store.ReplaceInstances(ctx, ref(2), nil, clock.now))

	stats, err := tr.Resync(ctx, false)
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)

	content.Put(ref(2), memory.ContentItem{Status: "publish", Modified: clock.now.Add(time.Minute)})
	stats, err = tr.Resync(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, stats.MarkedUnsynced)

	refs, err := tr.Unsynced(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []linkcheck.ContainerRef{ref(2)}, refs)

	stats, err = tr.Resync(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 1, stats.MarkedUnsynced, "already unsynced records are not counted again")
}

func TestResyncRemovesDisabledContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, store, content, clock := newTracker(t)
	content.Put(ref(1), memory.ContentItem{Status: "publish", Modified: clock.now})
	require.NoError(t, store.ReplaceInstances(ctx, ref(1), []linkcheck.Instance{
		{URL: "http://only-here.test/", Field: "post_content", ParserType: "link"},
	}, clock.now))
	page := linkcheck.ContainerRef{Type: "page", ID: 7}
	require.NoError(t, store.SetSynched(ctx, []linkcheck.ContainerRef{page}, true, clock.now))

	content.Put(ref(1), memory.ContentItem{Status: "trash", Modified: clock.now})
	stats, err := tr.Resync(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Removed)
	require.EqualValues(t, 1, stats.OrphansRemoved)

	records, err := store.SynchRecords(ctx, "")
	require.NoError(t, err)
	require.Empty(t, records)
	_, err = store.GetLinkByURL(ctx, "http://only-here.test/")
	require.ErrorIs(t, err, linkcheck.ErrNotFound)
}

func TestMarkSyncedAndUnsynced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, store, _, clock := newTracker(t)

	require.NoError(t, tr.MarkUnsynced(ctx, ref(5)))
	refs, err := tr.Unsynced(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []linkcheck.ContainerRef{ref(5)}, refs)

	require.NoError(t, tr.MarkSynced(ctx, ref(5)))
	records, err := store.SynchRecords(ctx, "post")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.True(t, records[0].Synched)
	require.Equal(t, clock.now, records[0].LastSynch)

	err = tr.MarkUnsynced(ctx, linkcheck.ContainerRef{Type: "widget", ID: 1})
	require.ErrorIs(t, err, linkcheck.ErrUnknownContainerType)
}

func TestRemoveContainer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, store, _, clock := newTracker(t)
	shared := linkcheck.Instance{URL: "http://shared.test/", Field: "post_content", ParserType: "link"}
	require.NoError(t, store.ReplaceInstances(ctx, ref(1), []linkcheck.Instance{shared}, clock.now))
	require.NoError(t, store.ReplaceInstances(ctx, ref(2), []linkcheck.Instance{shared}, clock.now))

	n, err := tr.RemoveContainer(ctx, ref(1))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = tr.RemoveContainer(ctx, ref(2))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestMarkUnsyncedRemovesDisabledStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tr, store, content, clock := newTracker(t)
	inst := linkcheck.Instance{URL: "http://draft.example/x", Field: "post_content", ParserType: "link"}
	content.Put(ref(1), memory.ContentItem{Status: "publish", Modified: clock.now})
	require.NoError(t, store.ReplaceInstances(ctx, ref(1), []linkcheck.Instance{inst}, clock.now))

	content.Put(ref(1), memory.ContentItem{Status: "draft", Modified: clock.now})
	require.NoError(t, tr.MarkUnsynced(ctx, ref(1)))

	records, err := store.SynchRecords(ctx, "")
	require.NoError(t, err)
	require.Empty(t, records)
	_, err = store.GetLinkByURL(ctx, "http://draft.example/x")
	require.ErrorIs(t, err, linkcheck.ErrNotFound)
}
