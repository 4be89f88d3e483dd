package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcheck/internal/extract"
	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/lock"
	"github.com/JakeFAU/linkcheck/internal/storage/memory"
	"github.com/JakeFAU/linkcheck/internal/synch"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.slept += d
	return nil
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeChecker struct {
	clock   *fakeClock
	cost    time.Duration
	results map[string]linkcheck.CheckResult
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls []string
}

func (c *fakeChecker) Check(_ context.Context, rawURL string) linkcheck.CheckResult {
	c.mu.Lock()
	c.calls = append(c.calls, rawURL)
	c.mu.Unlock()
	if c.entered != nil {
		select {
		case c.entered <- struct{}{}:
		default:
		}
	}
	if c.release != nil {
		<-c.release
	}
	c.clock.advance(c.cost)
	res, ok := c.results[rawURL]
	if !ok {
		res = linkcheck.CheckResult{HTTPCode: 200, FinalURL: rawURL, MayRecheck: true, StatusText: "OK", ResultHash: "ok"}
	}
	res.URL = rawURL
	res.RequestDuration = c.cost
	return res
}

func (c *fakeChecker) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type noopLimiter struct{}

func (noopLimiter) TakeToken(ctx context.Context, _ string) error { return ctx.Err() }

type fixedLoad struct{ load float64 }

func (l fixedLoad) Load() (float64, bool) { return l.load, true }

type fakePublisher struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload.(map[string]any))
	return "msg", nil
}

var postTypes = []extract.ContainerType{{
	Name:     "post",
	Fields:   map[string]string{"post_content": extract.FormatHTML},
	Statuses: []string{"publish"},
}}

type env struct {
	w         *Worker
	store     *memory.LinkStore
	content   *memory.ContentStore
	tracker   *synch.Tracker
	clock     *fakeClock
	checker   *fakeChecker
	lock      *lock.Memory
	publisher *fakePublisher
}

func defaultConfig() Config {
	return Config{
		MaxExecution:        time.Hour,
		TargetResourceUsage: 1,
		SyncBatchSize:       10,
		CheckBatchSize:      10,
		CheckThreshold:      72 * time.Hour,
		RecheckThreshold:    30 * time.Minute,
		RecheckCount:        3,
		Topic:               "link-status",
	}
}

func newEnv(t *testing.T, cfg Config, load linkcheck.LoadSensor) *env {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.NewLinkStore()
	content := memory.NewContentStore()
	tracker := synch.New(store, content, []synch.EnabledType{{Name: "post", Statuses: []string{"publish"}}}, 10, clock, nil)
	pipeline := extract.NewPipeline(postTypes, extract.DefaultRegistry(), content, store, "https://site.test", clock, nil)
	checker := &fakeChecker{clock: clock, results: map[string]linkcheck.CheckResult{}}
	lk := lock.NewMemory()
	pub := &fakePublisher{}

	w := New(cfg, Deps{
		Store:      store,
		Tracker:    tracker,
		Extractor:  pipeline,
		Checker:    checker,
		Limiter:    noopLimiter{},
		Lock:       lk,
		Load:       load,
		Publisher:  pub,
		Exclusions: linkcheck.NewExclusionList([]string{"excluded.example"}),
		Clock:      clock,
	}, nil)
	w.shuffle = func(int, func(i, j int)) {}

	return &env{w: w, store: store, content: content, tracker: tracker, clock: clock, checker: checker, lock: lk, publisher: pub}
}

func (e *env) addPost(t *testing.T, id int64, html string) {
	t.Helper()
	ref := linkcheck.ContainerRef{Type: "post", ID: id}
	e.content.Put(ref, memory.ContentItem{Status: "publish", Modified: e.clock.Now(), Fields: map[string]string{"post_content": html}})
	require.NoError(t, e.tracker.MarkUnsynced(context.Background(), ref))
}

func TestRunOnceSyncsAndChecksNewContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, defaultConfig(), nil)
	e.addPost(t, 1, `<a href="http://dead.example/x">x</a>`)
	e.checker.results["http://dead.example/x"] = linkcheck.CheckResult{
		HTTPCode: 404, Broken: true, MayRecheck: true, StatusText: "Not Found", ResultHash: "404",
	}

	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 1, res.ContainersSynced)
	require.Equal(t, 1, res.LinksChecked)
	require.Equal(t, 1, res.BrokenFound)

	link, err := e.store.GetLinkByURL(ctx, "http://dead.example/x")
	require.NoError(t, err)
	require.True(t, link.Broken)
	require.Equal(t, 404, link.HTTPCode)
	require.Equal(t, 1, link.CheckCount)
	require.False(t, link.BeingChecked)
	require.Equal(t, e.clock.Now(), link.FirstFailure)

	instances, err := e.store.InstancesForLink(ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	sum, err := e.store.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sum.TotalLinks)
	require.False(t, sum.Searching)

	require.Len(t, e.publisher.payloads, 1)
	require.Equal(t, EventBroken, e.publisher.payloads[0]["event"])

	// Nothing is due on an immediate second run.
	res = e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 1, e.checker.callCount())
}

func TestRunOnceSkipsLinksAtRecheckCeiling(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, defaultConfig(), nil)
	ref := linkcheck.ContainerRef{Type: "post", ID: 1}
	now := e.clock.Now()
	require.NoError(t, e.store.ReplaceInstances(ctx, ref, []linkcheck.Instance{
		{URL: "https://ceiling.test/", RawURL: "https://ceiling.test/", Field: "post_content", ParserType: "link"},
		{URL: "https://retry.test/", RawURL: "https://retry.test/", Field: "post_content", ParserType: "link"},
	}, now))

	// Older than the recheck threshold, newer than the check threshold.
	attempt := now.Add(-2 * time.Hour)
	for url, count := range map[string]int{"https://ceiling.test/": 3, "https://retry.test/": 2} {
		link, err := e.store.GetLinkByURL(ctx, url)
		require.NoError(t, err)
		link.CheckCount = count
		link.Broken = true
		link.MayRecheck = true
		link.LastCheck = attempt
		link.LastCheckAttempt = attempt
		require.NoError(t, e.store.SaveLink(ctx, link))
	}

	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, []string{"https://retry.test/"}, e.checker.calls)

	link, err := e.store.GetLinkByURL(ctx, "https://ceiling.test/")
	require.NoError(t, err)
	require.Equal(t, 3, link.CheckCount)
	require.Equal(t, attempt, link.LastCheckAttempt)

	link, err = e.store.GetLinkByURL(ctx, "https://retry.test/")
	require.NoError(t, err)
	require.Equal(t, 3, link.CheckCount)
	require.False(t, link.Broken)
}

func TestRunOnceRemovesOrphanLinks(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, defaultConfig(), nil)
	e.addPost(t, 1, `<a href="https://shared.test/">one</a>`)
	e.addPost(t, 2, `<p><a href="https://shared.test/">two</a></p>`)

	require.Equal(t, OutcomeCompleted, e.w.RunOnce(ctx).Outcome)
	link, err := e.store.GetLinkByURL(ctx, "https://shared.test/")
	require.NoError(t, err)
	instances, err := e.store.InstancesForLink(ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, instances, 2)

	deletePost := func(id int64) {
		ref := linkcheck.ContainerRef{Type: "post", ID: id}
		e.content.Delete(ref)
		require.NoError(t, e.tracker.MarkUnsynced(ctx, ref))
	}

	deletePost(1)
	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Zero(t, res.OrphansRemoved)
	instances, err = e.store.InstancesForLink(ctx, link.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)

	deletePost(2)
	res = e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, int64(1), res.OrphansRemoved)
	_, err = e.store.GetLinkByURL(ctx, "https://shared.test/")
	require.ErrorIs(t, err, linkcheck.ErrNotFound)
}

func TestRunOnceStopsWhenLoadTooHigh(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := defaultConfig()
	cfg.ServerLoadLimit = 2.0
	e := newEnv(t, cfg, fixedLoad{load: 3.5})
	e.addPost(t, 1, `<a href="https://a.test/">a</a>`)

	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeLoadTooHigh, res.Outcome)
	require.Zero(t, res.ContainersSynced)
	require.Zero(t, e.checker.callCount())

	unsynced, err := e.tracker.Unsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)

	ok, err := e.lock.TryAcquire(ctx, "linkcheck_worker")
	require.NoError(t, err)
	require.True(t, ok, "lock must be released")
}

func TestRunOnceLockBusy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, defaultConfig(), nil)
	e.addPost(t, 1, `<a href="https://a.test/">a</a>`)

	ok, err := e.lock.TryAcquire(ctx, "linkcheck_worker")
	require.NoError(t, err)
	require.True(t, ok)

	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeLockBusy, res.Outcome)
	require.Zero(t, res.ContainersSynced)

	unsynced, err := e.tracker.Unsynced(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
}

func TestRunOnceConcurrentRunsExcludeEachOther(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, defaultConfig(), nil)
	e.addPost(t, 1, `<a href="https://a.test/">a</a>`)
	e.checker.entered = make(chan struct{}, 1)
	e.checker.release = make(chan struct{})

	first := make(chan Result, 1)
	go func() { first <- e.w.RunOnce(ctx) }()
	<-e.checker.entered

	link, err := e.store.GetLinkByURL(ctx, "https://a.test/")
	require.NoError(t, err)

	second := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeLockBusy, second.Outcome)

	after, err := e.store.GetLinkByURL(ctx, "https://a.test/")
	require.NoError(t, err)
	require.Equal(t, link, after)

	close(e.checker.release)
	require.Equal(t, OutcomeCompleted, (<-first).Outcome)
	require.Equal(t, 1, e.checker.callCount())
}

func TestRunOnceStopsAtDeadline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := defaultConfig()
	cfg.MaxExecution = 150 * time.Second
	e := newEnv(t, cfg, nil)
	e.checker.cost = time.Minute
	e.addPost(t, 1, `<a href="https://a.test/1">1</a><a href="https://a.test/2">2</a><a href="https://a.test/3">3</a>`+
		`<a href="https://a.test/4">4</a><a href="https://a.test/5">5</a>`)

	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeTimeBudgetExceeded, res.Outcome)
	require.Equal(t, 3, res.LinksChecked)

	claimed := 0
	for _, url := range []string{"https://a.test/4", "https://a.test/5"} {
		link, err := e.store.GetLinkByURL(ctx, url)
		require.NoError(t, err)
		require.Zero(t, link.CheckCount)
		if link.BeingChecked {
			claimed++
		}
	}
	require.Equal(t, 2, claimed)
}

func TestRunOnceExcludedLinksOnlyBumpAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, defaultConfig(), nil)
	e.addPost(t, 1, `<a href="https://excluded.example/page">skip</a>`)

	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 1, res.LinksExcluded)
	require.Zero(t, e.checker.callCount())

	link, err := e.store.GetLinkByURL(ctx, "https://excluded.example/page")
	require.NoError(t, err)
	require.Zero(t, link.CheckCount)
	require.False(t, link.BeingChecked)
	require.Equal(t, e.clock.Now(), link.LastCheckAttempt)
}

func TestRunOnceKeepsDismissalMadeDuringBatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, defaultConfig(), nil)
	e.addPost(t, 1, `<a href="http://dead.example/x">x</a>`)
	e.checker.results["http://dead.example/x"] = linkcheck.CheckResult{
		HTTPCode: 404, Broken: true, MayRecheck: true, StatusText: "Not Found", ResultHash: "404",
	}
	require.Equal(t, OutcomeCompleted, e.w.RunOnce(ctx).Outcome)

	e.clock.advance(time.Hour)
	e.checker.entered = make(chan struct{}, 1)
	e.checker.release = make(chan struct{})
	done := make(chan Result, 1)
	go func() { done <- e.w.RunOnce(ctx) }()

	<-e.checker.entered
	link, err := e.store.GetLinkByURL(ctx, "http://dead.example/x")
	require.NoError(t, err)
	link.Dismissed = true
	require.NoError(t, e.store.SaveLink(ctx, link))
	close(e.checker.release)

	res := <-done
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 1, res.LinksChecked)

	link, err = e.store.GetLinkByURL(ctx, "http://dead.example/x")
	require.NoError(t, err)
	require.Equal(t, 2, link.CheckCount)
	require.True(t, link.Broken)
	require.True(t, link.Dismissed)
	require.False(t, link.BeingChecked)
}

func TestRunOnceDutyCycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := defaultConfig()
	cfg.TargetResourceUsage = 0.5
	cfg.CheckBatchSize = 1
	e := newEnv(t, cfg, nil)
	e.checker.cost = 10 * time.Second
	e.addPost(t, 1, `<a href="https://a.test/1">1</a><a href="https://b.test/2">2</a><a href="https://c.test/3">3</a>`)

	start := e.clock.Now()
	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 3, res.LinksChecked)

	worked := 30 * time.Second
	require.Equal(t, worked, e.clock.slept)
	require.Equal(t, time.Duration(float64(worked)/cfg.TargetResourceUsage), e.clock.Now().Sub(start))
}

type failingStore struct {
	*memory.LinkStore
}

func (failingStore) RunInTx(context.Context, func(tx linkcheck.LinkStore) error) error {
	return errors.New("database is read-only")
}

func TestRunOnceEndsPhaseAfterRepeatedBatchFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, defaultConfig(), nil)
	e.addPost(t, 1, `<a href="https://a.test/">a</a>`)
	require.Equal(t, OutcomeCompleted, e.w.RunOnce(ctx).Outcome)

	e.clock.advance(100 * time.Hour)
	e.w.deps.Store = failingStore{e.store}
	calls := e.checker.callCount()

	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, maxBatchFailures, res.Errors)
	require.Equal(t, calls, e.checker.callCount())
}

// rejectingStore fails every instance write for one container.
type rejectingStore struct {
	*memory.LinkStore
	reject linkcheck.ContainerRef
}

func (s rejectingStore) ReplaceInstances(ctx context.Context, ref linkcheck.ContainerRef, instances []linkcheck.Instance, at time.Time) error {
	if ref == s.reject {
		return errors.New("index row size exceeds maximum")
	}
	return s.LinkStore.ReplaceInstances(ctx, ref, instances, at)
}

func TestRunOnceSyncContinuesPastFailingContainer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := defaultConfig()
	cfg.SyncBatchSize = 1
	e := newEnv(t, cfg, nil)
	bad := linkcheck.ContainerRef{Type: "post", ID: 1}
	e.w.deps.Extractor = extract.NewPipeline(postTypes, extract.DefaultRegistry(), e.content,
		rejectingStore{LinkStore: e.store, reject: bad}, "https://site.test", e.clock, nil)

	e.addPost(t, 1, `<a href="https://one.test/">one</a>`)
	e.addPost(t, 2, `<a href="https://two.test/">two</a>`)
	e.addPost(t, 3, `<a href="https://three.test/">three</a>`)

	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Equal(t, 2, res.ContainersSynced)
	require.Equal(t, 1, res.Errors)

	unsynced, err := e.tracker.Unsynced(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []linkcheck.ContainerRef{bad}, unsynced)
	require.ElementsMatch(t, []string{"https://two.test/", "https://three.test/"}, e.checker.calls)
}

func TestRunOnceDropsContainersWithDisabledStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEnv(t, defaultConfig(), nil)
	ref := linkcheck.ContainerRef{Type: "post", ID: 1}

	// Flagged while published, drafted before the run.
	e.addPost(t, 1, `<a href="http://draft.example/x">x</a>`)
	e.content.Put(ref, memory.ContentItem{Status: "draft", Fields: map[string]string{
		"post_content": `<a href="http://draft.example/x">x</a>`,
	}})

	res := e.w.RunOnce(ctx)
	require.Equal(t, OutcomeCompleted, res.Outcome)
	require.Zero(t, res.LinksChecked)
	require.Empty(t, e.checker.calls)
	_, err := e.store.GetLinkByURL(ctx, "http://draft.example/x")
	require.ErrorIs(t, err, linkcheck.ErrNotFound)
	records, err := e.store.SynchRecords(ctx, "post")
	require.NoError(t, err)
	require.Empty(t, records)

	// Published, checked, then drafted and reported through the edit hook.
	e.addPost(t, 2, `<a href="http://was-live.example/">y</a>`)
	require.Equal(t, OutcomeCompleted, e.w.RunOnce(ctx).Outcome)
	_, err = e.store.GetLinkByURL(ctx, "http://was-live.example/")
	require.NoError(t, err)

	e.content.Put(linkcheck.ContainerRef{Type: "post", ID: 2}, memory.ContentItem{Status: "draft"})
	require.NoError(t, e.tracker.MarkUnsynced(ctx, linkcheck.ContainerRef{Type: "post", ID: 2}))
	_, err = e.store.GetLinkByURL(ctx, "http://was-live.example/")
	require.ErrorIs(t, err, linkcheck.ErrNotFound)
}

func TestBudget(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	clock := func() time.Time { return now }
	ctx := context.Background()

	b := NewBudget(start, time.Minute, 0, fixedLoad{load: 99}, clock)
	require.Equal(t, Outcome(""), b.Check(ctx))
	require.Equal(t, time.Minute, b.Remaining())

	now = start.Add(time.Minute)
	require.Equal(t, OutcomeTimeBudgetExceeded, b.Check(ctx))
	require.Zero(t, b.Remaining())

	now = start
	b = NewBudget(start, time.Minute, 2.0, fixedLoad{load: 2.5}, clock)
	require.Equal(t, OutcomeLoadTooHigh, b.Check(ctx))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Equal(t, OutcomeTimeBudgetExceeded, b.Check(cancelled))
}

func TestDutyCycleSleep(t *testing.T) {
	t.Parallel()

	require.Equal(t, 30*time.Second, DutyCycleSleep(10*time.Second, 0.25))
	require.Equal(t, 10*time.Second, DutyCycleSleep(10*time.Second, 0.5))
	require.Zero(t, DutyCycleSleep(10*time.Second, 1))
	require.Zero(t, DutyCycleSleep(0, 0.25))
	require.Zero(t, DutyCycleSleep(10*time.Second, 0))
}

func TestTransition(t *testing.T) {
	t.Parallel()

	ok := linkcheck.Link{CheckCount: 1}
	broken := linkcheck.Link{CheckCount: 2, Broken: true}

	ev, fired := transition(ok, broken)
	require.True(t, fired)
	require.Equal(t, EventBroken, ev.Type)

	ev, fired = transition(broken, ok)
	require.True(t, fired)
	require.Equal(t, EventRecovered, ev.Type)

	dismissed := broken
	dismissed.Dismissed = true
	_, fired = transition(ok, dismissed)
	require.False(t, fired)

	_, fired = transition(broken, broken)
	require.False(t, fired)
}
