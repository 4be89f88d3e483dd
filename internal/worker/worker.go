// Package worker runs the link-checking loop: parse unsynced content, then
// check links that are due, under a lock, a time budget and a load limit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcheck/internal/linkcheck"
	"github.com/JakeFAU/linkcheck/internal/logging"
	"github.com/JakeFAU/linkcheck/internal/metrics"
)

// Outcome is how a run ended.
type Outcome string

// Run outcomes.
const (
	OutcomeCompleted          Outcome = "completed"
	OutcomeLockBusy           Outcome = "lock_busy"
	OutcomeLoadTooHigh        Outcome = "load_too_high"
	OutcomeTimeBudgetExceeded Outcome = "time_budget_exceeded"
)

// maxBatchFailures ends a phase after this many failed batches in a row.
const maxBatchFailures = 3

// Config controls one worker.
type Config struct {
	LockName            string
	MaxExecution        time.Duration
	TargetResourceUsage float64
	ServerLoadLimit     float64
	SyncBatchSize       int
	CheckBatchSize      int
	CheckThreshold      time.Duration
	RecheckThreshold    time.Duration
	RecheckCount        int
	Topic               string
}

// Clock tells time and sleeps.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Synchronizer lists containers that need parsing.
type Synchronizer interface {
	Unsynced(ctx context.Context, limit int) ([]linkcheck.ContainerRef, error)
}

// Extractor parses one container into the link store.
type Extractor interface {
	Synch(ctx context.Context, ref linkcheck.ContainerRef) (int, error)
	ContainerTypes() []string
	ParserTypes() []string
}

// Deps are the collaborators of a Worker. Publisher, Load and Exclusions
// may be nil.
type Deps struct {
	Store      linkcheck.LinkStore
	Tracker    Synchronizer
	Extractor  Extractor
	Checker    linkcheck.Checker
	Limiter    linkcheck.RateLimiter
	Lock       linkcheck.DistributedLock
	Load       linkcheck.LoadSensor
	Publisher  linkcheck.Publisher
	Exclusions *linkcheck.ExclusionList
	Clock      Clock
	IDs        linkcheck.IDGenerator
}

// Result summarizes one run.
type Result struct {
	RunID            string        `json:"run_id"`
	Outcome          Outcome       `json:"outcome"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	ContainersSynced int           `json:"containers_synced"`
	OrphansRemoved   int64         `json:"orphans_removed"`
	LinksChecked     int           `json:"links_checked"`
	LinksExcluded    int           `json:"links_excluded"`
	BrokenFound      int           `json:"broken_found"`
	Errors           int           `json:"errors"`
}

// Worker executes link-checking runs.
type Worker struct {
	cfg     Config
	deps    Deps
	shuffle func(n int, swap func(i, j int))
	logger  *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, deps Deps, logger *zap.Logger) *Worker {
	if cfg.LockName == "" {
		cfg.LockName = "linkcheck_worker"
	}
	if cfg.SyncBatchSize <= 0 {
		cfg.SyncBatchSize = 50
	}
	if cfg.CheckBatchSize <= 0 {
		cfg.CheckBatchSize = 50
	}
	return &Worker{
		cfg:     cfg,
		deps:    deps,
		shuffle: rand.Shuffle,
		logger:  logging.OrNop(logger).Named("worker"),
	}
}

// RunOnce performs one run. Another run holding the lock, high load and an
// exhausted budget all end the run early; none of them is an error. The lock
// is released on every path.
func (w *Worker) RunOnce(ctx context.Context) Result {
	start := w.deps.Clock.Now()
	res := Result{StartedAt: start}
	if w.deps.IDs != nil {
		if id, err := w.deps.IDs.NewID(); err == nil {
			res.RunID = id
		}
	}
	logger := w.logger.With(zap.String("run_id", res.RunID))

	acquired, err := w.deps.Lock.TryAcquire(ctx, w.cfg.LockName)
	if err != nil {
		res.Errors++
		logger.Error("acquire worker lock", zap.Error(err))
	}
	if !acquired {
		logger.Info("another worker is running")
		return w.finish(logger, res, OutcomeLockBusy)
	}
	defer func() {
		if err := w.deps.Lock.Release(context.WithoutCancel(ctx), w.cfg.LockName); err != nil {
			logger.Error("release worker lock", zap.Error(err))
		}
	}()

	budget := NewBudget(start, w.cfg.MaxExecution, w.cfg.ServerLoadLimit, w.deps.Load, w.deps.Clock.Now)
	if outcome := budget.Check(ctx); outcome != "" {
		return w.finish(logger, res, outcome)
	}

	if outcome := w.syncPhase(ctx, logger, budget, &res); outcome != "" {
		w.cleanupOrphans(ctx, logger, &res)
		return w.finish(logger, res, outcome)
	}
	w.cleanupOrphans(ctx, logger, &res)

	if outcome := w.checkPhase(ctx, logger, budget, &res); outcome != "" {
		return w.finish(logger, res, outcome)
	}
	return w.finish(logger, res, OutcomeCompleted)
}

func (w *Worker) finish(logger *zap.Logger, res Result, outcome Outcome) Result {
	res.Outcome = outcome
	res.Duration = w.deps.Clock.Now().Sub(res.StartedAt)
	metrics.ObserveWorkerRun(string(outcome))
	logger.Info("worker run finished",
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", res.Duration),
		zap.Int("containers_synced", res.ContainersSynced),
		zap.Int64("orphans_removed", res.OrphansRemoved),
		zap.Int("links_checked", res.LinksChecked),
		zap.Int("links_excluded", res.LinksExcluded),
		zap.Int("broken_found", res.BrokenFound),
		zap.Int("errors", res.Errors),
	)
	return res
}

// syncPhase parses unsynced containers in batches. A container that fails is
// skipped for the rest of the run so the ones after it still progress; a
// batch in which nothing could be parsed counts toward maxBatchFailures.
func (w *Worker) syncPhase(ctx context.Context, logger *zap.Logger, budget Budget, res *Result) Outcome {
	failed := make(map[linkcheck.ContainerRef]bool)
	failures := 0
	for {
		batchStart := w.deps.Clock.Now()
		refs, err := w.deps.Tracker.Unsynced(ctx, w.cfg.SyncBatchSize+len(failed))
		if err == nil {
			refs = slices.DeleteFunc(refs, func(ref linkcheck.ContainerRef) bool { return failed[ref] })
			if len(refs) == 0 {
				return ""
			}
			refs = refs[:min(len(refs), w.cfg.SyncBatchSize)]
		}

		synced := 0
		for _, ref := range refs {
			itemStart := w.deps.Clock.Now()
			n, serr := w.deps.Extractor.Synch(ctx, ref)
			if serr != nil {
				failed[ref] = true
				res.Errors++
				err = fmt.Errorf("synch %s: %w", ref, serr)
				logger.Error("container sync failed", zap.Stringer("container", ref), zap.Error(serr))
			} else {
				synced++
				res.ContainersSynced++
				logger.Debug("container parsed",
					zap.Stringer("container", ref),
					zap.Int("instances", n),
					zap.Duration("took", w.deps.Clock.Now().Sub(itemStart)),
				)
			}
			if outcome := budget.Check(ctx); outcome != "" {
				return outcome
			}
		}

		if err != nil && synced == 0 {
			if len(refs) == 0 {
				res.Errors++
			}
			failures++
			logger.Error("sync batch failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if failures >= maxBatchFailures {
				return ""
			}
		} else {
			failures = 0
		}

		if outcome := w.throttle(ctx, budget, batchStart); outcome != "" {
			return outcome
		}
	}
}

func (w *Worker) cleanupOrphans(ctx context.Context, logger *zap.Logger, res *Result) {
	n, err := w.deps.Store.DeleteOrphanLinks(context.WithoutCancel(ctx))
	if err != nil {
		res.Errors++
		logger.Error("delete orphan links", zap.Error(err))
		return
	}
	res.OrphansRemoved += n
	metrics.ObserveOrphansRemoved(n)
	if n > 0 {
		logger.Debug("orphan links removed", zap.Int64("count", n))
	}
}

func (w *Worker) checkPhase(ctx context.Context, logger *zap.Logger, budget Budget, res *Result) Outcome {
	failures := 0
	for {
		batchStart := w.deps.Clock.Now()
		outcome, checked, err := w.checkBatch(ctx, logger, budget, res)
		if err != nil {
			res.Errors++
			failures++
			logger.Error("check batch failed", zap.Int("consecutive_failures", failures), zap.Error(err))
			if failures >= maxBatchFailures {
				return outcome
			}
		} else {
			failures = 0
		}
		if outcome != "" {
			return outcome
		}
		if err == nil && checked == 0 {
			return ""
		}
		if outcome := w.throttle(ctx, budget, batchStart); outcome != "" {
			return outcome
		}
	}
}

// checkBatch checks one batch of due links. It returns the number of links
// fetched, which is zero once nothing is due.
func (w *Worker) checkBatch(ctx context.Context, logger *zap.Logger, budget Budget, res *Result) (Outcome, int, error) {
	now := w.deps.Clock.Now()
	links, err := w.deps.Store.DueLinks(ctx, linkcheck.DueQuery{
		Now:              now,
		CheckThreshold:   w.cfg.CheckThreshold,
		RecheckThreshold: w.cfg.RecheckThreshold,
		RecheckCeiling:   w.cfg.RecheckCount,
		ContainerTypes:   w.deps.Extractor.ContainerTypes(),
		ParserTypes:      w.deps.Extractor.ParserTypes(),
		Limit:            w.cfg.CheckBatchSize,
	})
	if err != nil {
		return "", 0, fmt.Errorf("list due links: %w", err)
	}
	if len(links) == 0 {
		return "", 0, nil
	}

	ids := make([]int64, len(links))
	for i, link := range links {
		ids[i] = link.ID
	}
	if err := w.deps.Store.RunInTx(ctx, func(tx linkcheck.LinkStore) error {
		return tx.MarkBeingChecked(ctx, ids, now)
	}); err != nil {
		return "", len(links), fmt.Errorf("mark links being checked: %w", err)
	}

	w.shuffle(len(links), func(i, j int) { links[i], links[j] = links[j], links[i] })

	var (
		outcome Outcome
		pending = make([]pendingResult, 0, len(links))
	)
	for _, link := range links {
		if w.deps.Exclusions.IsExcluded(link.URL) {
			pending = append(pending, pendingResult{id: link.ID, excluded: true})
			res.LinksExcluded++
			logger.Debug("link excluded", zap.String("url", link.URL))
			continue
		}

		if err := w.deps.Limiter.TakeToken(ctx, linkcheck.Hostname(link.URL)); err != nil {
			outcome = OutcomeTimeBudgetExceeded
			break
		}
		result := w.deps.Checker.Check(ctx, link.URL)
		pending = append(pending, pendingResult{id: link.ID, result: result, at: w.deps.Clock.Now()})
		res.LinksChecked++
		metrics.ObserveCheck(string(result.Status()), result.RequestDuration)
		logger.Debug("link checked",
			zap.String("url", link.URL),
			zap.String("status", string(result.Status())),
			zap.Int("http_code", result.HTTPCode),
			zap.Duration("took", result.RequestDuration),
		)

		if outcome = budget.Check(ctx); outcome != "" {
			break
		}
	}

	events, broken, err := w.flush(ctx, now, pending)
	if err != nil {
		return outcome, len(links), err
	}
	res.BrokenFound += broken
	w.publish(ctx, logger, res.RunID, events)
	return outcome, len(links), nil
}

// pendingResult is one link's outcome waiting to be written.
type pendingResult struct {
	id       int64
	result   linkcheck.CheckResult
	at       time.Time
	excluded bool
}

// flush writes a batch's outcomes in one transaction. Each result is applied
// to the link as stored now, so a dismissal or false-positive mark made while
// the batch ran is honored rather than overwritten. Links deleted meanwhile
// are skipped. Results are flushed even when ctx is canceled.
func (w *Worker) flush(ctx context.Context, claimed time.Time, pending []pendingResult) ([]event, int, error) {
	flushCtx := context.WithoutCancel(ctx)
	var (
		events []event
		broken int
	)
	err := w.deps.Store.RunInTx(flushCtx, func(tx linkcheck.LinkStore) error {
		events, broken = events[:0], 0
		for _, p := range pending {
			link, err := tx.GetLink(flushCtx, p.id)
			if errors.Is(err, linkcheck.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("reload link %d: %w", p.id, err)
			}
			link.TouchAttempt(claimed)
			if p.excluded {
				link.BeingChecked = false
			} else {
				before := link
				link.ApplyResult(p.result, p.at)
				if ev, ok := transition(before, link); ok {
					if ev.Type == EventBroken {
						broken++
					}
					events = append(events, ev)
				}
			}
			if err := tx.SaveLink(flushCtx, link); err != nil {
				return fmt.Errorf("save link %d: %w", link.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("flush check results: %w", err)
	}
	return events, broken, nil
}

// throttle rests after a batch so busy time stays at the target fraction of
// wall time. The rest never extends past the deadline.
func (w *Worker) throttle(ctx context.Context, budget Budget, batchStart time.Time) Outcome {
	worked := w.deps.Clock.Now().Sub(batchStart)
	pause := min(DutyCycleSleep(worked, w.cfg.TargetResourceUsage), budget.Remaining())
	if pause > 0 {
		if err := w.deps.Clock.Sleep(ctx, pause); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Warn("duty cycle sleep", zap.Error(err))
		}
	}
	return budget.Check(ctx)
}
