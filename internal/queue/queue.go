package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"proofpipe/internal/catalog"
	"proofpipe/internal/db"

	"go.uber.org/zap"
)

// ErrNoBackend is returned when neither backend accepted the work
var ErrNoBackend = errors.New("no queue backend available")

// DrainHook is the scheduler hook that drains the queue
const DrainHook = "proof_queue_drain"

// Config contains queue policy
type Config struct {
	MaxAttempts int
	BatchSize   int
	DrainDelay  time.Duration
}

// Prober reports whether the durable table exists
type Prober interface {
	Exists(ctx context.Context) (bool, error)
	Confirm(ctx context.Context) (bool, error)
	Invalidate(ctx context.Context)
}

// Activator (re)creates the durable table
type Activator interface {
	Activate(ctx context.Context) error
}

// Resolver maps original keys to catalog ids
type Resolver interface {
	ResolvePaths(ctx context.Context, paths []string) (map[string]catalog.Ref, error)
}

// Scheduler triggers the drain hook
type Scheduler interface {
	ScheduleOnce(delay time.Duration, hook string) bool
	IsScheduled(hook string) bool
}

// Observer receives queue depth updates
type Observer interface {
	SetQueueDepth(backend string, depth int)
}

// Deps are the collaborators of a Queue
type Deps struct {
	Durable   Backend
	Legacy    Backend
	Probe     Prober
	Schema    Activator
	Resolver  Resolver
	Scheduler Scheduler
	Observer  Observer
}

// Stats is a snapshot of the queue
type Stats struct {
	Durable     int  `json:"durable"`
	Legacy      int  `json:"legacy"`
	Queued      int  `json:"queued"`
	TableExists bool `json:"table_exists"`
}

// Queue is the deduplicating proof job queue. New work goes to the
// durable table; the legacy list takes what cannot be resolved or what
// the table refuses, and keeps draining until empty.
type Queue struct {
	config Config
	deps   Deps
	logger *zap.Logger
}

// New creates a queue
func New(config Config, deps Deps, logger *zap.Logger) *Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	return &Queue{
		config: config,
		deps:   deps,
		logger: logger.Named("proof_queue"),
	}
}

// BatchSize returns the configured drain batch size
func (q *Queue) BatchSize() int {
	return q.config.BatchSize
}

// EnqueueBatch queues items, resolving missing ids in one lookup. It
// degrades per item and only fails when no backend would take the work.
func (q *Queue) EnqueueBatch(ctx context.Context, items []Item) error {
	items = dedupeItems(items)
	if len(items) == 0 {
		return nil
	}

	items = q.resolve(ctx, items)

	var resolved, unresolved []Item
	for _, it := range items {
		if it.Resolved() {
			resolved = append(resolved, it)
		} else {
			unresolved = append(unresolved, it)
		}
	}

	queued := 0
	var durableErr error
	if len(resolved) > 0 {
		if durableErr = q.insertDurable(ctx, resolved); durableErr != nil {
			q.logger.Warn("Durable queue unavailable, degrading batch to legacy",
				zap.Int("count", len(resolved)),
				zap.Error(durableErr),
			)
			unresolved = append(unresolved, resolved...)
		} else {
			queued += len(resolved)
		}
	}

	if len(unresolved) > 0 {
		if _, err := q.deps.Legacy.Insert(ctx, unresolved); err != nil {
			if queued == 0 {
				return fmt.Errorf("%w: legacy: %v, durable: %v", ErrNoBackend, err, durableErr)
			}
			q.logger.Error("Failed to queue items in legacy backend",
				zap.Int("count", len(unresolved)),
				zap.Error(err),
			)
		} else {
			queued += len(unresolved)
		}
	}

	if queued > 0 {
		q.scheduleDrain()
	}
	return nil
}

// resolve fills in missing ids with a single lookup and re-dedupes,
// since two paths may resolve to the same image
func (q *Queue) resolve(ctx context.Context, items []Item) []Item {
	return dedupeItems(q.resolveInPlace(ctx, items))
}

// insertDurable inserts with one batch-level retry. A missing table
// triggers recovery instead of a blind retry.
func (q *Queue) insertDurable(ctx context.Context, items []Item) error {
	exists, err := q.deps.Probe.Exists(ctx)
	if err != nil {
		return fmt.Errorf("table probe failed: %w", err)
	}
	if !exists && !q.AttemptRecovery(ctx) {
		return fmt.Errorf("durable table is missing")
	}

	_, err = q.deps.Durable.Insert(ctx, items)
	if err == nil {
		return nil
	}

	if db.IsMissingTable(err) {
		q.deps.Probe.Invalidate(ctx)
		if !q.AttemptRecovery(ctx) {
			return err
		}
	}

	_, err = q.deps.Durable.Insert(ctx, items)
	return err
}

// AttemptRecovery recreates the durable table. It returns false without
// touching the schema when the table is confirmed to exist already, so a
// failing insert can never loop through recovery.
func (q *Queue) AttemptRecovery(ctx context.Context) bool {
	exists, err := q.deps.Probe.Confirm(ctx)
	if err == nil && exists {
		return false
	}

	if err := q.deps.Schema.Activate(ctx); err != nil {
		q.logger.Error("Proof queue table recovery failed", zap.Error(err))
		q.deps.Probe.Invalidate(ctx)
		return false
	}
	q.deps.Probe.Invalidate(ctx)

	exists, err = q.deps.Probe.Exists(ctx)
	if err != nil || !exists {
		q.logger.Error("Proof queue table still missing after recovery", zap.Error(err))
		return false
	}

	q.logger.Info("Proof queue table recovered")
	return true
}

// FetchBatch returns up to limit jobs below the attempt ceiling, durable
// first and backfilled from legacy, each oldest first
func (q *Queue) FetchBatch(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = q.config.BatchSize
	}

	var jobs []Job
	var durableErr error
	if exists, err := q.deps.Probe.Exists(ctx); err != nil {
		durableErr = err
	} else if exists {
		var purged []Job
		jobs, purged, durableErr = q.deps.Durable.Fetch(ctx, limit, q.config.MaxAttempts)
		q.reportExhausted(purged)
		if db.IsMissingTable(durableErr) {
			q.deps.Probe.Invalidate(ctx)
		}
	}

	if len(jobs) < limit {
		ready, purged, err := q.deps.Legacy.Fetch(ctx, limit-len(jobs), q.config.MaxAttempts)
		if err != nil {
			if durableErr != nil {
				return nil, fmt.Errorf("%w: legacy: %v, durable: %v", ErrNoBackend, err, durableErr)
			}
			q.logger.Warn("Failed to read legacy queue", zap.Error(err))
		}
		q.reportExhausted(purged)
		jobs = append(jobs, ready...)
	}

	if durableErr != nil {
		q.logger.Warn("Failed to read durable queue", zap.Error(durableErr))
	}
	return jobs, nil
}

// MarkSucceeded removes jobs with one delete per backend. Unknown jobs
// are ignored.
func (q *Queue) MarkSucceeded(ctx context.Context, jobs []Job) error {
	durable, legacy := splitByBackend(jobs)

	var errs []error
	if len(durable) > 0 {
		if _, err := q.deps.Durable.Remove(ctx, durable); err != nil {
			errs = append(errs, err)
		}
	}
	if len(legacy) > 0 {
		if _, err := q.deps.Legacy.Remove(ctx, legacy); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MarkFailed bumps attempts with one update per backend, then removes the
// jobs that reached the ceiling. It returns how many were removed.
func (q *Queue) MarkFailed(ctx context.Context, jobs []Job) (int, error) {
	durable, legacy := splitByBackend(jobs)

	var errs []error
	if len(durable) > 0 {
		if err := q.deps.Durable.IncrementAttempts(ctx, durable); err != nil {
			errs = append(errs, err)
		}
	}
	if len(legacy) > 0 {
		if err := q.deps.Legacy.IncrementAttempts(ctx, legacy); err != nil {
			errs = append(errs, err)
		}
	}

	removed, err := q.CleanupExhausted(ctx, jobs)
	if err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

// CleanupExhausted deletes those of jobs that reached the ceiling and
// reports them in one log entry
func (q *Queue) CleanupExhausted(ctx context.Context, jobs []Job) (int, error) {
	durable, legacy := splitByBackend(jobs)

	var removed []Job
	var errs []error
	if len(durable) > 0 {
		r, err := q.deps.Durable.RemoveExhausted(ctx, durable, q.config.MaxAttempts)
		if err != nil {
			errs = append(errs, err)
		}
		removed = append(removed, r...)
	}
	if len(legacy) > 0 {
		r, err := q.deps.Legacy.RemoveExhausted(ctx, legacy, q.config.MaxAttempts)
		if err != nil {
			errs = append(errs, err)
		}
		removed = append(removed, r...)
	}

	q.reportExhausted(removed)
	return len(removed), errors.Join(errs...)
}

func (q *Queue) reportExhausted(jobs []Job) {
	if len(jobs) == 0 {
		return
	}

	sample := make([]string, 0, 5)
	for _, j := range jobs {
		if len(sample) == cap(sample) {
			break
		}
		sample = append(sample, j.Item().Identity())
	}
	q.logger.Error("Proof jobs removed after max attempts",
		zap.Int("count", len(jobs)),
		zap.Int("max_attempts", q.config.MaxAttempts),
		zap.Strings("sample", sample),
	)
}

// MigrateLegacy moves resolvable legacy jobs into the durable table and
// returns how many moved. Unresolvable jobs stay in legacy.
func (q *Queue) MigrateLegacy(ctx context.Context) (int, error) {
	exists, err := q.deps.Probe.Confirm(ctx)
	if err != nil || !exists {
		return 0, err
	}

	lister, ok := q.deps.Legacy.(interface {
		All(ctx context.Context) ([]Job, error)
	})
	if !ok {
		return 0, nil
	}
	jobs, err := lister.All(ctx)
	if err != nil || len(jobs) == 0 {
		return 0, err
	}

	items := make([]Item, len(jobs))
	for i, j := range jobs {
		items[i] = j.Item()
	}
	items = q.resolveInPlace(ctx, items)

	var movable []Item
	var moved []Job
	for i, it := range items {
		if it.Resolved() {
			movable = append(movable, it)
			moved = append(moved, jobs[i])
		}
	}
	if len(movable) == 0 {
		return 0, nil
	}

	if _, err := q.deps.Durable.Insert(ctx, movable); err != nil {
		return 0, fmt.Errorf("failed to migrate legacy jobs: %w", err)
	}
	if _, err := q.deps.Legacy.Remove(ctx, moved); err != nil {
		return 0, err
	}

	q.logger.Info("Migrated legacy proof jobs", zap.Int("moved", len(moved)), zap.Int("remaining", len(jobs)-len(moved)))
	return len(moved), nil
}

// resolveInPlace fills ids without deduping, keeping items aligned with their jobs
func (q *Queue) resolveInPlace(ctx context.Context, items []Item) []Item {
	var paths []string
	for _, it := range items {
		if !it.Resolved() && it.OriginalKey != "" {
			paths = append(paths, it.OriginalKey)
		}
	}
	if len(paths) == 0 || q.deps.Resolver == nil {
		return items
	}

	refs, err := q.deps.Resolver.ResolvePaths(ctx, paths)
	if err != nil {
		q.logger.Warn("Failed to resolve image ids", zap.Int("count", len(paths)), zap.Error(err))
		return items
	}
	for i := range items {
		if ref, ok := refs[items[i].OriginalKey]; ok && !items[i].Resolved() {
			items[i].ProjectID = ref.ProjectID
			items[i].ImageID = ref.ImageID
		}
	}
	return items
}

// Stats counts queued jobs per backend
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	exists, err := q.deps.Probe.Exists(ctx)
	if err != nil {
		return stats, err
	}
	stats.TableExists = exists

	if exists {
		if stats.Durable, err = q.deps.Durable.Count(ctx); err != nil {
			return stats, err
		}
	}
	if stats.Legacy, err = q.deps.Legacy.Count(ctx); err != nil {
		return stats, err
	}
	stats.Queued = stats.Durable + stats.Legacy

	if q.deps.Observer != nil {
		q.deps.Observer.SetQueueDepth(KindDurable.String(), stats.Durable)
		q.deps.Observer.SetQueueDepth(KindLegacy.String(), stats.Legacy)
	}
	return stats, nil
}

func (q *Queue) scheduleDrain() {
	if q.deps.Scheduler == nil || q.deps.Scheduler.IsScheduled(DrainHook) {
		return
	}
	q.deps.Scheduler.ScheduleOnce(q.config.DrainDelay, DrainHook)
}
