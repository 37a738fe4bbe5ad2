package proof

import (
	"context"
	"fmt"

	"proofpipe/internal/queue"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Summary reports one drain run
type Summary struct {
	RunID     string `json:"run_id"`
	Busy      bool   `json:"busy"` // another run held the lock
	Fetched   int    `json:"fetched"`
	Generated int    `json:"generated"`
	Failed    int    `json:"failed"`
	Orphaned  int    `json:"orphaned"`
	Exhausted int    `json:"exhausted"`
	More      bool   `json:"more"` // a follow-up run was scheduled
}

// ProcessQueue drains one batch: it generates the proofs, removes the
// jobs that succeeded and bumps the attempts of the rest. Only one run
// is active at a time, across processes sharing the database.
func (s *Service) ProcessQueue(ctx context.Context) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}

	if !s.running.TryLock() {
		summary.Busy = true
		return summary, nil
	}
	defer s.running.Unlock()

	if s.deps.Locker != nil {
		acquired, err := s.deps.Locker.Add(ctx, LockName, summary.RunID, s.config.LockTTL)
		if err != nil {
			return summary, fmt.Errorf("failed to take queue lock: %w", err)
		}
		if !acquired {
			summary.Busy = true
			return summary, nil
		}
		defer func() {
			released, err := s.deps.Locker.DeleteValue(context.WithoutCancel(ctx), LockName, summary.RunID)
			switch {
			case err != nil:
				s.logger.Warn("Failed to release queue lock", zap.Error(err))
			case !released:
				s.logger.Warn("Queue lock expired during run", zap.String("run_id", summary.RunID), zap.Duration("ttl", s.config.LockTTL))
			}
		}()
	}

	limit := s.deps.Queue.BatchSize()
	jobs, err := s.deps.Queue.FetchBatch(ctx, limit)
	if err != nil {
		return summary, err
	}
	summary.Fetched = len(jobs)
	if len(jobs) == 0 {
		return summary, nil
	}

	originals, err := s.originals(ctx, jobs)
	if err != nil {
		return summary, err
	}

	var tasks []Task
	var orphans []queue.Job
	byKey := make(map[string][]queue.Job)
	for _, job := range jobs {
		original := job.OriginalKey
		if original == "" {
			original = originals[job.ImageID]
		}
		if original == "" {
			orphans = append(orphans, job)
			continue
		}

		key := job.ProofKey
		if key == "" {
			key = s.ProofKeyFor(original)
		}
		if _, seen := byKey[key]; !seen {
			tasks = append(tasks, Task{OriginalKey: original, ProofKey: key, ImageID: job.ImageID})
		}
		byKey[key] = append(byKey[key], job)
	}

	if len(orphans) > 0 {
		summary.Orphaned = len(orphans)
		if err := s.deps.Queue.MarkSucceeded(ctx, orphans); err != nil {
			s.logger.Warn("Failed to remove orphaned proof jobs", zap.Int("count", len(orphans)), zap.Error(err))
		} else {
			s.logger.Warn("Removed orphaned proof jobs", zap.Int("count", len(orphans)))
		}
	}

	if len(tasks) > 0 {
		urls, err := s.GenerateBatch(ctx, tasks)
		if err != nil {
			// jobs stay untouched for the next run
			return summary, err
		}
		if err := s.settle(ctx, byKey, urls, &summary); err != nil {
			return summary, err
		}
	}

	if len(jobs) >= limit && s.deps.Scheduler != nil {
		summary.More = s.deps.Scheduler.ScheduleOnce(s.config.DrainDelay, queue.DrainHook)
	}

	s.logger.Info("Proof queue run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("fetched", summary.Fetched),
		zap.Int("generated", summary.Generated),
		zap.Int("failed", summary.Failed),
		zap.Int("orphaned", summary.Orphaned),
		zap.Int("exhausted", summary.Exhausted),
	)
	return summary, nil
}

// originals looks up original keys for jobs that only carry an image id
func (s *Service) originals(ctx context.Context, jobs []queue.Job) (map[int64]string, error) {
	var ids []int64
	for _, job := range jobs {
		if job.OriginalKey == "" && job.ImageID > 0 {
			ids = append(ids, job.ImageID)
		}
	}
	if len(ids) == 0 || s.deps.Catalog == nil {
		return map[int64]string{}, nil
	}
	return s.deps.Catalog.OriginalPaths(ctx, ids)
}

// settle reports generation results back to the queue and catalog
func (s *Service) settle(ctx context.Context, byKey map[string][]queue.Job, urls map[string]string, summary *Summary) error {
	var succeeded, failed []queue.Job
	done := make(map[int64]string)

	for key, jobs := range byKey {
		if _, ok := urls[key]; ok {
			succeeded = append(succeeded, jobs...)
			for _, job := range jobs {
				if job.ImageID > 0 {
					done[job.ImageID] = key
				}
			}
			continue
		}
		failed = append(failed, jobs...)
	}
	summary.Generated = len(urls)
	summary.Failed = len(failed)

	if len(succeeded) > 0 {
		if err := s.deps.Queue.MarkSucceeded(ctx, succeeded); err != nil {
			return fmt.Errorf("failed to remove finished proof jobs: %w", err)
		}
	}
	if len(failed) > 0 {
		exhausted, err := s.deps.Queue.MarkFailed(ctx, failed)
		summary.Exhausted = exhausted
		if err != nil {
			return fmt.Errorf("failed to record proof failures: %w", err)
		}
	}

	if s.deps.Catalog != nil && len(done) > 0 {
		if err := s.deps.Catalog.MarkProofsExisting(ctx, done); err != nil {
			s.logger.Warn("Failed to record proofs in catalog", zap.Int("count", len(done)), zap.Error(err))
		}
	}
	return nil
}
