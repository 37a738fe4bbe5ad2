package proof

import (
	"context"
	"fmt"
	"os"

	"proofpipe/internal/storage"
	"proofpipe/internal/transfer"
	"proofpipe/internal/worker"

	"go.uber.org/zap"
)

// Task asks for the proof of one original
type Task struct {
	OriginalKey string
	ProofKey    string
	ImageID     int64
}

// GenerateBatch downloads the originals, generates their proofs and
// stores them. It returns signed URLs keyed by proof key; a missing key
// failed and is reported in one aggregated log entry. Only systemic
// storage failures are returned as errors.
func (s *Service) GenerateBatch(ctx context.Context, tasks []Task) (map[string]string, error) {
	byKey := make(map[string]Task, len(tasks))
	var originals []string
	seen := make(map[string]bool)
	for _, t := range tasks {
		if t.ProofKey == "" {
			t.ProofKey = s.ProofKeyFor(t.OriginalKey)
		}
		if _, dup := byKey[t.ProofKey]; dup || t.OriginalKey == "" {
			continue
		}
		byKey[t.ProofKey] = t
		if !seen[t.OriginalKey] {
			seen[t.OriginalKey] = true
			originals = append(originals, t.OriginalKey)
		}
	}
	if len(byKey) == 0 {
		return map[string]string{}, nil
	}

	failed := make(map[string]error)
	fail := func(key string, err error) {
		failed[key] = err
		s.deps.Observer.IncFailed()
	}

	signed, err := s.deps.Storage.SignMany(ctx, originals, s.config.SignExpiry)
	if err != nil {
		if _, ok := storage.AsBatchError(err); !ok {
			return nil, fmt.Errorf("failed to sign originals: %w", err)
		}
	}

	targets := make(map[string]string, len(byKey))
	for key, t := range byKey {
		if u, ok := signed[t.OriginalKey]; ok {
			targets[key] = u
		} else {
			fail(key, fmt.Errorf("original %s could not be signed", t.OriginalKey))
		}
	}

	fetched := s.deps.Transfer.FetchMany(ctx, targets)
	defer func() {
		for _, local := range fetched.Files {
			os.Remove(local)
		}
	}()
	for key, ferr := range fetched.Errors {
		fail(key, fmt.Errorf("fetch: %w", ferr))
	}

	work := make([]worker.Task, 0, len(fetched.Files))
	for key, local := range fetched.Files {
		work = append(work, worker.Task{Key: key, Local: local, ImageID: byKey[key].ImageID})
	}

	urls := make(map[string]string, len(work))
	outcomes := s.deps.Runner.Run(ctx, work)
	if s.pusher != nil {
		if err := s.push(ctx, outcomes, urls, failed, fail); err != nil {
			return nil, err
		}
	} else {
		for _, o := range outcomes {
			if o.Err != nil {
				// counted by the worker
				failed[o.Task.Key] = o.Err
				continue
			}
			urls[o.Task.Key] = o.URL
		}
	}

	if len(failed) > 0 {
		s.logger.Warn("Proof batch had failures",
			zap.Int("failed", len(failed)),
			zap.Int("total", len(byKey)),
			zap.Strings("sample", failureSample(failed)),
		)
	}
	return urls, nil
}

// push sends generated artifacts to presigned URLs in one transfer batch
// and signs the stored proofs
func (s *Service) push(ctx context.Context, outcomes []worker.Outcome, urls map[string]string, failed map[string]error, fail func(string, error)) error {
	artifacts := make(map[string]worker.Outcome, len(outcomes))
	keys := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			failed[o.Task.Key] = o.Err
			continue
		}
		artifacts[o.Task.Key] = o
		keys = append(keys, o.Task.Key)
	}
	defer func() {
		for _, o := range artifacts {
			os.Remove(o.Artifact)
		}
	}()
	if len(keys) == 0 {
		return nil
	}

	targets, err := s.pusher.PresignPutMany(ctx, keys, s.config.SignExpiry)
	if err != nil {
		if _, ok := storage.AsBatchError(err); !ok {
			return fmt.Errorf("failed to presign proof uploads: %w", err)
		}
	}

	reqs := make(map[string]transfer.PushRequest, len(targets))
	for _, key := range keys {
		target, ok := targets[key]
		if !ok {
			fail(key, fmt.Errorf("upload of %s could not be presigned", key))
			continue
		}
		reqs[key] = transfer.PushRequest{Path: artifacts[key].Artifact, URL: target}
	}

	pushed := s.deps.Transfer.PushMany(ctx, reqs)
	for key, perr := range pushed.Errors {
		fail(key, fmt.Errorf("push: %w", perr))
	}

	stored := make([]string, 0, len(pushed.Files))
	for key := range pushed.Files {
		stored = append(stored, key)
	}
	if len(stored) == 0 {
		return nil
	}

	signed, err := s.deps.Storage.SignMany(ctx, stored, s.config.SignExpiry)
	if err != nil {
		if _, ok := storage.AsBatchError(err); !ok {
			return fmt.Errorf("failed to sign proofs: %w", err)
		}
	}
	for _, key := range stored {
		u, ok := signed[key]
		if !ok {
			fail(key, fmt.Errorf("proof %s could not be signed", key))
			continue
		}
		urls[key] = u
		s.deps.Observer.IncGenerated(artifacts[key].Bytes)
	}
	return nil
}
