package proof

import (
	"context"
	"fmt"
	"maps"
	"strconv"

	"proofpipe/internal/cache"
	"proofpipe/internal/queue"
	"proofpipe/internal/storage"

	"go.uber.org/zap"
)

// GetProofURLs returns a URL per image id: a signed proof URL when the
// proof is ready, the placeholder otherwise. Missing proofs are
// generated inline for small batches and queued for the rest. Only
// systemic failures (storage or both queue backends unusable) are
// returned.
func (s *Service) GetProofURLs(ctx context.Context, images []Image) (map[int64]string, error) {
	images = validImages(images)
	if len(images) == 0 {
		return map[int64]string{}, nil
	}

	fingerprint := cache.Fingerprint("proof_urls", identities(images))
	if cached, ok := s.urls.Get(fingerprint); ok {
		s.deps.Observer.ObserveCache(true)
		return maps.Clone(cached), nil
	}
	s.deps.Observer.ObserveCache(false)

	keys := make([]string, len(images))
	for i, img := range images {
		keys[i] = s.proofKey(img)
	}

	exists, err := s.deps.Storage.ExistsMany(ctx, keys)
	unknown := make(map[string]bool)
	if err != nil {
		be, ok := storage.AsBatchError(err)
		if !ok {
			s.logger.Error("Proof storage unreachable", zap.Int("total", len(keys)), zap.Error(err))
			return nil, fmt.Errorf("failed to check proofs: %w", err)
		}
		for key := range be.Failed {
			unknown[key] = true
		}
		s.logger.Warn("Proof lookup failed",
			zap.Int("count", be.Count()),
			zap.Int("total", len(keys)),
			zap.Strings("sample", be.Sample(sampleSize)),
		)
	}

	var ready []string
	var missing []Image
	for i, img := range images {
		switch {
		case exists[keys[i]]:
			ready = append(ready, keys[i])
		case unknown[keys[i]]:
			// retried on the next request rather than queued blind
		default:
			missing = append(missing, img)
		}
	}

	urls, err := s.signReady(ctx, ready)
	if err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		generated := s.generateInline(ctx, missing)
		maps.Copy(urls, generated)

		var queued []queue.Item
		for _, img := range missing {
			key := s.proofKey(img)
			if _, ok := generated[key]; ok {
				continue
			}
			queued = append(queued, queue.Item{
				OriginalKey: img.OriginalKey,
				ProofKey:    key,
				ProjectID:   img.ProjectID,
				ImageID:     img.ID,
			})
		}
		if len(queued) > 0 {
			if err := s.deps.Queue.EnqueueBatch(ctx, queued); err != nil {
				return nil, fmt.Errorf("failed to queue proofs: %w", err)
			}
		}
	}

	result := make(map[int64]string, len(images))
	complete := true
	for i, img := range images {
		if u, ok := urls[keys[i]]; ok {
			result[img.ID] = u
			continue
		}
		result[img.ID] = s.config.PlaceholderURL
		complete = false
	}

	if complete {
		s.urls.Set(fingerprint, result)
	} else {
		s.urls.SetWithTTL(fingerprint, result, s.config.PlaceholderTTL)
	}
	return maps.Clone(result), nil
}

// signReady signs existing proofs. Keys that cannot be signed are left out.
func (s *Service) signReady(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	urls, err := s.deps.Storage.SignMany(ctx, keys, s.config.SignExpiry)
	if err != nil {
		be, ok := storage.AsBatchError(err)
		if !ok {
			return nil, fmt.Errorf("failed to sign proofs: %w", err)
		}
		s.logger.Warn("Failed to sign proof URLs",
			zap.Int("count", be.Count()),
			zap.Strings("sample", be.Sample(sampleSize)),
		)
	}
	if urls == nil {
		urls = map[string]string{}
	}
	return urls, nil
}

// generateInline builds proofs for small batches within the sync budget.
// Whatever is not done in time is left for the queue.
func (s *Service) generateInline(ctx context.Context, images []Image) map[string]string {
	if len(images) > s.config.SyncThreshold {
		return nil
	}

	if s.config.SyncBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SyncBudget)
		defer cancel()
	}

	tasks := make([]Task, len(images))
	for i, img := range images {
		tasks[i] = Task{OriginalKey: img.OriginalKey, ProofKey: s.proofKey(img), ImageID: img.ID}
	}

	urls, err := s.GenerateBatch(ctx, tasks)
	if err != nil {
		s.logger.Warn("Inline proof generation failed, queueing batch", zap.Int("count", len(images)), zap.Error(err))
		return nil
	}

	s.markExisting(ctx, images, urls)
	return urls
}

// markExisting records generated proofs in the catalog
func (s *Service) markExisting(ctx context.Context, images []Image, urls map[string]string) {
	if s.deps.Catalog == nil || len(urls) == 0 {
		return
	}

	done := make(map[int64]string, len(urls))
	for _, img := range images {
		key := s.proofKey(img)
		if _, ok := urls[key]; ok && img.ID > 0 {
			done[img.ID] = key
		}
	}
	if err := s.deps.Catalog.MarkProofsExisting(ctx, done); err != nil {
		s.logger.Warn("Failed to record proofs in catalog", zap.Int("count", len(done)), zap.Error(err))
	}
}

// validImages drops images without an id or original and repeated ids
func validImages(images []Image) []Image {
	seen := make(map[int64]bool, len(images))
	out := make([]Image, 0, len(images))
	for _, img := range images {
		if img.ID <= 0 || img.OriginalKey == "" || seen[img.ID] {
			continue
		}
		seen[img.ID] = true
		out = append(out, img)
	}
	return out
}

func identities(images []Image) []string {
	out := make([]string, len(images))
	for i, img := range images {
		out[i] = strconv.FormatInt(img.ID, 10) + "|" + img.OriginalKey + "|" + img.ProofKey
	}
	return out
}
