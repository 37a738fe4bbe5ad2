package app

import (
	"context"
	"fmt"
	"path"
	"strings"

	"proofpipe/internal/proof"
	"proofpipe/internal/queue"
	"proofpipe/internal/storage"

	"go.uber.org/zap"
)

// enqueueChunk bounds how many items one EnqueueBatch call carries
const enqueueChunk = 200

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// Cataloger records originals found in storage
type Cataloger interface {
	Upsert(ctx context.Context, projectID int64, originalKey string) (int64, error)
}

// Enqueuer takes proof jobs
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, items []queue.Item) error
}

// BackfillResult reports one backfill pass
type BackfillResult struct {
	Listed    int64 `json:"listed"`
	Skipped   int64 `json:"skipped"`
	Queued    int64 `json:"queued"`
	Bytes     int64 `json:"bytes"`
	Existing  int64 `json:"existing"` // proofs already present
}

// ObjectLister walks stored originals, catalogs them and queues their proofs
type ObjectLister struct {
	client      storage.Client
	catalog     Cataloger
	queue       Enqueuer
	proofPrefix string
	logger      *zap.Logger
}

// Backfill lists originals under prefix for projectID and queues a proof
// job for each one that has no proof yet
func (l *ObjectLister) Backfill(ctx context.Context, prefix string, projectID int64, dryRun bool) (BackfillResult, error) {
	var res BackfillResult
	objCh, errCh := l.client.List(ctx, prefix)

	var originals []storage.ObjectInfo
	for objCh != nil || errCh != nil {
		select {
		case obj, ok := <-objCh:
			if !ok {
				objCh = nil
				continue
			}
			res.Listed++
			if !l.isOriginal(obj.Key) {
				res.Skipped++
				continue
			}
			res.Bytes += obj.Size
			originals = append(originals, obj)

		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return res, fmt.Errorf("error listing objects: %w", err)
			}

		case <-ctx.Done():
			return res, ctx.Err()
		}
	}

	l.logger.Info("Finished listing originals",
		zap.Int64("listed", res.Listed),
		zap.Int("originals", len(originals)),
		zap.Int64("total_size_bytes", res.Bytes),
	)
	if dryRun || len(originals) == 0 {
		return res, nil
	}

	proofKeys := make([]string, len(originals))
	for i, obj := range originals {
		proofKeys[i] = proof.ProofKeyFor(l.proofPrefix, obj.Key)
	}
	exists, err := l.client.ExistsMany(ctx, proofKeys)
	if err != nil {
		if be, ok := storage.AsBatchError(err); ok {
			l.logger.Warn("Proof lookup failed during backfill, queueing unknown proofs",
				zap.Int("count", be.Count()),
				zap.Strings("sample", be.Sample(5)),
			)
		} else {
			return res, fmt.Errorf("failed to check existing proofs: %w", err)
		}
	}

	items := make([]queue.Item, 0, enqueueChunk)
	flush := func() error {
		if len(items) == 0 {
			return nil
		}
		if err := l.queue.EnqueueBatch(ctx, items); err != nil {
			return err
		}
		res.Queued += int64(len(items))
		items = items[:0]
		return nil
	}

	for i, obj := range originals {
		id, err := l.catalog.Upsert(ctx, projectID, obj.Key)
		if err != nil {
			return res, err
		}
		if exists[proofKeys[i]] {
			res.Existing++
			continue
		}

		items = append(items, queue.Item{
			OriginalKey: obj.Key,
			ProofKey:    proofKeys[i],
			ProjectID:   projectID,
			ImageID:     id,
		})
		if len(items) == enqueueChunk {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}

	l.logger.Info("Backfill queued proofs",
		zap.Int64("queued", res.Queued),
		zap.Int64("existing", res.Existing),
	)
	return res, nil
}

// isOriginal skips proofs, upload scratch and non-image keys
func (l *ObjectLister) isOriginal(key string) bool {
	if l.proofPrefix != "" && strings.HasPrefix(key, l.proofPrefix) {
		return false
	}
	return imageExts[strings.ToLower(path.Ext(key))]
}
