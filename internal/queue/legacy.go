package queue

import (
	"context"
	"fmt"
	"time"

	"proofpipe/internal/db"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// LegacyOption names the option row holding the serialized legacy list
const LegacyOption = "proof_generation_queue"

type legacyEntry struct {
	Key         string `cbor:"key"`
	ProjectID   int64  `cbor:"project_id,omitempty"`
	ImageID     int64  `cbor:"image_id,omitempty"`
	OriginalKey string `cbor:"original_key,omitempty"`
	ProofKey    string `cbor:"proof_key,omitempty"`
	Attempts    int    `cbor:"attempts"`
	CreatedAt   int64  `cbor:"created_at"`
}

func (e legacyEntry) job() Job {
	return Job{
		Key:         e.Key,
		Backend:     KindLegacy,
		OriginalKey: e.OriginalKey,
		ProofKey:    e.ProofKey,
		ProjectID:   e.ProjectID,
		ImageID:     e.ImageID,
		Attempts:    e.Attempts,
		CreatedAt:   time.Unix(0, e.CreatedAt),
	}
}

// Legacy keeps jobs in one serialized list value: a zstd-compressed,
// deterministic CBOR array in insertion (oldest-first) order. Every
// operation rewrites the whole list, so it only serves while the
// durable table is unavailable.
type Legacy struct {
	options *db.Options
	enc     cbor.EncMode
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
	now     func() time.Time
}

// NewLegacy creates the list-backed queue
func NewLegacy(options *db.Options) (*Legacy, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("failed to build cbor encoder: %w", err)
	}
	zenc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to build zstd encoder: %w", err)
	}
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build zstd decoder: %w", err)
	}

	return &Legacy{options: options, enc: enc, zenc: zenc, zdec: zdec, now: time.Now}, nil
}

func (l *Legacy) Kind() Kind {
	return KindLegacy
}

func (l *Legacy) Insert(ctx context.Context, items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	var added int
	err := l.update(ctx, func(entries []legacyEntry) ([]legacyEntry, error) {
		added = 0
		existing := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			existing[e.Key] = struct{}{}
		}

		created := l.now().UnixNano()
		for _, it := range items {
			key := it.Identity()
			if _, ok := existing[key]; ok {
				continue
			}
			existing[key] = struct{}{}
			entries = append(entries, legacyEntry{
				Key:         key,
				ProjectID:   it.ProjectID,
				ImageID:     it.ImageID,
				OriginalKey: it.OriginalKey,
				ProofKey:    it.ProofKey,
				CreatedAt:   created,
			})
			added++
		}
		return entries, nil
	})
	return added, err
}

func (l *Legacy) Fetch(ctx context.Context, limit, maxAttempts int) ([]Job, []Job, error) {
	entries, err := l.load(ctx)
	if err != nil {
		return nil, nil, err
	}

	var ready []Job
	exhausted := 0
	for _, e := range entries {
		if e.Attempts >= maxAttempts {
			exhausted++
			continue
		}
		if len(ready) < limit {
			ready = append(ready, e.job())
		}
	}
	if exhausted == 0 {
		return ready, nil, nil
	}

	var purged []Job
	err = l.update(ctx, func(entries []legacyEntry) ([]legacyEntry, error) {
		purged = purged[:0]
		kept := entries[:0]
		for _, e := range entries {
			if e.Attempts >= maxAttempts {
				purged = append(purged, e.job())
				continue
			}
			kept = append(kept, e)
		}
		return kept, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return ready, purged, nil
}

func (l *Legacy) Remove(ctx context.Context, jobs []Job) (int, error) {
	keys := jobKeys(jobs)
	if len(keys) == 0 {
		return 0, nil
	}

	var removed int
	err := l.update(ctx, func(entries []legacyEntry) ([]legacyEntry, error) {
		removed = 0
		kept := entries[:0]
		for _, e := range entries {
			if _, ok := keys[e.Key]; ok {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		return kept, nil
	})
	return removed, err
}

func (l *Legacy) IncrementAttempts(ctx context.Context, jobs []Job) error {
	keys := jobKeys(jobs)
	if len(keys) == 0 {
		return nil
	}

	return l.update(ctx, func(entries []legacyEntry) ([]legacyEntry, error) {
		for i := range entries {
			if _, ok := keys[entries[i].Key]; ok {
				entries[i].Attempts++
			}
		}
		return entries, nil
	})
}

func (l *Legacy) RemoveExhausted(ctx context.Context, jobs []Job, maxAttempts int) ([]Job, error) {
	keys := jobKeys(jobs)
	if len(keys) == 0 {
		return nil, nil
	}

	var removed []Job
	err := l.update(ctx, func(entries []legacyEntry) ([]legacyEntry, error) {
		removed = removed[:0]
		kept := entries[:0]
		for _, e := range entries {
			if _, ok := keys[e.Key]; ok && e.Attempts >= maxAttempts {
				removed = append(removed, e.job())
				continue
			}
			kept = append(kept, e)
		}
		return kept, nil
	})
	return removed, err
}

func (l *Legacy) Count(ctx context.Context) (int, error) {
	entries, err := l.load(ctx)
	return len(entries), err
}

// All returns every legacy job, oldest first
func (l *Legacy) All(ctx context.Context) ([]Job, error) {
	entries, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, len(entries))
	for i, e := range entries {
		jobs[i] = e.job()
	}
	return jobs, nil
}

func (l *Legacy) load(ctx context.Context) ([]legacyEntry, error) {
	raw, ok, err := l.options.Get(ctx, LegacyOption)
	if err != nil || !ok {
		return nil, err
	}
	return l.decode(raw)
}

// update rewrites the list in one transaction. An empty list removes the option.
func (l *Legacy) update(ctx context.Context, fn func([]legacyEntry) ([]legacyEntry, error)) error {
	return l.options.Update(ctx, LegacyOption, func(old []byte) ([]byte, error) {
		var entries []legacyEntry
		if old != nil {
			var err error
			if entries, err = l.decode(old); err != nil {
				return nil, err
			}
		}

		next, err := fn(entries)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			return nil, nil
		}
		return l.encode(next)
	})
}

func (l *Legacy) encode(entries []legacyEntry) ([]byte, error) {
	raw, err := l.enc.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode legacy queue: %w", err)
	}
	return l.zenc.EncodeAll(raw, nil), nil
}

func (l *Legacy) decode(data []byte) ([]legacyEntry, error) {
	raw, err := l.zdec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress legacy queue: %w", err)
	}
	var entries []legacyEntry
	if err := cbor.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode legacy queue: %w", err)
	}
	return entries, nil
}

func jobKeys(jobs []Job) map[string]struct{} {
	keys := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		if j.Backend == KindLegacy && j.Key != "" {
			keys[j.Key] = struct{}{}
		}
	}
	return keys
}
