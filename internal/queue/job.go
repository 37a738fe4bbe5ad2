package queue

import (
	"context"
	"fmt"
	"time"
)

// Kind tags which backend holds a job
type Kind int

const (
	KindDurable Kind = iota
	KindLegacy
)

func (k Kind) String() string {
	if k == KindLegacy {
		return "legacy"
	}
	return "durable"
}

// Item is a request to generate and upload one proof. Zero ids mean
// unknown.
type Item struct {
	OriginalKey string
	ProofKey    string
	ProjectID   int64
	ImageID     int64
}

// Resolved reports whether the item carries its catalog identity
func (i Item) Resolved() bool {
	return i.ProjectID > 0 && i.ImageID > 0
}

// Identity is the dedupe key: project and image when known, else the
// path pair
func (i Item) Identity() string {
	if i.Resolved() {
		return fmt.Sprintf("%d:%d", i.ProjectID, i.ImageID)
	}
	return "path:" + i.OriginalKey + "|" + i.ProofKey
}

// Job is one queued unit of work
type Job struct {
	ID          int64  // durable row id, 0 for legacy jobs
	Key         string // legacy entry key, empty for durable jobs
	Backend     Kind
	OriginalKey string
	ProofKey    string
	ProjectID   int64
	ImageID     int64
	Attempts    int
	CreatedAt   time.Time
}

// Item returns the request the job was created from
func (j Job) Item() Item {
	return Item{
		OriginalKey: j.OriginalKey,
		ProofKey:    j.ProofKey,
		ProjectID:   j.ProjectID,
		ImageID:     j.ImageID,
	}
}

// Backend is one variant of queue storage. Every method is a single
// set-based operation; removing or updating absent jobs is a no-op.
type Backend interface {
	Kind() Kind

	// Insert adds items that are not already queued and returns how many were new
	Insert(ctx context.Context, items []Item) (int, error)

	// Fetch returns up to limit jobs below maxAttempts, oldest first.
	// Backends that find exhausted jobs while scanning remove them and
	// return them as purged.
	Fetch(ctx context.Context, limit, maxAttempts int) (ready, purged []Job, err error)

	Remove(ctx context.Context, jobs []Job) (int, error)
	IncrementAttempts(ctx context.Context, jobs []Job) error

	// RemoveExhausted deletes those of jobs at or over maxAttempts and returns them
	RemoveExhausted(ctx context.Context, jobs []Job, maxAttempts int) ([]Job, error)

	Count(ctx context.Context) (int, error)
}

func splitByBackend(jobs []Job) (durable, legacy []Job) {
	for _, j := range jobs {
		if j.Backend == KindLegacy {
			legacy = append(legacy, j)
		} else {
			durable = append(durable, j)
		}
	}
	return durable, legacy
}

func dedupeItems(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, it := range items {
		id := it.Identity()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, it)
	}
	return out
}
