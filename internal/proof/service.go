package proof

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"proofpipe/internal/cache"
	"proofpipe/internal/queue"
	"proofpipe/internal/storage"
	"proofpipe/internal/transfer"
	"proofpipe/internal/worker"

	"go.uber.org/zap"
)

// LockName is the transient holding the cross-process drain lock
const LockName = "proof_queue_lock"

// sampleSize bounds the keys quoted in aggregated log entries
const sampleSize = 5

// Image identifies an original photo that may have a proof
type Image struct {
	ID          int64
	ProjectID   int64
	OriginalKey string
	ProofKey    string // empty means derived from OriginalKey
}

// Config contains proof service policy
type Config struct {
	Prefix         string
	SignExpiry     time.Duration
	SyncThreshold  int
	SyncBudget     time.Duration
	CacheTTL       time.Duration
	PlaceholderTTL time.Duration
	PlaceholderURL string
	DrainDelay     time.Duration
	LockTTL        time.Duration
	// PushPresigned uploads proofs with the transfer engine to presigned
	// URLs instead of through the storage client
	PushPresigned bool
}

// Transfer moves files in batches
type Transfer interface {
	FetchMany(ctx context.Context, targets map[string]string) *transfer.Result
	PushMany(ctx context.Context, reqs map[string]transfer.PushRequest) *transfer.Result
}

// Runner generates proofs for downloaded originals
type Runner interface {
	Run(ctx context.Context, tasks []worker.Task) []worker.Outcome
}

// JobQueue is the asynchronous side of the pipeline
type JobQueue interface {
	EnqueueBatch(ctx context.Context, items []queue.Item) error
	FetchBatch(ctx context.Context, limit int) ([]queue.Job, error)
	MarkSucceeded(ctx context.Context, jobs []queue.Job) error
	MarkFailed(ctx context.Context, jobs []queue.Job) (int, error)
	BatchSize() int
}

// Catalog resolves originals and records finished proofs
type Catalog interface {
	OriginalPaths(ctx context.Context, imageIDs []int64) (map[int64]string, error)
	MarkProofsExisting(ctx context.Context, proofKeys map[int64]string) error
}

// Locker holds a lock shared between processes
type Locker interface {
	Add(ctx context.Context, name, value string, ttl time.Duration) (bool, error)
	DeleteValue(ctx context.Context, name, value string) (bool, error)
}

// Scheduler triggers follow-up drains
type Scheduler interface {
	ScheduleOnce(delay time.Duration, hook string) bool
}

// Observer receives pipeline measurements
type Observer interface {
	ObserveCache(hit bool)
	IncGenerated(bytes int64)
	IncFailed()
}

type nopObserver struct{}

func (nopObserver) ObserveCache(bool)  {}
func (nopObserver) IncGenerated(int64) {}
func (nopObserver) IncFailed()         {}

// Deps are the collaborators of a Service
type Deps struct {
	Storage   storage.Client
	Transfer  Transfer
	Runner    Runner
	Queue     JobQueue
	Catalog   Catalog
	Locker    Locker
	Scheduler Scheduler
	Observer  Observer
}

// Service answers proof URL requests and drains the proof queue
type Service struct {
	config  Config
	deps    Deps
	pusher  storage.PresignedUploader
	urls    *cache.TTL[map[int64]string]
	running sync.Mutex
	logger  *zap.Logger
}

// New creates a proof service
func New(config Config, deps Deps, logger *zap.Logger) (*Service, error) {
	if deps.Storage == nil || deps.Transfer == nil || deps.Runner == nil || deps.Queue == nil {
		return nil, errors.New("proof service needs storage, transfer, runner and queue")
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	if config.SignExpiry <= 0 {
		config.SignExpiry = 5 * time.Minute
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 15 * time.Minute
	}
	// cached URLs must not outlive their signatures
	config.CacheTTL = min(config.CacheTTL, config.SignExpiry)
	if config.PlaceholderTTL <= 0 {
		config.PlaceholderTTL = 30 * time.Second
	}
	config.PlaceholderTTL = min(config.PlaceholderTTL, config.CacheTTL)
	if config.LockTTL <= 0 {
		config.LockTTL = time.Minute
	}

	s := &Service{
		config: config,
		deps:   deps,
		urls:   cache.NewTTL[map[int64]string](config.CacheTTL),
		logger: logger.Named("proof"),
	}

	if config.PushPresigned {
		pusher, ok := deps.Storage.(storage.PresignedUploader)
		if !ok {
			return nil, fmt.Errorf("storage driver %s cannot presign uploads", deps.Storage.Name())
		}
		s.pusher = pusher
	}
	return s, nil
}

// ProofKeyFor derives the proof key of an original: prefix, the original
// directory, then the base name with a _proof.jpg suffix
func (s *Service) ProofKeyFor(original string) string {
	return ProofKeyFor(s.config.Prefix, original)
}

// ProofKeyFor derives a proof key under prefix
func ProofKeyFor(prefix, original string) string {
	original = strings.TrimLeft(original, "/")
	dir, file := path.Split(original)
	name := strings.TrimSuffix(file, path.Ext(file))
	return prefix + dir + name + "_proof.jpg"
}

func (s *Service) proofKey(img Image) string {
	if img.ProofKey != "" {
		return img.ProofKey
	}
	return s.ProofKeyFor(img.OriginalKey)
}

// failureSample renders up to sampleSize "key: error" strings in key order
func failureSample(failed map[string]error) []string {
	keys := make([]string, 0, len(failed))
	for k := range failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > sampleSize {
		keys = keys[:sampleSize]
	}

	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k + ": " + failed[k].Error()
	}
	return out
}
