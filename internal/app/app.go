package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"proofpipe/internal/artifact"
	"proofpipe/internal/catalog"
	"proofpipe/internal/config"
	"proofpipe/internal/db"
	"proofpipe/internal/metrics"
	"proofpipe/internal/progress"
	"proofpipe/internal/proof"
	"proofpipe/internal/queue"
	"proofpipe/internal/retry"
	"proofpipe/internal/scheduler"
	"proofpipe/internal/schema"
	"proofpipe/internal/storage"
	"proofpipe/internal/transfer"
	"proofpipe/internal/worker"

	"go.uber.org/zap"
)

// idleDrainInterval is how often serve checks for work enqueued by other processes
const idleDrainInterval = 30 * time.Second

// Stats is the queue snapshot reported by the stats command and endpoint
type Stats struct {
	queue.Stats
	Processing bool `json:"processing"`
}

// App wires the proof pipeline together
type App struct {
	cfg        *config.Config
	logger     *zap.Logger
	db         *db.DB
	transients *db.Transients
	schema     *schema.Manager
	probe      *queue.TableProbe
	catalog    *catalog.Repository
	client     storage.Client
	engine     *transfer.Engine
	queue      *queue.Queue
	service    *proof.Service
	scheduler  *scheduler.Scheduler
	metrics    *metrics.Collector
	lister     *ObjectLister
}

// New creates a new app instance
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	database, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		logger:     logger,
		db:         database,
		transients: db.NewTransients(database),
		schema:     schema.NewManager(database, logger.Named("schema")),
		catalog:    catalog.NewRepository(database),
		metrics:    metrics.New(nil),
		scheduler:  scheduler.New(logger),
	}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg

	if err := a.schema.EnsureCore(ctx); err != nil {
		return fmt.Errorf("failed to prepare database: %w", err)
	}

	client, err := newStorage(cfg.Storage)
	if err != nil {
		return err
	}
	a.client = client

	executor := retry.New(retry.Config{
		Retries:    cfg.Retry.Retries,
		Backoff:    config.Ms(cfg.Retry.BackoffMs),
		MaxBackoff: config.Ms(cfg.Retry.MaxBackoffMs),
	}, a.logger, a.metrics)

	a.engine, err = transfer.New(transfer.Config{
		Strategy:       cfg.Transfer.Strategy,
		MaxConcurrency: cfg.Transfer.MaxConcurrency,
		TaskTimeout:    config.Ms(cfg.Transfer.TaskTimeoutMs),
		BatchTimeout:   config.Ms(cfg.Transfer.BatchTimeoutMs),
		PollInterval:   config.Ms(cfg.Transfer.PollIntervalMs),
		TempDir:        cfg.Transfer.TempDir,
	}, a.logger, a.metrics)
	if err != nil {
		return err
	}

	generator := artifact.New(artifact.Config{
		MaxDimension:  cfg.Proof.MaxDimension,
		Quality:       cfg.Proof.Quality,
		WatermarkText: cfg.Proof.WatermarkText,
		MaxInputBytes: cfg.Proof.MaxInputBytes,
		MaxPixels:     cfg.Proof.MaxPixels,
		TempDir:       cfg.Transfer.TempDir,
	}, a.logger)

	signExpiry := config.Sec(cfg.Storage.SignExpirySec)
	push := false
	if cfg.Storage.PresignedPut {
		_, push = client.(storage.PresignedUploader)
		if !push {
			a.logger.Warn("Storage driver cannot presign uploads, using direct uploads", zap.String("driver", client.Name()))
		}
	}

	var uploader worker.Uploader
	if !push {
		uploader = storage.NewUploader(client, executor, cfg.Retry.PartSize, signExpiry, a.logger)
	}
	pool := worker.NewPool(cfg.Proof.Workers, worker.Config{KeepArtifacts: push}, generator, uploader, a.metrics, a.logger.Named("worker"))

	options := db.NewOptions(a.db)
	legacy, err := queue.NewLegacy(options)
	if err != nil {
		return err
	}
	a.probe = queue.NewTableProbe(a.db, a.transients, schema.QueueTable,
		config.Sec(cfg.Queue.TableProbeTTLSec), config.Sec(cfg.Queue.TableProbePersistSec), a.logger)

	a.queue = queue.New(queue.Config{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BatchSize:   cfg.Queue.BatchSize,
		DrainDelay:  config.Ms(cfg.Queue.DrainDelayMs),
	}, queue.Deps{
		Durable:   queue.NewDurable(a.db),
		Legacy:    legacy,
		Probe:     a.probe,
		Schema:    a.schema,
		Resolver:  a.catalog,
		Scheduler: a.scheduler,
		Observer:  a.metrics,
	}, a.logger)

	a.service, err = proof.New(proof.Config{
		Prefix:         cfg.Proof.Prefix,
		SignExpiry:     signExpiry,
		SyncThreshold:  cfg.Proof.SyncThreshold,
		SyncBudget:     config.Ms(cfg.Proof.SyncBudgetMs),
		CacheTTL:       config.Sec(cfg.Proof.CacheTTLSec),
		PlaceholderURL: cfg.Proof.PlaceholderURL,
		DrainDelay:     config.Ms(cfg.Queue.DrainDelayMs),
		LockTTL:        lockTTL(cfg),
		PushPresigned:  push,
	}, proof.Deps{
		Storage:   client,
		Transfer:  a.engine,
		Runner:    pool,
		Queue:     a.queue,
		Catalog:   a.catalog,
		Locker:    a.transients,
		Scheduler: a.scheduler,
		Observer:  a.metrics,
	}, a.logger)
	if err != nil {
		return err
	}

	a.lister = &ObjectLister{
		client:      client,
		catalog:     a.catalog,
		queue:       a.queue,
		proofPrefix: cfg.Proof.Prefix,
		logger:      a.logger.Named("backfill"),
	}

	a.scheduler.Register(queue.DrainHook, a.drainHook)
	return nil
}

// lockTTL outlasts a run: one batch of transfers plus the same again for
// generation and upload
func lockTTL(cfg *config.Config) time.Duration {
	return max(time.Minute, 2*config.Ms(cfg.Transfer.BatchTimeoutMs))
}

func newStorage(cfg config.Storage) (storage.Client, error) {
	switch cfg.Driver {
	case "local":
		client, err := storage.NewLocalClient(cfg.LocalRoot, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		return client, nil
	default:
		client, err := storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Secure:    cfg.Secure,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			Streaming: cfg.Streaming,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		return client, nil
	}
}

// drainHook runs when the scheduler fires the drain trigger
func (a *App) drainHook(ctx context.Context) {
	a.metrics.GetProgressTracker().AddRun()
	if _, err := a.service.ProcessQueue(ctx); err != nil {
		a.logger.Error("Proof queue run failed", zap.Error(err))
	}
}

// Serve drains the queue on demand and serves metrics until ctx is cancelled
func (a *App) Serve(ctx context.Context) error {
	a.logger.Info("Starting proof pipeline",
		zap.String("storage", a.client.Name()),
		zap.String("transfer", a.engine.Strategy()),
		zap.Int("workers", a.cfg.Proof.Workers),
	)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.metrics.StartServer(ctx, a.cfg.Metrics.Addr, func(ctx context.Context) (any, error) {
			return a.Stats(ctx)
		}, a.logger)
	}()

	var display *progress.Display
	if progress.IsTerminalSupported() {
		display = progress.NewDisplay(a.metrics.GetProgressTracker(), 5*time.Second, os.Stdout)
		display.Start()
		defer display.Stop()
	}

	if stats, err := a.Stats(ctx); err == nil {
		a.metrics.GetProgressTracker().SetTotal(int64(stats.Queued))
	}

	a.scheduler.ScheduleOnce(0, queue.DrainHook)
	ticker := time.NewTicker(idleDrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !a.scheduler.IsScheduled(queue.DrainHook) {
				a.scheduler.ScheduleOnce(0, queue.DrainHook)
			}
		case err := <-serverErr:
			if err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			serverErr = nil
		case <-ctx.Done():
			a.logger.Info("Proof pipeline stopping")
			a.scheduler.Stop()
			return nil
		}
	}
}

// Enqueue queues proof jobs
func (a *App) Enqueue(ctx context.Context, items []queue.Item) error {
	return a.queue.EnqueueBatch(ctx, items)
}

// Process drains the queue until a run comes back short. It returns the
// summed counts of every run.
func (a *App) Process(ctx context.Context) (proof.Summary, error) {
	// this loop does the draining; background triggers would only contend for the lock
	a.scheduler.Stop()

	var total proof.Summary
	tracker := a.metrics.GetProgressTracker()
	if stats, err := a.Stats(ctx); err == nil {
		tracker.SetTotal(int64(stats.Queued))
	}

	for {
		tracker.AddRun()
		s, err := a.service.ProcessQueue(ctx)
		if err != nil {
			return total, err
		}
		if s.Busy {
			total.Busy = true
			return total, nil
		}

		total.RunID = s.RunID
		total.Fetched += s.Fetched
		total.Generated += s.Generated
		total.Failed += s.Failed
		total.Orphaned += s.Orphaned
		total.Exhausted += s.Exhausted

		if s.Fetched < a.queue.BatchSize() || (s.Generated == 0 && s.Orphaned == 0 && s.Exhausted == 0) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// ProofKeyFor derives the proof key of an original
func (a *App) ProofKeyFor(original string) string {
	return a.service.ProofKeyFor(original)
}

// URLs returns proof URLs for every image of a project
func (a *App) URLs(ctx context.Context, projectID int64) (map[int64]string, error) {
	rows, err := a.catalog.ByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	images := make([]proof.Image, len(rows))
	for i, r := range rows {
		images[i] = proof.Image{ID: r.ID, ProjectID: r.ProjectID, OriginalKey: r.OriginalKey, ProofKey: r.ProofKey}
	}
	return a.service.GetProofURLs(ctx, images)
}

// Backfill catalogs originals under prefix and queues missing proofs
func (a *App) Backfill(ctx context.Context, prefix string, projectID int64, dryRun bool) (BackfillResult, error) {
	return a.lister.Backfill(ctx, prefix, projectID, dryRun)
}

// Stats reports queue depth and whether a drain holds the lock
func (a *App) Stats(ctx context.Context) (Stats, error) {
	qs, err := a.queue.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	_, processing, err := a.transients.Get(ctx, proof.LockName)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: qs, Processing: processing}, nil
}

// Activate creates the durable queue table and moves resolvable legacy
// jobs into it
func (a *App) Activate(ctx context.Context) (int, error) {
	if err := a.schema.Activate(ctx); err != nil {
		return 0, err
	}
	a.probe.Invalidate(ctx)
	return a.queue.MigrateLegacy(ctx)
}

// Close cleans up resources
func (a *App) Close() error {
	a.scheduler.Stop()
	if a.engine != nil {
		a.engine.Close()
	}
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
