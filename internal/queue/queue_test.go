package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"proofpipe/internal/catalog"
	"proofpipe/internal/db"
	"proofpipe/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// countingBackend records Insert calls on the wrapped backend
type countingBackend struct {
	Backend
	inserts     int
	insertSizes []int
	failInsert  error
}

func (c *countingBackend) Insert(ctx context.Context, items []Item) (int, error) {
	c.inserts++
	c.insertSizes = append(c.insertSizes, len(items))
	if c.failInsert != nil {
		return 0, c.failInsert
	}
	return c.Backend.Insert(ctx, items)
}

type countingSchema struct {
	*schema.Manager
	calls int
	fail  error
}

func (c *countingSchema) Activate(ctx context.Context) error {
	c.calls++
	if c.fail != nil {
		return c.fail
	}
	return c.Manager.Activate(ctx)
}

type fakeScheduler struct {
	mu      sync.Mutex
	pending map[string]time.Duration
	calls   int
}

func (s *fakeScheduler) ScheduleOnce(delay time.Duration, hook string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if _, ok := s.pending[hook]; ok {
		return false
	}
	if s.pending == nil {
		s.pending = make(map[string]time.Duration)
	}
	s.pending[hook] = delay
	return true
}

func (s *fakeScheduler) IsScheduled(hook string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[hook]
	return ok
}

type harness struct {
	db        *db.DB
	queue     *Queue
	durable   *countingBackend
	legacy    *Legacy
	schema    *countingSchema
	probe     *TableProbe
	catalog   *catalog.Repository
	scheduler *fakeScheduler
	logs      *observer.ObservedLogs
}

func newHarness(t *testing.T, activate bool) *harness {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	manager := schema.NewManager(database, logger)
	require.NoError(t, manager.EnsureCore(ctx))
	if activate {
		require.NoError(t, manager.Activate(ctx))
	}

	legacy, err := NewLegacy(db.NewOptions(database))
	require.NoError(t, err)

	h := &harness{
		db:        database,
		durable:   &countingBackend{Backend: NewDurable(database)},
		legacy:    legacy,
		schema:    &countingSchema{Manager: manager},
		probe:     NewTableProbe(database, db.NewTransients(database), schema.QueueTable, time.Minute, time.Hour, logger),
		catalog:   catalog.NewRepository(database),
		scheduler: &fakeScheduler{},
		logs:      logs,
	}
	h.queue = New(Config{MaxAttempts: 3, BatchSize: 10, DrainDelay: time.Second}, Deps{
		Durable:   h.durable,
		Legacy:    h.legacy,
		Probe:     h.probe,
		Schema:    h.schema,
		Resolver:  h.catalog,
		Scheduler: h.scheduler,
	}, logger)
	return h
}

func (h *harness) image(t *testing.T, projectID int64, key string) int64 {
	t.Helper()
	id, err := h.catalog.Upsert(context.Background(), projectID, key)
	require.NoError(t, err)
	return id
}

func (h *harness) stats(t *testing.T) Stats {
	t.Helper()
	stats, err := h.queue.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

func TestEnqueueBatch_SplitsResolvedAndUnresolved(t *testing.T) {
	h := newHarness(t, true)
	h.image(t, 1, "originals/1/a.jpg")
	h.image(t, 1, "originals/1/b.jpg")

	err := h.queue.EnqueueBatch(context.Background(), []Item{
		{OriginalKey: "originals/1/a.jpg", ProofKey: "proofs/originals/1/a_proof.jpg"},
		{OriginalKey: "originals/1/b.jpg", ProofKey: "proofs/originals/1/b_proof.jpg"},
		{OriginalKey: "elsewhere/c.jpg", ProofKey: "proofs/elsewhere/c_proof.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, h.durable.inserts, "one batched durable insert")
	assert.Equal(t, []int{2}, h.durable.insertSizes)

	stats := h.stats(t)
	assert.Equal(t, 2, stats.Durable)
	assert.Equal(t, 1, stats.Legacy)
	assert.True(t, h.scheduler.IsScheduled(DrainHook))
}

func TestEnqueueBatch_Dedupes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	a := Item{ProjectID: 1, ImageID: 10, OriginalKey: "a.jpg", ProofKey: "proofs/a_proof.jpg"}
	b := Item{ProjectID: 1, ImageID: 11, OriginalKey: "b.jpg", ProofKey: "proofs/b_proof.jpg"}
	c := Item{ProjectID: 2, ImageID: 12, OriginalKey: "c.jpg", ProofKey: "proofs/c_proof.jpg"}
	x := Item{OriginalKey: "unknown/x.jpg", ProofKey: "proofs/unknown/x_proof.jpg"}

	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{a, a, b, x, x}))
	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{a, b, c, x}))

	stats := h.stats(t)
	assert.Equal(t, 3, stats.Durable)
	assert.Equal(t, 1, stats.Legacy)
}

func TestEnqueueBatch_PathsResolvingToSameImage(t *testing.T) {
	h := newHarness(t, true)
	id := h.image(t, 4, "p/a.jpg")

	require.NoError(t, h.queue.EnqueueBatch(context.Background(), []Item{
		{OriginalKey: "p/a.jpg", ProofKey: "proofs/p/a_proof.jpg"},
		{OriginalKey: "p/a.jpg", ProofKey: "proofs/p/a_proof_v2.jpg"},
		{ProjectID: 4, ImageID: id, OriginalKey: "p/a.jpg"},
	}))

	assert.Equal(t, []int{1}, h.durable.insertSizes)
}

func TestEnqueueBatch_RecoversMissingTable(t *testing.T) {
	h := newHarness(t, false)

	err := h.queue.EnqueueBatch(context.Background(), []Item{
		{ProjectID: 1, ImageID: 7, OriginalKey: "a.jpg", ProofKey: "proofs/a_proof.jpg"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, h.schema.calls, "recovery runs once")
	stats := h.stats(t)
	assert.True(t, stats.TableExists)
	assert.Equal(t, 1, stats.Durable)
	assert.Zero(t, stats.Legacy)
}

func TestEnqueueBatch_RecoversTableDroppedBehindCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	// warm the probe cache, then drop the table underneath it
	exists, err := h.probe.Exists(ctx)
	require.NoError(t, err)
	require.True(t, exists)
	_, err = h.db.Conn().Exec("DROP TABLE " + schema.QueueTable)
	require.NoError(t, err)

	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{{ProjectID: 1, ImageID: 1, OriginalKey: "a.jpg"}}))

	assert.Equal(t, 1, h.schema.calls)
	assert.Equal(t, 2, h.durable.inserts, "failed insert, recovery, one retry")
	assert.Equal(t, 1, h.stats(t).Durable)
}

func TestAttemptRecovery_FalseWhenTableExists(t *testing.T) {
	h := newHarness(t, true)

	assert.False(t, h.queue.AttemptRecovery(context.Background()))
	assert.Zero(t, h.schema.calls)
}

func TestEnqueueBatch_ExistingTableInsertFailureDoesNotLoop(t *testing.T) {
	h := newHarness(t, true)
	h.durable.failInsert = errors.New("no such table: proof_queue")

	err := h.queue.EnqueueBatch(context.Background(), []Item{{ProjectID: 1, ImageID: 1, OriginalKey: "a.jpg"}})
	require.NoError(t, err)

	assert.Zero(t, h.schema.calls, "table exists, so recovery is refused")
	assert.Equal(t, 1, h.durable.inserts)
	assert.Equal(t, 1, h.stats(t).Legacy, "item degraded to legacy")
}

func TestEnqueueBatch_DegradesWhenRecoveryFails(t *testing.T) {
	h := newHarness(t, false)
	h.schema.fail = errors.New("disk full")

	err := h.queue.EnqueueBatch(context.Background(), []Item{{ProjectID: 1, ImageID: 7, OriginalKey: "a.jpg"}})
	require.NoError(t, err)

	assert.Zero(t, h.durable.inserts)
	assert.Equal(t, 1, h.stats(t).Legacy)
	assert.Equal(t, 1, h.logs.FilterMessage("Durable queue unavailable, degrading batch to legacy").Len())
}

func TestEnqueueBatch_RetriesOnceThenDegrades(t *testing.T) {
	h := newHarness(t, true)
	h.durable.failInsert = errors.New("disk I/O error")

	require.NoError(t, h.queue.EnqueueBatch(context.Background(), []Item{{ProjectID: 1, ImageID: 7, OriginalKey: "a.jpg"}}))

	assert.Equal(t, 2, h.durable.inserts)
	assert.Equal(t, 1, h.stats(t).Legacy)
}

type brokenBackend struct{ Backend }

func (brokenBackend) Insert(context.Context, []Item) (int, error) {
	return 0, errors.New("options table unusable")
}

func TestEnqueueBatch_BothBackendsFail(t *testing.T) {
	h := newHarness(t, true)
	h.durable.failInsert = errors.New("disk I/O error")
	h.queue.deps.Legacy = brokenBackend{h.legacy}

	err := h.queue.EnqueueBatch(context.Background(), []Item{{ProjectID: 1, ImageID: 7, OriginalKey: "a.jpg"}})
	assert.ErrorIs(t, err, ErrNoBackend)
	assert.False(t, h.scheduler.IsScheduled(DrainHook))
}

func TestEnqueueBatch_SchedulesSingleDrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{{ProjectID: 1, ImageID: 1}}))
	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{{ProjectID: 1, ImageID: 2}}))

	assert.Equal(t, 1, h.scheduler.calls)
}

func TestFetchBatch_OldestFirstNeverExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	clock := time.Unix(1_700_000_000, 0)
	durable := h.durable.Backend.(*Durable)
	durable.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{{ProjectID: 1, ImageID: i}}))
	}

	jobs, err := h.queue.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{jobs[0].ImageID, jobs[1].ImageID, jobs[2].ImageID})

	// exhaust the oldest one behind the queue's back
	_, err = h.db.Conn().Exec("UPDATE proof_queue SET attempts = 3 WHERE image_id = 1")
	require.NoError(t, err)

	jobs, err = h.queue.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Less(t, j.Attempts, 3)
	}

	jobs, err = h.queue.FetchBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(2), jobs[0].ImageID)

	// the exhausted row was purged by the first fetch that saw it, and reported once
	var left int
	require.NoError(t, h.db.Conn().QueryRow("SELECT COUNT(*) FROM proof_queue WHERE image_id = 1").Scan(&left))
	assert.Zero(t, left)
	assert.Equal(t, 2, h.stats(t).Queued)
	assert.Equal(t, 1, h.logs.FilterMessage("Proof jobs removed after max attempts").Len())
}

func TestFetchBatch_BackfillsFromLegacy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{
		{OriginalKey: "x1.jpg", ProofKey: "proofs/x1_proof.jpg"},
	}))
	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{
		{OriginalKey: "x2.jpg", ProofKey: "proofs/x2_proof.jpg"},
		{ProjectID: 1, ImageID: 5},
	}))

	jobs, err := h.queue.FetchBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, KindDurable, jobs[0].Backend)
	assert.Equal(t, KindLegacy, jobs[1].Backend)
	assert.Equal(t, "x1.jpg", jobs[1].OriginalKey)
}

func TestMarkSucceeded_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{
		{ProjectID: 1, ImageID: 1},
		{OriginalKey: "x.jpg", ProofKey: "proofs/x_proof.jpg"},
	}))
	jobs, err := h.queue.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	require.NoError(t, h.queue.MarkSucceeded(ctx, jobs))
	require.NoError(t, h.queue.MarkSucceeded(ctx, jobs))

	stats := h.stats(t)
	assert.Zero(t, stats.Queued)
}

func TestMarkFailed_RemovesAtCeilingOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{
		{ProjectID: 1, ImageID: 1},
		{ProjectID: 1, ImageID: 2},
		{OriginalKey: "x.jpg", ProofKey: "proofs/x_proof.jpg"},
	}))
	jobs, err := h.queue.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	for attempt := 1; attempt <= 2; attempt++ {
		removed, err := h.queue.MarkFailed(ctx, jobs)
		require.NoError(t, err)
		assert.Zero(t, removed)
	}
	assert.Equal(t, 3, h.stats(t).Queued)

	removed, err := h.queue.MarkFailed(ctx, jobs)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.Zero(t, h.stats(t).Queued)

	removed, err = h.queue.CleanupExhausted(ctx, jobs)
	require.NoError(t, err)
	assert.Zero(t, removed, "already cleaned up")

	entries := h.logs.FilterMessage("Proof jobs removed after max attempts").All()
	require.Len(t, entries, 1, "one aggregated notice for the batch")
	assert.EqualValues(t, 3, entries[0].ContextMap()["count"])
}

func TestLegacyFetch_PurgesExhausted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.schema.fail = errors.New("read-only")

	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{
		{OriginalKey: "a.jpg", ProofKey: "proofs/a_proof.jpg"},
		{OriginalKey: "b.jpg", ProofKey: "proofs/b_proof.jpg"},
	}))
	all, err := h.legacy.All(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.legacy.IncrementAttempts(ctx, all[:1]))
	}

	jobs, err := h.queue.FetchBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b.jpg", jobs[0].OriginalKey)

	n, err := h.legacy.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.logs.FilterMessage("Proof jobs removed after max attempts").Len())
}

func TestLegacy_EmptyListRemovesOption(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	_, err := h.legacy.Insert(ctx, []Item{{OriginalKey: "a.jpg", ProofKey: "p.jpg"}})
	require.NoError(t, err)
	all, err := h.legacy.All(ctx)
	require.NoError(t, err)
	_, err = h.legacy.Remove(ctx, all)
	require.NoError(t, err)

	_, ok, err := db.NewOptions(h.db).Get(ctx, LegacyOption)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTableProbe_CachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	exists, err := h.probe.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = h.db.Conn().Exec("DROP TABLE " + schema.QueueTable)
	require.NoError(t, err)

	exists, err = h.probe.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists, "served from cache")

	h.probe.Invalidate(ctx)
	exists, err = h.probe.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTableProbe_PersistedLayerSurvivesProcessCache(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)

	_, err := h.probe.Confirm(ctx)
	require.NoError(t, err)

	// a fresh process: empty local cache, same transients
	fresh := NewTableProbe(h.db, db.NewTransients(h.db), schema.QueueTable, time.Minute, time.Hour, zap.NewNop())
	_, err = h.db.Conn().Exec("DROP TABLE " + schema.QueueTable)
	require.NoError(t, err)

	exists, err := fresh.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMigrateLegacy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	h.schema.fail = errors.New("offline")

	require.NoError(t, h.queue.EnqueueBatch(ctx, []Item{
		{OriginalKey: "p/a.jpg", ProofKey: "proofs/p/a_proof.jpg"},
		{OriginalKey: "p/unknown.jpg", ProofKey: "proofs/p/unknown_proof.jpg"},
		{ProjectID: 3, ImageID: 9},
	}))
	require.Equal(t, 3, h.stats(t).Legacy)

	h.image(t, 3, "p/a.jpg")
	h.schema.fail = nil
	require.True(t, h.queue.AttemptRecovery(ctx))

	moved, err := h.queue.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	stats := h.stats(t)
	assert.Equal(t, 2, stats.Durable)
	assert.Equal(t, 1, stats.Legacy)
}
