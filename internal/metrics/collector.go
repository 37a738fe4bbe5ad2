package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"proofpipe/internal/progress"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Collector collects and exposes metrics
type Collector struct {
	registry        *prometheus.Registry
	proofsTotal     *prometheus.CounterVec
	proofBytes      prometheus.Counter
	transfersTotal  *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	cacheTotal      *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	inflightWorkers prometheus.Gauge
	duration        prometheus.Histogram
	progressTracker *progress.Tracker
}

// New creates a collector registered on registry. A nil registry gets a fresh one.
func New(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{
		registry: registry,
		proofsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofpipe_proofs_total",
				Help: "Total number of proof jobs processed",
			},
			[]string{"status"},
		),
		proofBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "proofpipe_proof_bytes_total",
				Help: "Total bytes of generated proofs",
			},
		),
		transfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofpipe_transfers_total",
				Help: "Transfer tasks by strategy and outcome",
			},
			[]string{"strategy", "status"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofpipe_retries_total",
				Help: "Retried storage operations",
			},
			[]string{"op"},
		),
		cacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proofpipe_url_cache_total",
				Help: "Proof URL cache lookups",
			},
			[]string{"result"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "proofpipe_queue_depth",
				Help: "Queued proof jobs per backend",
			},
			[]string{"backend"},
		),
		inflightWorkers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "proofpipe_inflight_workers",
				Help: "Number of workers currently generating proofs",
			},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "proofpipe_generation_duration_seconds",
				Help:    "Time taken to generate and store one proof",
				Buckets: prometheus.DefBuckets,
			},
		),
		progressTracker: progress.NewTracker(),
	}

	registry.MustRegister(
		c.proofsTotal,
		c.proofBytes,
		c.transfersTotal,
		c.retriesTotal,
		c.cacheTotal,
		c.queueDepth,
		c.inflightWorkers,
		c.duration,
	)

	return c
}

// Registry returns the registry metrics are registered on
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// IncGenerated counts a generated proof and updates progress
func (c *Collector) IncGenerated(bytes int64) {
	c.proofsTotal.WithLabelValues("generated").Inc()
	c.proofBytes.Add(float64(bytes))
	c.progressTracker.AddGenerated(bytes)
}

// IncFailed counts a failed proof job
func (c *Collector) IncFailed() {
	c.proofsTotal.WithLabelValues("failed").Inc()
	c.progressTracker.AddFailed()
}

// IncSkipped counts a job whose proof already existed
func (c *Collector) IncSkipped() {
	c.proofsTotal.WithLabelValues("skipped").Inc()
	c.progressTracker.AddSkipped()
}

// IncRetry implements retry.Observer
func (c *Collector) IncRetry(op string) {
	c.retriesTotal.WithLabelValues(op).Inc()
}

// ObserveTransfer implements transfer.Observer
func (c *Collector) ObserveTransfer(strategy, status string) {
	c.transfersTotal.WithLabelValues(strategy, status).Inc()
}

// SetQueueDepth implements queue.Observer
func (c *Collector) SetQueueDepth(backend string, depth int) {
	c.queueDepth.WithLabelValues(backend).Set(float64(depth))
}

// ObserveCache records a URL cache lookup
func (c *Collector) ObserveCache(hit bool) {
	if hit {
		c.cacheTotal.WithLabelValues("hit").Inc()
		return
	}
	c.cacheTotal.WithLabelValues("miss").Inc()
}

// SetInflightWorkers sets the number of inflight workers
func (c *Collector) SetInflightWorkers(count int) {
	c.inflightWorkers.Set(float64(count))
}

// ObserveDuration observes proof generation duration
func (c *Collector) ObserveDuration(duration time.Duration) {
	c.duration.Observe(duration.Seconds())
}

// GetProgressTracker returns the progress tracker
func (c *Collector) GetProgressTracker() *progress.Tracker {
	return c.progressTracker
}

// StatsFunc reports queue state for the /stats endpoint
type StatsFunc func(ctx context.Context) (any, error)

// Handler returns the HTTP surface: /metrics, /healthz and /stats
func (c *Collector) Handler(stats StatsFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", func(w http.ResponseWriter, req *http.Request) {
		body := map[string]any{"progress": c.progressTracker.GetStatus()}
		if stats != nil {
			s, err := stats(req.Context())
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			body["queue"] = s
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})

	return r
}

// StartServer serves Handler on addr until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string, stats StatsFunc, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Handler(stats),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
