package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pool manages a pool of workers
type Pool struct {
	size      int
	processor *TaskProcessor
	metrics   Metrics
	inflight  atomic.Int64
	logger    *zap.Logger
}

// NewPool creates a new worker pool
func NewPool(
	size int,
	config Config,
	generator Generator,
	uploader Uploader,
	metricsCollector Metrics,
	logger *zap.Logger,
) *Pool {
	if size <= 0 {
		size = 1
	}
	if metricsCollector == nil {
		metricsCollector = nopMetrics{}
	}
	return &Pool{
		size: size,
		processor: &TaskProcessor{
			config:    config,
			generator: generator,
			uploader:  uploader,
			metrics:   metricsCollector,
		},
		metrics: metricsCollector,
		logger:  logger,
	}
}

// Start starts the workers. Each sends one Outcome per task it takes.
func (p *Pool) Start(ctx context.Context, tasks <-chan Task, results chan<- Outcome, wg *sync.WaitGroup) {
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go p.worker(ctx, i, tasks, results, wg)
	}
}

// Run processes tasks to completion and returns their outcomes in
// completion order
func (p *Pool) Run(ctx context.Context, tasks []Task) []Outcome {
	if len(tasks) == 0 {
		return nil
	}

	taskCh := make(chan Task, len(tasks))
	results := make(chan Outcome, len(tasks))
	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)

	var wg sync.WaitGroup
	p.Start(ctx, taskCh, results, &wg)
	wg.Wait()
	close(results)

	outcomes := make([]Outcome, 0, len(tasks))
	for o := range results {
		outcomes = append(outcomes, o)
	}
	return outcomes
}

func (p *Pool) worker(ctx context.Context, id int, tasks <-chan Task, results chan<- Outcome, wg *sync.WaitGroup) {
	defer wg.Done()

	logger := p.logger.With(zap.Int("worker_id", id))
	logger.Debug("Worker started")

	for {
		select {
		case task, ok := <-tasks:
			if !ok {
				logger.Debug("Worker finished - no more tasks")
				return
			}

			p.metrics.SetInflightWorkers(int(p.inflight.Add(1)))
			outcome := p.processor.Process(ctx, task)
			p.metrics.SetInflightWorkers(int(p.inflight.Add(-1)))
			if outcome.Err == nil {
				logger.Debug("Proof completed",
					zap.String("key", task.Key),
					zap.Int64("size", outcome.Bytes),
					zap.Duration("duration", outcome.Duration),
				)
			}
			results <- outcome

		case <-ctx.Done():
			// drain so every task still gets an outcome
			for task := range tasks {
				results <- Outcome{Task: task, Err: ctx.Err()}
			}
			logger.Debug("Worker stopped - context cancelled")
			return
		}
	}
}
