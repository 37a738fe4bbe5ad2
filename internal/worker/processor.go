package worker

import (
	"context"
	"fmt"
	"os"
	"time"
)

// Generator produces a proof file from an original
type Generator interface {
	Generate(path string, imageID int64) (string, error)
}

// Uploader stores a generated proof and returns its signed URL
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (string, error)
}

// Metrics receives per-proof measurements
type Metrics interface {
	IncGenerated(bytes int64)
	IncFailed()
	ObserveDuration(d time.Duration)
	SetInflightWorkers(n int)
}

type nopMetrics struct{}

func (nopMetrics) IncGenerated(int64)            {}
func (nopMetrics) IncFailed()                    {}
func (nopMetrics) ObserveDuration(time.Duration) {}
func (nopMetrics) SetInflightWorkers(int)        {}

// TaskProcessor handles individual task processing
type TaskProcessor struct {
	config    Config
	generator Generator
	uploader  Uploader
	metrics   Metrics
}

// Process generates the proof for task and, unless artifacts are kept,
// uploads it. Failures are returned in the outcome and left to the
// caller to report in aggregate.
func (p *TaskProcessor) Process(ctx context.Context, task Task) Outcome {
	startTime := time.Now()
	outcome := Outcome{Task: task}

	if err := ctx.Err(); err != nil {
		outcome.Err = err
		p.metrics.IncFailed()
		return outcome
	}

	artifact, err := p.generator.Generate(task.Local, task.ImageID)
	if err != nil {
		outcome.Err = fmt.Errorf("generate: %w", err)
		p.metrics.IncFailed()
		return outcome
	}

	if info, err := os.Stat(artifact); err == nil {
		outcome.Bytes = info.Size()
	}

	if p.config.KeepArtifacts || p.uploader == nil {
		outcome.Artifact = artifact
		outcome.Duration = time.Since(startTime)
		return outcome
	}
	defer os.Remove(artifact)

	url, err := p.uploader.Upload(ctx, artifact, task.Key)
	if err != nil {
		outcome.Err = fmt.Errorf("upload: %w", err)
		p.metrics.IncFailed()
		return outcome
	}

	outcome.URL = url
	outcome.Duration = time.Since(startTime)
	p.metrics.IncGenerated(outcome.Bytes)
	p.metrics.ObserveDuration(outcome.Duration)
	return outcome
}
