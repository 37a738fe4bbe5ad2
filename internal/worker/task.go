package worker

import "time"

// Task is one proof to generate from a downloaded original
type Task struct {
	Key     string `json:"key"`   // proof key in storage
	Local   string `json:"local"` // downloaded original
	ImageID int64  `json:"image_id"`
}

// Outcome is the result of processing one task
type Outcome struct {
	Task     Task
	URL      string // signed URL, set when the processor uploaded
	Artifact string // generated file, set when upload is left to the caller
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Config contains worker configuration
type Config struct {
	// KeepArtifacts leaves generated files in place for the caller to push
	KeepArtifacts bool
}
