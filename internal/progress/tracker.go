package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is a snapshot of queue drain progress
type Status struct {
	TotalJobs      int64 `json:"total_jobs"` // known backlog at the start of the run
	ProcessedJobs  int64 `json:"processed_jobs"`
	GeneratedJobs  int64 `json:"generated_jobs"`
	FailedJobs     int64 `json:"failed_jobs"`
	SkippedJobs    int64 `json:"skipped_jobs"`
	ProofBytes     int64 `json:"proof_bytes"`
	Runs           int64 `json:"runs"`
	StartTime      time.Time     `json:"start_time"`
	LastUpdateTime time.Time     `json:"last_update_time"`
	CurrentRate    float64       `json:"current_rate"` // proofs per second, last 5s
	AverageRate    float64       `json:"average_rate"`
	ETA            time.Duration `json:"eta"`
}

// Tracker tracks proof drain progress
type Tracker struct {
	mu         sync.RWMutex
	status     Status
	samples    []time.Time // completion times for the rate window
	maxSamples int
	now        func() time.Time
}

// NewTracker creates a new progress tracker
func NewTracker() *Tracker {
	now := time.Now()
	return &Tracker{
		status: Status{
			StartTime:      now,
			LastUpdateTime: now,
		},
		samples:    make([]time.Time, 0, 120),
		maxSamples: 120,
		now:        time.Now,
	}
}

// SetTotal sets the known backlog
func (t *Tracker) SetTotal(jobs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.TotalJobs = jobs
}

// AddRun counts one drain run
func (t *Tracker) AddRun() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Runs++
}

// AddGenerated records a proof generated and uploaded
func (t *Tracker) AddGenerated(bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.GeneratedJobs++
	t.status.ProofBytes += bytes
	t.processed()
}

// AddFailed records a failed job
func (t *Tracker) AddFailed() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedJobs++
	t.processed()
}

// AddSkipped records a job whose proof already existed
func (t *Tracker) AddSkipped() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.SkippedJobs++
	t.processed()
}

// processed updates counts and rates (must be called with lock held)
func (t *Tracker) processed() {
	now := t.now()
	t.status.ProcessedJobs++

	t.samples = append(t.samples, now)
	if len(t.samples) > t.maxSamples {
		t.samples = t.samples[1:]
	}

	t.calculateCurrentRate(now)
	t.calculateAverageRate(now)
	t.calculateETA()
	t.status.LastUpdateTime = now
}

// calculateCurrentRate counts completions in the last 5 seconds
func (t *Tracker) calculateCurrentRate(now time.Time) {
	cutoff := now.Add(-5 * time.Second)
	var recent int
	var first time.Time
	for i := len(t.samples) - 1; i >= 0; i-- {
		if t.samples[i].Before(cutoff) {
			break
		}
		recent++
		first = t.samples[i]
	}

	t.status.CurrentRate = 0
	if recent >= 2 {
		if d := now.Sub(first); d > 0 {
			t.status.CurrentRate = float64(recent) / d.Seconds()
		}
	}
}

func (t *Tracker) calculateAverageRate(now time.Time) {
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageRate = float64(t.status.ProcessedJobs) / elapsed.Seconds()
	}
}

func (t *Tracker) calculateETA() {
	remaining := t.status.TotalJobs - t.status.ProcessedJobs
	if remaining <= 0 || t.status.AverageRate == 0 {
		t.status.ETA = 0
		return
	}
	t.status.ETA = time.Duration(float64(remaining)/t.status.AverageRate) * time.Second
}

// GetStatus returns the current status (thread-safe)
func (t *Tracker) GetStatus() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// GetProgressPercent returns processed jobs as a share of the backlog
func (t *Tracker) GetProgressPercent() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.status.TotalJobs == 0 {
		return 0
	}
	return min(100, float64(t.status.ProcessedJobs)/float64(t.status.TotalJobs)*100)
}

// FormatRate formats a proofs-per-second rate
func FormatRate(perSecond float64) string {
	if perSecond < 1 && perSecond > 0 {
		return fmt.Sprintf("%.1f/min", perSecond*60)
	}
	return fmt.Sprintf("%.1f/s", perSecond)
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
