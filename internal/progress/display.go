package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Display periodically prints drain progress
type Display struct {
	tracker  *Tracker
	interval time.Duration
	out      io.Writer
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewDisplay creates a new progress display writing to out
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop prints the final summary and waits for the loop to exit
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(d.out, d.line(d.tracker.GetStatus()))
		case <-d.stopCh:
			fmt.Fprintln(d.out, strings.Join(d.summary(d.tracker.GetStatus()), "\n"))
			return
		}
	}
}

// line renders one progress line
func (d *Display) line(status Status) string {
	var b strings.Builder
	if status.TotalJobs > 0 {
		pct := d.tracker.GetProgressPercent()
		fmt.Fprintf(&b, "%s %d/%d ", progressBar(pct, 30), status.ProcessedJobs, status.TotalJobs)
	} else {
		fmt.Fprintf(&b, "processed %d ", status.ProcessedJobs)
	}
	fmt.Fprintf(&b, "ok=%d failed=%d skipped=%d rate=%s",
		status.GeneratedJobs, status.FailedJobs, status.SkippedJobs, FormatRate(status.CurrentRate))
	if status.ETA > 0 {
		fmt.Fprintf(&b, " eta=%s", FormatDuration(status.ETA))
	}
	return b.String()
}

// summary renders the final report
func (d *Display) summary(status Status) []string {
	elapsed := time.Since(status.StartTime)
	return []string{
		"",
		"Proof drain finished",
		strings.Repeat("=", 40),
		fmt.Sprintf("Runs:      %d", status.Runs),
		fmt.Sprintf("Processed: %d", status.ProcessedJobs),
		fmt.Sprintf("Generated: %d (%s)", status.GeneratedJobs, FormatBytes(status.ProofBytes)),
		fmt.Sprintf("Failed:    %d", status.FailedJobs),
		fmt.Sprintf("Skipped:   %d", status.SkippedJobs),
		fmt.Sprintf("Elapsed:   %s", FormatDuration(elapsed.Round(time.Second))),
		fmt.Sprintf("Rate:      %s", FormatRate(status.AverageRate)),
	}
}

func progressBar(percent float64, width int) string {
	percent = max(0, min(100, percent))
	filled := int(percent * float64(width) / 100)
	return fmt.Sprintf("[%s%s] %5.1f%%", strings.Repeat("#", filled), strings.Repeat(".", width-filled), percent)
}

// IsTerminalSupported reports whether stdout is a terminal
func IsTerminalSupported() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
