package transfer

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Strategy names
const (
	StrategyAuto       = "auto"
	StrategyMultiplex  = "multiplex"
	StrategySocket     = "socket"
	StrategySequential = "sequential"
)

// Config contains transfer engine settings
type Config struct {
	Strategy       string
	MaxConcurrency int
	TaskTimeout    time.Duration
	BatchTimeout   time.Duration
	PollInterval   time.Duration
	TempDir        string
}

// Observer receives per-item transfer outcomes
type Observer interface {
	ObserveTransfer(strategy, status string)
}

// Result maps logical keys to outcomes. A key missing from Files failed;
// its reason is in Errors. For fetches Files holds local paths, for
// pushes the URL the file was sent to.
type Result struct {
	Files  map[string]string
	Errors map[string]error
}

// PushRequest sends the local file Path to URL with an HTTP PUT
type PushRequest struct {
	Path string
	URL  string
}

type fetcher interface {
	Name() string
	Fetch(ctx context.Context, tasks []*Task)
}

// Engine fetches and pushes batches with the best strategy the host
// supports, sweeping anything left over with one-at-a-time requests
type Engine struct {
	config     Config
	primary    fetcher
	pusher     *httpStrategy
	sequential *httpStrategy
	logger     *zap.Logger
	observer   Observer
}

// New probes the available strategies once and ranks them
func New(cfg Config, logger *zap.Logger, observer Observer) (*Engine, error) {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	e := &Engine{
		config:     cfg,
		sequential: newSequential(cfg),
		logger:     logger.Named("transfer"),
		observer:   observer,
	}

	multiplex, hasMultiplex := newMultiplex(cfg)
	socket, hasSocket := newSocketStrategy(cfg)

	switch cfg.Strategy {
	case StrategyMultiplex:
		if !hasMultiplex {
			return nil, fmt.Errorf("multiplex strategy is not available")
		}
		e.primary = multiplex
	case StrategySocket:
		if !hasSocket {
			return nil, fmt.Errorf("socket strategy is not available on this platform")
		}
		e.primary = socket
	case StrategySequential:
		e.primary = e.sequential
	case StrategyAuto, "":
		switch {
		case hasMultiplex:
			e.primary = multiplex
		case hasSocket:
			e.primary = socket
		default:
			e.primary = e.sequential
		}
	default:
		return nil, fmt.Errorf("unknown transfer strategy %q", cfg.Strategy)
	}

	e.pusher = e.sequential
	if hasMultiplex {
		e.pusher = multiplex
	}

	e.logger.Info("Transfer engine ready",
		zap.String("strategy", e.primary.Name()),
		zap.String("push_strategy", e.pusher.Name()),
		zap.Int("max_concurrency", cfg.MaxConcurrency),
	)
	return e, nil
}

// Strategy returns the name of the primary fetch strategy
func (e *Engine) Strategy() string {
	return e.primary.Name()
}

// FetchMany downloads every target into its own temp file. Targets may be
// http(s) URLs, file:// URLs or local paths. Failures never abort the
// batch; callers own the returned files.
func (e *Engine) FetchMany(ctx context.Context, targets map[string]string) *Result {
	ctx, cancel := context.WithTimeout(ctx, e.config.BatchTimeout)
	defer cancel()

	var remote, all []*Task
	for _, key := range sortedKeys(targets) {
		t := newTask(key, targets[key])
		all = append(all, t)

		dest, err := e.tempFile()
		if err != nil {
			t.fail(err)
			continue
		}
		t.Dest = dest

		if path, ok := localPath(t.URL); ok {
			t.Strategy = "local"
			if err := copyFile(path, dest); err != nil {
				t.fail(err)
			} else {
				t.done()
			}
			continue
		}
		remote = append(remote, t)
	}

	e.primary.Fetch(ctx, remote)
	if e.primary != fetcher(e.sequential) {
		e.sweep(ctx, remote, e.sequential.Fetch)
	}

	res := e.collect("fetch", all)
	for _, t := range all {
		if t.State != StateDone && t.Dest != "" {
			os.Remove(t.Dest)
		}
	}
	return res
}

// PushMany uploads local files to their (usually presigned) URLs
func (e *Engine) PushMany(ctx context.Context, reqs map[string]PushRequest) *Result {
	ctx, cancel := context.WithTimeout(ctx, e.config.BatchTimeout)
	defer cancel()

	tasks := make([]*Task, 0, len(reqs))
	for _, key := range sortedKeys(reqs) {
		t := newTask(key, reqs[key].URL)
		t.Source = reqs[key].Path
		tasks = append(tasks, t)
	}

	e.pusher.Push(ctx, tasks)
	if e.pusher != e.sequential {
		e.sweep(ctx, tasks, e.sequential.Push)
	}

	return e.collect("push", tasks)
}

// Close releases idle connections
func (e *Engine) Close() {
	e.sequential.close()
	if e.pusher != e.sequential {
		e.pusher.close()
	}
}

// sweep retries unresolved tasks one at a time
func (e *Engine) sweep(ctx context.Context, tasks []*Task, run func(context.Context, []*Task)) {
	var leftover []*Task
	for _, t := range tasks {
		if t.State != StateDone {
			t.reset()
			leftover = append(leftover, t)
		}
	}
	if len(leftover) == 0 || ctx.Err() != nil {
		return
	}

	e.logger.Debug("Sweeping unresolved transfers sequentially", zap.Int("count", len(leftover)))
	run(ctx, leftover)
}

// collect builds the result and logs failures once for the whole batch
func (e *Engine) collect(op string, tasks []*Task) *Result {
	res := &Result{
		Files:  make(map[string]string, len(tasks)),
		Errors: make(map[string]error),
	}

	var sample []string
	for _, t := range tasks {
		if t.State == StateDone {
			if op == "fetch" {
				res.Files[t.Key] = t.Dest
			} else {
				res.Files[t.Key] = t.origin
			}
			e.observe(t.Strategy, "ok")
			continue
		}

		err := t.Err
		if err == nil {
			err = ErrNotAttempted
		}
		res.Errors[t.Key] = err
		e.observe(t.Strategy, "failed")
		if len(sample) < 5 {
			sample = append(sample, t.Key+": "+err.Error())
		}
	}

	if len(res.Errors) > 0 {
		e.logger.Warn("Transfer batch had failures",
			zap.String("op", op),
			zap.Int("failed", len(res.Errors)),
			zap.Int("total", len(tasks)),
			zap.Strings("sample", sample),
		)
	}
	return res
}

func (e *Engine) observe(strategy, status string) {
	if e.observer == nil {
		return
	}
	if strategy == "" {
		strategy = e.primary.Name()
	}
	e.observer.ObserveTransfer(strategy, status)
}

func (e *Engine) tempFile() (string, error) {
	f, err := os.CreateTemp(e.config.TempDir, "proofpipe-fetch-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := f.Name()
	return name, f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeBody(dst, in)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
