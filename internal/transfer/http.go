package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// httpStrategy drives net/http requests through a bounded set of
// workers. With concurrency 1 it is the strictly sequential fallback.
type httpStrategy struct {
	name        string
	client      *http.Client
	concurrency int
	taskTimeout time.Duration
}

// newMultiplex builds an HTTP/2-capable client so many requests to one
// host share connections. It reports false when the transport cannot be
// configured.
func newMultiplex(cfg Config) (*httpStrategy, bool) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConnsPerHost = cfg.MaxConcurrency
	tr.MaxConnsPerHost = cfg.MaxConcurrency
	if _, err := http2.ConfigureTransports(tr); err != nil {
		return nil, false
	}

	return &httpStrategy{
		name:        StrategyMultiplex,
		client:      &http.Client{Transport: tr, CheckRedirect: checkRedirect},
		concurrency: cfg.MaxConcurrency,
		taskTimeout: cfg.TaskTimeout,
	}, true
}

func newSequential(cfg Config) *httpStrategy {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ForceAttemptHTTP2 = false
	tr.MaxIdleConnsPerHost = 1

	return &httpStrategy{
		name:        StrategySequential,
		client:      &http.Client{Transport: tr, CheckRedirect: checkRedirect},
		concurrency: 1,
		taskTimeout: cfg.TaskTimeout,
	}
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > maxRedirects {
		return ErrTooManyRedirects
	}
	return nil
}

func (h *httpStrategy) Name() string {
	return h.name
}

func (h *httpStrategy) Fetch(ctx context.Context, tasks []*Task) {
	h.run(ctx, tasks, h.fetchOne)
}

func (h *httpStrategy) Push(ctx context.Context, tasks []*Task) {
	h.run(ctx, tasks, h.pushOne)
}

func (h *httpStrategy) close() {
	h.client.CloseIdleConnections()
}

// run feeds tasks to the workers and waits on their completions. Tasks
// left undispatched when ctx ends stay pending for the caller.
func (h *httpStrategy) run(ctx context.Context, tasks []*Task, do func(context.Context, *Task)) {
	if len(tasks) == 0 {
		return
	}

	workers := h.concurrency
	if workers > len(tasks) {
		workers = len(tasks)
	}

	jobs := make(chan *Task)
	completed := make(chan *Task, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range jobs {
				do(ctx, t)
				completed <- t
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, t := range tasks {
			select {
			case jobs <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(completed)
	}()

	for range completed {
	}
}

func (h *httpStrategy) fetchOne(ctx context.Context, t *Task) {
	t.Strategy = h.name
	t.State = StateConnecting

	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		t.fail(err)
		return
	}

	resp, err := h.client.Do(req)
	if err != nil {
		t.fail(err)
		return
	}
	defer resp.Body.Close()

	t.State = StateReadingHeaders
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.fail(&StatusError{Code: resp.StatusCode})
		return
	}
	if resp.Request != nil && resp.Request.URL.String() != t.URL {
		t.Hops = 1
	}

	t.State = StateReadingBody
	if err := writeBody(t.Dest, resp.Body); err != nil {
		t.fail(err)
		return
	}
	t.done()
}

func (h *httpStrategy) pushOne(ctx context.Context, t *Task) {
	t.Strategy = h.name
	t.State = StateConnecting

	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	f, err := os.Open(t.Source)
	if err != nil {
		t.fail(err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.fail(err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, t.URL, f)
	if err != nil {
		t.fail(err)
		return
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := h.client.Do(req)
	if err != nil {
		t.fail(err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.fail(&StatusError{Code: resp.StatusCode})
		return
	}
	t.done()
}

// writeBody streams r into path, truncating what was there
func writeBody(path string, r io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to read body: %w", err)
	}
	return f.Close()
}
