package transfer

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// State is the lifecycle position of one transfer task
type State int

const (
	StatePending State = iota
	StateConnecting
	StateReadingHeaders
	StateReadingBody
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateConnecting:
		return "connecting"
	case StateReadingHeaders:
		return "reading_headers"
	case StateReadingBody:
		return "reading_body"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrTooManyRedirects is recorded for items needing more than one hop
	ErrTooManyRedirects = errors.New("more than one redirect")
	// ErrUnsupported is recorded when a strategy cannot speak to a target
	ErrUnsupported = errors.New("unsupported by strategy")
	// ErrNotAttempted is recorded for tasks the batch deadline cut off
	ErrNotAttempted = errors.New("not attempted before batch deadline")
)

// maxRedirects is the number of Location hops followed per item
const maxRedirects = 1

// StatusError is a non-success HTTP status
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Retryable reports whether the status is worth another attempt
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// Task is one in-memory fetch or push. It is never persisted.
type Task struct {
	Key    string
	URL    string
	Dest   string // fetch: local file receiving the body
	Source string // push: local file sent as the body

	Strategy string
	State    State
	Hops     int
	Err      error

	origin string
}

func newTask(key, locator string) *Task {
	return &Task{Key: key, URL: locator, origin: locator}
}

func (t *Task) fail(err error) {
	t.State = StateFailed
	t.Err = err
}

func (t *Task) done() {
	t.State = StateDone
	t.Err = nil
}

// reset returns a task to its initial locator for another strategy
func (t *Task) reset() {
	t.URL = t.origin
	t.State = StatePending
	t.Hops = 0
	t.Err = nil
}

func (t *Task) finished() bool {
	return t.State == StateDone || t.State == StateFailed
}

// localPath returns the filesystem path for file:// URLs and bare paths
func localPath(locator string) (string, bool) {
	if strings.HasPrefix(locator, "file://") {
		u, err := url.Parse(locator)
		if err != nil {
			return "", false
		}
		return u.Path, true
	}
	if strings.Contains(locator, "://") {
		return "", false
	}
	return locator, locator != ""
}
