//go:build unix

package transfer

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	maxHeaderBytes = 64 << 10
	readChunk      = 32 << 10
)

var headerEnd = []byte("\r\n\r\n")

// poller waits for readiness on a set of descriptors
type poller interface {
	Poll(fds []unix.PollFd, timeoutMs int) (int, error)
}

type sysPoller struct{}

func (sysPoller) Poll(fds []unix.PollFd, timeoutMs int) (int, error) {
	n, err := unix.Poll(fds, timeoutMs)
	if err == unix.EINTR {
		return 0, nil
	}
	return n, err
}

// hostResolver is satisfied by *net.Resolver
type hostResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// resolution is the outcome of one host lookup
type resolution struct {
	ips []net.IP
	err error
}

// hostCache resolves names off the event loop. Each host is looked up once
// per batch; the loop polls lookup instead of waiting on DNS.
type hostCache struct {
	resolver hostResolver
	timeout  time.Duration
	ready    chan struct{}

	mu      sync.Mutex
	results map[string]*resolution
	wg      sync.WaitGroup
}

func newHostCache(resolver hostResolver, timeout time.Duration) *hostCache {
	return &hostCache{
		resolver: resolver,
		timeout:  timeout,
		ready:    make(chan struct{}, 1),
		results:  make(map[string]*resolution),
	}
}

// lookup returns the resolution of host, starting it in the background on
// first use. The second result is false while the lookup is in flight.
func (h *hostCache) lookup(ctx context.Context, host string) (*resolution, bool) {
	if ip := net.ParseIP(host); ip != nil {
		return &resolution{ips: []net.IP{ip}}, true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.results[host]; ok {
		return r, r != nil
	}
	h.results[host] = nil

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		lookupCtx, cancel := context.WithTimeout(ctx, h.timeout)
		addrs, err := h.resolver.LookupIPAddr(lookupCtx, host)
		cancel()

		r := &resolution{err: err}
		for _, a := range addrs {
			r.ips = append(r.ips, a.IP)
		}
		if err == nil && len(r.ips) == 0 {
			r.err = fmt.Errorf("no addresses for %s", host)
		}

		h.mu.Lock()
		h.results[host] = r
		h.mu.Unlock()
		select {
		case h.ready <- struct{}{}:
		default:
		}
	}()
	return nil, false
}

// socketStrategy speaks a minimal HTTP/1.1 over non-blocking sockets,
// multiplexing every open task through one poll loop. Bodies stream
// straight to disk; only headers are buffered.
type socketStrategy struct {
	concurrency  int
	taskTimeout  time.Duration
	pollInterval time.Duration
	poller       poller
	resolver     hostResolver
}

func newSocketStrategy(cfg Config) (fetcher, bool) {
	return &socketStrategy{
		concurrency:  cfg.MaxConcurrency,
		taskTimeout:  cfg.TaskTimeout,
		pollInterval: cfg.PollInterval,
		poller:       sysPoller{},
		resolver:     net.DefaultResolver,
	}, true
}

func (s *socketStrategy) Name() string {
	return StrategySocket
}

// conn is the event loop's view of one task
type conn struct {
	task     *Task
	fd       int
	deadline time.Time
	out      []byte
	addrs    []net.IP // not yet tried
	port     int
	head     []byte
	file     *os.File
	length   int64 // -1 when the body runs to EOF
	received int64
}

func (s *socketStrategy) Fetch(ctx context.Context, tasks []*Task) {
	queue := append([]*Task(nil), tasks...)
	active := make([]*conn, 0, s.concurrency)
	buf := make([]byte, readChunk)
	pollMs := int(s.pollInterval / time.Millisecond)

	names := newHostCache(s.resolver, s.taskTimeout)
	defer names.wg.Wait()
	for _, t := range queue {
		if u, err := url.Parse(t.URL); err == nil && u.Scheme == "http" {
			names.lookup(ctx, u.Hostname())
		}
	}

	for len(queue) > 0 || len(active) > 0 {
		if err := ctx.Err(); err != nil {
			for _, c := range active {
				c.close()
				c.task.fail(err)
			}
			for _, t := range queue {
				t.fail(err)
			}
			return
		}

		// tasks whose host is still resolving stay queued
		var waiting []*Task
		for len(active) < s.concurrency && len(queue) > 0 {
			t := queue[0]
			queue = queue[1:]

			u, port, err := target(t)
			if err != nil {
				t.fail(err)
				continue
			}
			res, ok := names.lookup(ctx, u.Hostname())
			if !ok {
				waiting = append(waiting, t)
				continue
			}
			if res.err != nil {
				t.fail(res.err)
				continue
			}
			if c := s.open(t, u, port, res.ips); c != nil {
				active = append(active, c)
			}
		}
		queue = append(waiting, queue...)

		if len(active) == 0 {
			if len(queue) > 0 {
				select {
				case <-names.ready:
				case <-ctx.Done():
				}
			}
			continue
		}

		fds := make([]unix.PollFd, len(active))
		for i, c := range active {
			fds[i] = unix.PollFd{Fd: int32(c.fd), Events: c.events()}
		}

		start := time.Now()
		n, err := s.poller.Poll(fds, pollMs)
		if err != nil {
			for _, c := range active {
				c.close()
				c.task.fail(fmt.Errorf("poll: %w", err))
			}
			active = active[:0]
			continue
		}
		if n == 0 {
			// no readiness reported; never spin on it
			if wait := s.pollInterval - time.Since(start); wait > 0 {
				sleepContext(ctx, wait)
			}
		}

		now := time.Now()
		next := active[:0]
		for i, c := range active {
			if fds[i].Revents != 0 {
				c.step(fds[i].Revents, buf)
			}
			if !c.task.finished() && c.task.State != StatePending && now.After(c.deadline) {
				c.task.fail(fmt.Errorf("%s after %s: %w", c.task.State, s.taskTimeout, context.DeadlineExceeded))
			}

			switch {
			case c.task.finished():
				c.close()
			case c.task.State == StatePending:
				// redirected: reopen against the new location
				c.close()
				queue = append(queue, c.task)
			default:
				next = append(next, c)
			}
		}
		active = next
	}
}

// target validates the task URL and returns it with its port
func target(t *Task) (*url.URL, int, error) {
	t.Strategy = StrategySocket

	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, 0, err
	}
	if u.Scheme != "http" {
		return nil, 0, fmt.Errorf("%w: scheme %q", ErrUnsupported, u.Scheme)
	}

	port := 80
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, 0, fmt.Errorf("invalid port %q", p)
		}
	}
	return u, port, nil
}

func (s *socketStrategy) open(t *Task, u *url.URL, port int, ips []net.IP) *conn {
	c := &conn{
		task:     t,
		fd:       -1,
		deadline: time.Now().Add(s.taskTimeout),
		out:      buildRequest(u),
		addrs:    ips,
		port:     port,
		length:   -1,
	}
	if err := c.dial(); err != nil {
		t.fail(err)
		return nil
	}

	t.State = StateConnecting
	return c
}

// dial starts a non-blocking connect to the next untried address
func (c *conn) dial() error {
	var lastErr error
	for len(c.addrs) > 0 {
		ip := c.addrs[0]
		c.addrs = c.addrs[1:]

		fd, err := connectNonblock(ip, c.port)
		if err != nil {
			lastErr = err
			continue
		}
		c.fd = fd
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("connect: no addresses left")
	}
	return lastErr
}

func connectNonblock(ip net.IP, port int) (int, error) {
	sa, domain := sockaddr(ip, port)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", ip, err)
	}
	return fd, nil
}

func (c *conn) events() int16 {
	if c.task.State == StateConnecting {
		return unix.POLLOUT
	}
	return unix.POLLIN
}

// step advances the task by whatever the socket is ready for
func (c *conn) step(revents int16, buf []byte) {
	t := c.task
	if revents&unix.POLLNVAL != 0 {
		t.fail(fmt.Errorf("invalid descriptor"))
		return
	}

	switch t.State {
	case StateConnecting:
		soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			t.fail(fmt.Errorf("connect: %w", err))
			return
		}
		if soerr != 0 {
			connErr := fmt.Errorf("connect: %w", unix.Errno(soerr))
			unix.Close(c.fd)
			c.fd = -1
			if len(c.addrs) == 0 || c.dial() != nil {
				t.fail(connErr)
			}
			return
		}

		n, err := unix.Write(c.fd, c.out)
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if err != nil {
			t.fail(fmt.Errorf("write request: %w", err))
			return
		}
		c.out = c.out[n:]
		if len(c.out) == 0 {
			t.State = StateReadingHeaders
		}

	case StateReadingHeaders, StateReadingBody:
		n, err := unix.Read(c.fd, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		if err != nil {
			t.fail(fmt.Errorf("read: %w", err))
			return
		}
		if n == 0 {
			c.eof()
			return
		}
		if t.State == StateReadingHeaders {
			c.headers(buf[:n])
		} else {
			c.body(buf[:n])
		}
	}
}

func (c *conn) headers(data []byte) {
	t := c.task
	c.head = append(c.head, data...)

	idx := bytes.Index(c.head, headerEnd)
	if idx < 0 {
		if len(c.head) > maxHeaderBytes {
			t.fail(fmt.Errorf("response headers exceed %d bytes", maxHeaderBytes))
		}
		return
	}

	raw := c.head[:idx+len(headerEnd)]
	rest := c.head[idx+len(headerEnd):]
	c.head = nil

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.fail(fmt.Errorf("malformed response: %w", err))
		return
	}

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		c.redirect(resp.Header.Get("Location"), resp.StatusCode)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		t.fail(&StatusError{Code: resp.StatusCode})
		return
	}
	if len(resp.TransferEncoding) > 0 {
		t.fail(fmt.Errorf("%w: transfer encoding %v", ErrUnsupported, resp.TransferEncoding))
		return
	}

	f, err := os.OpenFile(t.Dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		t.fail(err)
		return
	}
	c.file = f
	c.length = resp.ContentLength
	t.State = StateReadingBody

	if c.length == 0 {
		c.finish()
		return
	}
	if len(rest) > 0 {
		c.body(rest)
	}
}

func (c *conn) redirect(location string, code int) {
	t := c.task
	if location == "" {
		t.fail(&StatusError{Code: code})
		return
	}
	if t.Hops >= maxRedirects {
		t.fail(ErrTooManyRedirects)
		return
	}

	base, err := url.Parse(t.URL)
	if err != nil {
		t.fail(err)
		return
	}
	next, err := base.Parse(location)
	if err != nil {
		t.fail(fmt.Errorf("invalid redirect %q: %w", location, err))
		return
	}

	t.URL = next.String()
	t.Hops++
	t.State = StatePending
}

func (c *conn) body(data []byte) {
	if c.length >= 0 && c.received+int64(len(data)) > c.length {
		data = data[:c.length-c.received]
	}

	n, err := c.file.Write(data)
	c.received += int64(n)
	if err != nil {
		c.task.fail(err)
		return
	}
	if c.length >= 0 && c.received >= c.length {
		c.finish()
	}
}

func (c *conn) eof() {
	t := c.task
	switch {
	case t.State == StateReadingHeaders:
		t.fail(fmt.Errorf("connection closed before headers: %w", io.ErrUnexpectedEOF))
	case c.length >= 0 && c.received < c.length:
		t.fail(fmt.Errorf("body ended at %d of %d bytes: %w", c.received, c.length, io.ErrUnexpectedEOF))
	default:
		c.finish()
	}
}

func (c *conn) finish() {
	err := c.file.Close()
	c.file = nil
	if err != nil {
		c.task.fail(err)
		return
	}
	c.task.done()
}

func (c *conn) close() {
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}

func buildRequest(u *url.URL) []byte {
	return []byte(fmt.Sprintf(
		"GET %s HTTP/1.1\r\nHost: %s\r\nUser-Agent: proofpipe\r\nAccept: */*\r\nConnection: close\r\n\r\n",
		u.RequestURI(), u.Host,
	))
}

func sockaddr(ip net.IP, port int) (unix.Sockaddr, int) {
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
