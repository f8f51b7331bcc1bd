package connection

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errLinkClosed = errors.New("use of closed network connection")

type fakeLink struct {
	in     chan []byte
	closed chan struct{}

	mu        sync.Mutex
	closeOnce sync.Once
	readErr   error
	written   [][]byte
	controls  []controlFrame
	ping      func(string) error
	writeErr  error
}

type controlFrame struct {
	messageType int
	data        []byte
}

func newFakeLink() *fakeLink {
	return &fakeLink{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (l *fakeLink) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-l.in:
		return websocket.TextMessage, msg, nil
	case <-l.closed:
		l.mu.Lock()
		defer l.mu.Unlock()
		return 0, nil, l.readErr
	}
}

func (l *fakeLink) WriteMessage(_ int, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.written = append(l.written, append([]byte(nil), data...))
	return nil
}

func (l *fakeLink) WriteControl(messageType int, data []byte, _ time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.controls = append(l.controls, controlFrame{messageType: messageType, data: data})
	return nil
}

func (l *fakeLink) SetReadDeadline(time.Time) error  { return nil }
func (l *fakeLink) SetWriteDeadline(time.Time) error { return nil }

func (l *fakeLink) SetPingHandler(h func(string) error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ping = h
}

func (l *fakeLink) Close() error {
	l.shutdown(errLinkClosed)
	return nil
}

// remoteClose simulates the server closing the socket with code.
func (l *fakeLink) remoteClose(code int) {
	l.shutdown(&websocket.CloseError{Code: code})
}

func (l *fakeLink) shutdown(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.readErr = err
		l.mu.Unlock()
		close(l.closed)
	})
}

func (l *fakeLink) push(msg string) {
	l.in <- []byte(msg)
}

func (l *fakeLink) handshake() {
	l.push(`{"id":"0","data":{"type":"authorized"}}`)
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *fakeLink) sent() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.written...)
}

func (l *fakeLink) controlFrames() []controlFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]controlFrame(nil), l.controls...)
}

func (l *fakeLink) pingHandler() func(string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ping
}

type dialResult struct {
	link Link
	resp *http.Response
	err  error
}

// fakeDialer hands out queued results in order. A dial blocks until a result
// is queued or the context ends.
type fakeDialer struct {
	results chan dialResult

	mu    sync.Mutex
	dials int
	urls  []string
	hdrs  []http.Header
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{results: make(chan dialResult, 8)}
}

func (d *fakeDialer) DialContext(ctx context.Context, url string, header http.Header) (Link, *http.Response, error) {
	d.mu.Lock()
	d.dials++
	d.urls = append(d.urls, url)
	d.hdrs = append(d.hdrs, header)
	d.mu.Unlock()

	select {
	case r := <-d.results:
		return r.link, r.resp, r.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (d *fakeDialer) queue(link *fakeLink) {
	d.results <- dialResult{link: link}
}

func (d *fakeDialer) fail(resp *http.Response, err error) {
	d.results <- dialResult{resp: resp, err: err}
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward and runs due timers in deadline order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// pending returns the deadlines of timers that have neither fired nor been
// stopped.
func (c *manualClock) pending() []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Time
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at)
		}
	}
	return out
}
