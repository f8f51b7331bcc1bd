// Package connection keeps a single websocket link to the queue service alive.
//
// A Connection dials lazily on the first Open, waits for the "authorized"
// handshake and then delivers classified inbound frames to OnFrame from a
// single read goroutine. Abnormal closures and heartbeat expiry schedule a
// new attempt after ReconnectInterval; a normal closure (1000), an
// authentication rejection (4000, or 401/403 on the upgrade) and Close are
// terminal.
//
// Callbacks run on the read goroutine. They must not block on replies from
// the remote side and must not call Close.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drblury/queuelink/internal/runtime/config"
	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	loggingpkg "github.com/drblury/queuelink/internal/runtime/logging"
	"github.com/drblury/queuelink/internal/runtime/metrics"
	"github.com/drblury/queuelink/internal/runtime/protocol"
)

// Options configures a Connection. Zero durations fall back to the config
// package defaults.
type Options struct {
	URL    string
	Header http.Header

	ReconnectInterval time.Duration
	HeartbeatTimeout  time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration

	Dialer  Dialer
	Clock   Clock
	Logger  loggingpkg.ServiceLogger
	Metrics *metrics.Metrics

	// OnOpen fires after every successful handshake with the generation of
	// the new link.
	OnOpen func(generation uint64)
	// OnFrame receives every inbound frame except heartbeats.
	OnFrame func(protocol.Inbound)
	// OnDisconnect fires whenever a link goes away, before any reconnect is
	// scheduled.
	OnDisconnect func(err error)
	// OnTerminate fires once when the connection reaches Closed.
	OnTerminate func(err error)
}

// Connection is a self-healing link to the remote queue.
type Connection struct {
	opts   Options
	clock  Clock
	logger loggingpkg.ServiceLogger

	state atomic.Int32

	mu         sync.Mutex
	stateCh    chan struct{}
	link       Link
	attempt    uint64
	generation uint64
	expired    uint64
	heartbeat  Timer
	retry      Timer
	cancelDial context.CancelFunc
	err        error
	done       chan struct{}

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// New validates opts and returns an idle Connection.
func New(opts Options) (*Connection, error) {
	if opts.URL == "" {
		return nil, errors.New("connection: URL is required")
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = config.DefaultReconnectInterval
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = config.DefaultHeartbeatTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = config.DefaultWriteTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}

	c := &Connection{
		opts:    opts,
		clock:   opts.Clock,
		logger:  loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"url": opts.URL}),
		stateCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	opts.Metrics.SetConnectionState(int(StateIdle))
	return c, nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Generation identifies the current open link. It is 0 while not open and
// grows by one with every successful handshake.
func (c *Connection) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateOpen {
		return 0
	}
	return c.generation
}

// Done is closed once the connection is terminally closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, nil while the connection may still open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Open starts the first connection attempt if none was made yet and waits
// until a link is open, the connection is terminally closed or ctx ends.
// Transient failures are retried while Open waits.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.State() == StateIdle {
		c.startAttemptLocked()
	}
	c.mu.Unlock()

	for {
		c.mu.Lock()
		state, changed, err := c.State(), c.stateCh, c.err
		c.mu.Unlock()

		switch {
		case state == StateOpen:
			return nil
		case state.Terminal():
			if err == nil {
				err = errspkg.ErrClosed
			}
			return err
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes one text frame on the current link. It fails with
// ErrNotConnected while no link is open and with the terminal error once
// closed.
func (c *Connection) Send(data []byte) error {
	return c.send(0, data)
}

// SendOn writes data only if the open link is still the one identified by
// generation. Otherwise it fails with ErrNotConnected and nothing is written.
func (c *Connection) SendOn(generation uint64, data []byte) error {
	if generation == 0 {
		return errspkg.ErrNotConnected
	}
	return c.send(generation, data)
}

func (c *Connection) send(generation uint64, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	state, link, terminal, current := c.State(), c.link, c.err, c.generation
	c.mu.Unlock()

	if state.Terminal() {
		if terminal == nil {
			terminal = errspkg.ErrClosed
		}
		return terminal
	}
	if state != StateOpen || link == nil {
		return errspkg.ErrNotConnected
	}
	if generation != 0 && generation != current {
		return errspkg.ErrNotConnected
	}

	if err := link.SetWriteDeadline(c.clock.Now().Add(c.opts.WriteTimeout)); err != nil {
		return errspkg.Lost(err)
	}
	if err := link.WriteMessage(websocket.TextMessage, data); err != nil {
		// the read loop observes the closed link and reconnects
		_ = link.Close()
		return errspkg.Lost(err)
	}
	c.opts.Metrics.FrameSent()
	return nil
}

// Close stops reconnecting, sends a normal closure on the open link and waits
// for the read goroutine to exit. Calling it again waits for the first call.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.State().Terminal() {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.setStateLocked(StateClosing)
	c.stopTimersLocked()
	if c.cancelDial != nil {
		c.cancelDial()
	}
	link := c.link
	c.link = nil
	c.mu.Unlock()

	if link != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(protocol.CloseNormal, "")
		if err := link.WriteControl(websocket.CloseMessage, msg, c.clock.Now().Add(c.opts.WriteTimeout)); err != nil {
			c.logger.Debug("Failed to send close frame", loggingpkg.LogFields{"error": err.Error()})
		}
		c.writeMu.Unlock()
		_ = link.Close()
	}
	c.wg.Wait()

	c.terminate(errspkg.ErrClosed)
	c.logger.Info("Connection closed", nil)
	return nil
}

// terminate moves to Closed once and fires the callbacks.
func (c *Connection) terminate(err error) {
	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.err = err
	c.link = nil
	c.setStateLocked(StateClosed)
	close(c.done)
	c.mu.Unlock()

	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(err)
	}
	if c.opts.OnTerminate != nil {
		c.opts.OnTerminate(err)
	}
}

func (c *Connection) setStateLocked(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	c.opts.Metrics.SetConnectionState(int(s))
	c.logger.Debug("Connection state changed", loggingpkg.LogFields{"from": prev.String(), "to": s.String()})
}

func (c *Connection) stopTimersLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
}

// startAttemptLocked begins a new attempt. Only one attempt runs at a time:
// the next one is scheduled by linkFailed after this one ended.
func (c *Connection) startAttemptLocked() {
	c.attempt++
	id := c.attempt
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel
	c.setStateLocked(StateConnecting)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, id)
	}()
}

func (c *Connection) run(ctx context.Context, id uint64) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	link, resp, err := c.opts.Dialer.DialContext(dialCtx, c.opts.URL, c.opts.Header)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			err = fmt.Errorf("%w: upgrade answered %s", errspkg.ErrAuthenticationRejected, resp.Status)
		}
		c.linkFailed(id, nil, err)
		return
	}

	c.mu.Lock()
	if c.attempt != id || c.State() != StateConnecting {
		c.mu.Unlock()
		_ = link.Close()
		return
	}
	c.link = link
	c.mu.Unlock()

	link.SetPingHandler(func(appData string) error {
		c.resetHeartbeat(id)
		err := link.WriteControl(websocket.PongMessage, []byte(appData), c.clock.Now().Add(c.opts.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	if err := c.handshake(link); err != nil {
		c.linkFailed(id, link, err)
		return
	}

	c.mu.Lock()
	if c.attempt != id || c.State() != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.generation++
	generation := c.generation
	c.setStateLocked(StateOpen)
	c.armHeartbeatLocked(id)
	c.mu.Unlock()

	c.logger.Info("Connection open", loggingpkg.LogFields{"generation": generation})
	if c.opts.OnOpen != nil {
		c.opts.OnOpen(generation)
	}

	c.readLoop(id, link)
}

// handshake consumes heartbeats until the first real frame, which must be
// the "authorized" acknowledgement.
func (c *Connection) handshake(link Link) error {
	if err := link.SetReadDeadline(c.clock.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		return err
	}
	for {
		_, raw, err := link.ReadMessage()
		if err != nil {
			return err
		}
		if protocol.IsHeartbeat(raw) {
			continue
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			return fmt.Errorf("%w: %w", errspkg.ErrHandshakeFailed, err)
		}
		if protocol.Classify(frame).Kind != protocol.KindHandshake {
			return fmt.Errorf("%w: unexpected first frame %q", errspkg.ErrHandshakeFailed, frame.ID)
		}
		return link.SetReadDeadline(time.Time{})
	}
}

func (c *Connection) readLoop(id uint64, link Link) {
	for {
		_, raw, err := link.ReadMessage()
		if err != nil {
			c.linkFailed(id, link, err)
			return
		}
		if protocol.IsHeartbeat(raw) {
			c.opts.Metrics.FrameReceived("heartbeat")
			c.resetHeartbeat(id)
			continue
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			c.logger.Error("Dropping undecodable frame", err, loggingpkg.LogFields{"size": len(raw)})
			continue
		}
		in := protocol.Classify(frame)
		c.opts.Metrics.FrameReceived(in.Kind.String())
		if c.opts.OnFrame != nil {
			c.opts.OnFrame(in)
		}
	}
}

func (c *Connection) armHeartbeatLocked(id uint64) {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
	c.heartbeat = c.clock.AfterFunc(c.opts.HeartbeatTimeout, func() {
		c.heartbeatExpired(id)
	})
}

func (c *Connection) resetHeartbeat(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == id && c.State() == StateOpen {
		c.armHeartbeatLocked(id)
	}
}

func (c *Connection) heartbeatExpired(id uint64) {
	c.mu.Lock()
	if c.attempt != id || c.State() != StateOpen || c.link == nil {
		c.mu.Unlock()
		return
	}
	c.expired = id
	link := c.link
	c.mu.Unlock()

	c.opts.Metrics.IncHeartbeatTimeouts()
	c.logger.Info("No heartbeat received, terminating link", loggingpkg.LogFields{"timeout": c.opts.HeartbeatTimeout.String()})
	_ = link.Close()
}

// linkFailed ends attempt id. Terminal causes close the connection, anything
// else schedules the next attempt.
func (c *Connection) linkFailed(id uint64, link Link, cause error) {
	c.mu.Lock()
	if c.attempt != id || c.State().Terminal() {
		c.mu.Unlock()
		return
	}
	if c.expired == id {
		cause = errspkg.ErrHeartbeatTimeout
	}
	c.stopTimersLocked()
	c.link = nil
	c.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}

	if terminal := terminalError(cause); terminal != nil {
		c.logger.Error("Connection terminated by remote side", cause, nil)
		c.terminate(terminal)
		return
	}

	c.mu.Lock()
	if c.attempt != id || c.State().Terminal() {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	fields := loggingpkg.LogFields{"retry_in": c.opts.ReconnectInterval.String()}
	if errors.Is(cause, syscall.ECONNREFUSED) {
		c.logger.Debug("Connection refused, retrying", fields)
	} else {
		c.logger.Error("Connection lost, retrying", cause, fields)
	}

	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(cause)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != id || c.State() != StateReconnecting {
		return
	}
	c.opts.Metrics.IncReconnects()
	c.retry = c.clock.AfterFunc(c.opts.ReconnectInterval, func() {
		c.reconnect(id)
	})
}

func (c *Connection) reconnect(previous uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != previous || c.State() != StateReconnecting {
		return
	}
	c.retry = nil
	c.startAttemptLocked()
}

// terminalError maps a link failure to the error that ends the connection,
// or nil when the failure is transient.
func terminalError(err error) error {
	if errors.Is(err, errspkg.ErrAuthenticationRejected) {
		return errspkg.ErrAuthenticationRejected
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case protocol.CloseNormal:
			return errspkg.ErrClosed
		case protocol.CloseAuthenticationFail:
			return errspkg.ErrAuthenticationRejected
		}
	}
	return nil
}
