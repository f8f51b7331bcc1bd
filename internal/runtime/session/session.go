// Package session wires one connection, its broker and its event multiplexer
// together. Client and Worker are thin layers on top of a Session.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/queuelink/internal/runtime/broker"
	"github.com/drblury/queuelink/internal/runtime/config"
	"github.com/drblury/queuelink/internal/runtime/connection"
	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	"github.com/drblury/queuelink/internal/runtime/events"
	"github.com/drblury/queuelink/internal/runtime/ids"
	loggingpkg "github.com/drblury/queuelink/internal/runtime/logging"
	"github.com/drblury/queuelink/internal/runtime/metrics"
	"github.com/drblury/queuelink/internal/runtime/protocol"
)

// Options configures a Session. Only Config is required.
type Options struct {
	Config config.Config
	// Process connects to the processing endpoint advertising the configured
	// concurrency.
	Process bool

	Logger  loggingpkg.ServiceLogger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Dialer  connection.Dialer
	Clock   connection.Clock
	IDs     ids.Generator

	// OnJob receives process commands. Frames of that kind are dropped when
	// it is nil.
	OnJob func(protocol.JobEnvelope)
	// OnTerminate is called once when the connection is closed for good.
	OnTerminate func(error)
}

// Session is the shared core of a client or worker.
type Session struct {
	cfg     config.Config
	logger  loggingpkg.ServiceLogger
	metrics *metrics.Metrics

	conn   *connection.Connection
	broker *broker.Broker
	events *events.Multiplexer

	onJob       func(protocol.JobEnvelope)
	onTerminate func(error)

	closeOnce     sync.Once
	metricsServer *http.Server
}

// New validates the configuration and builds an idle session. Nothing is
// dialed until Open.
func New(opts Options) (*Session, error) {
	cfg := opts.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	logger := loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{
		"queue":      cfg.QueueName,
		"connection": cfg.ConnectionID,
	})

	s := &Session{
		cfg:         cfg,
		logger:      logger,
		metrics:     opts.Metrics,
		onJob:       opts.OnJob,
		onTerminate: opts.OnTerminate,
	}

	if s.metrics == nil && cfg.MetricsEnabled {
		s.metrics = metrics.New(nil)
	}
	if s.metrics != nil {
		if err := s.metrics.Register(); err != nil {
			return nil, err
		}
	}

	conn, err := connection.New(connection.Options{
		URL:               cfg.URL(opts.Process),
		Header:            cfg.Header(),
		ReconnectInterval: cfg.ReconnectInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		Dialer:            opts.Dialer,
		Clock:             opts.Clock,
		Logger:            logger,
		Metrics:           s.metrics,
		OnOpen:            s.handleOpen,
		OnFrame:           s.handleFrame,
		OnDisconnect:      s.handleDisconnect,
		OnTerminate:       s.handleTerminate,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn

	b, err := broker.New(broker.Options{
		Sender:  conn,
		IDs:     opts.IDs,
		Logger:  logger,
		Metrics: s.metrics,
		Tracer:  opts.Tracer,
	})
	if err != nil {
		return nil, err
	}
	s.broker = b
	s.events = events.New(b, conn, logger)

	if cfg.MetricsPort > 0 {
		s.metricsServer = metrics.Serve(cfg.MetricsPort, logger)
	}
	return s, nil
}

func (s *Session) Config() config.Config { return s.cfg }
func (s *Session) Logger() loggingpkg.ServiceLogger { return s.logger }
func (s *Session) Metrics() *metrics.Metrics { return s.metrics }
func (s *Session) Connection() *connection.Connection { return s.conn }
func (s *Session) Broker() *broker.Broker { return s.broker }
func (s *Session) Events() *events.Multiplexer { return s.events }
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }
func (s *Session) Err() error { return s.conn.Err() }
func (s *Session) State() connection.State { return s.conn.State() }

// Open connects on first use and waits for an open link.
func (s *Session) Open(ctx context.Context) error {
	return s.conn.Open(ctx)
}

// Request connects if needed and performs one correlated request.
func (s *Session) Request(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s.broker.Request(ctx, cmd)
}

// Call connects if needed, sends a command built from t and payload and
// decodes the reply into T.
func Call[T any](ctx context.Context, s *Session, t protocol.CommandType, payload any) (T, error) {
	var zero T
	cmd, err := protocol.NewCommand(t, payload)
	if err != nil {
		return zero, err
	}
	if err := s.Open(ctx); err != nil {
		return zero, err
	}
	return broker.RequestAs[T](ctx, s.broker, cmd)
}

// Reply writes an uncorrelated frame carrying id, used to answer jobs.
func (s *Session) Reply(id string, data any) error {
	raw, err := protocol.EncodeFrame(id, data)
	if err != nil {
		return err
	}
	return s.conn.Send(raw)
}

// On connects if needed and subscribes listener to event. A subscription
// made while the link is down is kept and asserted when it comes back.
func (s *Session) On(ctx context.Context, event string, listener events.Listener) (*events.Subscription, error) {
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s.events.On(event, listener)
}

// Off removes a subscription.
func (s *Session) Off(sub *events.Subscription) error {
	return s.events.Off(sub)
}

// Close shuts the connection and the metrics server. Pending requests fail
// with ErrConnectionLost.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
		if s.metricsServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if shutdownErr := s.metricsServer.Shutdown(ctx); shutdownErr != nil {
				err = errors.Join(err, shutdownErr)
			}
		}
	})
	return err
}

func (s *Session) handleOpen(generation uint64) {
	s.events.Reassert(generation)
}

func (s *Session) handleFrame(in protocol.Inbound) {
	if in.Kind != protocol.KindHandshake && s.broker.Process(in.Frame) {
		return
	}

	switch in.Kind {
	case protocol.KindEvent:
		s.events.Dispatch(*in.Event)
	case protocol.KindJob:
		if s.onJob == nil {
			s.logger.Debug("Dropping job on a non-processing session", loggingpkg.LogFields{"id": in.Frame.ID})
			return
		}
		s.onJob(*in.Job)
	case protocol.KindHandshake:
		s.logger.Debug("Ignoring repeated handshake", nil)
	default:
		s.logger.Debug("Dropping unmatched reply", loggingpkg.LogFields{"id": in.Frame.ID})
	}
}

func (s *Session) handleDisconnect(err error) {
	s.broker.FailAll(err)
}

func (s *Session) handleTerminate(err error) {
	if !errors.Is(err, errspkg.ErrClosed) {
		s.logger.Error("Connection terminated", err, nil)
	}
	if s.onTerminate != nil {
		s.onTerminate(err)
	}
}
