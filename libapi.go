package queuelink

import (
	"context"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/queuelink/internal/runtime/client"
	configpkg "github.com/drblury/queuelink/internal/runtime/config"
	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	"github.com/drblury/queuelink/internal/runtime/events"
	idspkg "github.com/drblury/queuelink/internal/runtime/ids"
	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/queuelink/internal/runtime/logging"
	metricspkg "github.com/drblury/queuelink/internal/runtime/metrics"
	"github.com/drblury/queuelink/internal/runtime/protocol"
	"github.com/drblury/queuelink/internal/runtime/relay"
	relaytransport "github.com/drblury/queuelink/internal/runtime/relay/transport"
	"github.com/drblury/queuelink/internal/runtime/session"
	"github.com/drblury/queuelink/internal/runtime/worker"
)

type (
	Config                = configpkg.Config
	ConfigValidationError = errspkg.ConfigValidationError
	HandlerError          = errspkg.HandlerError
	RemoteError           = errspkg.RemoteError

	Options       = session.Options
	WorkerOptions = worker.Options

	Client  = client.Client
	Worker  = worker.Worker
	Relay   = relay.Relay
	Metrics = metricspkg.Metrics

	Job        = worker.Job
	Handler    = worker.Handler
	JobContext = worker.JobContext
	JobHooks   = worker.JobHooks

	Event        = protocol.Event
	Listener     = events.Listener
	Subscription = events.Subscription

	QueueJob      = protocol.Job
	JobID         = protocol.JobID
	JobOptions    = protocol.JobOptions
	JobCounts     = protocol.JobCounts
	JobLogs       = protocol.JobLogs
	GetJobsMethod = protocol.GetJobsMethod
	JobsMethod    = protocol.JobsMethod
	CleanStatus   = protocol.CleanStatus

	RelayOptions    = relay.Options
	RelayEnvelope   = relay.Envelope
	RelaySubscriber = relay.Subscriber
	RelayBuilder    = relaytransport.Builder
	RelayConfig     = relaytransport.Config
	RelayRegistry   = relaytransport.Registry

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

var (
	ErrNotConnected           = errspkg.ErrNotConnected
	ErrConnectionLost         = errspkg.ErrConnectionLost
	ErrAuthenticationRejected = errspkg.ErrAuthenticationRejected
	ErrAlreadyProcessing      = errspkg.ErrAlreadyProcessing
	ErrHandlerFailure         = errspkg.ErrHandlerFailure
	ErrClosed                 = errspkg.ErrClosed
	ErrHandshakeFailed        = errspkg.ErrHandshakeFailed
	ErrHeartbeatTimeout       = errspkg.ErrHeartbeatTimeout
	ErrConfigRequired         = errspkg.ErrConfigRequired
	ErrHandlerRequired        = errspkg.ErrHandlerRequired
	ErrPublisherRequired      = errspkg.ErrPublisherRequired
	ErrEventRequired          = errspkg.ErrEventRequired
	ErrListenerRequired       = errspkg.ErrListenerRequired
	ErrRelayQueueFull         = errspkg.ErrRelayQueueFull

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	NewMetrics   = metricspkg.New
	LoggingHooks = worker.LoggingHooks
	MetricsHooks = worker.MetricsHooks

	NewRelayWithOptions  = relay.New
	DefaultRelayRegistry = relaytransport.DefaultRegistry

	NewCorrelationID = idspkg.NewCorrelationID
	Marshal          = jsoncodec.Marshal
	Unmarshal        = jsoncodec.Unmarshal
)

// Job listing methods for Client.GetJobs.
const (
	GetWaiting        = protocol.GetWaiting
	GetActive         = protocol.GetActive
	GetDelayed        = protocol.GetDelayed
	GetCompleted      = protocol.GetCompleted
	GetFailed         = protocol.GetFailed
	GetRepeatableJobs = protocol.GetRepeatableJobs
)

// Per-job commands for Client.JobCommand.
const (
	JobRetry   = protocol.JobRetry
	JobPromote = protocol.JobPromote
	JobRemove  = protocol.JobRemove
	JobDiscard = protocol.JobDiscard
)

// Job states accepted by Client.Clean.
const (
	CleanCompleted = protocol.CleanCompleted
	CleanWait      = protocol.CleanWait
	CleanActive    = protocol.CleanActive
	CleanDelayed   = protocol.CleanDelayed
	CleanFailed    = protocol.CleanFailed
)

// NewClient builds a producer for the queue cfg addresses. Nothing is dialed
// until the first operation.
func NewClient(cfg Config, logger ServiceLogger) (*Client, error) {
	return client.New(Options{Config: cfg, Logger: logger})
}

// NewClientWithOptions builds a producer with a custom dialer, clock,
// tracer or metrics.
func NewClientWithOptions(opts Options) (*Client, error) {
	return client.New(opts)
}

// NewWorker builds a consumer for the queue cfg addresses. Call Process to
// start receiving jobs.
func NewWorker(cfg Config, logger ServiceLogger, hooks ...JobHooks) (*Worker, error) {
	var merged JobHooks
	for _, h := range hooks {
		merged = merged.Merge(h)
	}
	return worker.New(WorkerOptions{Options: Options{Config: cfg, Logger: logger}, Hooks: merged})
}

func NewWorkerWithOptions(opts WorkerOptions) (*Worker, error) {
	return worker.New(opts)
}

// SessionProvider is implemented by Client and Worker.
type SessionProvider interface {
	Session() *session.Session
}

// NewRelay forwards the named events of src to the publisher selected by
// its configuration. Events flow once src is connected, through
// Client.Connect, any client operation or Worker.Process.
func NewRelay(ctx context.Context, src SessionProvider, names ...string) (*Relay, error) {
	s := src.Session()
	r, err := relay.NewFromConfig(ctx, s.Config(), s.Events(), s.Logger(), s.Metrics())
	if err != nil {
		return nil, err
	}
	if err := r.Forward(names...); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// JSONHandler adapts a typed function to a Handler; see worker.JSONHandler.
func JSONHandler[T any, R any](fn func(ctx context.Context, job *Job, data T) (R, error)) Handler {
	return worker.JSONHandler(fn)
}

// ProtoHandler adapts a protobuf function to a Handler; see
// worker.ProtoHandler.
func ProtoHandler[T proto.Message](prototype T, fn func(ctx context.Context, job *Job, msg T) (proto.Message, error)) (Handler, error) {
	return worker.ProtoHandler(prototype, fn)
}
