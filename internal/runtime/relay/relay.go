// Package relay forwards queue events received over a session into a
// Watermill publisher, so other services can consume them from Kafka,
// RabbitMQ, NATS, SNS, HTTP or an in-process channel.
//
// Listeners only enqueue. A single goroutine publishes in arrival order, so
// a slow broker never stalls the connection's frame intake.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/queuelink/internal/runtime/config"
	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	"github.com/drblury/queuelink/internal/runtime/events"
	"github.com/drblury/queuelink/internal/runtime/ids"
	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/queuelink/internal/runtime/logging"
	"github.com/drblury/queuelink/internal/runtime/metrics"
	"github.com/drblury/queuelink/internal/runtime/protocol"
	"github.com/drblury/queuelink/internal/runtime/relay/transport"
)

// Metadata keys set on every relayed message.
const (
	MetadataQueue = "queuelink_queue"
	MetadataEvent = "queuelink_event"
	// MetadataCorrelationID carries the job id when the event refers to a
	// job. It is absent otherwise.
	MetadataCorrelationID = "correlation_id"
)

// DefaultQueueSize bounds the events waiting to be published.
const DefaultQueueSize = 256

// Subscriber is the part of a client or worker the relay listens on.
type Subscriber interface {
	On(event string, listener events.Listener) (*events.Subscription, error)
	Off(sub *events.Subscription) error
}

// Envelope is the JSON payload of a relayed message.
type Envelope struct {
	Queue string            `json:"queue"`
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

// Options configures a Relay. Publisher and Source are required.
type Options struct {
	Source    Subscriber
	Publisher message.Publisher
	Queue     string
	// TopicPrefix is prepended to the event name to build the topic.
	TopicPrefix string
	// QueueSize bounds the events waiting to be published. Events arriving
	// while the queue is full are dropped and counted as relay errors.
	// Zero means DefaultQueueSize.
	QueueSize int
	Logger    loggingpkg.ServiceLogger
	Metrics   *metrics.Metrics
}

// Relay publishes one message per received event.
type Relay struct {
	opts   Options
	logger loggingpkg.ServiceLogger

	mu     sync.Mutex
	subs   []*events.Subscription
	closed bool

	queueMu sync.RWMutex
	queue   chan protocol.Event
	stopped bool
	done    chan struct{}
}

func New(opts Options) (*Relay, error) {
	if opts.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if opts.Source == nil {
		return nil, errors.New("queuelink: relay source is required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	r := &Relay{
		opts:   opts,
		logger: loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"component": "relay"}),
		queue:  make(chan protocol.Event, opts.QueueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// NewFromConfig builds the publisher selected by cfg.RelaySystem and a relay
// on top of it.
func NewFromConfig(ctx context.Context, cfg config.Config, source Subscriber, logger loggingpkg.ServiceLogger, m *metrics.Metrics) (*Relay, error) {
	if cfg.RelaySystem == "" {
		return nil, errors.New("queuelink: relay system is not configured")
	}
	logger = loggingpkg.OrNop(logger)
	pub, err := transport.Build(ctx, &cfg, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return nil, err
	}
	r, err := New(Options{
		Source:      source,
		Publisher:   pub,
		Queue:       cfg.QueueName,
		TopicPrefix: cfg.RelayTopicPrefix,
		Logger:      logger,
		Metrics:     m,
	})
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	return r, nil
}

// Forward subscribes to each event name and relays what arrives.
func (r *Relay) Forward(names ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errspkg.ErrClosed
	}
	for _, name := range names {
		sub, err := r.opts.Source.On(name, r.enqueue)
		if err != nil {
			return err
		}
		r.subs = append(r.subs, sub)
		r.logger.Debug("Relaying event", loggingpkg.LogFields{"event": name, "topic": r.Topic(name)})
	}
	return nil
}

// Topic returns the topic events named event are published to.
func (r *Relay) Topic(event string) string {
	return r.opts.TopicPrefix + event
}

// Close unsubscribes, publishes the events still queued and closes the
// publisher.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := r.opts.Source.Off(sub); err != nil {
			errs = append(errs, err)
		}
	}

	r.queueMu.Lock()
	r.stopped = true
	close(r.queue)
	r.queueMu.Unlock()
	<-r.done

	if err := r.opts.Publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// enqueue runs on the connection read goroutine and never blocks.
func (r *Relay) enqueue(ev protocol.Event) {
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	if r.stopped {
		return
	}
	select {
	case r.queue <- ev:
	default:
		r.failed(ev, errspkg.ErrRelayQueueFull)
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.publish(ev)
	}
}

func (r *Relay) publish(ev protocol.Event) {
	payload, err := jsoncodec.Marshal(Envelope{Queue: r.opts.Queue, Event: ev.Name, Args: ev.Args})
	if err != nil {
		r.failed(ev, err)
		return
	}

	msg := message.NewMessage(ids.NewMessageID(), payload)
	msg.Metadata.Set(MetadataQueue, r.opts.Queue)
	msg.Metadata.Set(MetadataEvent, ev.Name)
	if jobID := JobIDOf(ev); jobID != "" {
		msg.Metadata.Set(MetadataCorrelationID, jobID)
	}

	if err := r.opts.Publisher.Publish(r.Topic(ev.Name), msg); err != nil {
		r.failed(ev, err)
		return
	}
	r.opts.Metrics.EventRelayed(ev.Name)
}

// JobIDOf returns the job an event refers to: its first argument when that
// is a job id, or the jobId member of a first argument object.
func JobIDOf(ev protocol.Event) string {
	if len(ev.Args) == 0 {
		return ""
	}
	var id protocol.JobID
	if err := jsoncodec.Unmarshal(ev.Args[0], &id); err == nil {
		return id.String()
	}
	var withID struct {
		JobID protocol.JobID `json:"jobId"`
	}
	if err := jsoncodec.Unmarshal(ev.Args[0], &withID); err == nil {
		return withID.JobID.String()
	}
	return ""
}

func (r *Relay) failed(ev protocol.Event, err error) {
	r.opts.Metrics.RelayFailed(ev.Name)
	r.logger.Error("Failed to relay event", err, loggingpkg.LogFields{
		"event": ev.Name,
		"topic": r.Topic(ev.Name),
	})
}
