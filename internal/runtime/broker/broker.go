// Package broker correlates requests with their replies over a connection.
//
// Every request gets a fresh id and a pending entry. The entry is resolved by
// the reply carrying the same id, by FailAll when the link drops, or removed
// when the caller gives up. Each entry completes exactly once.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	"github.com/drblury/queuelink/internal/runtime/ids"
	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/queuelink/internal/runtime/logging"
	"github.com/drblury/queuelink/internal/runtime/metrics"
	"github.com/drblury/queuelink/internal/runtime/protocol"
)

const tracerName = "github.com/drblury/queuelink/broker"

// Sender writes an encoded frame. *connection.Connection satisfies it.
type Sender interface {
	Send(data []byte) error
	// SendOn writes only while the link identified by generation is open.
	SendOn(generation uint64, data []byte) error
}

type Options struct {
	Sender  Sender
	IDs     ids.Generator
	Logger  loggingpkg.ServiceLogger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

// Broker owns the pending-request table of one connection.
type Broker struct {
	sender  Sender
	nextID  ids.Generator
	pending *xsync.Map[string, *Call]
	logger  loggingpkg.ServiceLogger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(opts Options) (*Broker, error) {
	if opts.Sender == nil {
		return nil, errors.New("broker: sender is required")
	}
	if opts.IDs == nil {
		opts.IDs = ids.NewCorrelationID
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return &Broker{
		sender:  opts.Sender,
		nextID:  opts.IDs,
		pending: xsync.NewMap[string, *Call](),
		logger:  loggingpkg.OrNop(opts.Logger),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}, nil
}

// Call is an outstanding request.
type Call struct {
	ID      string
	Command protocol.CommandType

	started time.Time
	once    sync.Once
	done    chan struct{}
	data    json.RawMessage
	err     error
}

func newCall(id string, cmd protocol.CommandType) *Call {
	return &Call{ID: id, Command: cmd, started: time.Now(), done: make(chan struct{})}
}

// Done is closed when the call has completed.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the reply data or the failure. It is only meaningful after
// Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	return c.data, c.err
}

func (c *Call) complete(data json.RawMessage, err error) {
	c.once.Do(func() {
		c.data = data
		c.err = err
		close(c.done)
	})
}

// Pending returns the number of outstanding requests.
func (b *Broker) Pending() int {
	return b.pending.Size()
}

// Send registers a call and writes the command. The call is removed again
// when the write fails. Send never waits for the reply.
func (b *Broker) Send(cmd protocol.Command) (*Call, error) {
	return b.send(0, cmd)
}

// SendOn is Send pinned to one link generation. It fails with
// ErrNotConnected when that link is no longer the open one.
func (b *Broker) SendOn(generation uint64, cmd protocol.Command) (*Call, error) {
	if generation == 0 {
		return nil, errspkg.ErrNotConnected
	}
	return b.send(generation, cmd)
}

func (b *Broker) send(generation uint64, cmd protocol.Command) (*Call, error) {
	call := newCall(b.nextID(), cmd.Type)
	raw, err := protocol.EncodeFrame(call.ID, cmd)
	if err != nil {
		return nil, err
	}

	b.pending.Store(call.ID, call)
	b.metrics.RequestStarted()

	if generation == 0 {
		err = b.sender.Send(raw)
	} else {
		err = b.sender.SendOn(generation, raw)
	}
	if err != nil {
		b.finish(call.ID, nil, err, metrics.RequestLost)
		return nil, err
	}
	return call, nil
}

// Request sends cmd and waits for its reply. Cancelling ctx abandons the
// call; a late reply is then ignored.
func (b *Broker) Request(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
	ctx, span := b.tracer.Start(ctx, "queuelink."+string(cmd.Type), trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	data, err := b.request(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

func (b *Broker) request(ctx context.Context, cmd protocol.Command) (json.RawMessage, error) {
	call, err := b.Send(cmd)
	if err != nil {
		return nil, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("queuelink.correlation_id", call.ID))

	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
		b.finish(call.ID, nil, ctx.Err(), metrics.RequestAbandoned)
		<-call.Done()
		return call.Result()
	}
}

// RequestAs sends cmd and decodes the reply into T. An empty reply yields the
// zero value.
func RequestAs[T any](ctx context.Context, b *Broker, cmd protocol.Command) (T, error) {
	var out T
	data, err := b.Request(ctx, cmd)
	if err != nil {
		return out, err
	}
	if jsoncodec.IsEmpty(data) {
		return out, nil
	}
	if err := jsoncodec.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

// Process resolves the pending call matching frame and reports whether it
// did. Frames with unknown ids are left to the caller.
func (b *Broker) Process(frame protocol.Frame) bool {
	if frame.ID == "" {
		return false
	}
	if remote := protocol.ReplyError(frame.Data); remote != nil {
		return b.finish(frame.ID, nil, remote, metrics.RequestRemote)
	}
	return b.finish(frame.ID, frame.Data, nil, metrics.RequestOK)
}

// FailAll completes every pending call with ErrConnectionLost wrapping cause
// and returns how many were failed.
func (b *Broker) FailAll(cause error) int {
	err := errspkg.Lost(cause)
	failed := 0
	b.pending.Range(func(id string, _ *Call) bool {
		if b.finish(id, nil, err, metrics.RequestLost) {
			failed++
		}
		return true
	})
	if failed > 0 {
		b.logger.Debug("Failed pending requests", loggingpkg.LogFields{"count": failed, "cause": cause})
	}
	return failed
}

// finish removes id from the table and completes its call. Only the caller
// that removed the entry completes it.
func (b *Broker) finish(id string, data json.RawMessage, err error, outcome string) bool {
	call, ok := b.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	call.complete(data, err)
	b.metrics.RequestFinished(string(call.Command), outcome, time.Since(call.started))
	return true
}
