// Package worker is the consumer side: it receives jobs pushed by the remote
// queue, runs them through a handler with bounded concurrency and replies
// with the result or the failure.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	"github.com/drblury/queuelink/internal/runtime/events"
	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/queuelink/internal/runtime/logging"
	"github.com/drblury/queuelink/internal/runtime/protocol"
	"github.com/drblury/queuelink/internal/runtime/session"
)

const tracerName = "github.com/drblury/queuelink/worker"

// Job is one unit of work. ID is the correlation id the reply carries.
type Job struct {
	ID   string
	Data json.RawMessage
}

// Decode unmarshals the job data into v.
func (j *Job) Decode(v any) error {
	if jsoncodec.IsEmpty(j.Data) {
		return nil
	}
	return jsoncodec.Unmarshal(j.Data, v)
}

// Handler processes a job. The returned value becomes the reply data; a nil
// result is sent as an empty object. ctx is cancelled when the worker is
// closed before the handler returns.
type Handler func(ctx context.Context, job *Job) (any, error)

// Options configures a Worker.
type Options struct {
	session.Options
	// Hooks run around every handler invocation, after the built-in logging
	// and metrics hooks.
	Hooks JobHooks
}

// Worker consumes jobs from one queue.
type Worker struct {
	s      *session.Session
	logger loggingpkg.ServiceLogger
	tracer trace.Tracer
	hooks  JobHooks
	queue  string

	sem        *semaphore.Weighted
	active     atomic.Int64
	processing atomic.Bool
	handler    atomic.Pointer[Handler]

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
	running sync.WaitGroup
}

// New builds a worker. Nothing is dialed until Process.
func New(opts Options) (*Worker, error) {
	w := &Worker{}

	sessionOpts := opts.Options
	sessionOpts.Process = true
	sessionOpts.OnJob = w.receive
	s, err := session.New(sessionOpts)
	if err != nil {
		return nil, err
	}

	cfg := s.Config()
	w.s = s
	w.logger = s.Logger()
	w.queue = cfg.QueueName
	w.tracer = opts.Tracer
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	w.sem = semaphore.NewWeighted(int64(cfg.Concurrency))
	w.hooks = LoggingHooks(w.logger).Merge(MetricsHooks(s.Metrics())).Merge(opts.Hooks)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w, nil
}

// Session exposes the underlying session, mainly for the event relay.
func (w *Worker) Session() *session.Session { return w.s }

// Process installs handler and connects to the processing endpoint. It
// returns once the link is open; jobs are then handled in the background
// until Close. A worker processes with one handler only.
func (w *Worker) Process(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if !w.processing.CompareAndSwap(false, true) {
		return errspkg.ErrAlreadyProcessing
	}
	w.handler.Store(&handler)

	if err := w.s.Open(ctx); err != nil {
		w.handler.Store(nil)
		w.processing.Store(false)
		return err
	}
	w.logger.Info("Worker processing", loggingpkg.LogFields{"concurrency": w.s.Config().Concurrency})
	return nil
}

// On subscribes listener to a queue event. Subscriptions made before
// Process are asserted once the link opens.
func (w *Worker) On(event string, listener events.Listener) (*events.Subscription, error) {
	return w.s.Events().On(event, listener)
}

func (w *Worker) Off(sub *events.Subscription) error {
	return w.s.Events().Off(sub)
}

// Active reports the number of handlers currently running.
func (w *Worker) Active() int {
	return int(w.active.Load())
}

// Close stops accepting jobs and waits for running handlers until ctx ends.
// Handlers still running then see their context cancelled and their replies
// are lost. The connection is closed in both cases.
func (w *Worker) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closing = true
	w.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		w.running.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = fmt.Errorf("queuelink: worker closed before handlers drained: %w", ctx.Err())
	}
	w.cancel()
	return errors.Join(err, w.s.Close())
}

// Done is closed when the connection is terminally closed.
func (w *Worker) Done() <-chan struct{} { return w.s.Done() }

// Err returns the terminal error once Done is closed.
func (w *Worker) Err() error { return w.s.Err() }

// receive runs on the read goroutine and must not block.
func (w *Worker) receive(env protocol.JobEnvelope) {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		w.logger.Debug("Ignoring job received while closing", loggingpkg.LogFields{"job_id": env.ID})
		return
	}
	w.running.Add(1)
	w.mu.Unlock()

	go w.run(env)
}

func (w *Worker) run(env protocol.JobEnvelope) {
	defer w.running.Done()

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		w.logger.Debug("Job dropped on close", loggingpkg.LogFields{"job_id": env.ID})
		return
	}
	defer w.sem.Release(1)
	w.active.Add(1)
	defer w.active.Add(-1)

	handler := w.handler.Load()
	if handler == nil {
		w.logger.Debug("Job received without a handler", loggingpkg.LogFields{"job_id": env.ID})
		w.reply(env.ID, protocol.FailurePayload(&errspkg.HandlerError{JobID: env.ID, Err: errspkg.ErrHandlerRequired}))
		return
	}

	ctx, span := w.tracer.Start(w.ctx, "ProcessJob",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("queuelink.job_id", env.ID),
			attribute.String("queuelink.queue", w.queue),
		),
	)
	defer span.End()

	job := &Job{ID: env.ID, Data: env.Payload}
	jc := JobContext{JobID: env.ID, Queue: w.queue, Context: ctx, StartedAt: time.Now()}
	w.hooks.start(jc)

	result, err := invoke(ctx, *handler, job)
	var data json.RawMessage
	if err == nil {
		data, err = encodeResult(job.ID, result)
	}
	jc.Duration = time.Since(jc.StartedAt)
	w.hooks.finish(jc, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.reply(env.ID, protocol.FailurePayload(err))
		return
	}
	w.reply(env.ID, data)
}

// encodeResult renders a handler result as reply data. Empty results,
// including typed nils, become an empty object. A result that cannot be
// encoded is a handler failure so the job still gets an answer.
func encodeResult(jobID string, result any) (json.RawMessage, error) {
	raw, err := jsoncodec.Raw(result)
	if err != nil {
		return nil, &errspkg.HandlerError{JobID: jobID, Err: fmt.Errorf("encode result: %w", err)}
	}
	if jsoncodec.IsEmpty(raw) {
		return json.RawMessage("{}"), nil
	}
	return raw, nil
}

// invoke runs handler, turning a returned error or a panic into a
// *HandlerError.
func invoke(ctx context.Context, handler Handler, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &errspkg.HandlerError{
				JobID:    job.ID,
				Err:      fmt.Errorf("%v", r),
				Panicked: true,
			}
		}
	}()

	result, err = handler(ctx, job)
	if err != nil {
		var handlerErr *errspkg.HandlerError
		if !errors.As(err, &handlerErr) {
			err = &errspkg.HandlerError{JobID: job.ID, Err: err}
		}
		return nil, err
	}
	return result, nil
}

func (w *Worker) reply(id string, data any) {
	if err := w.s.Reply(id, data); err != nil {
		w.logger.Error("Failed to reply to job", err, loggingpkg.LogFields{"job_id": id})
	}
}
