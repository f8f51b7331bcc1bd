// Package client is the producer side: it adds jobs, inspects and manages a
// remote queue and subscribes to its events.
package client

import (
	"context"
	"encoding/json"

	"github.com/drblury/queuelink/internal/runtime/events"
	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
	"github.com/drblury/queuelink/internal/runtime/protocol"
	"github.com/drblury/queuelink/internal/runtime/session"
)

// Client issues one correlated request per operation over a lazily opened
// connection. It is safe for concurrent use.
type Client struct {
	s *session.Session
}

// New builds a client. The connection is opened by the first operation.
func New(opts session.Options) (*Client, error) {
	opts.Process = false
	opts.OnJob = nil
	s, err := session.New(opts)
	if err != nil {
		return nil, err
	}
	return &Client{s: s}, nil
}

// Session exposes the underlying session, mainly for the event relay.
func (c *Client) Session() *session.Session { return c.s }

// Connect opens the connection without sending anything.
func (c *Client) Connect(ctx context.Context) error {
	return c.s.Open(ctx)
}

// Add enqueues a job carrying data and returns the job as stored remotely.
func (c *Client) Add(ctx context.Context, data any, opts *protocol.JobOptions) (protocol.Job, error) {
	raw, err := jsoncodec.Raw(data)
	if err != nil {
		return protocol.Job{}, err
	}
	return session.Call[protocol.Job](ctx, c.s, protocol.CommandAdd, protocol.AddPayload{Data: raw, Opts: opts})
}

func (c *Client) Pause(ctx context.Context) error {
	return c.exec(ctx, protocol.CommandPause, nil)
}

func (c *Client) Resume(ctx context.Context) error {
	return c.exec(ctx, protocol.CommandResume, nil)
}

// Count returns the number of waiting and delayed jobs.
func (c *Client) Count(ctx context.Context) (int, error) {
	return session.Call[int](ctx, c.s, protocol.CommandCount, nil)
}

// Empty drains the queue of waiting jobs.
func (c *Client) Empty(ctx context.Context) error {
	return c.exec(ctx, protocol.CommandEmpty, nil)
}

func (c *Client) GetJobLogs(ctx context.Context, jobID string, start, end int) (protocol.JobLogs, error) {
	return session.Call[protocol.JobLogs](ctx, c.s, protocol.CommandGetJobLogs, protocol.GetJobLogsPayload{JobID: jobID, Start: start, End: end})
}

func (c *Client) GetJobCounts(ctx context.Context) (protocol.JobCounts, error) {
	return session.Call[protocol.JobCounts](ctx, c.s, protocol.CommandGetJobsCount, nil)
}

// GetJobs lists jobs in the state selected by method between start and end.
func (c *Client) GetJobs(ctx context.Context, method protocol.GetJobsMethod, start, end int, asc bool) ([]protocol.Job, error) {
	return session.Call[[]protocol.Job](ctx, c.s, protocol.CommandGetJobs, protocol.GetJobsPayload{Method: method, Start: start, End: end, Asc: asc})
}

func (c *Client) GetWaiting(ctx context.Context, start, end int, asc bool) ([]protocol.Job, error) {
	return c.GetJobs(ctx, protocol.GetWaiting, start, end, asc)
}

func (c *Client) GetActive(ctx context.Context, start, end int, asc bool) ([]protocol.Job, error) {
	return c.GetJobs(ctx, protocol.GetActive, start, end, asc)
}

func (c *Client) GetDelayed(ctx context.Context, start, end int, asc bool) ([]protocol.Job, error) {
	return c.GetJobs(ctx, protocol.GetDelayed, start, end, asc)
}

func (c *Client) GetCompleted(ctx context.Context, start, end int, asc bool) ([]protocol.Job, error) {
	return c.GetJobs(ctx, protocol.GetCompleted, start, end, asc)
}

func (c *Client) GetFailed(ctx context.Context, start, end int, asc bool) ([]protocol.Job, error) {
	return c.GetJobs(ctx, protocol.GetFailed, start, end, asc)
}

func (c *Client) GetRepeatableJobs(ctx context.Context, start, end int, asc bool) ([]protocol.Job, error) {
	return c.GetJobs(ctx, protocol.GetRepeatableJobs, start, end, asc)
}

// Clean removes jobs in status older than grace milliseconds and returns the
// removed ids.
func (c *Client) Clean(ctx context.Context, grace int64, status protocol.CleanStatus, limit int) ([]protocol.JobID, error) {
	return session.Call[[]protocol.JobID](ctx, c.s, protocol.CommandClean, protocol.CleanPayload{Grace: grace, Status: status, Limit: limit})
}

// JobCommand runs a per-job command such as retry or remove.
func (c *Client) JobCommand(ctx context.Context, method protocol.JobsMethod, jobID string) error {
	return c.exec(ctx, protocol.CommandJobsCommand, protocol.JobCommandPayload{Method: method, JobID: jobID})
}

func (c *Client) RetryJob(ctx context.Context, jobID string) error {
	return c.JobCommand(ctx, protocol.JobRetry, jobID)
}

func (c *Client) PromoteJob(ctx context.Context, jobID string) error {
	return c.JobCommand(ctx, protocol.JobPromote, jobID)
}

func (c *Client) RemoveJob(ctx context.Context, jobID string) error {
	return c.JobCommand(ctx, protocol.JobRemove, jobID)
}

func (c *Client) DiscardJob(ctx context.Context, jobID string) error {
	return c.JobCommand(ctx, protocol.JobDiscard, jobID)
}

// UpdateJobData replaces the data of a job.
func (c *Client) UpdateJobData(ctx context.Context, jobID string, data any) error {
	raw, err := jsoncodec.Raw(data)
	if err != nil {
		return err
	}
	return c.exec(ctx, protocol.CommandJobUpdate, protocol.JobDataPayload{JobID: jobID, Data: raw})
}

// UpdateJobProgress sets the progress of a job, a number or an object.
func (c *Client) UpdateJobProgress(ctx context.Context, jobID string, progress any) error {
	raw, err := jsoncodec.Raw(progress)
	if err != nil {
		return err
	}
	return c.exec(ctx, protocol.CommandJobUpdate, protocol.JobProgressPayload{JobID: jobID, Progress: raw})
}

// AppendJobLog adds a row to the log of a job.
func (c *Client) AppendJobLog(ctx context.Context, jobID, row string) error {
	return c.exec(ctx, protocol.CommandJobUpdate, protocol.JobLogPayload{JobID: jobID, Row: row})
}

// On subscribes listener to a queue event such as "completed" or "failed".
func (c *Client) On(ctx context.Context, event string, listener events.Listener) (*events.Subscription, error) {
	return c.s.On(ctx, event, listener)
}

func (c *Client) Off(sub *events.Subscription) error {
	return c.s.Off(sub)
}

// Close closes the connection. Requests still waiting fail with
// ErrConnectionLost.
func (c *Client) Close() error {
	return c.s.Close()
}

// Done is closed when the connection is terminally closed.
func (c *Client) Done() <-chan struct{} { return c.s.Done() }

// Err returns the terminal error once Done is closed.
func (c *Client) Err() error { return c.s.Err() }

func (c *Client) exec(ctx context.Context, t protocol.CommandType, payload any) error {
	_, err := session.Call[json.RawMessage](ctx, c.s, t, payload)
	return err
}
