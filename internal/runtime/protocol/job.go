package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
)

// JobID accepts both string and numeric ids on the wire and always encodes
// as a string.
type JobID string

func (id *JobID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := jsoncodec.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = JobID(s)
		return nil
	}
	var n json.Number
	if err := jsoncodec.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("job id: %w", err)
	}
	*id = JobID(n.String())
	return nil
}

func (id JobID) String() string { return string(id) }

// JobOptions mirrors the per-job options understood by the remote queue.
// Repeat and Backoff are forwarded untouched.
type JobOptions struct {
	Priority         int             `json:"priority,omitempty"`
	Delay            int64           `json:"delay,omitempty"`
	Attempts         int             `json:"attempts,omitempty"`
	Repeat           json.RawMessage `json:"repeat,omitempty"`
	Backoff          json.RawMessage `json:"backoff,omitempty"`
	LIFO             bool            `json:"lifo,omitempty"`
	Timeout          int64           `json:"timeout,omitempty"`
	JobID            string          `json:"jobId,omitempty"`
	RemoveOnComplete json.RawMessage `json:"removeOnComplete,omitempty"`
	RemoveOnFail     json.RawMessage `json:"removeOnFail,omitempty"`
	StackTraceLimit  int             `json:"stackTraceLimit,omitempty"`
}

// Job is the remote representation of a queued job.
type Job struct {
	ID           JobID           `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	Opts         *JobOptions     `json:"opts,omitempty"`
	Progress     json.RawMessage `json:"progress,omitempty"`
	Delay        int64           `json:"delay,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	AttemptsMade int             `json:"attemptsMade,omitempty"`
	Stacktrace   []string        `json:"stacktrace,omitempty"`
	ReturnValue  json.RawMessage `json:"returnvalue,omitempty"`
	FinishedOn   int64           `json:"finishedOn,omitempty"`
	ProcessedOn  int64           `json:"processedOn,omitempty"`
}

// DecodeData unmarshals the job's data into v.
func (j Job) DecodeData(v any) error {
	return jsoncodec.Unmarshal(j.Data, v)
}

// JobCounts is the per-state job count of a queue.
type JobCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused,omitempty"`
}

// JobLogs is a page of log rows of a job.
type JobLogs struct {
	Logs  []string `json:"logs"`
	Count int      `json:"count"`
}

// GetJobsMethod selects the job state listed by getJobs.
type GetJobsMethod string

const (
	GetWaiting        GetJobsMethod = "getWaiting"
	GetActive         GetJobsMethod = "getActive"
	GetDelayed        GetJobsMethod = "getDelayed"
	GetCompleted      GetJobsMethod = "getCompleted"
	GetFailed         GetJobsMethod = "getFailed"
	GetRepeatableJobs GetJobsMethod = "getRepeatableJobs"
)

// JobsMethod is a per-job command.
type JobsMethod string

const (
	JobRetry   JobsMethod = "retry"
	JobPromote JobsMethod = "promote"
	JobRemove  JobsMethod = "remove"
	JobDiscard JobsMethod = "discard"
)

// CleanStatus selects the job state removed by clean.
type CleanStatus string

const (
	CleanCompleted CleanStatus = "completed"
	CleanWait      CleanStatus = "wait"
	CleanActive    CleanStatus = "active"
	CleanDelayed   CleanStatus = "delayed"
	CleanFailed    CleanStatus = "failed"
)

// Command payloads.
type (
	AddPayload struct {
		Data json.RawMessage `json:"data"`
		Opts *JobOptions     `json:"opts,omitempty"`
	}

	GetJobsPayload struct {
		Method GetJobsMethod `json:"method"`
		Start  int           `json:"start"`
		End    int           `json:"end"`
		Asc    bool          `json:"asc"`
	}

	GetJobLogsPayload struct {
		JobID string `json:"jobId"`
		Start int    `json:"start"`
		End   int    `json:"end"`
	}

	CleanPayload struct {
		Grace  int64       `json:"grace"`
		Status CleanStatus `json:"status,omitempty"`
		Limit  int         `json:"limit,omitempty"`
	}

	JobCommandPayload struct {
		Method JobsMethod `json:"method"`
		JobID  string     `json:"jobId"`
	}

	JobDataPayload struct {
		JobID string          `json:"jobId"`
		Data  json.RawMessage `json:"data"`
	}

	JobProgressPayload struct {
		JobID    string          `json:"jobId"`
		Progress json.RawMessage `json:"progress"`
	}

	JobLogPayload struct {
		JobID string `json:"jobId"`
		Row   string `json:"row"`
	}
)

// FormatJobID renders a numeric job id the way the remote side stores it.
func FormatJobID(n int64) string {
	return strconv.FormatInt(n, 10)
}
