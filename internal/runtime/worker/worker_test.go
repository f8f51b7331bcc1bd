package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	"github.com/drblury/queuelink/internal/runtime/metrics"
	"github.com/drblury/queuelink/internal/runtime/protocol"
	"github.com/drblury/queuelink/internal/runtime/queuetest"
	"github.com/drblury/queuelink/internal/runtime/session"
)

func newTestWorker(t *testing.T, srv *queuetest.Server, concurrency int, hooks JobHooks) *Worker {
	t.Helper()
	cfg := srv.Config()
	cfg.Concurrency = concurrency
	w, err := New(Options{Options: session.Options{Config: cfg}, Hooks: hooks})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})
	return w
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// replies collects n job replies keyed by id.
func replies(t *testing.T, conn *queuetest.Conn, n int) map[string]json.RawMessage {
	t.Helper()
	out := make(map[string]json.RawMessage, n)
	for len(out) < n {
		f := conn.Next(t)
		out[f.ID] = f.Data
	}
	return out
}

func TestProcessConnectsToTheProcessingEndpoint(t *testing.T) {
	srv := queuetest.NewServer(t)
	w := newTestWorker(t, srv, 4, JobHooks{})

	require.NoError(t, w.Process(testContext(t), func(context.Context, *Job) (any, error) { return nil, nil }))

	conn := srv.NextConn(t)
	assert.Equal(t, "/connections/conn-1/queues/emails/process/4", conn.Path)
}

func TestProcessOnlyOnce(t *testing.T) {
	srv := queuetest.NewServer(t)
	w := newTestWorker(t, srv, 1, JobHooks{})
	handler := func(context.Context, *Job) (any, error) { return nil, nil }

	assert.ErrorIs(t, w.Process(testContext(t), nil), errspkg.ErrHandlerRequired)
	require.NoError(t, w.Process(testContext(t), handler))
	assert.ErrorIs(t, w.Process(testContext(t), handler), errspkg.ErrAlreadyProcessing)
}

func TestSuccessfulJobRepliesWithResult(t *testing.T) {
	srv := queuetest.NewServer(t)
	w := newTestWorker(t, srv, 1, JobHooks{})

	require.NoError(t, w.Process(testContext(t), func(_ context.Context, job *Job) (any, error) {
		var in struct {
			N int `json:"n"`
		}
		if err := job.Decode(&in); err != nil {
			return nil, err
		}
		return map[string]int{"double": in.N * 2}, nil
	}))

	conn := srv.NextConn(t)
	require.NoError(t, conn.SendJob("job-1", map[string]int{"n": 21}))

	f := conn.Next(t)
	assert.Equal(t, "job-1", f.ID)
	assert.JSONEq(t, `{"double":42}`, string(f.Data))
}

func TestNilResultIsSentAsEmptyObject(t *testing.T) {
	srv := queuetest.NewServer(t)
	w := newTestWorker(t, srv, 1, JobHooks{})
	require.NoError(t, w.Process(testContext(t), func(context.Context, *Job) (any, error) { return nil, nil }))

	conn := srv.NextConn(t)
	require.NoError(t, conn.SendJob("job-1", nil))

	f := conn.Next(t)
	assert.JSONEq(t, `{}`, string(f.Data))
}

func TestTypedNilResultIsSentAsEmptyObject(t *testing.T) {
	srv := queuetest.NewServer(t)
	w := newTestWorker(t, srv, 1, JobHooks{})
	require.NoError(t, w.Process(testContext(t), JSONHandler(func(context.Context, *Job, email) (*receipt, error) {
		return nil, nil
	})))

	conn := srv.NextConn(t)
	require.NoError(t, conn.SendJob("job-1", map[string]string{"to": "a@b.c"}))

	f := conn.Next(t)
	assert.Equal(t, "job-1", f.ID)
	assert.JSONEq(t, `{}`, string(f.Data))
}

func TestUnencodableResultRepliesWithFailure(t *testing.T) {
	srv := queuetest.NewServer(t)

	var failed, done atomic.Int32
	hooks := JobHooks{
		OnJobDone: func(JobContext) { done.Add(1) },
		OnJobError: func(_ JobContext, err error) {
			assert.ErrorIs(t, err, errspkg.ErrHandlerFailure)
			failed.Add(1)
		},
	}
	w := newTestWorker(t, srv, 1, hooks)
	require.NoError(t, w.Process(testContext(t), func(_ context.Context, job *Job) (any, error) {
		if job.ID == "bad" {
			return map[string]any{"ch": make(chan int)}, nil
		}
		return map[string]string{"ok": "1"}, nil
	}))

	conn := srv.NextConn(t)
	require.NoError(t, conn.SendJob("bad", nil))

	f := conn.Next(t)
	assert.Equal(t, "bad", f.ID)
	var reply struct {
		Err struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		} `json:"err"`
	}
	require.NoError(t, json.Unmarshal(f.Data, &reply))
	assert.Equal(t, "HandlerFailure", reply.Err.Name)
	assert.Contains(t, reply.Err.Message, "encode result")

	require.NoError(t, conn.SendJob("good", nil))
	f = conn.Next(t)
	assert.Equal(t, "good", f.ID)
	assert.JSONEq(t, `{"ok":"1"}`, string(f.Data))

	assert.Eventually(t, func() bool { return done.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), failed.Load())
}

func TestHandlerFailureAndPanicReplyWithFailure(t *testing.T) {
	srv := queuetest.NewServer(t)

	var errorsSeen atomic.Int32
	hooks := JobHooks{OnJobError: func(ctx JobContext, err error) {
		assert.ErrorIs(t, err, errspkg.ErrHandlerFailure)
		errorsSeen.Add(1)
	}}
	w := newTestWorker(t, srv, 2, hooks)

	require.NoError(t, w.Process(testContext(t), func(_ context.Context, job *Job) (any, error) {
		if job.ID == "boom" {
			panic("handler bug")
		}
		return nil, errors.New("smtp unavailable")
	}))

	conn := srv.NextConn(t)
	require.NoError(t, conn.SendJob("fail", nil))
	require.NoError(t, conn.SendJob("boom", nil))

	got := replies(t, conn, 2)
	assert.JSONEq(t, `{"err":{"name":"HandlerFailure","message":"smtp unavailable"}}`, string(got["fail"]))
	assert.JSONEq(t, `{"err":{"name":"HandlerFailure","message":"handler bug"}}`, string(got["boom"]))
	assert.Equal(t, int32(2), errorsSeen.Load())

	// the worker keeps serving after a panic
	require.NoError(t, conn.SendJob("fail", nil))
	assert.Equal(t, "fail", conn.Next(t).ID)
}

func TestConcurrencyIsBounded(t *testing.T) {
	srv := queuetest.NewServer(t)
	w := newTestWorker(t, srv, 2, JobHooks{})

	var running, peak atomic.Int32
	release := make(chan struct{})
	require.NoError(t, w.Process(testContext(t), func(context.Context, *Job) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil, nil
	}))

	conn := srv.NextConn(t)
	for i := 0; i < 6; i++ {
		require.NoError(t, conn.SendJob(fmt.Sprintf("job-%d", i), nil))
	}

	require.Eventually(t, func() bool { return w.Active() == 2 }, 2*time.Second, 5*time.Millisecond)
	// intake keeps going while the handlers are busy
	require.NoError(t, conn.Ping())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())

	close(release)
	got := replies(t, conn, 6)
	assert.Len(t, got, 6)
	assert.Equal(t, int32(2), peak.Load())
}

func TestCloseDrainsRunningHandlers(t *testing.T) {
	srv := queuetest.NewServer(t)
	w := newTestWorker(t, srv, 1, JobHooks{})

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, w.Process(testContext(t), func(context.Context, *Job) (any, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return "done", nil
	}))

	conn := srv.NextConn(t)
	require.NoError(t, conn.SendJob("job-1", nil))
	<-started

	require.NoError(t, w.Close(testContext(t)))
	assert.True(t, finished.Load())
	assert.ErrorIs(t, w.Err(), errspkg.ErrClosed)
}

func TestCloseCancelsHandlersAfterDeadline(t *testing.T) {
	srv := queuetest.NewServer(t)
	w := newTestWorker(t, srv, 1, JobHooks{})

	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, w.Process(testContext(t), func(ctx context.Context, _ *Job) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}))

	conn := srv.NextConn(t)
	require.NoError(t, conn.SendJob("job-1", nil))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestEventsAndControlRepliesReachTheirComponents(t *testing.T) {
	srv := queuetest.NewServer(t)
	srv.Respond(func(cmd protocol.Command) (any, bool) {
		return nil, cmd.Type == protocol.CommandRegisterEvent
	})
	w := newTestWorker(t, srv, 1, JobHooks{})

	events := make(chan string, 1)
	_, err := w.On("stalled", func(ev protocol.Event) {
		var id string
		_ = ev.Arg(0, &id)
		events <- id
	})
	require.NoError(t, err)

	require.NoError(t, w.Process(testContext(t), func(context.Context, *Job) (any, error) { return nil, nil }))
	conn := srv.NextConn(t)
	_, cmd := conn.NextCommand(t)
	assert.Equal(t, protocol.CommandRegisterEvent, cmd.Type)

	require.NoError(t, conn.SendEvent("stalled", "7"))
	assert.Equal(t, "7", <-events)
	assert.Eventually(t, func() bool { return w.Session().Broker().Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestMetricsHooksRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	require.NoError(t, m.Register())

	hooks := MetricsHooks(m)
	hooks.start(JobContext{})
	hooks.finish(JobContext{Duration: time.Millisecond}, nil)
	hooks.start(JobContext{})
	hooks.finish(JobContext{}, &errspkg.HandlerError{Err: errors.New("x"), Panicked: true})

	assert.Equal(t, 2, testutil.CollectAndCount(reg, "queuelink_worker_jobs_total"))
	assert.Nil(t, MetricsHooks(nil).OnJobStart)
}

func TestHooksMergeCallsBothInOrder(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	record := func(name string) func(JobContext) {
		return func(JobContext) {
			mu.Lock()
			calls = append(calls, name)
			mu.Unlock()
		}
	}

	merged := JobHooks{OnJobStart: record("a")}.Merge(JobHooks{OnJobStart: record("b"), OnJobDone: record("done")})
	merged.start(JobContext{})
	merged.finish(JobContext{}, nil)
	merged.finish(JobContext{}, errors.New("ignored without an error hook"))

	assert.Equal(t, []string{"a", "b", "done"}, calls)
}
