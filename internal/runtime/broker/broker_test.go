package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	"github.com/drblury/queuelink/internal/runtime/protocol"
)

type recordingSender struct {
	mu         sync.Mutex
	frames     []protocol.Frame
	err        error
	generation uint64
}

func (s *recordingSender) SendOn(generation uint64, data []byte) error {
	s.mu.Lock()
	current := s.generation
	s.mu.Unlock()
	if generation != current {
		return errspkg.ErrNotConnected
	}
	return s.Send(data)
}

func (s *recordingSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		return err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSender) sent() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Frame(nil), s.frames...)
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("req-%d", n.Add(1)) }
}

func newTestBroker(t *testing.T) (*Broker, *recordingSender) {
	t.Helper()
	sender := &recordingSender{}
	b, err := New(Options{Sender: sender, IDs: sequentialIDs()})
	require.NoError(t, err)
	return b, sender
}

func waitSent(t *testing.T, s *recordingSender, n int) []protocol.Frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.sent()) >= n }, time.Second, time.Millisecond)
	return s.sent()
}

func TestNewRequiresSender(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSendWritesFrameAndRegistersCall(t *testing.T) {
	b, sender := newTestBroker(t)

	call, err := b.Send(protocol.RegisterEvent("completed"))
	require.NoError(t, err)
	assert.Equal(t, "req-1", call.ID)
	assert.Equal(t, 1, b.Pending())

	frames := sender.sent()
	require.Len(t, frames, 1)
	assert.Equal(t, "req-1", frames[0].ID)
	assert.JSONEq(t, `{"type":"registerEvent","payload":{"event":"completed"}}`, string(frames[0].Data))
}

func TestSendOnPinsGeneration(t *testing.T) {
	b, sender := newTestBroker(t)
	sender.generation = 3

	_, err := b.SendOn(0, protocol.RegisterEvent("completed"))
	assert.ErrorIs(t, err, errspkg.ErrNotConnected)
	_, err = b.SendOn(2, protocol.RegisterEvent("completed"))
	assert.ErrorIs(t, err, errspkg.ErrNotConnected)
	assert.Equal(t, 0, b.Pending())

	call, err := b.SendOn(3, protocol.RegisterEvent("completed"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.Pending())
	assert.Len(t, sender.sent(), 1)
	assert.NotEmpty(t, call.ID)
}

func TestSendFailureRemovesCall(t *testing.T) {
	b, sender := newTestBroker(t)
	sender.err = errspkg.ErrNotConnected

	_, err := b.Send(protocol.Command{Type: protocol.CommandPause})
	assert.ErrorIs(t, err, errspkg.ErrNotConnected)
	assert.Equal(t, 0, b.Pending())
}

func TestRequestResolvesByExactID(t *testing.T) {
	b, sender := newTestBroker(t)

	type result struct {
		data json.RawMessage
		err  error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		data, err := b.Request(context.Background(), protocol.Command{Type: protocol.CommandCount})
		first <- result{data, err}
	}()
	waitSent(t, sender, 1)
	go func() {
		data, err := b.Request(context.Background(), protocol.Command{Type: protocol.CommandCount})
		second <- result{data, err}
	}()
	frames := waitSent(t, sender, 2)

	// reply to the second request first
	assert.True(t, b.Process(protocol.Frame{ID: frames[1].ID, Data: json.RawMessage(`2`)}))
	r := <-second
	require.NoError(t, r.err)
	assert.Equal(t, "2", string(r.data))

	select {
	case <-first:
		t.Fatal("first request resolved by a foreign reply")
	default:
	}

	assert.True(t, b.Process(protocol.Frame{ID: frames[0].ID, Data: json.RawMessage(`1`)}))
	r = <-first
	require.NoError(t, r.err)
	assert.Equal(t, "1", string(r.data))
	assert.Equal(t, 0, b.Pending())
}

func TestProcessIgnoresUnknownAndLateReplies(t *testing.T) {
	b, _ := newTestBroker(t)
	assert.False(t, b.Process(protocol.Frame{ID: "nope", Data: json.RawMessage(`1`)}))
	assert.False(t, b.Process(protocol.Frame{}))

	call, err := b.Send(protocol.Command{Type: protocol.CommandCount})
	require.NoError(t, err)
	assert.True(t, b.Process(protocol.Frame{ID: call.ID, Data: json.RawMessage(`1`)}))
	assert.False(t, b.Process(protocol.Frame{ID: call.ID, Data: json.RawMessage(`2`)}))

	data, err := call.Result()
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))
}

func TestRemoteFailureRejectsCall(t *testing.T) {
	b, _ := newTestBroker(t)
	call, err := b.Send(protocol.Command{Type: protocol.CommandAdd})
	require.NoError(t, err)

	b.Process(protocol.Frame{ID: call.ID, Data: json.RawMessage(`{"err":{"name":"Invalid","message":"bad opts"}}`)})
	<-call.Done()

	_, err = call.Result()
	var remote *errspkg.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "bad opts", remote.Message)
}

func TestFailAllFailsEveryPendingCallOnce(t *testing.T) {
	b, _ := newTestBroker(t)
	calls := make([]*Call, 5)
	for i := range calls {
		c, err := b.Send(protocol.Command{Type: protocol.CommandCount})
		require.NoError(t, err)
		calls[i] = c
	}

	cause := errors.New("socket reset")
	assert.Equal(t, 5, b.FailAll(cause))
	assert.Equal(t, 0, b.Pending())
	assert.Equal(t, 0, b.FailAll(cause))

	for _, c := range calls {
		<-c.Done()
		_, err := c.Result()
		assert.ErrorIs(t, err, errspkg.ErrConnectionLost)
		assert.ErrorIs(t, err, cause)
	}

	// a reply arriving after the drop is not an error
	assert.False(t, b.Process(protocol.Frame{ID: calls[0].ID, Data: json.RawMessage(`1`)}))
}

func TestRequestCancellationAbandonsCall(t *testing.T) {
	b, sender := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, protocol.Command{Type: protocol.CommandEmpty})
		errCh <- err
	}()
	frames := waitSent(t, sender, 1)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, b.Pending())
	assert.False(t, b.Process(protocol.Frame{ID: frames[0].ID}))
}

func TestRequestAsDecodesReply(t *testing.T) {
	b, sender := newTestBroker(t)

	type out struct {
		counts protocol.JobCounts
		err    error
	}
	ch := make(chan out, 1)
	go func() {
		counts, err := RequestAs[protocol.JobCounts](context.Background(), b, protocol.Command{Type: protocol.CommandGetJobsCount})
		ch <- out{counts, err}
	}()
	frames := waitSent(t, sender, 1)
	b.Process(protocol.Frame{ID: frames[0].ID, Data: json.RawMessage(`{"waiting":4,"active":1,"completed":9,"failed":2,"delayed":0}`)})

	r := <-ch
	require.NoError(t, r.err)
	assert.Equal(t, protocol.JobCounts{Waiting: 4, Active: 1, Completed: 9, Failed: 2}, r.counts)
}

func TestRequestAsEmptyReplyIsZeroValue(t *testing.T) {
	b, sender := newTestBroker(t)

	ch := make(chan error, 1)
	var got []protocol.Job
	go func() {
		var err error
		got, err = RequestAs[[]protocol.Job](context.Background(), b, protocol.Command{Type: protocol.CommandGetJobs})
		ch <- err
	}()
	frames := waitSent(t, sender, 1)
	b.Process(protocol.Frame{ID: frames[0].ID})

	require.NoError(t, <-ch)
	assert.Nil(t, got)
}

func TestConcurrentRequestsAreAllResolved(t *testing.T) {
	b, sender := newTestBroker(t)
	const total = 50

	var wg sync.WaitGroup
	errs := make(chan error, total)
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Request(context.Background(), protocol.Command{Type: protocol.CommandCount})
			errs <- err
		}()
	}

	frames := waitSent(t, sender, total)
	for _, f := range frames {
		go b.Process(protocol.Frame{ID: f.ID, Data: json.RawMessage(`0`)})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 0, b.Pending())
}
