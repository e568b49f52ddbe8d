package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/circuitbreaker"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/ratecontrol"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/retry"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

func noSleep(context.Context, time.Duration) error { return nil }

type memorySink struct {
	mu      sync.Mutex
	records []Record
}

func (m *memorySink) ArchiveJob(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memorySink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func newSet(t *testing.T, cfgs map[string]Config, opts ...Option) (*Set, *circuitbreaker.Registry) {
	t.Helper()
	breakers := circuitbreaker.NewRegistry(circuitbreaker.Settings{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         time.Minute,
	}, zaptest.NewLogger(t))
	opts = append([]Option{WithSleeper(noSleep)}, opts...)
	s := NewSet(cfgs, breakers, ratecontrol.NewRegistry(nil), zaptest.NewLogger(t), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s, breakers
}

func TestRunReturnsHandlerResult(t *testing.T) {
	sink := &memorySink{}
	s, _ := newSet(t, map[string]Config{"search": {Concurrency: 2}}, WithSink(sink))
	require.NoError(t, s.Handle("search", func(ctx context.Context, job *Job) (interface{}, error) {
		return job.Payload.(string) + "!", nil
	}))
	s.Start()

	out, err := s.Run(context.Background(), Request{Queue: "search", Payload: "hello", RunID: "run-1"})
	require.NoError(t, err)
	assert.Equal(t, "hello!", out)

	st := s.Stats()["search"]
	assert.Equal(t, int64(1), st.Submitted)
	assert.Equal(t, int64(1), st.Completed)
	assert.Zero(t, st.Running)
	assert.Equal(t, 1, sink.len())
	assert.Equal(t, StatusCompleted, sink.records[0].Status)
	assert.Equal(t, "run-1", sink.records[0].RunID)
}

func TestSubmitUnknownQueueIsConfigurationError(t *testing.T) {
	s, _ := newSet(t, map[string]Config{"search": {Concurrency: 1}})
	_, err := s.Submit(context.Background(), Request{Queue: "nope"})
	assert.True(t, taxonomy.IsFatal(err))
	assert.ErrorIs(t, err, ErrUnknownQueue)

	_, err = s.Submit(context.Background(), Request{Queue: "search"})
	assert.ErrorIs(t, err, ErrNoHandler)
	assert.Error(t, s.Handle("nope", nil))
}

func TestRetriesTransientFailures(t *testing.T) {
	s, _ := newSet(t, map[string]Config{"search": {Concurrency: 1, Retry: retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond}}})
	var calls int32
	require.NoError(t, s.Handle("search", func(ctx context.Context, job *Job) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, taxonomy.New(taxonomy.KindNetwork, "search", "502")
		}
		return "ok", nil
	}))
	s.Start()

	var observed int32
	out, err := s.Run(context.Background(), Request{
		Queue:      "search",
		Dependency: "provider-a",
		OnRetry: func(job *Job, attempt int, delay time.Duration, err error) {
			atomic.AddInt32(&observed, 1)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, int32(2), atomic.LoadInt32(&observed))
	assert.Equal(t, int64(2), s.Stats()["search"].Retries)
}

func TestConfigurationFailuresAreNotRetried(t *testing.T) {
	s, _ := newSet(t, map[string]Config{"search": {Concurrency: 1, Retry: retry.Policy{MaxRetries: 3}}})
	var calls int32
	require.NoError(t, s.Handle("search", func(ctx context.Context, job *Job) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, taxonomy.New(taxonomy.KindConfiguration, "search", "401")
	}))
	s.Start()

	_, err := s.Run(context.Background(), Request{Queue: "search"})
	assert.True(t, taxonomy.IsFatal(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, int64(1), s.Stats()["search"].Failed)
}

func TestOpenBreakerStopsAttempts(t *testing.T) {
	s, breakers := newSet(t, map[string]Config{"search": {Concurrency: 1, Retry: retry.Policy{MaxRetries: 3}}})
	var calls int32
	require.NoError(t, s.Handle("search", func(ctx context.Context, job *Job) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, taxonomy.New(taxonomy.KindNetwork, "search", "503")
	}))
	s.Start()

	ctx := context.Background()
	req := Request{Queue: "search", Dependency: "primary"}
	_, err := s.Run(ctx, req) // four attempts, four failures
	require.Error(t, err)
	_, err = s.Run(ctx, req) // fifth failure opens, second attempt rejected
	require.Error(t, err)
	assert.True(t, circuitbreaker.IsOpen(err))
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
	assert.Equal(t, []string{"primary"}, breakers.OpenBreakers())

	_, err = s.Run(ctx, req)
	assert.True(t, circuitbreaker.IsOpen(err))
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "open breaker must not reach the dependency")
}

func TestHigherPriorityLeavesWaitLineFirst(t *testing.T) {
	s, _ := newSet(t, map[string]Config{"search": {Concurrency: 1}})
	var mu sync.Mutex
	var order []int
	release := make(chan struct{})
	require.NoError(t, s.Handle("search", func(ctx context.Context, job *Job) (interface{}, error) {
		if job.Priority == -1 {
			<-release
			return nil, nil
		}
		mu.Lock()
		order = append(order, job.Priority)
		mu.Unlock()
		return nil, nil
	}))

	ctx := context.Background()
	blocker, err := s.Submit(ctx, Request{Queue: "search", Priority: -1})
	require.NoError(t, err)
	s.Start()
	require.Eventually(t, func() bool { return blocker.Status() == StatusRunning }, time.Second, time.Millisecond)

	var jobs []*Job
	for _, p := range []int{1, 5, 3, 5} {
		j, err := s.Submit(ctx, Request{Queue: "search", Priority: p})
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	assert.Equal(t, int64(4), s.Stats()["search"].Pending)
	close(release)
	for _, j := range jobs {
		_, err := j.Wait(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{5, 5, 3, 1}, order)
}

func TestConcurrencyIsBounded(t *testing.T) {
	s, _ := newSet(t, map[string]Config{"search": {Concurrency: 2}})
	var active, peak int32
	require.NoError(t, s.Handle("search", func(ctx context.Context, job *Job) (interface{}, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil, nil
	}))
	s.Start()

	ctx := context.Background()
	var jobs []*Job
	for i := 0; i < 10; i++ {
		j, err := s.Submit(ctx, Request{Queue: "search"})
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	for _, j := range jobs {
		_, _ = j.Wait(ctx)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, int64(10), s.Stats()["search"].Completed)
}

func TestCancelledJobFailsWithoutRunning(t *testing.T) {
	s, _ := newSet(t, map[string]Config{"search": {Concurrency: 1}})
	var calls int32
	require.NoError(t, s.Handle("search", func(ctx context.Context, job *Job) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	job, err := s.Submit(ctx, Request{Queue: "search"})
	require.NoError(t, err)
	cancel()
	s.Start()

	<-job.Done()
	_, err = job.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestCloseRejectsNewJobsAndFailsWaiting(t *testing.T) {
	s, _ := newSet(t, map[string]Config{"search": {Concurrency: 1}})
	require.NoError(t, s.Handle("search", func(ctx context.Context, job *Job) (interface{}, error) { return nil, nil }))
	job, err := s.Submit(context.Background(), Request{Queue: "search"})
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	_, err = job.Wait(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))

	_, err = s.Submit(context.Background(), Request{Queue: "search"})
	assert.ErrorIs(t, err, ErrClosed)
}
