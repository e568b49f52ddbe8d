package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/circuitbreaker"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/metrics"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/ratecontrol"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/retry"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/taxonomy"
)

var (
	ErrClosed       = errors.New("queue set is closed")
	ErrUnknownQueue = errors.New("unknown queue")
	ErrNoHandler    = errors.New("queue has no handler")
)

// Handler executes one attempt of a job
type Handler func(ctx context.Context, job *Job) (interface{}, error)

// Sink receives finished jobs
type Sink interface {
	ArchiveJob(ctx context.Context, rec Record) error
}

// Config configures one queue
type Config struct {
	Concurrency   int          `mapstructure:"concurrency"`
	RatePerMinute int          `mapstructure:"rate_per_minute"`
	Retry         retry.Policy `mapstructure:"-"`
}

// Stats counts jobs per queue
type Stats struct {
	Submitted int64 `json:"submitted"`
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retries   int64 `json:"retries"`
}

type queue struct {
	name    string
	cfg     Config
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	waiting waitLine
	closed  bool

	submitted, running, completed, failed, retries int64
}

// Set is the fixed collection of named job queues. Submit never drops work:
// jobs wait in an unbounded priority line until one of the queue's workers
// is free.
type Set struct {
	queues   map[string]*queue
	breakers *circuitbreaker.Registry
	limits   *ratecontrol.Registry
	sink     Sink
	logger   *zap.Logger
	sleep    retry.Sleeper

	seq      uint64
	started  int32
	closed   int32
	workerWg sync.WaitGroup
}

// Option configures a Set
type Option func(*Set)

// WithSink archives finished jobs to sink
func WithSink(sink Sink) Option { return func(s *Set) { s.sink = sink } }

// WithSleeper overrides retry sleeping, for tests
func WithSleeper(sl retry.Sleeper) Option { return func(s *Set) { s.sleep = sl } }

// NewSet creates queues from cfgs. Breaker and rate registries are shared with
// the rest of the process.
func NewSet(cfgs map[string]Config, breakers *circuitbreaker.Registry, limits *ratecontrol.Registry, logger *zap.Logger, opts ...Option) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limits == nil {
		limits = ratecontrol.NewRegistry(nil)
	}
	s := &Set{
		queues:   make(map[string]*queue, len(cfgs)),
		breakers: breakers,
		limits:   limits,
		logger:   logger,
		sleep:    retry.ContextSleep,
	}
	for name, cfg := range cfgs {
		if cfg.Concurrency <= 0 {
			cfg.Concurrency = 1
		}
		q := &queue{name: name, cfg: cfg}
		q.cond = sync.NewCond(&q.mu)
		s.queues[name] = q
		limits.SetLimit(name, ratecontrol.RateLimit{RPM: cfg.RatePerMinute})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers the handler for a queue. Must be called before Start.
func (s *Set) Handle(name string, h Handler) error {
	q, ok := s.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	q.handler = h
	return nil
}

// Names lists the configured queues
func (s *Set) Names() []string {
	out := make([]string, 0, len(s.queues))
	for n := range s.queues {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Start launches the fixed worker pool of every queue
func (s *Set) Start() {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return
	}
	for _, q := range s.queues {
		for i := 0; i < q.cfg.Concurrency; i++ {
			s.workerWg.Add(1)
			go s.worker(q, i)
		}
		s.logger.Info("Job queue started",
			zap.String("queue", q.name),
			zap.Int("concurrency", q.cfg.Concurrency),
			zap.Int("rate_per_minute", q.cfg.RatePerMinute),
		)
	}
}

// Submit enqueues req. The job runs with ctx; cancel it to abandon the job.
func (s *Set) Submit(ctx context.Context, req Request) (*Job, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, ErrClosed
	}
	q, ok := s.queues[req.Queue]
	if !ok {
		return nil, taxonomy.Wrap(fmt.Errorf("%w: %s", ErrUnknownQueue, req.Queue), taxonomy.KindConfiguration, "queue.submit")
	}
	if q.handler == nil {
		return nil, taxonomy.Wrap(fmt.Errorf("%w: %s", ErrNoHandler, req.Queue), taxonomy.KindConfiguration, "queue.submit")
	}
	policy := q.cfg.Retry
	if req.Retry != nil {
		policy = *req.Retry
	}
	op := req.Op
	if op == "" {
		op = req.Queue
	}
	job := &Job{
		ID:         uuid.NewString(),
		Queue:      req.Queue,
		RunID:      req.RunID,
		Op:         op,
		Payload:    req.Payload,
		Priority:   req.Priority,
		Dependency: req.Dependency,
		ctx:        ctx,
		policy:     policy,
		onRetry:    req.OnRetry,
		seq:        atomic.AddUint64(&s.seq, 1),
		done:       make(chan struct{}),
		status:     StatusEnqueued,
		enqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	heap.Push(&q.waiting, job)
	q.submitted++
	pending := len(q.waiting)
	q.mu.Unlock()
	q.cond.Signal()

	metrics.JobsSubmitted.WithLabelValues(q.name).Inc()
	metrics.JobsPending.WithLabelValues(q.name).Set(float64(pending))
	return job, nil
}

// Run submits req and waits for its outcome
func (s *Set) Run(ctx context.Context, req Request) (interface{}, error) {
	job, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return job.Wait(ctx)
}

// Stats returns counters for every queue
func (s *Set) Stats() map[string]Stats {
	out := make(map[string]Stats, len(s.queues))
	for name, q := range s.queues {
		q.mu.Lock()
		out[name] = Stats{
			Submitted: q.submitted,
			Pending:   int64(len(q.waiting)),
			Running:   q.running,
			Completed: q.completed,
			Failed:    q.failed,
			Retries:   q.retries,
		}
		q.mu.Unlock()
	}
	return out
}

// Close stops accepting jobs, lets workers drain the wait lines, and waits for
// them until ctx is done. Jobs still waiting after ctx expires fail with ErrClosed.
func (s *Set) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.logger.Info("Shutting down job queues")
	for _, q := range s.queues {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}
	if atomic.LoadInt32(&s.started) == 0 {
		s.failWaiting()
		return nil
	}

	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Job queues drained")
		return nil
	case <-ctx.Done():
		s.failWaiting()
		s.logger.Warn("Timeout draining job queues")
		return ctx.Err()
	}
}

func (s *Set) failWaiting() {
	for _, q := range s.queues {
		q.mu.Lock()
		left := q.waiting
		q.waiting = nil
		q.mu.Unlock()
		for _, j := range left {
			s.finish(q, j, nil, ErrClosed)
		}
	}
}

func (s *Set) worker(q *queue, id int) {
	defer s.workerWg.Done()
	s.logger.Debug("Queue worker started", zap.String("queue", q.name), zap.Int("worker_id", id))
	for {
		q.mu.Lock()
		for len(q.waiting) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.waiting) == 0 && q.closed {
			q.mu.Unlock()
			s.logger.Debug("Queue worker stopped", zap.String("queue", q.name), zap.Int("worker_id", id))
			return
		}
		job := heap.Pop(&q.waiting).(*Job)
		q.running++
		pending := len(q.waiting)
		q.mu.Unlock()
		metrics.JobsPending.WithLabelValues(q.name).Set(float64(pending))

		s.execute(q, job)
	}
}

// execute runs one job: per attempt, rate limiter wait, then the breaker named
// by the job dependency, then the handler. Breaker rejections are not retried.
func (s *Set) execute(q *queue, job *Job) {
	job.mu.Lock()
	job.status = StatusRunning
	job.startedAt = time.Now()
	job.mu.Unlock()

	ctx := job.ctx
	if err := ctx.Err(); err != nil {
		s.finish(q, job, nil, err)
		return
	}

	exec := retry.NewExecutor(job.policy,
		retry.WithLogger(s.logger),
		retry.WithSleeper(s.sleep),
		retry.WithPredicate(func(err error) bool {
			return !circuitbreaker.IsOpen(err) && retry.DefaultPredicate(err)
		}),
		retry.WithObserver(func(attempt int, delay time.Duration, err error) {
			q.mu.Lock()
			q.retries++
			q.mu.Unlock()
			if job.onRetry != nil {
				job.onRetry(job, attempt, delay, err)
			}
		}),
	)

	dependency := job.Dependency
	if dependency == "" {
		dependency = q.name
	}
	result, err := retry.Run(ctx, exec, job.Op, dependency, func(ctx context.Context) (interface{}, error) {
		job.mu.Lock()
		job.attempts++
		job.mu.Unlock()

		if err := s.limits.Wait(ctx, q.name); err != nil {
			return nil, err
		}
		if job.Dependency == "" || s.breakers == nil {
			return q.handler(ctx, job)
		}
		var out interface{}
		err := s.breakers.Execute(ctx, job.Dependency, func(ctx context.Context) error {
			var herr error
			out, herr = q.handler(ctx, job)
			return herr
		})
		return out, err
	})
	s.finish(q, job, result, err)
}

func (s *Set) finish(q *queue, job *Job, result interface{}, err error) {
	job.mu.Lock()
	wasRunning := job.status == StatusRunning
	job.finishedAt = time.Now()
	job.result = result
	job.err = err
	if err != nil {
		job.status = StatusFailed
	} else {
		job.status = StatusCompleted
	}
	status := job.status
	job.mu.Unlock()
	// waiters see counters and the archived record already updated
	defer close(job.done)

	q.mu.Lock()
	if wasRunning {
		q.running--
	}
	if err != nil {
		q.failed++
	} else {
		q.completed++
	}
	q.mu.Unlock()

	rec := job.Record()
	metrics.JobsFinished.WithLabelValues(q.name, string(status)).Inc()
	if rec.Duration > 0 {
		metrics.JobDuration.WithLabelValues(q.name).Observe(rec.Duration.Seconds())
	}
	if err != nil {
		s.logger.Debug("Job failed",
			zap.String("queue", q.name),
			zap.String("job_id", job.ID),
			zap.String("op", job.Op),
			zap.Int("attempts", rec.Attempts),
			zap.Error(err),
		)
	}

	if s.sink != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(job.ctx), 5*time.Second)
		if aerr := s.sink.ArchiveJob(actx, rec); aerr != nil {
			s.logger.Warn("Failed to archive job", zap.String("job_id", job.ID), zap.Error(aerr))
		}
		cancel()
	}
}
