package queue

import (
	"context"
	"sync"
	"time"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/retry"
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusEnqueued  Status = "enqueued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RetryObserver is told about every scheduled retry of a job
type RetryObserver func(job *Job, attempt int, delay time.Duration, err error)

// Request describes a unit of work to submit
type Request struct {
	Queue      string
	RunID      string
	Op         string
	Payload    interface{}
	Priority   int
	Dependency string        // circuit breaker name; empty skips the breaker
	Retry      *retry.Policy // overrides the queue policy when set
	OnRetry    RetryObserver
}

// Job is a submitted request and its outcome
type Job struct {
	ID         string
	Queue      string
	RunID      string
	Op         string
	Payload    interface{}
	Priority   int
	Dependency string

	ctx     context.Context
	policy  retry.Policy
	onRetry RetryObserver
	seq     uint64
	done    chan struct{}

	mu         sync.Mutex
	status     Status
	attempts   int
	result     interface{}
	err        error
	enqueuedAt time.Time
	startedAt  time.Time
	finishedAt time.Time
}

// Status returns the current lifecycle state
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Done is closed when the job completes or fails
func (j *Job) Done() <-chan struct{} { return j.done }

// Wait blocks until the job finishes or ctx is done
func (j *Job) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Record is the archived view of a finished job
type Record struct {
	ID         string        `json:"id" db:"id"`
	RunID      string        `json:"run_id" db:"run_id"`
	Queue      string        `json:"queue" db:"queue"`
	Op         string        `json:"op" db:"op"`
	Dependency string        `json:"dependency" db:"dependency"`
	Priority   int           `json:"priority" db:"priority"`
	Status     Status        `json:"status" db:"status"`
	Attempts   int           `json:"attempts" db:"attempts"`
	Error      string        `json:"error,omitempty" db:"error"`
	EnqueuedAt time.Time     `json:"enqueued_at" db:"enqueued_at"`
	StartedAt  time.Time     `json:"started_at" db:"started_at"`
	FinishedAt time.Time     `json:"finished_at" db:"finished_at"`
	Duration   time.Duration `json:"duration" db:"-"`
}

// Record snapshots the job for archiving
func (j *Job) Record() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := Record{
		ID:         j.ID,
		RunID:      j.RunID,
		Queue:      j.Queue,
		Op:         j.Op,
		Dependency: j.Dependency,
		Priority:   j.Priority,
		Status:     j.status,
		Attempts:   j.attempts,
		EnqueuedAt: j.enqueuedAt,
		StartedAt:  j.startedAt,
		FinishedAt: j.finishedAt,
	}
	if j.err != nil {
		r.Error = j.err.Error()
	}
	if !j.startedAt.IsZero() && !j.finishedAt.IsZero() {
		r.Duration = j.finishedAt.Sub(j.startedAt)
	}
	return r
}

// waitLine orders jobs by priority (higher first), then submission order
type waitLine []*Job

func (w waitLine) Len() int { return len(w) }

func (w waitLine) Less(i, k int) bool {
	if w[i].Priority != w[k].Priority {
		return w[i].Priority > w[k].Priority
	}
	return w[i].seq < w[k].seq
}

func (w waitLine) Swap(i, k int) { w[i], w[k] = w[k], w[i] }

func (w *waitLine) Push(x interface{}) { *w = append(*w, x.(*Job)) }

func (w *waitLine) Pop() interface{} {
	old := *w
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*w = old[:n-1]
	return j
}
