package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Queue is the job store workers claim from. Claim returns (nil, nil)
// when nothing is pending.
type Queue interface {
	Submit(ctx context.Context, j Job) (Job, error)
	Claim(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, id, message string) error
	Fail(ctx context.Context, id, message string) error
	Get(ctx context.Context, id string) (Job, error)
}

// MemoryQueue is an in-process Queue for the CLI and tests. Jobs are
// claimed in submission order.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
	Now   func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*Job), Now: time.Now}
}

func (q *MemoryQueue) now() time.Time {
	if q.Now == nil {
		return time.Now()
	}
	return q.Now()
}

func (q *MemoryQueue) Submit(_ context.Context, j Job) (Job, error) {
	j, err := prepare(j, q.now())
	if err != nil {
		return Job{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	stored := j
	q.jobs[j.ID] = &stored
	q.order = append(q.order, j.ID)
	return j, nil
}

func (q *MemoryQueue) Claim(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status != StatusPending {
			continue
		}
		j.Status = StatusRunning
		j.Updated = q.now()
		out := *j
		return &out, nil
	}
	return nil, nil
}

func (q *MemoryQueue) finish(id, message string, to Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if j.Status != StatusRunning {
		return fmt.Errorf("%s is %s: %w", id, j.Status, ErrInvalidTransition)
	}
	j.Status = to
	j.Message = message
	j.Updated = q.now()
	return nil
}

func (q *MemoryQueue) Complete(_ context.Context, id, message string) error {
	return q.finish(id, message, StatusCompleted)
}

func (q *MemoryQueue) Fail(_ context.Context, id, message string) error {
	return q.finish(id, message, StatusFailed)
}

func (q *MemoryQueue) Get(_ context.Context, id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return *j, nil
}
