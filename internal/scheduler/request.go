package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/travisdw72/onebarn-ai-sub006/pkg/types"
)

var (
	// ErrQueueOverflow is matched by every QueueOverflowError.
	ErrQueueOverflow = errors.New("analysis queue overflow")
	// ErrSchedulerStopped is returned for submissions after Stop and for requests still queued at Stop.
	ErrSchedulerStopped = errors.New("scheduler stopped")
	// ErrInvalidPriority is returned for an unknown priority.
	ErrInvalidPriority = errors.New("invalid priority")
)

// QueueOverflowError rejects a request evicted from a full queue.
type QueueOverflowError struct {
	RequestID types.RequestID
	Priority  types.Priority
	Capacity  int
}

func (e *QueueOverflowError) Error() string {
	return fmt.Sprintf("%v: request %s (%s) evicted at capacity %d", ErrQueueOverflow, e.RequestID, e.Priority, e.Capacity)
}

// Is matches ErrQueueOverflow.
func (e *QueueOverflowError) Is(target error) bool {
	return target == ErrQueueOverflow
}

// outcome is delivered exactly once on a request's result channel.
type outcome struct {
	result types.AnalysisResult
	err    error
}

// request is one queued or dispatched analysis.
type request struct {
	id         types.RequestID
	ctx        context.Context
	image      []byte
	rc         types.RequestContext
	enqueuedAt time.Time
	seq        uint64
	forced     bool

	status   types.RequestStatus
	attempts int
	// excluded holds providers that failed permanently on an earlier attempt.
	excluded map[string]bool

	done chan outcome
	once sync.Once
}

// complete delivers the outcome. Later calls are ignored.
func (r *request) complete(res types.AnalysisResult, err error) {
	r.once.Do(func() {
		r.done <- outcome{result: res, err: err}
	})
}

// abandoned reports whether the caller stopped waiting.
func (r *request) abandoned() bool {
	return r.ctx.Err() != nil
}
