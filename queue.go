// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/errors"
	"github.com/priyansh/swarmq/internal/log"
)

var (
	// ErrSerialization indicates a payload could not be serialized to JSON.
	ErrSerialization = errors.New("swarmq: payload serialization failed")

	// ErrStoreUnavailable indicates the backing store could not be reached
	// or rejected the operation.
	ErrStoreUnavailable = errors.New("swarmq: store unavailable")

	// ErrDuplicateJob indicates that a job with the given id already
	// exists in the queue.
	ErrDuplicateJob = errors.New("swarmq: job already exists")

	// ErrJobNotFound indicates that a job with the given id does not
	// exist in the queue.
	ErrJobNotFound = errors.New("swarmq: job not found")
)

// A QueueService enqueues jobs on a single named queue and reads them back.
//
// QueueServices are created and owned by a Manager; see
// Manager.CreateQueue and Manager.CreateQueueWithProcessor.
// A QueueService is safe for concurrent use by multiple goroutines.
type QueueService struct {
	name       string
	maxRetries int
	broker     base.Broker
	logger     *log.Logger

	defaultTimeout time.Duration
	defaultBackoff time.Duration
	retention      time.Duration
}

func newQueueService(name string, maxRetries int, broker base.Broker, logger *log.Logger, timeout, backoff, retention time.Duration) *QueueService {
	return &QueueService{
		name:           name,
		maxRetries:     maxRetries,
		broker:         broker,
		logger:         logger,
		defaultTimeout: timeout,
		defaultBackoff: backoff,
		retention:      retention,
	}
}

// Name returns the name of the queue this service operates on.
func (q *QueueService) Name() string { return q.name }

// AddToQueue serializes the given payload, persists it as a new job and
// returns the job id. The job becomes eligible for processing
// immediately unless a ProcessAt or ProcessIn option says otherwise.
//
// Payloads of type []byte and json.RawMessage are stored as is; anything
// else is marshaled with encoding/json. A payload that cannot be
// marshaled results in an error wrapping ErrSerialization.
func (q *QueueService) AddToQueue(payload interface{}, opts ...Option) (string, error) {
	return q.AddToQueueContext(context.Background(), payload, opts...)
}

// AddToQueueContext is like AddToQueue but accepts a context for the
// store write.
func (q *QueueService) AddToQueueContext(ctx context.Context, payload interface{}, opts ...Option) (string, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	defaults := option{
		maxRetries: q.maxRetries,
		timeout:    q.defaultTimeout,
		backoff:    q.defaultBackoff,
		retention:  q.retention,
	}
	opt, err := composeOptions(defaults, opts...)
	if err != nil {
		return "", err
	}
	id := opt.jobID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	msg := &base.JobMessage{
		ID:         id,
		Queue:      q.name,
		Payload:    data,
		MaxRetries: opt.maxRetries,
		Timeout:    int64(opt.timeout / time.Millisecond),
		Backoff:    int64(opt.backoff / time.Millisecond),
		CreatedAt:  now.UnixMilli(),
		Retention:  int64(opt.retention / time.Second),
	}
	if opt.processAt.After(now) {
		err = q.broker.Schedule(ctx, msg, opt.processAt)
	} else {
		err = q.broker.Enqueue(ctx, msg)
	}
	switch {
	case err == nil:
	case errors.Is(err, errors.ErrDuplicateJob):
		return "", fmt.Errorf("%w: id=%s", ErrDuplicateJob, id)
	default:
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	q.logger.Debugf("Enqueued job id=%s queue=%s", id, q.name)
	return id, nil
}

// GetJob returns the current state of the job with the given id.
// It returns an error wrapping ErrJobNotFound if no such job exists.
func (q *QueueService) GetJob(id string) (*JobInfo, error) {
	return q.GetJobContext(context.Background(), id)
}

// GetJobContext is like GetJob but accepts a context for the store read.
func (q *QueueService) GetJobContext(ctx context.Context, id string) (*JobInfo, error) {
	info, err := q.broker.GetInfo(ctx, q.name, id)
	switch {
	case err == nil:
		return newJobInfo(info), nil
	case errors.IsJobNotFound(err):
		return nil, fmt.Errorf("%w: id=%s queue=%s", ErrJobNotFound, id, q.name)
	default:
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// Stats returns a snapshot of the queue's current counts.
func (q *QueueService) Stats(ctx context.Context) (*QueueStats, error) {
	stats, err := q.broker.CurrentStats(ctx, q.name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return newQueueStats(stats), nil
}

// QueueStats is a snapshot of a queue's current counts.
type QueueStats struct {
	// Name of the queue.
	Queue string

	// Number of jobs eligible to be claimed right now.
	Pending int

	// Number of jobs currently being processed.
	InFlight int

	// Number of jobs waiting for a scheduled eligibility instant.
	Scheduled int

	// Number of jobs waiting to be retried.
	Retry int

	// Number of completed records still retained.
	Completed int

	// Number of jobs that exhausted all attempts.
	Failed int

	// Total number of jobs processed successfully since the queue was created.
	Processed int

	// Total number of failed attempts since the queue was created.
	FailedTotal int

	// Paused reports whether claims are suspended on this queue.
	Paused bool

	// Time when this snapshot was taken.
	Timestamp time.Time
}

func newQueueStats(s *base.QueueStats) *QueueStats {
	return &QueueStats{
		Queue:       s.Queue,
		Pending:     s.Pending,
		InFlight:    s.Active,
		Scheduled:   s.Scheduled,
		Retry:       s.Retry,
		Completed:   s.Completed,
		Failed:      s.Failed,
		Processed:   s.Processed,
		FailedTotal: s.FailedTotal,
		Paused:      s.Paused,
		Timestamp:   s.Timestamp,
	}
}

func marshalPayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}
