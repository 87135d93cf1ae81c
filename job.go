// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"time"

	"github.com/priyansh/swarmq/internal/base"
)

// Job represents a unit of work pulled off a queue and handed to a Handler.
type Job struct {
	msg *base.JobMessage
}

func newJob(msg *base.JobMessage) *Job {
	return &Job{msg: msg}
}

// ID returns the unique identifier of the job.
func (j *Job) ID() string { return j.msg.ID }

// Queue returns the name of the queue the job belongs to.
func (j *Job) Queue() string { return j.msg.Queue }

// Payload returns the payload data of the job.
func (j *Job) Payload() []byte { return j.msg.Payload }

// Attempts returns the number of times the job has been claimed for
// processing, including the current invocation. It is 1 on the first run.
func (j *Job) Attempts() int { return j.msg.Attempts }

// MaxRetries returns the maximum number of retries allowed after the
// first failed attempt.
func (j *Job) MaxRetries() int { return j.msg.MaxRetries }

// Timeout returns the per-invocation processing time limit.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.msg.Timeout) * time.Millisecond
}

// Backoff returns the base delay used to compute retry eligibility.
func (j *Job) Backoff() time.Duration {
	return time.Duration(j.msg.Backoff) * time.Millisecond
}

// CreatedAt returns the time the job was accepted by a queue service.
func (j *Job) CreatedAt() time.Time {
	return time.UnixMilli(j.msg.CreatedAt).UTC()
}

// JobStatus represents the externally visible lifecycle state of a job.
type JobStatus int

const (
	// StatusPending indicates the job is waiting to be claimed. Jobs
	// awaiting a retry or scheduled eligibility instant are also pending.
	StatusPending JobStatus = iota + 1

	// StatusInFlight indicates the job has been claimed by a worker and
	// is currently being processed.
	StatusInFlight

	// StatusCompleted indicates the job was processed successfully.
	StatusCompleted

	// StatusFailed indicates the job exhausted all of its attempts.
	StatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

func statusFromState(state base.JobState) JobStatus {
	switch state {
	case base.JobStatePending, base.JobStateScheduled, base.JobStateRetry:
		return StatusPending
	case base.JobStateActive:
		return StatusInFlight
	case base.JobStateCompleted:
		return StatusCompleted
	case base.JobStateFailed:
		return StatusFailed
	}
	return 0
}

// JobInfo describes a job and its current state within a queue.
type JobInfo struct {
	// ID is the identifier of the job.
	ID string

	// Queue is the name of the queue the job belongs to.
	Queue string

	// Status is the current lifecycle status of the job.
	Status JobStatus

	// Payload is the payload data of the job.
	Payload []byte

	// Attempts is the number of times the job has been claimed so far.
	Attempts int

	// MaxRetries is the maximum number of retries allowed after the
	// first failed attempt.
	MaxRetries int

	// Timeout is the per-invocation processing time limit.
	Timeout time.Duration

	// Backoff is the base delay used to compute retry eligibility.
	Backoff time.Duration

	// CreatedAt is the time the job was accepted by a queue service.
	CreatedAt time.Time

	// NextEligibleAt is the earliest time the job may be claimed.
	// It is zero unless the job is awaiting a retry or scheduled run.
	NextEligibleAt time.Time

	// LastError is the error message from the most recent failed attempt.
	LastError string

	// LastFailedAt is the time of the most recent failed attempt.
	LastFailedAt time.Time

	// CompletedAt is the time the job completed successfully.
	CompletedAt time.Time

	// Retention is how long a completed record is kept before deletion.
	Retention time.Duration
}

func newJobInfo(info *base.JobInfo) *JobInfo {
	msg := info.Message
	return &JobInfo{
		ID:             msg.ID,
		Queue:          msg.Queue,
		Status:         statusFromState(info.State),
		Payload:        msg.Payload,
		Attempts:       msg.Attempts,
		MaxRetries:     msg.MaxRetries,
		Timeout:        time.Duration(msg.Timeout) * time.Millisecond,
		Backoff:        time.Duration(msg.Backoff) * time.Millisecond,
		CreatedAt:      time.UnixMilli(msg.CreatedAt).UTC(),
		NextEligibleAt: info.NextEligibleAt,
		LastError:      info.LastError,
		LastFailedAt:   info.LastFailedAt,
		CompletedAt:    info.CompletedAt,
		Retention:      time.Duration(msg.Retention) * time.Second,
	}
}
