// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package base defines foundational types and constants used in swarmq package.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/priyansh/swarmq/internal/errors"
)

// Version of swarmq library.
const Version = "0.1.0"

// DefaultQueueName is the queue name used if none are specified by user.
const DefaultQueueName = "default"

// LeaseGracePeriod is the duration added on top of a job's timeout when
// computing its lease deadline. A worker resolves an invocation at the
// timeout, so a lease that reaches its deadline belongs to a dead worker.
const LeaseGracePeriod = 30 * time.Second

// DefaultQueue is the redis key for the default queue.
var DefaultQueue = PendingKey(DefaultQueueName)

// Global Redis keys.
const (
	AllServers    = "swarmq:servers" // ZSET
	AllWorkers    = "swarmq:workers" // ZSET
	AllQueues     = "swarmq:queues"  // SET
	CancelChannel = "swarmq:cancel"  // PubSub channel
)

// JobState denotes the state of a job record in the store.
type JobState int

const (
	JobStateActive JobState = iota + 1
	JobStatePending
	JobStateScheduled
	JobStateRetry
	JobStateFailed
	JobStateCompleted
)

func (s JobState) String() string {
	switch s {
	case JobStateActive:
		return "active"
	case JobStatePending:
		return "pending"
	case JobStateScheduled:
		return "scheduled"
	case JobStateRetry:
		return "retry"
	case JobStateFailed:
		return "failed"
	case JobStateCompleted:
		return "completed"
	}
	panic(fmt.Sprintf("internal error: unknown job state %d", s))
}

func JobStateFromString(s string) (JobState, error) {
	switch s {
	case "active":
		return JobStateActive, nil
	case "pending":
		return JobStatePending, nil
	case "scheduled":
		return JobStateScheduled, nil
	case "retry":
		return JobStateRetry, nil
	case "failed":
		return JobStateFailed, nil
	case "completed":
		return JobStateCompleted, nil
	}
	return 0, errors.E(errors.FailedPrecondition, fmt.Sprintf("%q is not supported job state", s))
}

// ValidateQueueName validates a given qname to be used as a queue name.
// Returns nil if valid, otherwise returns non-nil error.
func ValidateQueueName(qname string) error {
	if len(strings.TrimSpace(qname)) == 0 {
		return fmt.Errorf("queue name must contain one or more characters")
	}
	return nil
}

// QueueKeyPrefix returns a prefix for all keys in the given queue.
// The queue name is wrapped in a hash tag so that all keys for a queue
// land on the same slot in cluster mode.
func QueueKeyPrefix(qname string) string {
	return "swarmq:{" + qname + "}:"
}

// JobKeyPrefix returns a prefix for job key.
func JobKeyPrefix(qname string) string {
	return QueueKeyPrefix(qname) + "j:"
}

// JobKey returns a redis key for the given job message.
func JobKey(qname, id string) string {
	return JobKeyPrefix(qname) + id
}

// PendingKey returns a redis key for the given queue name.
func PendingKey(qname string) string {
	return QueueKeyPrefix(qname) + "pending"
}

// ActiveKey returns a redis key for the active jobs.
func ActiveKey(qname string) string {
	return QueueKeyPrefix(qname) + "active"
}

// ScheduledKey returns a redis key for the scheduled jobs.
func ScheduledKey(qname string) string {
	return QueueKeyPrefix(qname) + "scheduled"
}

// RetryKey returns a redis key for the jobs awaiting a retry.
func RetryKey(qname string) string {
	return QueueKeyPrefix(qname) + "retry"
}

// FailedKey returns a redis key for the terminally failed jobs.
func FailedKey(qname string) string {
	return QueueKeyPrefix(qname) + "failed"
}

// LeaseKey returns a redis key for the lease.
func LeaseKey(qname string) string {
	return QueueKeyPrefix(qname) + "lease"
}

func CompletedKey(qname string) string {
	return QueueKeyPrefix(qname) + "completed"
}

// PausedKey returns a redis key to indicate that the given queue is paused.
func PausedKey(qname string) string {
	return QueueKeyPrefix(qname) + "paused"
}

// ProcessedTotalKey returns a redis key for total processed count for the given queue.
func ProcessedTotalKey(qname string) string {
	return QueueKeyPrefix(qname) + "processed"
}

// FailedTotalKey returns a redis key for total failure count for the given queue.
func FailedTotalKey(qname string) string {
	return QueueKeyPrefix(qname) + "failed_total"
}

// DailyProcessedKey returns a redis key for processed count for the given day for the queue.
func DailyProcessedKey(qname string, t time.Time) string {
	return QueueKeyPrefix(qname) + "processed:" + t.UTC().Format("2006-01-02")
}

// DailyFailedKey returns a redis key for failure count for the given day for the queue.
func DailyFailedKey(qname string, t time.Time) string {
	return QueueKeyPrefix(qname) + "failed:" + t.UTC().Format("2006-01-02")
}

// ServerInfoKey returns a redis key for process info.
func ServerInfoKey(hostname string, pid int, serverID string) string {
	return fmt.Sprintf("swarmq:servers:{%s:%d:%s}", hostname, pid, serverID)
}

// WorkersKey returns a redis key for the workers given hostname, pid, and server ID.
func WorkersKey(hostname string, pid int, serverID string) string {
	return fmt.Sprintf("swarmq:workers:{%s:%d:%s}", hostname, pid, serverID)
}

// JobMessage is the internal representation of a job with additional metadata fields.
// Serialized data of this type gets written to redis.
type JobMessage struct {
	// ID is a unique identifier for each job.
	ID string `json:"id"`

	// Queue is a name this message should be enqueued to.
	Queue string `json:"queue"`

	// Payload holds data needed to process the job.
	Payload []byte `json:"payload"`

	// MaxRetries is the max number of retries for this job.
	// The job is invoked at most MaxRetries+1 times before it is
	// marked as failed.
	MaxRetries int `json:"max_retries"`

	// Attempts is the number of times this job has been claimed for
	// processing, including the claim in progress.
	//
	// It is kept as a separate store field rather than part of the
	// serialized message so that a claim can increment it atomically.
	Attempts int `json:"-"`

	// Timeout specifies timeout in milliseconds for a single invocation.
	// If processing doesn't complete within the timeout, the invocation
	// counts as a failed attempt.
	Timeout int64 `json:"timeout_ms"`

	// Backoff specifies the base retry delay in milliseconds.
	// The delay before attempt n+1 is Backoff * 2^(n-1).
	Backoff int64 `json:"backoff_ms"`

	// CreatedAt is the time the job was enqueued, in Unix time in
	// milliseconds.
	CreatedAt int64 `json:"created_at"`

	// Retention specifies the number of seconds the job record should be
	// retained after completion.
	//
	// Use zero to indicate no retention after completion.
	Retention int64 `json:"retention,omitempty"`
}

// EncodeMessage marshals the given job message and returns an encoded bytes.
func EncodeMessage(msg *JobMessage) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot encode nil message")
	}
	return json.Marshal(msg)
}

// DecodeMessage unmarshals the given bytes and returns a decoded job message.
func DecodeMessage(data []byte) (*JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// JobInfo describes a job message and its mutable store metadata.
type JobInfo struct {
	Message        *JobMessage
	State          JobState
	NextEligibleAt time.Time // zero unless state is scheduled or retry
	LastError      string
	LastFailedAt   time.Time
	CompletedAt    time.Time
}

// QueueStats describes the current state of a queue.
type QueueStats struct {
	// Name of the queue.
	Queue string
	// Number of jobs in each state.
	Pending   int
	Active    int
	Scheduled int
	Retry     int
	Completed int
	Failed    int
	// Total number of jobs processed (completed or failed invocations)
	// since the queue was created.
	Processed int
	// Total number of failed invocations since the queue was created.
	FailedTotal int
	// Paused indicates whether the queue is paused.
	Paused bool
	// Time when this stats snapshot was taken.
	Timestamp time.Time
}

// ServerInfo holds information about a running server.
type ServerInfo struct {
	Host              string         `json:"host"`
	PID               int            `json:"pid"`
	ServerID          string         `json:"server_id"`
	Queues            map[string]int `json:"queues"` // queue name -> dispatcher concurrency
	Status            string         `json:"status"`
	Started           time.Time      `json:"started"`
	ActiveWorkerCount int            `json:"active_worker_count"`
}

// EncodeServerInfo marshals the given ServerInfo and returns the encoded bytes.
func EncodeServerInfo(info *ServerInfo) ([]byte, error) {
	if info == nil {
		return nil, fmt.Errorf("cannot encode nil server info")
	}
	return json.Marshal(info)
}

// DecodeServerInfo decodes the given bytes into ServerInfo.
func DecodeServerInfo(b []byte) (*ServerInfo, error) {
	var info ServerInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WorkerInfo holds information about a running worker.
type WorkerInfo struct {
	Host     string    `json:"host"`
	PID      int       `json:"pid"`
	ServerID string    `json:"server_id"`
	ID       string    `json:"id"`
	Queue    string    `json:"queue"`
	Payload  []byte    `json:"payload"`
	Started  time.Time `json:"started"`
	Deadline time.Time `json:"deadline"`
}

// EncodeWorkerInfo marshals the given WorkerInfo and returns the encoded bytes.
func EncodeWorkerInfo(info *WorkerInfo) ([]byte, error) {
	if info == nil {
		return nil, fmt.Errorf("cannot encode nil worker info")
	}
	return json.Marshal(info)
}

// DecodeWorkerInfo decodes the given bytes into WorkerInfo.
func DecodeWorkerInfo(b []byte) (*WorkerInfo, error) {
	var info WorkerInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Cancelations is a collection that holds cancel functions for all active jobs.
//
// Cancelations are safe for concurrent use by multiple goroutines.
type Cancelations struct {
	mu          sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// NewCancelations returns a Cancelations instance.
func NewCancelations() *Cancelations {
	return &Cancelations{
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// Add adds a new cancel func to the collection.
func (c *Cancelations) Add(id string, fn context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFuncs[id] = fn
}

// Delete deletes a cancel func from the collection given an id.
func (c *Cancelations) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cancelFuncs, id)
}

// Get returns a cancel func given an id.
func (c *Cancelations) Get(id string) (fn context.CancelFunc, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok = c.cancelFuncs[id]
	return fn, ok
}

// Subscription is a stream of messages from a broker pub/sub channel.
type Subscription interface {
	// Channel returns the channel from which messages are received.
	Channel() <-chan string
	// Close shuts down the subscription.
	Close() error
}

// Broker is a message broker that supports operations to manage job queues.
//
// See rdb.RDB as a reference implementation.
type Broker interface {
	Ping() error
	Close() error
	Enqueue(ctx context.Context, msg *JobMessage) error
	Schedule(ctx context.Context, msg *JobMessage, processAt time.Time) error

	// Claim atomically moves the earliest eligible job in the queue to the
	// active state, increments its attempt count and acquires a lease.
	// The returned message has Attempts set to the new count, and the
	// returned time is the lease deadline. If no job is eligible it
	// returns errors.ErrNoProcessableJob.
	Claim(qname string) (*JobMessage, time.Time, error)

	MarkCompleted(ctx context.Context, msg *JobMessage) error
	Reschedule(ctx context.Context, msg *JobMessage, processAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, msg *JobMessage, errMsg string) error

	// Requeue moves the given active job back to the pending state and
	// releases its claim. The claim's attempt is uncounted.
	Requeue(ctx context.Context, msg *JobMessage) error

	GetInfo(ctx context.Context, qname, id string) (*JobInfo, error)
	CurrentStats(ctx context.Context, qname string) (*QueueStats, error)

	// Job retention related method
	DeleteExpiredCompletedJobs(qname string, batchSize int) error

	// Lease related method
	ListLeaseExpired(cutoff time.Time, qnames ...string) ([]*JobMessage, error)

	// State snapshot related methods
	WriteServerState(info *ServerInfo, workers []*WorkerInfo, ttl time.Duration) error
	ClearServerState(host string, pid int, serverID string) error

	// Cancelation related methods
	SubscribeCancelation() (Subscription, error)
	PublishCancelation(id string) error
}
