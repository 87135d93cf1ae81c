// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package swarmq

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/priyansh/swarmq/internal/base"
	"github.com/priyansh/swarmq/internal/errors"
	"github.com/priyansh/swarmq/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// ErrQueueNotFound indicates that the queue with the given name does not exist.
var ErrQueueNotFound = errors.New("swarmq: queue not found")

// Inspector is a client interface to inspect and mutate the state of
// queues and jobs.
type Inspector struct {
	rdb *rdb.RDB
}

// NewInspector returns a new instance of Inspector.
func NewInspector(r RedisConnOpt) (*Inspector, error) {
	c, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return nil, fmt.Errorf("swarmq: unsupported RedisConnOpt type %T", r)
	}
	return &Inspector{rdb: rdb.NewRDB(c)}, nil
}

// NewInspectorFromRedisClient returns a new instance of Inspector given a
// redis.UniversalClient. The caller is responsible for closing the client.
func NewInspectorFromRedisClient(c redis.UniversalClient) *Inspector {
	return &Inspector{rdb: rdb.NewRDB(c)}
}

// Close closes the connection with redis.
func (i *Inspector) Close() error {
	return i.rdb.Close()
}

// Queues returns a list of all queue names.
func (i *Inspector) Queues(ctx context.Context) ([]string, error) {
	return i.rdb.AllQueues(ctx)
}

// GetQueueStats returns a snapshot of the queue's current counts.
// It returns an error wrapping ErrQueueNotFound if the queue does not exist.
func (i *Inspector) GetQueueStats(ctx context.Context, qname string) (*QueueStats, error) {
	stats, err := i.rdb.CurrentStats(ctx, qname)
	switch {
	case err == nil:
		return newQueueStats(stats), nil
	case errors.IsQueueNotFound(err):
		return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, qname)
	default:
		return nil, err
	}
}

// DailyStats holds the aggregate counters of a queue for a given day.
type DailyStats struct {
	// Name of the queue.
	Queue string
	// Number of jobs processed successfully during the given day.
	Processed int
	// Number of failed invocations during the given day.
	Failed int
	// Date this snapshot applies to.
	Date time.Time
}

// History returns a list of stats from the last n days, most recent first.
func (i *Inspector) History(ctx context.Context, qname string, n int) ([]*DailyStats, error) {
	var res []*DailyStats
	now := time.Now().UTC()
	for d := 0; d < n; d++ {
		day := now.AddDate(0, 0, -d)
		processed, failed, err := i.rdb.DailyStats(ctx, qname, day)
		if err != nil {
			return nil, err
		}
		res = append(res, &DailyStats{
			Queue:     qname,
			Processed: processed,
			Failed:    failed,
			Date:      day.Truncate(24 * time.Hour),
		})
	}
	return res, nil
}

// GetJobInfo returns the current state of the job with the given id.
// It returns an error wrapping ErrJobNotFound if no such job exists.
func (i *Inspector) GetJobInfo(ctx context.Context, qname, id string) (*JobInfo, error) {
	info, err := i.rdb.GetInfo(ctx, qname, id)
	switch {
	case err == nil:
		return newJobInfo(info), nil
	case errors.IsJobNotFound(err):
		return nil, fmt.Errorf("%w: id=%s queue=%s", ErrJobNotFound, id, qname)
	default:
		return nil, err
	}
}

// ListOption specifies behavior of list operation.
type ListOption interface{}

// Internal list option representations.
type (
	pageSizeOpt int
	pageNumOpt  int
)

type listOption struct {
	pageSize int
	pageNum  int
}

const (
	// Page size used by default in list operation.
	defaultPageSize = 30

	// Page number used by default in list operation.
	defaultPageNum = 1
)

func composeListOptions(opts ...ListOption) listOption {
	res := listOption{
		pageSize: defaultPageSize,
		pageNum:  defaultPageNum,
	}
	for _, opt := range opts {
		switch opt := opt.(type) {
		case pageSizeOpt:
			res.pageSize = int(opt)
		case pageNumOpt:
			res.pageNum = int(opt)
		default:
			// ignore unexpected option
		}
	}
	return res
}

// PageSize returns an option to specify the page size for list operation.
//
// Negative page size is treated as zero.
func PageSize(n int) ListOption {
	if n < 0 {
		n = 0
	}
	return pageSizeOpt(n)
}

// Page returns an option to specify the page number for list operation.
// The value 1 fetches the first page.
//
// Negative page number is treated as one.
func Page(n int) ListOption {
	if n < 0 {
		n = 1
	}
	return pageNumOpt(n)
}

// ListPendingJobs retrieves jobs eligible to be claimed from the given queue.
//
// By default, it retrieves the first 30 jobs.
func (i *Inspector) ListPendingJobs(ctx context.Context, qname string, opts ...ListOption) ([]*JobInfo, error) {
	return i.listJobs(ctx, qname, base.JobStatePending, opts...)
}

// ListInFlightJobs retrieves jobs currently being processed from the given queue.
//
// By default, it retrieves the first 30 jobs.
func (i *Inspector) ListInFlightJobs(ctx context.Context, qname string, opts ...ListOption) ([]*JobInfo, error) {
	return i.listJobs(ctx, qname, base.JobStateActive, opts...)
}

// ListScheduledJobs retrieves jobs waiting for a scheduled eligibility
// instant from the given queue, ordered by the instant.
//
// By default, it retrieves the first 30 jobs.
func (i *Inspector) ListScheduledJobs(ctx context.Context, qname string, opts ...ListOption) ([]*JobInfo, error) {
	return i.listJobs(ctx, qname, base.JobStateScheduled, opts...)
}

// ListRetryJobs retrieves jobs waiting to be retried from the given
// queue, ordered by their retry instant.
//
// By default, it retrieves the first 30 jobs.
func (i *Inspector) ListRetryJobs(ctx context.Context, qname string, opts ...ListOption) ([]*JobInfo, error) {
	return i.listJobs(ctx, qname, base.JobStateRetry, opts...)
}

// ListCompletedJobs retrieves completed job records still retained for
// the given queue, ordered by expiry.
//
// By default, it retrieves the first 30 jobs.
func (i *Inspector) ListCompletedJobs(ctx context.Context, qname string, opts ...ListOption) ([]*JobInfo, error) {
	return i.listJobs(ctx, qname, base.JobStateCompleted, opts...)
}

// ListFailedJobs retrieves jobs that exhausted all attempts from the
// given queue, most recent failure first.
//
// By default, it retrieves the first 30 jobs.
func (i *Inspector) ListFailedJobs(ctx context.Context, qname string, opts ...ListOption) ([]*JobInfo, error) {
	return i.listJobs(ctx, qname, base.JobStateFailed, opts...)
}

func (i *Inspector) listJobs(ctx context.Context, qname string, state base.JobState, opts ...ListOption) ([]*JobInfo, error) {
	opt := composeListOptions(opts...)
	pgn := rdb.Pagination{Size: opt.pageSize, Page: opt.pageNum - 1}
	infos, err := i.rdb.ListJobs(ctx, qname, state, pgn)
	switch {
	case err == nil:
		jobs := make([]*JobInfo, 0, len(infos))
		for _, info := range infos {
			jobs = append(jobs, newJobInfo(info))
		}
		return jobs, nil
	case errors.IsQueueNotFound(err):
		return nil, fmt.Errorf("%w: %q", ErrQueueNotFound, qname)
	default:
		return nil, err
	}
}

// PauseQueue pauses claim operations on the given queue. Jobs can still
// be enqueued while a queue is paused, and in-flight jobs run to
// completion.
//
// PauseQueue returns an error if the queue is already paused.
func (i *Inspector) PauseQueue(ctx context.Context, qname string) error {
	return i.rdb.Pause(ctx, qname)
}

// UnpauseQueue resumes claim operations on the given queue.
//
// UnpauseQueue returns an error if the queue is not paused.
func (i *Inspector) UnpauseQueue(ctx context.Context, qname string) error {
	return i.rdb.Unpause(ctx, qname)
}

// CancelProcessing sends a signal to cancel processing of the job
// with the given id. The signal reaches every manager subscribed to the
// cancelation channel; the one holding the job cancels its worker
// context, which counts as a failed attempt.
func (i *Inspector) CancelProcessing(ctx context.Context, id string) error {
	return i.rdb.PublishCancelation(id)
}

// DeleteJob deletes the job with the given id from the given queue.
// The job cannot be in flight.
func (i *Inspector) DeleteJob(ctx context.Context, qname, id string) error {
	err := i.rdb.DeleteJob(ctx, qname, id)
	switch {
	case errors.IsJobNotFound(err):
		return fmt.Errorf("%w: id=%s queue=%s", ErrJobNotFound, id, qname)
	default:
		return err
	}
}

// ServerInfo describes a running Manager instance.
type ServerInfo struct {
	// ID is a unique identifier for the manager instance.
	ID string

	// Host machine on which the manager is running.
	Host string

	// PID of the process in which the manager is running.
	PID int

	// Queues the manager is dispatching, with the worker concurrency of each.
	Queues map[string]int

	// Status indicates the status of the manager.
	// It is one of "new", "active", "stopped", "closed".
	Status string

	// Time the manager was started.
	Started time.Time

	// ActiveWorkers holds the currently running workers of this manager.
	ActiveWorkers []*WorkerInfo
}

// WorkerInfo describes a running worker processing a job.
type WorkerInfo struct {
	// ID of the job the worker is processing.
	JobID string

	// Queue from which the job was claimed.
	Queue string

	// Payload of the job the worker is processing.
	Payload []byte

	// Time the worker started processing the job.
	Started time.Time

	// Time the worker's lease on the job expires.
	Deadline time.Time
}

// Servers returns the information of all running Manager instances
// that heartbeat against the same store, most recently started first.
func (i *Inspector) Servers(ctx context.Context) ([]*ServerInfo, error) {
	servers, err := i.rdb.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := i.rdb.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	m := make(map[string]*ServerInfo) // ServerInfo keyed by serverID
	for _, s := range servers {
		info := &ServerInfo{
			ID:      s.ServerID,
			Host:    s.Host,
			PID:     s.PID,
			Queues:  s.Queues,
			Status:  s.Status,
			Started: s.Started,
		}
		m[s.ServerID] = info
	}
	for _, w := range workers {
		srvInfo, ok := m[w.ServerID]
		if !ok {
			continue
		}
		srvInfo.ActiveWorkers = append(srvInfo.ActiveWorkers, &WorkerInfo{
			JobID:    w.ID,
			Queue:    w.Queue,
			Payload:  w.Payload,
			Started:  w.Started,
			Deadline: w.Deadline,
		})
	}
	var out []*ServerInfo
	for _, info := range m {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	return out, nil
}
